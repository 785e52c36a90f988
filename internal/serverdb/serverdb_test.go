package serverdb

import (
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndVerifyDevice(t *testing.T) {
	db := newTestDB(t)

	key, dev, err := db.RegisterDevice("dev-1", "truck 7")
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if dev.ID != "dev-1" || len(key) != len(deviceKeyPrefix)+keyLength {
		t.Fatalf("device %+v key %q", dev, key)
	}

	got, err := db.VerifyDevice("dev-1", key)
	if err != nil || got == nil {
		t.Fatalf("VerifyDevice: %v %v", got, err)
	}
	if got.LastSeenAt == nil {
		t.Error("last_seen_at not set")
	}

	if got, _ := db.VerifyDevice("dev-1", key+"x"); got != nil {
		t.Error("wrong key verified")
	}
	if got, _ := db.VerifyDevice("nope", key); got != nil {
		t.Error("unknown device verified")
	}
}

func TestGeneratedDeviceID(t *testing.T) {
	db := newTestDB(t)
	_, dev, err := db.RegisterDevice("", "")
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if len(dev.ID) != len("dev_")+16 {
		t.Errorf("id: %q", dev.ID)
	}
}

func TestRevokeDevice(t *testing.T) {
	db := newTestDB(t)
	key, _, _ := db.RegisterDevice("dev-1", "")

	if err := db.RevokeDevice("dev-1"); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if got, _ := db.VerifyDevice("dev-1", key); got != nil {
		t.Error("revoked device verified")
	}
	active, err := db.DeviceActive("dev-1")
	if err != nil || active {
		t.Errorf("DeviceActive: %v %v", active, err)
	}
	if err := db.RevokeDevice("dev-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second revoke: %v", err)
	}
	if active, _ := db.DeviceActive("ghost"); active {
		t.Error("unknown device active")
	}
}

func TestListDevices(t *testing.T) {
	db := newTestDB(t)
	db.RegisterDevice("a", "")
	db.RegisterDevice("b", "")
	devices, err := db.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("devices: %d", len(devices))
	}
}

func TestInsertRecordsDeduplicates(t *testing.T) {
	db := newTestDB(t)
	db.RegisterDevice("dev-1", "")
	now := time.Now()

	first, err := db.InsertRecords("dev-1", "report", []RecordInput{
		{IdempotencyKey: "k1", LocalID: 1, Payload: `{"title":"a"}`, ClientCreatedAt: now},
		{IdempotencyKey: "k2", LocalID: 2, Payload: `{"title":"b"}`, ClientCreatedAt: now},
	})
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if len(first) != 2 || first[0].Duplicate || first[0].RemoteID == "" {
		t.Fatalf("first: %+v", first)
	}

	second, err := db.InsertRecords("dev-1", "report", []RecordInput{
		{IdempotencyKey: "k2", LocalID: 2, Payload: `{"title":"b"}`, ClientCreatedAt: now},
		{IdempotencyKey: "k3", LocalID: 3, Payload: `{"title":"c"}`, ClientCreatedAt: now},
	})
	if err != nil {
		t.Fatalf("InsertRecords again: %v", err)
	}
	if !second[0].Duplicate || second[0].RemoteID != first[1].RemoteID {
		t.Errorf("duplicate: %+v, want remote id %s", second[0], first[1].RemoteID)
	}
	if second[1].Duplicate {
		t.Errorf("new record marked duplicate: %+v", second[1])
	}

	counts, err := db.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if counts["report"] != 3 {
		t.Errorf("count: %d", counts["report"])
	}

	rec, err := db.GetRecordByKey("dev-1", "report", "k1")
	if err != nil || rec == nil {
		t.Fatalf("GetRecordByKey: %v %v", rec, err)
	}
	if rec.Payload != `{"title":"a"}` || rec.LocalID != 1 {
		t.Errorf("record: %+v", rec)
	}
}

func TestSameKeyDifferentEntity(t *testing.T) {
	db := newTestDB(t)
	db.RegisterDevice("dev-1", "")
	in := []RecordInput{{IdempotencyKey: "k", LocalID: 1, Payload: `{}`, ClientCreatedAt: time.Now()}}

	db.InsertRecords("dev-1", "report", in)
	res, err := db.InsertRecords("dev-1", "photo", in)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if res[0].Duplicate {
		t.Error("key should be scoped to entity type")
	}
}

func TestRateLimitEvents(t *testing.T) {
	db := newTestDB(t)
	if err := db.InsertRateLimitEvent("", "10.0.0.1", "auth"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.InsertRateLimitEvent("dev-1", "10.0.0.2", "push")

	all, err := db.ListRateLimitEvents("", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %v", all, err)
	}
	if all[0].DeviceID != "dev-1" || all[1].DeviceID != "" {
		t.Errorf("order or device: %+v", all)
	}
	mine, _ := db.ListRateLimitEvents("dev-1", 10)
	if len(mine) != 1 {
		t.Errorf("filtered: %+v", mine)
	}

	n, err := db.CleanupRateLimitEvents(-time.Minute)
	if err != nil || n != 2 {
		t.Errorf("cleanup: %d %v", n, err)
	}
}

func TestRejections(t *testing.T) {
	db := newTestDB(t)
	if err := db.InsertRejection("dev-1", "report", "k1", "title required"); err != nil {
		t.Errorf("InsertRejection: %v", err)
	}
}

func TestOpenMigratesToLatest(t *testing.T) {
	db := newTestDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != ServerSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, ServerSchemaVersion)
	}
	if err := db.InsertRejection("dev-1", "report", "k1", "validation"); err != nil {
		t.Fatalf("rejections table missing: %v", err)
	}
}
