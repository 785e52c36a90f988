package syncharness

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
)

var goodWiFi = netmon.State{Connected: true, Transport: netmon.TransportWiFi, Quality: netmon.QualityGood}

func (h *Harness) addCheckpointVerification() {
	h.t.Helper()
	cv := &models.CheckpointVerification{CheckpointID: "gate-7", Latitude: 52.37, Longitude: 4.89, DistanceM: 3}
	if err := h.DB.InsertCheckpointVerification(context.Background(), cv); err != nil {
		h.t.Fatalf("insert checkpoint verification: %v", err)
	}
}

func (h *Harness) waitSubscribed() {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Monitor.Subscribers() == 0 {
		if time.Now().After(deadline) {
			h.t.Fatal("connectivity trigger never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOfflineRestoreThenScheduledTick(t *testing.T) {
	h := New(t, Options{BatchLimit: 5})
	h.Monitor.Update(netmon.Offline)
	h.AddLocations(12)
	h.addCheckpointVerification()

	h.Monitor.Update(goodWiFi)
	if got := h.Pushes(); len(got) != 0 {
		t.Fatalf("uploads before the tick: %v", got)
	}
	if err := h.Orch.Schedule(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	finals := h.Finals(1)
	h.Orch.CancelSchedule()

	if len(finals) != 1 {
		t.Fatalf("final events = %d, want 1", len(finals))
	}
	r := finals[0].LastResult
	if r == nil || r.Trigger != string(orchestrator.TriggerSchedule) || r.Status != string(orchestrator.OverallSuccess) || r.Synced != 13 {
		t.Fatalf("scheduled pass = %+v", r)
	}

	pushes := h.Pushes()
	want := []models.EntityType{
		models.EntityCheckpointVerification,
		models.EntityLocationSample, models.EntityLocationSample, models.EntityLocationSample,
	}
	if !slices.Equal(pushes, want) {
		t.Errorf("uploads = %v, want %v", pushes, want)
	}
	for _, et := range []models.EntityType{models.EntityCheckpointVerification, models.EntityLocationSample} {
		recs, err := h.DB.GetUnsynced(context.Background(), et, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 0 {
			t.Errorf("%s still pending: %d", et, len(recs))
		}
	}
	if c := h.LocalCounts(models.EntityLocationSample); c.Synced != 12 {
		t.Errorf("local locations = %+v", c)
	}
	if got := h.ServerCount(models.EntityLocationSample); got != 12 {
		t.Errorf("server locations = %d, want 12", got)
	}
}

func TestConnectivityRestoreStartsOnePass(t *testing.T) {
	h := New(t, Options{})
	h.Monitor.Update(netmon.Offline)
	h.AddLocations(3)
	h.addCheckpointVerification()

	ctx, cancel := context.WithCancel(context.Background())
	trig := &orchestrator.ConnectivityTrigger{Orchestrator: h.Orch, Monitor: h.Monitor, MinInterval: time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- trig.Serve(ctx) }()
	h.waitSubscribed()

	h.Monitor.Update(goodWiFi)
	finals := h.Finals(1)
	if len(finals) != 1 {
		t.Fatalf("final events = %d, want 1", len(finals))
	}
	if r := finals[0].LastResult; r == nil || r.Trigger != string(orchestrator.TriggerConnectivity) || r.Synced != 4 {
		t.Errorf("restore pass = %+v", finals[0].LastResult)
	}
	pushes := h.Pushes()
	if cv, loc := slices.Index(pushes, models.EntityCheckpointVerification), slices.Index(pushes, models.EntityLocationSample); cv < 0 || loc < cv {
		t.Errorf("upload order = %v", pushes)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("trigger Serve: %v", err)
	}
}
