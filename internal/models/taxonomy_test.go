package models

import "testing"

func TestNormalizeEntityType(t *testing.T) {
	tests := []struct {
		input    string
		expected EntityType
		valid    bool
	}{
		{"location", EntityLocationSample, true},
		{"location_samples", EntityLocationSample, true},
		{"LOCATION-SAMPLE", EntityLocationSample, true},
		{"clock", EntityTimeRecord, true},
		{"time_record", EntityTimeRecord, true},
		{"checkpoint", EntityCheckpointVerification, true},
		{"checkpoint_verifications", EntityCheckpointVerification, true},
		{"reports", EntityReport, true},
		{"Photo", EntityPhoto, true},
		{"", "", false},
		{"issues", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeEntityType(tt.input)
			if ok != tt.valid {
				t.Errorf("NormalizeEntityType(%q) valid = %v, want %v", tt.input, ok, tt.valid)
			}
			if got != tt.expected {
				t.Errorf("NormalizeEntityType(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSyncPriorityCoversAllTypes(t *testing.T) {
	seen := map[EntityType]bool{}
	for _, et := range SyncPriority {
		if seen[et] {
			t.Fatalf("duplicate entity %q in priority order", et)
		}
		seen[et] = true
	}
	for et := range AllEntityTypes() {
		if !seen[et] {
			t.Errorf("entity %q missing from priority order", et)
		}
	}
	if SyncPriority[0] != EntityTimeRecord || SyncPriority[len(SyncPriority)-1] != EntityPhoto {
		t.Errorf("unexpected priority order: %v", SyncPriority)
	}
}

func TestEntityClass(t *testing.T) {
	cases := map[EntityType]OperationClass{
		EntityLocationSample:         ClassLocationBatch,
		EntityTimeRecord:             ClassSmallMutation,
		EntityCheckpointVerification: ClassSmallMutation,
		EntityReport:                 ClassSmallMutation,
		EntityPhoto:                  ClassPhotoUpload,
	}
	for et, want := range cases {
		if got := et.Class(); got != want {
			t.Errorf("%s.Class() = %s, want %s", et, got, want)
		}
		if et.Table() == "" {
			t.Errorf("%s has no table", et)
		}
	}
}

func TestSyncMetaState(t *testing.T) {
	if got := (SyncMeta{}).State(); got != SyncStatePending {
		t.Errorf("zero meta state = %s, want pending", got)
	}
	if got := (SyncMeta{Escalated: true}).State(); got != SyncStateEscalated {
		t.Errorf("escalated state = %s", got)
	}
	if got := (SyncMeta{Synced: true, RemoteID: "r1"}).State(); got != SyncStateSynced {
		t.Errorf("synced state = %s", got)
	}
}
