package cmd

import (
	"fmt"
	"strings"
	"testing"

	"github.com/thejerf/suture/v4"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
	"github.com/marcus/fieldsync/internal/sampler"
	"github.com/marcus/fieldsync/internal/statusfeed"
	"github.com/marcus/fieldsync/internal/webhook"
)

func TestParseRecordRef(t *testing.T) {
	tests := []struct {
		entity, id string
		wantET     models.EntityType
		wantID     int64
		wantErr    bool
	}{
		{"report", "12", models.EntityReport, 12, false},
		{"checkpoint", "3", models.EntityCheckpointVerification, 3, false},
		{"locations", "1", models.EntityLocationSample, 1, false},
		{"issue", "1", "", 0, true},
		{"photo", "abc", "", 0, true},
		{"photo", "0", "", 0, true},
	}
	for _, tt := range tests {
		et, id, err := parseRecordRef(tt.entity, tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRecordRef(%q, %q) err = %v", tt.entity, tt.id, err)
			continue
		}
		if et != tt.wantET || id != tt.wantID {
			t.Errorf("parseRecordRef(%q, %q) = %s, %d", tt.entity, tt.id, et, id)
		}
	}
}

func TestCommandTree(t *testing.T) {
	want := [][]string{
		{"run"}, {"sync"}, {"sync", "entity"}, {"status"}, {"history"},
		{"clock", "in"}, {"clock", "out"}, {"checkpoint", "verify"}, {"checkpoint", "add"},
		{"report", "submit"}, {"photo", "add"}, {"track"}, {"purge"},
		{"escalated", "list"}, {"escalated", "retry"}, {"escalated", "discard"},
		{"enroll"}, {"config"},
	}
	for _, path := range want {
		c, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || c.Name() != path[len(path)-1] {
			t.Errorf("command %v not found (got %v, rest %v, err %v)", path, c.Name(), rest, err)
		}
	}
}

// Supervised services must name themselves; otherwise suture formats the
// whole struct, reading live fields and leaking the webhook secret.
func TestSupervisedServicesAreNamed(t *testing.T) {
	svcs := []suture.Service{
		&netmon.Prober{},
		&orchestrator.ConnectivityTrigger{},
		&orchestrator.Scheduler{},
		&orchestrator.Purger{},
		&sampler.Sampler{},
		statusfeed.New("127.0.0.1:0", statusfeed.Deps{}),
		&webhook.Notifier{URL: "https://hooks.example.com", Secret: "s3cret-value"},
	}
	for i, svc := range svcs {
		s, ok := svc.(fmt.Stringer)
		if !ok {
			t.Errorf("service %d (%T) has no String method", i, svc)
			continue
		}
		if name := s.String(); name == "" || strings.Contains(name, "s3cret") {
			t.Errorf("service %d (%T) name %q", i, svc, name)
		}
	}
}
