package output

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/fieldsync/internal/db"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/netmon"
	"github.com/marcus/fieldsync/internal/orchestrator"
	fsync "github.com/marcus/fieldsync/internal/sync"
)

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{time.Minute, "1m ago"},
		{59 * time.Minute, "59m ago"},
		{2 * time.Hour, "2h ago"},
		{23 * time.Hour, "23h ago"},
		{48 * time.Hour, "2d ago"},
	}
	for _, tc := range tests {
		if got := FormatTimeAgo(time.Now().Add(-tc.ago)); got != tc.want {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}

	old := time.Now().Add(-8 * 24 * time.Hour)
	if got := FormatTimeAgo(old); got != old.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo(-8d) = %q", got)
	}
}

func TestBadge(t *testing.T) {
	if got := Badge("success"); !strings.Contains(got, "[success]") {
		t.Errorf("Badge(success) = %q", got)
	}
	if got := Badge("mystery"); got != "[mystery]" {
		t.Errorf("Badge(mystery) = %q", got)
	}
}

func TestFormatOutcome(t *testing.T) {
	skipped := FormatOutcome(fsync.Outcome{Entity: models.EntityPhoto, Status: fsync.StatusSkipped, Reason: "network"})
	if !strings.Contains(skipped, "photo") || !strings.Contains(skipped, "network") {
		t.Errorf("skipped line = %q", skipped)
	}

	partial := FormatOutcome(fsync.Outcome{
		Entity: models.EntityLocationSample, Status: fsync.StatusPartial,
		Synced: 10, Rejected: 2, Escalated: 1, Batches: 3,
	})
	for _, want := range []string{"synced 10", "rejected 2", "escalated 1", "3 batches"} {
		if !strings.Contains(partial, want) {
			t.Errorf("partial line %q missing %q", partial, want)
		}
	}
	if strings.Contains(partial, "failed") {
		t.Errorf("zero failures should be omitted: %q", partial)
	}
}

func TestFormatSession(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	s := &orchestrator.Session{
		ID:         "ses_1",
		Trigger:    orchestrator.TriggerManual,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Status:     orchestrator.OverallSuccess,
		Results: []fsync.Outcome{
			{Entity: models.EntityTimeRecord, Status: fsync.StatusSuccess, Synced: 2},
			{Entity: models.EntityReport, Status: fsync.StatusEmpty},
		},
	}
	got := FormatSession(s)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), got)
	}
	if !strings.Contains(lines[0], "ses_1") || !strings.Contains(lines[0], "1.5s") {
		t.Errorf("header = %q", lines[0])
	}
}

func TestFormatNetwork(t *testing.T) {
	if got := FormatNetwork(netmon.State{}); !strings.Contains(got, "offline") {
		t.Errorf("offline = %q", got)
	}
	got := FormatNetwork(netmon.State{Connected: true, Transport: netmon.TransportCellular, Quality: netmon.QualityGood, Latency: 120 * time.Millisecond})
	if !strings.Contains(got, "cellular, good") || !strings.Contains(got, "120ms") {
		t.Errorf("online = %q", got)
	}
}

func TestFormatCountsSorted(t *testing.T) {
	lines := FormatCounts(map[models.EntityType]db.Counts{
		models.EntityReport:         {Pending: 1},
		models.EntityLocationSample: {Pending: 3, Escalated: 2},
	})
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "location_sample") || !strings.Contains(lines[0], "escalated 2") {
		t.Errorf("first line = %q", lines[0])
	}
	if strings.Contains(lines[1], "escalated") {
		t.Errorf("zero escalated should be omitted: %q", lines[1])
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if got := IndentString("", 4); got != "" {
		t.Errorf("IndentString(empty) = %q", got)
	}
	if got := SectionHeader("records"); got != "\nRECORDS:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}
