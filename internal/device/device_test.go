package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/fieldsync/internal/models"
)

type scriptedPrompter struct {
	answer bool
	err    error
	asked  int
}

func (p *scriptedPrompter) Confirm(context.Context, string, string) (bool, error) {
	p.asked++
	return p.answer, p.err
}

func TestPermissionRequest(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		initial   models.PermissionStatus
		prompter  *scriptedPrompter
		want      models.PermissionStatus
		wantAsked int
	}{
		{"granted stays granted", models.PermissionGranted, &scriptedPrompter{answer: false}, models.PermissionGranted, 0},
		{"denied is not asked again", models.PermissionDenied, &scriptedPrompter{answer: true}, models.PermissionDenied, 0},
		{"undetermined asks and grants", models.PermissionNotDetermined, &scriptedPrompter{answer: true}, models.PermissionGranted, 1},
		{"undetermined asks and denies", models.PermissionNotDetermined, &scriptedPrompter{answer: false}, models.PermissionDenied, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPermission("location", tt.initial, tt.prompter)
			got, err := p.Request(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Request = %s, want %s", got, tt.want)
			}
			if tt.prompter.asked != tt.wantAsked {
				t.Errorf("asked %d times, want %d", tt.prompter.asked, tt.wantAsked)
			}
			if st, _ := p.Status(ctx); st != tt.want {
				t.Errorf("Status = %s after request", st)
			}
		})
	}
}

func TestPermissionWithoutPrompter(t *testing.T) {
	p := NewPermission("camera", "", nil)
	got, err := p.Request(context.Background())
	if err != nil || got != models.PermissionNotDetermined {
		t.Fatalf("Request = %s, %v", got, err)
	}
	p.Revoke()
	if st, _ := p.Status(context.Background()); st != models.PermissionDenied {
		t.Fatalf("Status after revoke = %s", st)
	}
}

func TestPermissionPromptError(t *testing.T) {
	p := NewPermission("camera", models.PermissionNotDetermined, &scriptedPrompter{err: errors.New("no tty")})
	if _, err := p.Request(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if st, _ := p.Status(context.Background()); st != models.PermissionNotDetermined {
		t.Fatalf("Status = %s, want not_determined", st)
	}
}

func writeBattery(t *testing.T, root, capacity, status string) string {
	t.Helper()
	dir := filepath.Join(root, "BAT0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "capacity"), []byte(capacity+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(status+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSysfsPower(t *testing.T) {
	root := t.TempDir()
	writeBattery(t, root, "42", "Discharging")

	dir, err := FindBattery(root)
	if err != nil {
		t.Fatal(err)
	}
	r, err := SysfsPower{Dir: dir}.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != 0.42 || r.Charging {
		t.Errorf("reading = %+v", r)
	}

	writeBattery(t, root, "130", "Charging")
	r, err = SysfsPower{Dir: dir}.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Level != 1 || !r.Charging {
		t.Errorf("reading = %+v, want clamped and charging", r)
	}
}

func TestSysfsPowerMissing(t *testing.T) {
	if _, err := FindBattery(t.TempDir()); !errors.Is(err, ErrNoBattery) {
		t.Fatalf("FindBattery err = %v", err)
	}
	if _, err := (SysfsPower{}).Read(context.Background()); !errors.Is(err, ErrNoBattery) {
		t.Fatalf("Read err = %v", err)
	}
}

func TestReplay(t *testing.T) {
	src := `# route
{"lat": 52.1, "lon": 4.3, "accuracy": 5}

{"lat": 52.2, "lon": 4.4, "accuracy": 8, "speed": 1.5}
`
	r, err := ParseReplay(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	first, _ := r.Acquire(ctx)
	second, _ := r.Acquire(ctx)
	third, _ := r.Acquire(ctx)

	if first.Latitude != 52.1 || first.Timestamp.IsZero() {
		t.Errorf("first = %+v", first)
	}
	if second.Speed == nil || *second.Speed != 1.5 {
		t.Errorf("second speed = %v", second.Speed)
	}
	if third.Latitude != 52.2 {
		t.Errorf("exhausted replay should repeat the last fix, got %+v", third)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d", r.Remaining())
	}
}

func TestReplayErrors(t *testing.T) {
	if _, err := ParseReplay(strings.NewReader("{bad json}\n")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewReplay(nil).Acquire(context.Background()); !errors.Is(err, ErrNoFixes) {
		t.Fatalf("err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewReplay([]models.Fix{{}}).Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
