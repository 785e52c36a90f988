package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/retry"
)

func TestDispatchSignsBody(t *testing.T) {
	var gotSig, gotTS string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := Payload{DeviceID: "dev-1", Pass: events.SyncSummary{Status: "partial", Synced: 3, Rejected: 1}}
	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "s3cret", p); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotTS == "" {
		t.Fatal("missing timestamp header")
	}
	if want := Sign("s3cret", gotTS, body); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	var decoded Payload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.DeviceID != "dev-1" || decoded.Pass.Rejected != 1 {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestDispatchNoSecretNoSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" {
			t.Error("unexpected signature header")
		}
	}))
	defer srv.Close()
	if err := Dispatch(context.Background(), srv.Client(), srv.URL, "", Payload{}); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchClassifiesStatus(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))
		err := Dispatch(context.Background(), srv.Client(), srv.URL, "", Payload{})
		srv.Close()
		if err == nil {
			t.Errorf("%d: expected error", tt.code)
			continue
		}
		if got := retry.IsTransient(err); got != tt.transient {
			t.Errorf("%d: transient = %v, want %v", tt.code, got, tt.transient)
		}
	}
}

func TestNotifierFiltersAndRetries(t *testing.T) {
	var calls, delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivered.Add(1)
	}))
	defer srv.Close()

	topic := events.NewTopic[events.SyncStatusChanged]()
	n := &Notifier{
		URL:          srv.URL,
		OnlyProblems: true,
		Policy:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1},
		Topic:        topic,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Serve(ctx)
		close(done)
	}()
	for topic.Len() == 0 {
		time.Sleep(time.Millisecond)
	}

	topic.Publish(events.SyncStatusChanged{InProgress: false, LastResult: &events.SyncSummary{Status: "success"}})
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("clean pass was delivered with OnlyProblems set")
	}

	topic.Publish(events.SyncStatusChanged{InProgress: false, LastResult: &events.SyncSummary{Status: "partial", Escalated: 1}})
	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if delivered.Load() != 1 || calls.Load() != 2 {
		t.Errorf("calls = %d delivered = %d, want 2 and 1", calls.Load(), delivered.Load())
	}
}
