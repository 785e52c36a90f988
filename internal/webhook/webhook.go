// Package webhook posts finished sync passes to an external URL. Bodies are
// signed with HMAC-SHA256 when a secret is configured.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/events"
	"github.com/marcus/fieldsync/internal/retry"
)

const (
	HeaderTimestamp = "X-Fieldsync-Timestamp"
	HeaderSignature = "X-Fieldsync-Signature"
)

// Payload is the POST body.
type Payload struct {
	DeviceID  string             `json:"device_id"`
	Timestamp string             `json:"timestamp"`
	Pass      events.SyncSummary `json:"pass"`
}

// Sign returns the signature header value for body sent at unixTS.
func Sign(secret, unixTS string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unixTS))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch performs one HTTP POST. Network errors, 429 and 5xx responses
// are transient; other non-2xx statuses are not.
func Dispatch(ctx context.Context, client *http.Client, url, secret string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fieldsync-webhook/1")

	unixTS := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set(HeaderTimestamp, unixTS)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, unixTS, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", retry.ErrTransient, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: POST %s: status %d", retry.ErrTransient, url, resp.StatusCode)
	default:
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
}

// Notifier forwards final sync status events to a webhook.
type Notifier struct {
	URL      string
	Secret   string
	DeviceID string
	// OnlyProblems skips passes that finished with success and nothing escalated.
	OnlyProblems bool
	Policy       retry.Policy
	HTTP         *http.Client
	Topic        *events.Topic[events.SyncStatusChanged]
}

// String names the service in supervisor logs. It never includes the secret.
func (n *Notifier) String() string { return "webhook-notifier" }

// Serve delivers notifications until ctx is done. It implements
// suture.Service.
func (n *Notifier) Serve(ctx context.Context) error {
	client := n.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	policy := n.Policy
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	sub := n.Topic.Subscribe(false)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !n.wants(e) {
				continue
			}
			n.deliver(ctx, client, policy, *e.LastResult)
		}
	}
}

func (n *Notifier) wants(e events.SyncStatusChanged) bool {
	if e.InProgress || e.LastResult == nil {
		return false
	}
	if !n.OnlyProblems {
		return true
	}
	r := e.LastResult
	return r.Status != "success" || r.Escalated > 0 || r.Rejected > 0
}

func (n *Notifier) deliver(ctx context.Context, client *http.Client, policy retry.Policy, pass events.SyncSummary) {
	payload := Payload{
		DeviceID:  n.DeviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Pass:      pass,
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return Dispatch(ctx, client, n.URL, n.Secret, payload)
	}, func(err error, wait time.Duration) {
		slog.Debug("webhook retry", "err", err, "wait", wait)
	})
	if err != nil {
		slog.Warn("webhook delivery failed", "url", n.URL, "err", err)
		return
	}
	slog.Debug("webhook delivered", "status", pass.Status)
}
