package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/serverdb"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PushRequest is the JSON body for POST /v1/sync/{entity}.
type PushRequest struct {
	DeviceID string     `json:"device_id" validate:"required"`
	Items    []PushItem `json:"items" validate:"required,min=1"`
}

// PushItem is one record in a push request.
type PushItem struct {
	IdempotencyKey string          `json:"idempotency_key"`
	LocalID        int64           `json:"local_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
	Content        []byte          `json:"content,omitempty"`
}

// PushResponse is the JSON response for a push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult is the verdict on one item, in request order.
type PushResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	RemoteID       string `json:"remote_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

const (
	statusAccepted = "accepted"
	statusRejected = "rejected"
)

// handlePush handles POST /v1/sync/{entity}. Every item gets its own
// verdict; a bad item never fails the batch.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	et := models.EntityType(chi.URLParam(r, "entity"))
	if !models.IsValidEntityType(string(et)) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown entity type %q", et))
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeCapacityExceeded, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, describeValidation(err))
		return
	}

	device := getDeviceFromContext(r.Context())
	if req.DeviceID != device {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "device_id does not match token")
		return
	}

	limit := s.config.MaxBatch
	if et == models.EntityPhoto {
		limit = s.config.MaxPhotoBatch
	}
	if limit > 0 && len(req.Items) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeCapacityExceeded,
			fmt.Sprintf("batch of %d exceeds limit %d", len(req.Items), limit))
		return
	}

	results := make([]PushResult, len(req.Items))
	var inputs []serverdb.RecordInput
	var positions []int
	for i, it := range req.Items {
		results[i] = PushResult{IdempotencyKey: it.IdempotencyKey}
		if reason := checkItem(et, it); reason != "" {
			results[i].Status = statusRejected
			results[i].Reason = reason
			if err := s.store.InsertRejection(device, string(et), it.IdempotencyKey, reason); err != nil {
				logFor(r.Context()).Warn("record rejection", "err", err)
			}
			continue
		}
		inputs = append(inputs, serverdb.RecordInput{
			IdempotencyKey:  it.IdempotencyKey,
			LocalID:         it.LocalID,
			Payload:         string(it.Payload),
			Content:         it.Content,
			ClientCreatedAt: it.CreatedAt,
		})
		positions = append(positions, i)
	}

	var accepted, duplicates int
	if len(inputs) > 0 {
		stored, err := s.store.InsertRecords(device, string(et), inputs)
		if err != nil {
			logFor(r.Context()).Error("insert records", "entity", et, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to store records")
			return
		}
		for j, res := range stored {
			i := positions[j]
			results[i].Status = statusAccepted
			results[i].RemoteID = res.RemoteID
			results[i].Duplicate = res.Duplicate
			if res.Duplicate {
				duplicates++
			} else {
				accepted++
			}
		}
	}

	rejected := len(req.Items) - accepted - duplicates
	s.metrics.RecordPush(accepted, rejected, duplicates)
	logFor(r.Context()).Info("push", "entity", et, "accepted", accepted, "duplicates", duplicates, "rejected", rejected)
	writeJSON(w, http.StatusOK, PushResponse{Results: results})
}

// checkItem validates one item and returns the rejection reason, or "".
func checkItem(et models.EntityType, it PushItem) string {
	if it.IdempotencyKey == "" {
		return "missing idempotency_key"
	}
	if len(it.Payload) == 0 {
		return "missing payload"
	}
	entity := et.New()
	if err := json.Unmarshal(it.Payload, entity); err != nil {
		return "invalid payload: " + err.Error()
	}
	if err := validate.Struct(entity); err != nil {
		return "validation: " + describeValidation(err)
	}
	if p, ok := entity.(*models.Photo); ok {
		if int64(len(it.Content)) != p.SizeBytes {
			return fmt.Sprintf("content size %d does not match size_bytes %d", len(it.Content), p.SizeBytes)
		}
		sum := sha256.Sum256(it.Content)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), p.SHA256) {
			return "content sha256 mismatch"
		}
	}
	return ""
}

// describeValidation turns validator errors into a short message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
