package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// tokenRequest is the JSON body for POST /v1/auth/token.
type tokenRequest struct {
	DeviceID  string `json:"device_id" validate:"required,max=128"`
	DeviceKey string `json:"device_key" validate:"required"`
}

// tokenResponse is the JSON response for POST /v1/auth/token.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken handles POST /v1/auth/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, describeValidation(err))
		return
	}

	dev, err := s.store.VerifyDevice(req.DeviceID, req.DeviceKey)
	if err != nil {
		logFor(r.Context()).Error("verify device", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to verify device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid device credentials")
		return
	}

	token, exp, err := s.issuer.Issue(dev.ID)
	if err != nil {
		logFor(r.Context()).Error("issue token", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}
	s.metrics.RecordTokenIssued()
	logFor(r.Context()).Info("token issued", "device", dev.ID)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp.UTC()})
}
