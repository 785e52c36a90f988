package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type contextKey int

const (
	ctxKeyDevice contextKey = iota
	ctxKeyLogger
)

func getDeviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyDevice).(string)
	return id
}

// logFor returns the request-scoped logger, or the default logger outside a request.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestLogger attaches a logger tagged with chi's request id, echoes the id
// in X-Request-ID, counts the response in m and logs one line per request.
// It must run after chimiddleware.RequestID.
func requestLogger(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := chimiddleware.GetReqID(r.Context())
			w.Header().Set(chimiddleware.RequestIDHeader, rid)
			l := slog.Default().With("rid", rid)
			ctx := context.WithValue(r.Context(), ctxKeyLogger, l)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			m.RecordRequest()
			next.ServeHTTP(ww, r.WithContext(ctx))

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			switch {
			case code >= 500:
				m.RecordError()
			case code >= 400:
				m.RecordClientError()
			}
			l.Info("req", "method", r.Method, "path", r.URL.Path, "status", code,
				"bytes", ww.BytesWritten(), "dur", time.Since(start).String())
		})
	}
}

// recoverJSON turns a handler panic into a JSON 500.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireDevice verifies the bearer token and injects the device id into
// the context. Tokens of revoked devices are refused.
func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.issuer.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
			return
		}
		active, err := s.store.DeviceActive(claims.DeviceID)
		if err != nil {
			logFor(r.Context()).Error("check device", "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to verify device")
			return
		}
		if !active {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "device revoked")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyDevice, claims.DeviceID)
		ctx = context.WithValue(ctx, ctxKeyLogger, logFor(ctx).With("device", claims.DeviceID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
