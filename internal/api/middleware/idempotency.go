package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bitcard/fulfillment-engine/internal/api/problem"
	"github.com/bitcard/fulfillment-engine/internal/idempotency"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"go.uber.org/zap"
)

const maxIdempotentBody = 1 << 20

// IdempotencyMiddleware enforces the Idempotency-Key contract on the routes
// it wraps. It must run after AuthMiddleware: keys are scoped to the caller.
// A 5xx response releases the key so the client may retry with it.
func IdempotencyMiddleware(store *idempotency.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), "", "Failed to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			req := idempotency.Request{
				Actor:  UserRoleFromContext(r.Context()) + "/" + UserIDFromContext(r.Context()),
				Key:    r.Header.Get("Idempotency-Key"),
				Method: r.Method,
				Path:   r.URL.Path,
				Body:   body,
			}
			if req.Key == "" {
				observability.IncrementIdempotencyEvent("missing_key")
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/missing-key"), "", "Idempotency-Key header is required")
				return
			}
			if err := req.Validate(); err != nil {
				observability.IncrementIdempotencyEvent("invalid_key")
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/invalid-key"), "", err.Error())
				return
			}

			rec, err := store.Lookup(r.Context(), req)
			switch {
			case err == nil:
				observability.IncrementIdempotencyEvent("replay")
				replay(w, rec)
				return
			case errors.Is(err, idempotency.ErrHashMismatch):
				observability.IncrementIdempotencyEvent("hash_mismatch")
				problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), "", "Idempotency-Key was already used for a different request")
				return
			case errors.Is(err, idempotency.ErrInProgress):
				awaitHolder(w, r, store, req, logger)
				return
			case !errors.Is(err, idempotency.ErrNotFound):
				observability.IncrementIdempotencyEvent("lookup_error")
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			reserved, err := store.Reserve(r.Context(), req)
			if err != nil {
				observability.IncrementIdempotencyEvent("reserve_error")
				logger.Error("idempotency reserve failed", zap.Error(err))
				problem.Write(w, r, http.StatusServiceUnavailable, problem.Type("idempotency/unavailable"), "", "idempotency store unavailable")
				return
			}
			if !reserved {
				awaitHolder(w, r, store, req, logger)
				return
			}
			observability.IncrementIdempotencyEvent("reserved")

			recorder := &bodyRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}

			// Finish even if the client went away.
			ctx := context.WithoutCancel(r.Context())
			if recorder.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, req); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err), zap.String("key", req.Key))
				}
				observability.IncrementIdempotencyEvent("released")
				return
			}

			contentType := recorder.Header().Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			if _, err := store.Finalize(ctx, req, recorder.status, recorder.body.Bytes(), contentType); err != nil {
				observability.IncrementIdempotencyEvent("finalize_error")
				logger.Warn("idempotency finalize failed", zap.Error(err), zap.String("key", req.Key))
				return
			}
			observability.IncrementIdempotencyEvent("finalized")
		})
	}
}

func awaitHolder(w http.ResponseWriter, r *http.Request, store *idempotency.Store, req idempotency.Request, logger *zap.Logger) {
	rec, err := store.WaitForCompletion(r.Context(), req)
	if err == nil {
		observability.IncrementIdempotencyEvent("replay_after_wait")
		replay(w, rec)
		return
	}
	observability.IncrementIdempotencyEvent("in_progress_conflict")
	logger.Warn("idempotency wait failed", zap.Error(err))
	problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/in-progress"), "", "a request with this Idempotency-Key is still processing")
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.status = code
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if br.status == 0 {
		br.status = http.StatusOK
	}
	br.body.Write(b)
	return br.ResponseWriter.Write(b)
}

func replay(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("X-Idempotent-Replay", rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
