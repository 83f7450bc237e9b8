package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"questrewards/services/claimd/models"
)

// IdempotencyHeader carries the client-chosen replay key.
const IdempotencyHeader = "Idempotency-Key"

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// IdempotencyKeyFrom returns the idempotency key attached to ctx.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// inFlightTTL bounds how long an unfinished request holds its key. A placeholder older
// than this was left by a process that died mid-request and may be taken over.
const inFlightTTL = 10 * time.Minute

// WithIdempotency replays the stored response for a repeated Idempotency-Key instead of
// executing the handler again. The key is claimed with a placeholder row before the
// handler runs, so a concurrent duplicate gets 409 rather than a second execution.
// Server errors release the key so the client can retry.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}

		now := time.Now().UTC()
		placeholder := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: now,
		}
		res := db.WithContext(r.Context()).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&placeholder)
		if res.Error != nil {
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if res.RowsAffected == 0 {
			var record models.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// Released by a failed attempt between our insert and this read.
				http.Error(w, "request in progress", http.StatusConflict)
				return
			case err != nil:
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if record.Method != r.Method || record.Path != r.URL.Path {
				http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
				return
			}
			if record.Status != 0 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			}
			if !takeOver(r.Context(), db, key, placeholder.RequestID, now) {
				http.Error(w, "request in progress", http.StatusConflict)
				return
			}
		}

		owned := func() *gorm.DB {
			return db.WithContext(context.WithoutCancel(r.Context())).
				Where("key = ? AND request_id = ?", key, placeholder.RequestID)
		}
		completed := false
		defer func() {
			if !completed {
				_ = owned().Delete(&models.IdempotencyKey{}).Error
			}
		}()

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		completed = true
		_ = owned().Model(&models.IdempotencyKey{}).Updates(map[string]interface{}{
			"status":   status,
			"response": recorder.buf.String(),
		}).Error
	})
}

// takeOver claims an abandoned placeholder for requestID.
func takeOver(ctx context.Context, db *gorm.DB, key, requestID string, now time.Time) bool {
	res := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND status = 0 AND created_at < ?", key, now.Add(-inFlightTTL)).
		Updates(map[string]interface{}{"request_id": requestID, "created_at": now})
	return res.Error == nil && res.RowsAffected == 1
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
