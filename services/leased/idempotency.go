package leased

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyRecord stores the first response produced for an
// Idempotency-Key so that client retries replay it instead of re-executing.
type IdempotencyRecord struct {
	Key       string `gorm:"primaryKey;size:128"`
	Subject   string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// WithIdempotency replays stored responses for repeated keys. Only 2xx and 4xx
// responses are stored; 5xx responses leave the key free for a retry.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			subject := ""
			if claims, ok := ClaimsFromContext(r.Context()); ok {
				subject = claims.Subject
			}
			scoped := subject + ":" + key

			var record IdempotencyRecord
			if err := db.WithContext(r.Context()).First(&record, "key = ?", scoped).Error; err == nil {
				if record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			payload := IdempotencyRecord{
				Key:       scoped,
				Subject:   subject,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    recorder.status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}
			_ = db.WithContext(context.WithoutCancel(r.Context())).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&payload).Error
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
