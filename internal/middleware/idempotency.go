package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxReplayBody        = 1 << 20 // 1 MB
)

// replayEntry is a cached response for one idempotency key. Usage
// ingestion and limit upserts are retried by clients on timeouts; the
// replay keeps a retry from double-publishing or double-writing.
type replayEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests carrying an
// Idempotency-Key header, backed by a TTL'd JetStream KV bucket. The
// cache key is scoped to method and path so the same client key on
// different endpoints cannot replay the wrong response.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := r.Header.Get(headerIdempotencyKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := replayKey(r.Method, r.URL.Path, clientKey)

			if entry, err := kv.Get(r.Context(), key); err == nil {
				var cached replayEntry
				if err := json.Unmarshal(entry.Value(), &cached); err == nil {
					for k, vals := range cached.Headers {
						for _, v := range vals {
							w.Header().Add(k, v)
						}
					}
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write(cached.Body)
					return
				}
				slog.Warn("idempotency: corrupt replay entry", "key", key)
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			// Server errors stay retryable; caching one would pin the
			// failure for the key's whole TTL.
			if rec.statusCode >= http.StatusInternalServerError {
				return
			}
			if rec.body.Len() > maxReplayBody {
				return
			}

			cached := replayEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			}
			data, err := json.Marshal(cached)
			if err != nil {
				return
			}
			if _, err := kv.Put(r.Context(), key, data); err != nil {
				slog.Warn("idempotency: store replay entry", "key", key, "error", err)
			}
		})
	}
}

// replayKey builds the KV key. JetStream KV rejects '/' in keys, so the
// path joins with '.'.
func replayKey(method, path, clientKey string) string {
	buf := make([]byte, 0, len(method)+len(path)+len(clientKey)+2)
	buf = append(buf, method...)
	buf = append(buf, '.')
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			buf = append(buf, '_')
			continue
		}
		buf = append(buf, path[i])
	}
	buf = append(buf, '.')
	buf = append(buf, clientKey...)
	return string(buf)
}

// responseRecorder tees the response so it can be cached for replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
