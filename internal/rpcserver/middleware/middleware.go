// Package middleware provides the broker's HTTP middleware stack: the
// same correlation-ID, panic-recovery, and request-logging chain the
// teacher applies to its REST surface, carried over unchanged in shape
// because all three are transport-level concerns independent of the
// JSON-RPC body they wrap.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// Option applies one middleware layer to a handler.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options in the order given: the first option
// becomes the outermost layer.
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}
	return handler
}

type correlationIDKey struct{}

const correlationIDBytes = 8

// WithCorrelationID assigns (or propagates) an X-Correlation-ID for every
// request, mirroring the teacher's correlation.go.
func WithCorrelationID() Option {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Correlation-ID")
			if id == "" {
				id = generateCorrelationID()
			}

			w.Header().Set("X-Correlation-ID", id)
			ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID set by WithCorrelationID.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

func generateCorrelationID() string {
	b := make([]byte, correlationIDBytes)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))[:correlationIDBytes*2]
	}
	return hex.EncodeToString(b)
}

// WithRecovery recovers panics from downstream handlers (including RPC
// method handlers) and turns them into an InternalError JSON-RPC
// response rather than an aborted connection, mirroring the teacher's
// recovery.go.
func WithRecovery(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					id := GetCorrelationID(ctx)
					logger.Error("rpc request panic recovered",
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", id),
						slog.Any("panic", err),
						slog.String("stack", string(debug.Stack())),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte(
						`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`,
					))
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// WithRequestLogger logs one structured line per request, mirroring the
// teacher's logging.go.
func WithRequestLogger(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := GetCorrelationID(r.Context())
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Info("rpc request completed",
				slog.String("path", r.URL.Path),
				slog.Int("status_code", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("correlation_id", id),
			)
		})
	}
}
