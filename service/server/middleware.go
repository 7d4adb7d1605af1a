package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey int

const (
	callerKey contextKey = iota
	requestIDKey
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// callerFrom returns the verified signer of the request.
func callerFrom(ctx context.Context) (ledger.Address, bool) {
	addr, ok := ctx.Value(callerKey).(ledger.Address)
	return addr, ok
}

// requestIDFrom returns the request id assigned by requestIDMiddleware.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader+", "+
			charitysol.HeaderAddress+", "+charitysol.HeaderTimestamp+", "+charitysol.HeaderNonce+", "+
			charitysol.HeaderSignature)
		w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware propagates the caller's X-Request-ID or assigns a new one, and
// logs each request with it.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

			logger.DebugContext(r.Context(), "request handled",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle buckets are dropped.
type rateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	rate        rate.Limit
	burst       int
	idle        time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.lastCleanup = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) middleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientIP(r)) {
				if m != nil {
					m.RecordRateLimited()
				}
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded, please try again later", "rate_limited", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// signatureAuth verifies the request signature headers over the method, path and raw
// body, then stores the signer in the request context. The body is restored for the
// handler. A nonce is accepted once per signer; a resent request gets 409. When
// optional is set, a request without any signature header passes through anonymously.
func signatureAuth(maxSkew time.Duration, nonces *charitysol.NonceCache, now func() time.Time, optional bool, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if optional && r.Header.Get(charitysol.HeaderAddress) == "" && r.Header.Get(charitysol.HeaderSignature) == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				writeError(w, "request body too large: maximum size is 64KB", "invalid_argument", http.StatusBadRequest)
				return
			}

			headers := charitysol.SignedHeaders{
				Address:   r.Header.Get(charitysol.HeaderAddress),
				Timestamp: r.Header.Get(charitysol.HeaderTimestamp),
				Nonce:     r.Header.Get(charitysol.HeaderNonce),
				Signature: r.Header.Get(charitysol.HeaderSignature),
			}
			at := now()
			caller, err := charitysol.VerifyRequest(headers, r.Method, r.URL.Path, body, at, maxSkew)
			if err == nil {
				signedAt, _ := strconv.ParseInt(headers.Timestamp, 10, 64)
				err = nonces.Use(caller, headers.Nonce, time.Unix(signedAt, 0), at)
			}
			if err != nil {
				reason := "bad_signature"
				status := http.StatusUnauthorized
				code := "unauthenticated"
				switch {
				case errors.Is(err, charitysol.ErrMissingSignature):
					reason = "missing_signature"
				case errors.Is(err, charitysol.ErrStaleSignature):
					reason = "stale_signature"
				case errors.Is(err, charitysol.ErrReplayedRequest):
					reason = "replayed_request"
					status = http.StatusConflict
					code = "replayed_request"
				}
				if m != nil {
					m.RecordAuthFailure(reason)
				}
				logger.DebugContext(r.Context(), "request signature rejected",
					"request_id", requestIDFrom(r.Context()),
					"path", r.URL.Path,
					"reason", reason,
					"error", err,
				)
				writeError(w, err.Error(), code, status)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}
