// Package server provides the HTTP API: turn mediation, audit retrieval,
// and the middleware stack in front of them.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/requestctx"
)

// AuthMiddleware validates X-Warden-Key or Authorization: Bearer <key>
// against the current policy snapshot and stores the resolved key ID in the
// request context. Revoked keys resolve for attribution but are rejected.
func AuthMiddleware(store *policy.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-Warden-Key")
			if secret == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					secret = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			snap := store.Snapshot()
			keyID, ok := snap.ResolveSecret(secret)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			if key, found := snap.Key(keyID); found && key.Revoked {
				writeError(w, http.StatusUnauthorized, "unauthorized", "API key revoked")
				return
			}
			r = r.WithContext(requestctx.SetKeyID(r.Context(), keyID))
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter applies a per-key token bucket. Limiters are created lazily
// and kept for the process lifetime; the key space is the policy file's key
// list, so the map stays small.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst per key. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) allow(keyID string) bool {
	if rl.rps <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.limiters[keyID]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[keyID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddleware returns 429 when the caller's key exceeds its rate.
// A nil limiter disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID := requestctx.KeyID(r.Context())
			if keyID == "" || rl.allow(keyID) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limit_exceeded",
				"message": "request rate exceeded for this key",
			})
		})
	}
}

// CORSMiddleware sets CORS headers. allowedOrigins can be ["*"] for any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Warden-Key")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
