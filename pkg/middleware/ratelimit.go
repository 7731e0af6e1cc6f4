package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ClientKey identifies the caller a request is rate limited as.
type ClientKey func(r *http.Request) string

// HeaderOrIP keys by the named header, falling back to the remote address.
func HeaderOrIP(header string) ClientKey {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return "h:" + v
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
}

// RateLimit gives every client a token bucket of perSecond requests with
// the given burst. Idle clients are forgotten after ten minutes. Health
// probes are never limited.
func RateLimit(perSecond float64, burst int, key ClientKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		burst = max(burst, 1)
		clients := expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute)
		retryAfter := strconv.Itoa(max(1, int(1/perSecond)))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			k := key(r)
			lim, ok := clients.Get(k)
			if !ok {
				lim = rate.NewLimiter(rate.Limit(perSecond), burst)
				clients.Add(k, lim)
			}
			if !lim.Allow() {
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{"success": false, "errors": []string{"rate limit exceeded"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
