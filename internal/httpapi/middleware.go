package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"
	"time"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/metrics"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const proxyKeyHeader = "x-renewal-key"

// requireProxyKey is a no-op when no proxy key is configured.
func (a *API) requireProxyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.ProxyKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(proxyKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.opts.ProxyKey)) != 1 {
			writeError(w, apperr.New(apperr.Unauthorized, "Unauthorized"), 0)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const (
	limiterIdle       = 10 * time.Minute
	limiterSweepAfter = 1024
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP. Idle entries are dropped
// during allow once the table grows.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	l := rate.Inf
	if rps > 0 {
		l = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{entries: map[string]*limiterEntry{}, limit: l, burst: burst}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= limiterSweepAfter {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.entries, k)
			}
		}
	}
	e := l.entries[ip]
	if e == nil {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r), time.Now()) {
			metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, apperr.New(apperr.BadRequest, "too many requests"), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP reads RemoteAddr, which middleware.RealIP rewrites when the proxy is trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
