package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"evodash.io/internal/audit"
	"evodash.io/internal/auth"
	"evodash.io/internal/ids"
	"evodash.io/internal/obs"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestID propagates a sane incoming X-Request-ID or mints a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 || strings.ContainsAny(rid, "\r\n") {
			rid = ids.RequestID()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LoggingJSON emits one structured line per request.
func LoggingJSON(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			obs.LogRequest(logger, logrus.Fields{
				"request_id":  RequestIDFromContext(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sw.code,
				"duration_ms": time.Since(start).Milliseconds(),
				"ip":          audit.ClientIP(r),
			})
		})
	}
}

// SecurityHeaders sets conservative browser hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// withClient stores caller details for audit records.
func withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := audit.ClientFromRequest(r, RequestIDFromContext(r.Context()))
		next.ServeHTTP(w, r.WithContext(auth.ContextWithClient(r.Context(), info)))
	})
}

func (a *API) throttleAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := a.throttle.Allow(a.proxies.PeerIP(r))
		if !ok {
			obs.RateLimitRejected.WithLabelValues("api").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, r, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit counts the request against "<name>:<peer ip>" before the
// handler runs. Rejected requests have no other side effects.
func (a *API) rateLimit(name string, next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := name + ":" + a.proxies.PeerIP(r)
		d, err := a.limiter.Check(r.Context(), key, a.rule)
		if err != nil {
			a.logger.WithError(err).WithField("key", key).Error("rate limiter unavailable")
			if a.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, r, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}
		now := a.now()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			obs.RateLimitRejected.WithLabelValues(name).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(now).Seconds())))
			a.writeAuthError(w, r, auth.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
