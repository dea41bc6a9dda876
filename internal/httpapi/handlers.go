package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"evodash.io/internal/audit"
	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
	"evodash.io/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// ReadyProbe is a named dependency check used by /readyz.
type ReadyProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	svc      *auth.Service
	limiter  ratelimit.Limiter
	rule     ratelimit.Rule
	failOpen bool
	throttle *ratelimit.Throttle
	proxies  audit.TrustedProxies
	secure   bool
	probes   []ReadyProbe
	version  string
	logger   *logrus.Logger
	now      func() time.Time
	router   *mux.Router
}

// Option configures API.
type Option func(*API)

// WithLimiter guards the login and register endpoints.
func WithLimiter(l ratelimit.Limiter, rule ratelimit.Rule, failOpen bool) Option {
	return func(a *API) {
		a.limiter = l
		if rule.Window > 0 && rule.Max > 0 {
			a.rule = rule
		}
		a.failOpen = failOpen
	}
}

// WithThrottle applies a per-IP token bucket to every /api/ route.
func WithThrottle(t *ratelimit.Throttle) Option {
	return func(a *API) { a.throttle = t }
}

// WithTrustedProxies lets rate limits follow X-Forwarded-For when the
// connection comes from one of proxies.
func WithTrustedProxies(proxies audit.TrustedProxies) Option {
	return func(a *API) { a.proxies = proxies }
}

// WithSecureCookies marks the session cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.secure = secure }
}

func WithReadyProbes(probes ...ReadyProbe) Option {
	return func(a *API) { a.probes = append(a.probes, probes...) }
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func WithLogger(l *logrus.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time for cookie and rate-limit headers.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New builds the router. svc is required.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		svc:     svc,
		rule:    ratelimit.DefaultAuthRule,
		version: "dev",
		logger:  obs.Logger(),
		now:     time.Now,
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.admission(h)
	if a.throttle != nil {
		h = a.throttleAPI(h)
	}
	h = withClient(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(a.logger)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) routes() {
	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)
	for _, p := range []string{"/", "/login", "/register"} {
		a.router.HandleFunc(p, a.page).Methods(http.MethodGet)
	}
	for _, rt := range a.Routes() {
		var h http.Handler = a.require(rt.Requirement, rt.Handler)
		if rt.Limited != "" {
			h = a.rateLimit(rt.Limited, h)
		}
		a.router.Handle(rt.Path, h).Methods(rt.Method)
	}
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "evodash-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range a.probes {
		if err := p.Check(ctx); err != nil {
			a.logger.WithError(err).WithField("probe", p.Name).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"probe":  p.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// page stands in for the dashboard shell; rendering lives elsewhere.
func (a *API) page(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "<!doctype html><title>evodash</title><div id=\"app\"></div>\n")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"success": false,
		"error":   msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["requestId"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps service errors to status codes and client messages.
// Internal details only reach the log.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch auth.Classify(err) {
	case auth.OutcomeInvalidCredentials:
		writeError(w, r, http.StatusUnauthorized, "Invalid email or password")
	case auth.OutcomeAccountLocked:
		writeError(w, r, http.StatusForbidden, "Account is temporarily locked. Please try again later.")
	case auth.OutcomeAccountDisabled:
		writeError(w, r, http.StatusForbidden, "Account is disabled. Please contact administrator.")
	case auth.OutcomeRateLimited:
		writeError(w, r, http.StatusTooManyRequests, "Too many requests, please try again later")
	case auth.OutcomeUnauthenticated, auth.OutcomeTokenInvalid, auth.OutcomeSessionExpired:
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
	case auth.OutcomePermissionDenied:
		writeError(w, r, http.StatusForbidden, "Forbidden")
	case auth.OutcomeConflict:
		writeError(w, r, http.StatusConflict, detail(err, auth.ErrConflict, "Resource already exists"))
	case auth.OutcomeInvalidInput:
		writeError(w, r, http.StatusBadRequest, detail(err, auth.ErrInvalidInput, "Invalid request"))
	case auth.OutcomeNotFound:
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		a.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

// detail extracts the message wrapped after sentinel, capitalised.
func detail(err, sentinel error, fallback string) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	i := strings.Index(msg, prefix)
	if i < 0 {
		return fallback
	}
	msg = strings.TrimSpace(msg[i+len(prefix):])
	if msg == "" {
		return fallback
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
