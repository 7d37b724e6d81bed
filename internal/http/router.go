package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/farmeye/api/internal/service/auth"
	"github.com/farmeye/api/internal/service/diagnosis"
	"github.com/farmeye/api/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	auth          auth.Service
	diagnosis     diagnosis.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	cors          *cors.Cors
	handler       http.Handler
	maxUpload     int64
	secureCookies bool
	trustProxy    bool
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Options tunes transport level behaviour.
type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	SecureCookies  bool
	// TrustProxy keys IP rate limits on X-Forwarded-For. Enable it only when
	// a proxy that overwrites the header fronts the API.
	TrustProxy bool
}

const (
	healthCheckTimeout = 2 * time.Second
	defaultMaxUpload   = 10 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, diagnosisSvc diagnosis.Service, hub *ws.Hub, limiter RateLimiter, opts Options, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		auth:          authSvc,
		diagnosis:     diagnosisSvc,
		hub:           hub,
		limiter:       limiter,
		cors:          newCORS(opts.AllowedOrigins),
		maxUpload:     opts.MaxUploadBytes,
		secureCookies: opts.SecureCookies,
		trustProxy:    opts.TrustProxy,
		dbHealth:      dbHealth,
	}
	if r.maxUpload <= 0 {
		r.maxUpload = defaultMaxUpload
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			return req.Header.Get("Origin") == "" || r.cors.OriginAllowed(req)
		},
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	r.handler = r.cors.Handler(r.mux)
	return r
}

// ServeHTTP applies CORS and delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/auth/register", r.audit(r.withRateLimit(ruleRegister, r.handleRegister)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit(ruleLogin, r.handleLoginForm)))
	r.mux.HandleFunc("/auth/login/json", r.audit(r.withRateLimit(ruleLogin, r.handleLoginJSON)))
	r.mux.HandleFunc("/auth/refresh", r.audit(r.withRateLimit(ruleRefresh, r.handleRefresh)))
	r.mux.HandleFunc("/auth/logout", r.audit(r.withRateLimit(ruleLogout, r.handleLogout)))
	r.mux.HandleFunc("/auth/me", r.audit(r.handlerAuthRate(ruleProfileRead, r.handleMe)))
	r.mux.HandleFunc("/auth/users/me", r.audit(r.handlerAuthRate(ruleProfileWrite, r.handleMe)))
	r.mux.HandleFunc("/auth/change-password", r.audit(r.handlerAuthRate(rulePassword, r.handleChangePassword)))

	r.mux.HandleFunc("/api/scan", r.audit(r.handlerAuthRate(ruleScan, r.handleScan)))
	r.mux.HandleFunc("/api/recommend", r.audit(r.handlerAuthRate(ruleRecommend, r.handleRecommend)))
	r.mux.HandleFunc("/api/analyses", r.audit(r.handlerAuthRate(ruleHistory, r.handleAnalyses)))
	r.mux.HandleFunc("/api/analyses/{id}", r.audit(r.handlerAuthRate(ruleAnalysis, r.handleAnalysis)))
	r.mux.HandleFunc("/api/analyses/{id}/pdf", r.audit(r.handlerAuthRate(ruleReport, r.handleAnalysisPDF)))
	r.mux.HandleFunc("/api/stats", r.audit(r.handlerAuthRate(ruleStats, r.handleStats)))
	r.mux.HandleFunc("/ws/analyses", r.audit(r.handlerAuthRate(ruleRealtime, r.handleAnalysesWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// clientIP is logged by audit. It prefers X-Forwarded-For, which the client
// controls, so it must not be used for access decisions.
func clientIP(req *http.Request) string {
	if ip := forwardedFor(req); ip != "" {
		return ip
	}
	return remoteHost(req)
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
