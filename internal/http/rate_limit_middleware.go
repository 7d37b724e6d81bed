package httpx

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// RateLimiter counts hits per key inside a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type rateScope string

const (
	scopeIP   rateScope = "ip"
	scopeUser rateScope = "user"
)

// rateRule is a named quota. Every rule has its own counter per caller, so
// traffic on one route never consumes the budget of another. Routes that
// register the same rule share it on purpose (form and JSON login).
type rateRule struct {
	name   string
	limit  int
	window time.Duration
	scope  rateScope
}

var (
	ruleRegister     = rateRule{name: "register", limit: 5, window: time.Minute, scope: scopeIP}
	ruleLogin        = rateRule{name: "login", limit: 12, window: time.Minute, scope: scopeIP}
	ruleRefresh      = rateRule{name: "refresh", limit: 30, window: time.Minute, scope: scopeIP}
	ruleLogout       = rateRule{name: "logout", limit: 30, window: time.Minute, scope: scopeIP}
	ruleProfileRead  = rateRule{name: "profile", limit: 120, window: time.Minute, scope: scopeUser}
	ruleProfileWrite = rateRule{name: "profile-update", limit: 60, window: time.Minute, scope: scopeUser}
	rulePassword     = rateRule{name: "change-password", limit: 5, window: time.Minute, scope: scopeUser}
	ruleScan         = rateRule{name: "scan", limit: 20, window: time.Minute, scope: scopeUser}
	ruleRecommend    = rateRule{name: "recommend", limit: 20, window: time.Minute, scope: scopeUser}
	ruleHistory      = rateRule{name: "history", limit: 120, window: time.Minute, scope: scopeUser}
	ruleAnalysis     = rateRule{name: "analysis", limit: 60, window: time.Minute, scope: scopeUser}
	ruleReport       = rateRule{name: "report", limit: 30, window: time.Minute, scope: scopeUser}
	ruleStats        = rateRule{name: "stats", limit: 120, window: time.Minute, scope: scopeUser}
	ruleRealtime     = rateRule{name: "realtime", limit: 30, window: 30 * time.Second, scope: scopeUser}
)

// bucket is the limiter key for caller under this rule.
func (rule rateRule) bucket(caller string) string {
	return rule.name + "|" + caller
}

func (r *Router) withRateLimit(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		caller, scope := r.rateCaller(req, rule.scope)
		decision := r.limiter.Allow(rule.bucket(caller), rule.limit, rule.window)
		r.applyRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(rule.name, string(scope))
			r.logger.Warn("rate limit exceeded", "rule", rule.name, "caller", caller)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerAuthRate authenticates first so the rule can key on the user.
func (r *Router) handlerAuthRate(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(rule, next))
}

// rateCaller identifies who is charged. User scoped rules fall back to the
// peer address when the request carries no identity.
func (r *Router) rateCaller(req *http.Request, scope rateScope) (string, rateScope) {
	if scope == scopeUser {
		if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
			return "user:" + info.UserID, scopeUser
		}
	}
	return "ip:" + r.rateLimitIP(req), scopeIP
}

// rateLimitIP is the transport peer address. Forwarding headers are only
// honoured when the API is configured to sit behind a trusted proxy, since
// any client can set them.
func (r *Router) rateLimitIP(req *http.Request) string {
	if r.trustProxy {
		if ip := forwardedFor(req); ip != "" {
			return ip
		}
	}
	if host := remoteHost(req); host != "" {
		return host
	}
	return "unknown"
}

func remoteHost(req *http.Request) string {
	addr := strings.TrimSpace(req.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func forwardedFor(req *http.Request) string {
	first, _, _ := strings.Cut(req.Header.Get("X-Forwarded-For"), ",")
	return strings.TrimSpace(first)
}
