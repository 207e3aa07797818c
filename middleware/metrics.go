package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// TokenExchanges counts token endpoint calls by grant type and outcome.
	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_token_exchanges_total",
		Help: "Token endpoint calls by grant type and result.",
	}, []string{"grant", "result"})

	// SessionRefreshes counts refresh attempts made while resolving sessions.
	SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_refreshes_total",
		Help: "Session refresh attempts by result.",
	}, []string{"result"})

	// FallbackCredentials counts fallback cookie emits, recoveries and reconciles.
	FallbackCredentials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_fallback_credentials_total",
		Help: "Fallback credential events by kind.",
	}, []string{"event"})

	// IdentityBackfills counts identity backfill writes by result.
	IdentityBackfills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_identity_backfills_total",
		Help: "Identity backfill attempts by result.",
	}, []string{"result"})

	// PlatformRequests counts platform API calls by endpoint and outcome,
	// one increment per attempt.
	PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_api_requests_total",
		Help: "Platform API attempts by endpoint and result.",
	}, []string{"endpoint", "result"})

	// ProfileCacheLookups counts profile cache reads by outcome.
	ProfileCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_cache_lookups_total",
		Help: "Profile cache lookups by result.",
	}, []string{"result"})
)

// PrometheusMiddleware records request count and latency per matched route.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
