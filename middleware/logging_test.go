package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGetTraceID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "traceparent wins",
			headers: map[string]string{TraceParentHeader: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", TraceIDHeader: "other"},
			want:    "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{
			name:    "malformed traceparent falls through",
			headers: map[string]string{TraceParentHeader: "garbage", TraceIDHeader: "from-header"},
			want:    "from-header",
		},
		{
			name:    "x-trace-id",
			headers: map[string]string{TraceIDHeader: "from-header"},
			want:    "from-header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetTraceID(c))
		})
	}

	t.Run("generates when absent", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Len(t, GetTraceID(c), 32)
	})
}

func TestLoggingMiddleware_InjectsLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	r := gin.New()
	r.Use(LoggingMiddleware())

	var hasLogger bool
	r.GET("/x", func(c *gin.Context) {
		hasLogger = zerolog.Ctx(c.Request.Context()).GetLevel() != zerolog.Disabled
		pkgzerolog.FromContext(c.Request.Context()).Info().Msg("handled")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	r.ServeHTTP(w, req)

	assert.True(t, hasLogger)
	assert.Equal(t, "trace-123", w.Header().Get(TraceIDHeader))
	assert.Contains(t, buf.String(), `"trace_id":"trace-123","message":"handled"`)
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("allowed origin", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "https://app.example.com")
		r.ServeHTTP(w, req)

		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("other origin rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "https://evil.example")
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
