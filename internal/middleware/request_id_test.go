package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"kbindex/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var gotRequestID, gotTraceID string
	router := gin.New()
	router.Use(RequestIDMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(c *gin.Context) {
		gotRequestID = GetRequestID(c.Request.Context())
		gotTraceID = logger.GetTraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	t.Run("生成请求 ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NotEmpty(t, gotRequestID)
		assert.Equal(t, gotRequestID, gotTraceID)
		assert.Equal(t, gotRequestID, w.Header().Get(HeaderRequestID))
	})

	t.Run("沿用上游请求头", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(HeaderRequestID, "req-1")
		req.Header.Set(HeaderTraceID, "trace-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "req-1", gotRequestID)
		assert.Equal(t, "trace-1", gotTraceID)
		assert.Equal(t, "trace-1", w.Header().Get(HeaderTraceID))
	})
}
