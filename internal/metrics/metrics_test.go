package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveVectorOp(t *testing.T) {
	before := testutil.ToFloat64(VectorOpsTotal.WithLabelValues("embedded", "add", "failed"))
	ObserveVectorOp("embedded", "add", errors.New("boom"))
	ObserveVectorOp("embedded", "add", nil)
	after := testutil.ToFloat64(VectorOpsTotal.WithLabelValues("embedded", "add", "failed"))
	assert.Equal(t, before+1, after)
}

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(PrometheusMiddleware())
	router.GET("/api/documents/:id/chunks", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/documents/:id/chunks", "200"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/documents/doc-1/chunks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/api/documents/:id/chunks", "200"))
	assert.Equal(t, before+1, after)
}
