package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/contracts/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/contracts/:id", "200"))

	req := httptest.NewRequest(http.MethodGet, "/contracts/ct_abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/contracts/:id", "200"))
	assert.Equal(t, before+1, after, "request should be counted against the route pattern")
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	assert.Equal(t, before+1, after)
}

func TestChainTxCounter(t *testing.T) {
	before := counterValue(t, ChainTxTotal.WithLabelValues("create", "submitted"))
	ChainTxTotal.WithLabelValues("create", "submitted").Inc()
	after := counterValue(t, ChainTxTotal.WithLabelValues("create", "submitted"))
	assert.Equal(t, before+1, after)
}
