package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/balaji-balu/margo-testhost/internal/api/handlers"
	"github.com/balaji-balu/margo-testhost/internal/metrics"
)

// NewRouter serves the status of one deployment. gatherer may be nil, in
// which case /metrics is not mounted.
func NewRouter(src handlers.StatusSource, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", handlers.HealthzHandler)
	r.GET("/deployment", func(c *gin.Context) { handlers.GetDeployment(c, src) })
	r.GET("/deployment/environment", func(c *gin.Context) { handlers.GetEnvironment(c, src) })
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}
	return r
}
