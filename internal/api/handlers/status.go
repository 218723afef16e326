package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/internal/webconfig"
)

// StatusSource reports the current deployment. orchestrator.Orchestrator
// implements it.
type StatusSource interface {
	Status() orchestrator.Status
}

func HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func GetDeployment(c *gin.Context, src StatusSource) {
	c.JSON(http.StatusOK, src.Status())
}

// GetEnvironment returns the environment settings written into the
// published output.
func GetEnvironment(c *gin.Context, src StatusSource) {
	st := src.Status()
	if st.Result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no deployment"})
		return
	}
	env, err := webconfig.ReadEnvironmentSettings(st.Result.PublishedPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, env)
}
