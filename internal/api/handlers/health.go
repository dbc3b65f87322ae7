package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reelbatch.io/orchestrator/internal/provider"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready. Storage checks gate readiness;
// provider health is reported but an unreachable provider only degrades.
func (s *Server) GetReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.checks))
	ready := true
	for _, chk := range s.checks {
		if err := chk.Probe(ctx); err != nil {
			checks[chk.Name] = "error"
			ready = false
			continue
		}
		checks[chk.Name] = "ok"
	}

	status := "ok"
	if s.health != nil {
		for _, h := range s.health.Snapshot() {
			checks["provider:"+h.Provider] = string(h.Status)
			if h.Status == provider.HealthUnreachable {
				status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if !ready {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
