package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Dependency is one backing service the health endpoint pings. A failing
// required dependency makes the service unhealthy; an optional one only
// degrades it.
type Dependency struct {
	Name     string
	Required bool
	Ping     func(ctx context.Context) error
}

type HealthHandler struct {
	service string
	deps    []Dependency
	timeout time.Duration
}

func NewHealthHandler(service string, deps ...Dependency) *HealthHandler {
	return &HealthHandler{service: service, deps: deps, timeout: 2 * time.Second}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	code, status := http.StatusOK, "healthy"
	deps := gin.H{}
	for _, d := range h.deps {
		if err := d.Ping(ctx); err != nil {
			deps[d.Name] = "down"
			if d.Required {
				code, status = http.StatusServiceUnavailable, "unhealthy"
			} else if code == http.StatusOK {
				status = "degraded"
			}
			continue
		}
		deps[d.Name] = "up"
	}

	c.JSON(code, gin.H{
		"service":      h.service,
		"status":       status,
		"dependencies": deps,
	})
}
