// Package health exposes the liveness and readiness endpoints shared by
// every binary in the repo.
package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Manager tracks readiness of the process. Liveness is unconditional;
// readiness flips once wiring (stores, producer, sync pipeline) is complete.
type Manager struct {
	ready   atomic.Bool
	started time.Time
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{started: time.Now()}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) { m.ready.Store(ready) }

func (m *Manager) IsReady() bool { return m.ready.Load() }

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadinessHandler reports 503 until the manager is marked ready, and
// again after shutdown begins so load balancers stop routing here.
func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         "ready",
			"uptime_seconds": int64(time.Since(m.started).Seconds()),
		})
	}
}
