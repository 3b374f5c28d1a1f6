package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
)

func (s *Server) requireScheduler(c *gin.Context) bool {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) SchedulerStatus(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.scheduler.Status()})
}

func (s *Server) StartScheduler(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	if err := s.scheduler.Start(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.scheduler.Status()})
}

func (s *Server) StopScheduler(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	if err := s.scheduler.Stop(); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.scheduler.Status()})
}

// TriggerScheduler runs one closure check now. Skipped outcomes such as
// already_closed or lock_unavailable are reported in the body.
func (s *Server) TriggerScheduler(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	result, err := s.scheduler.TriggerManualCheck(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) GetSchedulerSettings(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	settings, err := s.scheduler.GetSettings(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

type updateSettingsRequest struct {
	Enabled            *bool   `json:"enabled"`
	ClosureTime        *string `json:"closure_time"`
	Timezone           *string `json:"timezone"`
	GracePeriodMinutes *int    `json:"grace_period_minutes"`
}

// UpdateSchedulerSettings applies a partial update over the stored settings.
func (s *Server) UpdateSchedulerSettings(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}

	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	current, err := s.scheduler.GetSettings(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	next := mergeSettings(current, req)

	updated, err := s.scheduler.UpdateSettings(ctx, next, actorName(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func mergeSettings(current settingsdomain.Settings, req updateSettingsRequest) settingsdomain.Settings {
	if req.Enabled != nil {
		current.Enabled = *req.Enabled
	}
	if req.ClosureTime != nil {
		current.ClosureTime = *req.ClosureTime
	}
	if req.Timezone != nil {
		current.Timezone = *req.Timezone
	}
	if req.GracePeriodMinutes != nil {
		current.GracePeriodMinutes = *req.GracePeriodMinutes
	}
	return current
}
