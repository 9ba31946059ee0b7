// Package http exposes the running viewer on a small local control API.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveview/internal/config"
	"github.com/dkeye/liveview/internal/core"
	"github.com/dkeye/liveview/internal/domain"
	"github.com/dkeye/liveview/internal/observability"
	"github.com/dkeye/liveview/internal/viewer"
)

// Viewer is what the control API drives.
type Viewer interface {
	State() viewer.ViewState
	Subscribe() (<-chan struct{}, func())
	React(t domain.ReactionType) error
	StartBurst(t domain.ReactionType) error
	StopBurst(t domain.ReactionType)
	ResumePlayback(ctx context.Context) error
	Retry(ctx context.Context) error
	DismissError()
}

func SetupRouter(ctx context.Context, cfg *config.Config, v Viewer, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	limiter := NewRateLimiter(cfg.Reactions.RateLimit, cfg.Reactions.RateWindow)
	feed := newStateFeed(v, cfg.Events.PingPeriod)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(observability.Handler(gatherer)))
	}

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, v.State())
	})

	api.GET("/ws/state", func(c *gin.Context) {
		feed.serve(ctx, c.Writer, c.Request)
	})

	api.POST("/reactions/:type", func(c *gin.Context) {
		t, ok := reactionParam(c)
		if !ok {
			return
		}
		if !limiter.Allow(string(t)) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "slow down"})
			return
		}
		if err := v.React(t); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.POST("/reactions/:type/hold", func(c *gin.Context) {
		t, ok := reactionParam(c)
		if !ok {
			return
		}
		if !limiter.Allow(string(t)) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "slow down"})
			return
		}
		if err := v.StartBurst(t); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.DELETE("/reactions/:type/hold", func(c *gin.Context) {
		t, ok := reactionParam(c)
		if !ok {
			return
		}
		v.StopBurst(t)
		c.Status(http.StatusNoContent)
	})

	api.POST("/playback/resume", func(c *gin.Context) {
		if err := v.ResumePlayback(c.Request.Context()); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/connection/retry", func(c *gin.Context) {
		if err := v.Retry(c.Request.Context()); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, v.State())
	})

	api.DELETE("/connection/error", func(c *gin.Context) {
		v.DismissError()
		c.Status(http.StatusNoContent)
	})

	return r
}

func reactionParam(c *gin.Context) (domain.ReactionType, bool) {
	t, err := domain.ParseReactionType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return t, true
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, core.ErrStreamEnded),
		errors.Is(err, core.ErrConnectInProgress),
		errors.Is(err, core.ErrAutoplayBlocked),
		errors.Is(err, core.ErrNotLive):
		status = http.StatusConflict
	case errors.Is(err, viewer.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrConfiguration), errors.Is(err, core.ErrInvalidToken):
		status = http.StatusUnprocessableEntity
	}
	log.Warn().Str("module", "adapters.http").Err(err).Int("status", status).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
