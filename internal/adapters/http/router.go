package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshroom/internal/app/orch"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

const requestTimeout = 10 * time.Second

// Session is what the control API drives.
type Session interface {
	Info() orch.SessionInfo
	Participants() []domain.Participant
	Transcript() []domain.ChatMessage
	SendChat(ctx context.Context, text string) (domain.ChatMessage, error)
	Typing(ctx context.Context) error
	SetHandRaised(ctx context.Context, raised bool) error
	SetAudioEnabled(ctx context.Context, enabled bool) error
	SetVideoEnabled(ctx context.Context, enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	Leave(ctx context.Context) error
}

type ChatRequest struct {
	Text string `json:"text" binding:"required,max=2000"`
}

type HandRequest struct {
	Raised *bool `json:"raised" binding:"required"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type ScreenRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type handlers struct {
	s Session
}

func SetupRouter(cfg config.ControlConfig, s Session) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := handlers{s: s}
	api := r.Group("/api")
	api.GET("/session", h.session)
	api.GET("/participants", h.participants)
	api.GET("/chat", h.transcript)
	api.POST("/chat", h.chat)
	api.POST("/typing", h.typing)
	api.POST("/hand", h.hand)
	api.POST("/audio", h.audio)
	api.POST("/video", h.video)
	api.POST("/screen", h.screen)
	api.POST("/leave", h.leave)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (h handlers) session(c *gin.Context) {
	c.JSON(http.StatusOK, h.s.Info())
}

func (h handlers) participants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": h.s.Participants()})
}

func (h handlers) transcript(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.s.Transcript()})
}

func (h handlers) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	msg, err := h.s.SendChat(ctx, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h handlers) typing(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	reply(c, h.s.Typing(ctx))
}

func (h handlers) hand(c *gin.Context) {
	var req HandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	reply(c, h.s.SetHandRaised(ctx, *req.Raised))
}

func (h handlers) audio(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	reply(c, h.s.SetAudioEnabled(ctx, *req.Enabled))
}

func (h handlers) video(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	reply(c, h.s.SetVideoEnabled(ctx, *req.Enabled))
}

func (h handlers) screen(c *gin.Context) {
	var req ScreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	if *req.Active {
		reply(c, h.s.StartScreenShare(ctx))
		return
	}
	reply(c, h.s.StopScreenShare(ctx))
}

func (h handlers) leave(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	reply(c, h.s.Leave(ctx))
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func reply(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotActive),
		errors.Is(err, core.ErrSessionClosed),
		errors.Is(err, core.ErrScreenShareCancelled),
		errors.Is(err, core.ErrMediaAcquisition):
		return http.StatusConflict
	case errors.Is(err, core.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
