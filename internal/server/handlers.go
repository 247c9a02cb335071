package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mymyanmarland/claw-chat/internal/history"
	"github.com/mymyanmarland/claw-chat/internal/providers"
	"github.com/mymyanmarland/claw-chat/internal/ratelimit"
	"github.com/mymyanmarland/claw-chat/internal/relay"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type chatRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

func (s *Service) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "mode": s.provider.Mode()})
}

func (s *Service) login(c *gin.Context) {
	if !s.allow(c, s.loginLimiter, "login", c.ClientIP()) {
		return
	}

	var req loginRequest
	_ = c.ShouldBindJSON(&req)

	token, err := s.issuer.Login(req.Username, req.Password)
	if err != nil {
		s.metrics.LoginFailures.Inc()
		s.logger.Warn().Str("ip", c.ClientIP()).Msg("login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": req.Username})
}

func (s *Service) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.provider.Models()})
}

func (s *Service) getHistory(c *gin.Context) {
	turns := s.store.Read(c.Request.Context(), c.GetString(usernameKey))
	if turns == nil {
		turns = []history.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": turns})
}

func (s *Service) clearHistory(c *gin.Context) {
	if err := s.store.Clear(c.Request.Context(), c.GetString(usernameKey)); err != nil {
		s.metrics.HistoryWrites.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("clear history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear history"})
		return
	}
	s.metrics.HistoryWrites.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Service) chat(c *gin.Context) {
	user := c.GetString(usernameKey)

	var req chatRequest
	_ = c.ShouldBindJSON(&req)
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message required"})
		return
	}
	if !s.allow(c, s.chatLimiter, "chat", user) {
		return
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	userTurn := history.UserTurn(req.Message, s.now())
	prior := s.store.Read(c.Request.Context(), user)
	working := make([]history.Turn, 0, len(prior)+1)
	working = append(working, prior...)
	working = append(working, userTurn)

	relay.PrepareHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	s.metrics.ChatRequests.Inc()

	// The upstream leg and the history write outlive a client disconnect.
	ctx := context.WithoutCancel(c.Request.Context())
	res := s.relay.Run(ctx, s.provider, providers.ChatInput{
		User:    user,
		Model:   req.Model,
		History: working,
	}, relay.NewSSEWriter(c.Writer))

	turns := []history.Turn{userTurn}
	if res.Completed() {
		turns = append(turns, history.AssistantTurn(res.Text, res.Model, s.now()))
	}
	if err := s.store.AppendAndTruncate(ctx, user, turns...); err != nil {
		s.metrics.HistoryWrites.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("user", user).Msg("persist chat turns failed")
		return
	}
	s.metrics.HistoryWrites.WithLabelValues("ok").Inc()
}

// allow applies a limiter and writes the 429 itself when the budget is
// spent. Limiter backend failures let the request through.
func (s *Service) allow(c *gin.Context, l ratelimit.Limiter, scope, key string) bool {
	now := s.now()
	d, err := l.Allow(c.Request.Context(), scope, key, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable")
		return true
	}
	if d.Allowed {
		return true
	}
	s.metrics.RateLimited.WithLabelValues(scope).Inc()
	retry := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": ratelimit.ErrLimited.Error()})
	return false
}
