package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mymyanmarland/claw-chat/internal/auth"
	"github.com/mymyanmarland/claw-chat/internal/history"
	"github.com/mymyanmarland/claw-chat/internal/metrics"
	"github.com/mymyanmarland/claw-chat/internal/providers"
	"github.com/mymyanmarland/claw-chat/internal/ratelimit"
	"github.com/mymyanmarland/claw-chat/internal/relay"
)

type Service struct {
	issuer       *auth.Issuer
	store        history.Store
	provider     providers.Provider
	relay        *relay.Relay
	loginLimiter ratelimit.Limiter
	chatLimiter  ratelimit.Limiter
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	frontendDir  string
	serviceName  string
	proxies      []string
	now          func() time.Time

	inflight sync.WaitGroup
}

type Config struct {
	Issuer       *auth.Issuer
	Store        history.Store
	Provider     providers.Provider
	Relay        *relay.Relay
	LoginLimiter ratelimit.Limiter
	ChatLimiter  ratelimit.Limiter
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	FrontendDir  string
	ServiceName  string
	// TrustedProxies may set the client IP through X-Forwarded-For. Nil
	// trusts nobody.
	TrustedProxies []string
	Now            func() time.Time
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.LoginLimiter == nil {
		cfg.LoginLimiter = ratelimit.Unlimited{}
	}
	if cfg.ChatLimiter == nil {
		cfg.ChatLimiter = ratelimit.Unlimited{}
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.New(relay.Config{Logger: cfg.Logger, Metrics: m})
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "claw-chat"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		issuer:       cfg.Issuer,
		store:        cfg.Store,
		provider:     cfg.Provider,
		relay:        cfg.Relay,
		loginLimiter: cfg.LoginLimiter,
		chatLimiter:  cfg.ChatLimiter,
		logger:       cfg.Logger,
		metrics:      m,
		frontendDir:  cfg.FrontendDir,
		serviceName:  cfg.ServiceName,
		proxies:      cfg.TrustedProxies,
		now:          cfg.Now,
	}
}

// Handler returns the full HTTP surface: API, health, metrics and the
// static frontend.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	if err := r.SetTrustedProxies(s.proxies); err != nil {
		s.logger.Error().Err(err).Strs("proxies", s.proxies).Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(
		gin.Recovery(),
		requestID(),
		otelgin.Middleware(s.serviceName),
		accessLog(s.logger),
		cors(),
	)
	s.Register(r)
	return r
}

func (s *Service) Register(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/login", s.login)

	authed := api.Group("", s.requireAuth())
	authed.GET("/models", s.models)
	authed.GET("/history", s.getHistory)
	authed.DELETE("/history", s.clearHistory)
	authed.POST("/chat", s.chat)

	r.NoRoute(s.fallback)
}

// Wait blocks until every chat exchange started by this service has
// finished persisting, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
