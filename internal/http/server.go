package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/im-gateway/internal/config"
	"github.com/jmehdipour/im-gateway/internal/http/middleware"
	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outbox is the reliable send path.
type Outbox interface {
	Send(exchange, routingKey string, payload []byte, messageID string) (bool, error)
	Stats() outbox.Stats
}

type EventLister interface {
	List(ctx context.Context, messageID string, status model.OutboxStatus, limit, offset int) ([]model.OutboxEvent, error)
}

type PresenceReader interface {
	Devices(ctx context.Context, userID string) (map[string]string, error)
	Touch(ctx context.Context, userID string) error
}

// Deps are the components the HTTP surface is wired to. Events and Presence
// are optional; their routes are not mounted when nil.
type Deps struct {
	Outbox   Outbox
	Registry *session.Registry
	Tokens   middleware.TokenResolver
	Events   EventLister
	Presence PresenceReader
	Redis    *redis.Client
	Logger   *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	l := d.Logger
	if l == nil {
		l = zap.NewNop()
	}
	l = l.Named("http")

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), echoMid.RequestID())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// end-user websocket
	e.GET("/ws", wsHandler(d.Registry, wsOptions{
		Heartbeat: cfg.Session.HeartbeatTimeout,
		Presence:  d.Presence,
	}, l), middleware.TokenMiddleware(d.Tokens))

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "imgw:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/messages", sendMessageHandler(d.Outbox, cfg.Kafka.PushTopic))
	v1.POST("/push", pushHandler(d.Registry))
	v1.GET("/outbox/stats", outboxStatsHandler(d.Outbox))
	v1.GET("/sessions/stats", sessionStatsHandler(d.Registry))
	if d.Events != nil {
		v1.GET("/outbox/events", listEventsHandler(d.Events))
	}
	if d.Presence != nil {
		v1.GET("/presence/:user_id", presenceHandler(d.Presence))
	}

	return &Server{e: e, log: l}
}

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

// Start blocks until the server stops. A graceful Shutdown yields nil.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
