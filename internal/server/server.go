// Package server is the reference chat backend: the REST surface, the
// realtime endpoints and their wiring to storage.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/auth"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/config"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/hub"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/storage"
)

type Server struct {
	cfg             *config.Config
	backend         rentwheel.Backend
	directory       *rentwheel.Directory
	hub             *hub.Hub
	tokens          *auth.Manager
	log             zerolog.Logger
	allowAllOrigins bool
	engine          *gin.Engine
}

func New(cfg *config.Config, backend rentwheel.Backend, h *hub.Hub, tokens *auth.Manager, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		backend:   backend,
		directory: rentwheel.NewDirectory(backend, log),
		hub:       h,
		tokens:    tokens,
		log:       log,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			s.allowAllOrigins = true
		}
	}
	s.engine = s.setupRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRouter() *gin.Engine {
	if !s.cfg.IsDevelopment() && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", requestIDKey},
		ExposeHeaders: []string{requestIDKey, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if s.allowAllOrigins {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))

	s.defineRoutes(r)
	return r
}

func (s *Server) defineRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth())

	authorized := r.Group("/")
	authorized.Use(authorize(s.tokens))
	authorized.GET("/ws", s.handleWebSocket())
	authorized.GET("/sse", s.handleSSE())

	api := authorized.Group("/api/chat")
	api.POST("/conversations", s.handleCreateConversation())
	api.GET("/conversations", s.handleListConversations())
	api.GET("/conversations/:id", s.handleGetConversation())
	api.POST("/conversations/:id/read", s.handleMarkRead())
	api.GET("/messages/:conversationId", s.handleGetMessages())
	api.POST("/messages/:conversationId", limitSends(s.cfg.SendRateLimit), s.handleSendMessage())
	api.DELETE("/messages/:conversationId/:messageId", s.handleDeleteMessage())
	api.GET("/unread", s.handleUnread())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.cfg.Port).Msg("chat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.hub.Stop()
	return srv.Shutdown(shutdownCtx)
}

// ListenAndServe builds every dependency from cfg and runs the server.
func ListenAndServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	store, err := storage.Open(cfg.DatabaseURL, storage.WithLogger(log))
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []hub.Option{hub.WithLogger(log)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		opts = append(opts, hub.WithRedis(rdb, ""))
	}
	var notifier *hub.Notifier
	if cfg.WebhookURL != "" {
		notifier = hub.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, log)
		opts = append(opts, hub.WithNotifier(notifier))
	}

	h := hub.New(opts...)
	if err := h.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	err = New(cfg, store, h, auth.NewManager(cfg.JWTSecret), log).Run(ctx)
	notifier.Wait()
	return err
}
