package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"aibuddy/internal/config"
)

type HTTPServer struct {
	engine *gin.Engine
	server *http.Server
	log    zerolog.Logger
}

// NewHTTPServer builds the gin engine with the shared middleware chain. The
// write timeout stays unset so chat streams are not cut off mid-reply.
func NewHTTPServer(cfg *config.Config, log zerolog.Logger, handler *Handler) *HTTPServer {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		RequestID(),
		Logger(log),
		Recovery(log),
		CORS(cfg.Server.AllowedOrigins),
	)
	handler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	return &HTTPServer{engine: engine, server: srv, log: log}
}

func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
