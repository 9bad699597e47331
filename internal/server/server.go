package server

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pscheid92/relayhub/internal/config"
	"github.com/pscheid92/relayhub/internal/hub"
)

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	hub      *hub.Hub
	limits   *ConnectionLimits
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, h *hub.Hub, limits *ConnectionLimits) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)

	srv := &Server{
		echo:   e,
		config: cfg,
		hub:    h,
		limits: limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment()),
		},
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
