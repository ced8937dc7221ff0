package server

import (
	"backend-transittrack/internal/auth"
	"backend-transittrack/internal/config"
	"backend-transittrack/internal/duty"
	"backend-transittrack/internal/ping"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Components are the already-wired services the HTTP surface exposes. A
// nil component leaves its routes unmounted.
type Components struct {
	Auth   *auth.Service
	Duty   *duty.Machine
	Pings  *ping.Channel
	Device *platform.Device
	Stream *stream.Hub
}

type Server struct {
	App *fiber.App
	Cfg config.Config
	Components
}

func NewServer(cfg config.Config, c Components) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:        app,
		Cfg:        cfg,
		Components: c,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	if s.Auth != nil {
		auth.RegisterRoutes(s.App.Group("/auth"), s.Auth)
	}
	if s.Duty != nil {
		duty.RegisterRoutes(s.App.Group("/duty"), s.Duty, jwtMiddleware)
	}
	if s.Pings != nil {
		ping.RegisterRoutes(s.App.Group("/pings"), s.Pings, jwtMiddleware)
	}
	if s.Device != nil {
		platform.RegisterRoutes(s.App.Group("/device"), s.Device, jwtMiddleware)
	}
	if s.Stream != nil {
		stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
	}
}
