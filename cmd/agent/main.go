package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-transittrack/internal/app"
	"backend-transittrack/internal/config"
	"backend-transittrack/internal/db"
	"backend-transittrack/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadEnv         func() error
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, db.Querier, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadEnv:         func() error { return godotenv.Load() },
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := deps.loadEnv(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}
	cfg := deps.loadConfig()

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		return
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		logger.Error("agent exited with error", "error", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run builds the agent, resumes any interrupted trip and serves HTTP until
// a termination signal, ctx cancellation or a listener failure.
func Run(ctx context.Context, cfg config.Config, q db.Querier, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	agent, err := app.New(ctx, cfg, q, rdb, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.Warn("agent close incomplete", "error", err)
		}
		if pool, ok := q.(interface{ Close() }); ok {
			pool.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	if err := agent.Start(ctx); err != nil {
		slog.Warn("continuing without a resumed trip", "error", err)
	}

	srv := server.NewServer(cfg, agent.Components())
	if listen == nil {
		listen = defaultListen
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.Watch(gctx)
	})
	g.Go(func() error {
		err := listen(srv.App, cfg.ServerPort)
		cancel()
		return err
	})
	g.Go(func() error {
		select {
		case <-signals:
		case <-gctx.Done():
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		err := shutdownFn(srv.App, shutdownCtx)
		cancel()
		return err
	})
	return g.Wait()
}
