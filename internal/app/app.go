package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"todoline/internal/bot"
	"todoline/internal/config"
	"todoline/internal/db"
	"todoline/internal/migrate"
	"todoline/internal/repo"
	"todoline/internal/server"
	"todoline/internal/telegram"
)

// NewLogger builds the process logger from the log section of cfg.
func NewLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("log format must be text or json, got %q", cfg.Log.Format)
}

// OpenStore opens the database named by cfg and brings its schema up to date.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.Conn, repo.Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, repo.Repo{}, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.InfoContext(ctx, "database migrated", slog.String("dialect", string(conn.Dialect)), slog.Int("applied", applied))
	}
	return conn, repo.New(conn), nil
}

// App is the wired bot service: store, router, Telegram transport and the
// optional HTTP server.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Conn      *db.Conn
	Store     repo.Repo
	Router    *bot.Router
	Transport *telegram.Transport
	HTTP      *http.Server

	cancel  context.CancelFunc
	polling chan error
	addr    string
}

// Addr is the address the HTTP server listens on once started.
func (a *App) Addr() string {
	return a.addr
}

// New opens the store and wires every component. api is the Telegram client.
func New(ctx context.Context, cfg *config.Config, api telegram.API, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	router := bot.New(store, logger)
	transport := &telegram.Transport{
		API:            api,
		Handler:        router,
		Logger:         logger,
		PollTimeout:    cfg.Telegram.PollTimeout,
		MaxConcurrency: cfg.Telegram.MaxConcurrency,
		WebhookSecret:  cfg.WebhookPathSecret(),
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Conn:      conn,
		Store:     store,
		Router:    router,
		Transport: transport,
	}
	if cfg.HTTP.Addr != "" {
		var webhook http.Handler
		if cfg.WebhookMode() {
			webhook = transport.WebhookHandler()
		}
		handler, err := server.New(server.Config{
			Store:    store,
			Commands: router,
			BasePath: cfg.HTTP.BasePath,
			Auth:     server.AuthConfig{JWTSecret: cfg.HTTP.JWTSecret, Logger: logger},
			Webhook:  webhook,
			Logger:   logger,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.HTTP = &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	}
	return a, nil
}

// Start begins receiving updates and serving HTTP. It returns once both are running.
func (a *App) Start(ctx context.Context) error {
	if a.HTTP != nil {
		ln, err := net.Listen("tcp", a.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.HTTP.Addr, err)
		}
		a.addr = ln.Addr().String()
		go func() {
			if err := a.HTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.ErrorContext(ctx, "http server stopped", slog.Any("error", err))
			}
		}()
		a.Logger.InfoContext(ctx, "serving todoline API",
			slog.String("addr", ln.Addr().String()),
			slog.String("base_path", a.Config.HTTP.BasePath))
	}
	if a.Config.WebhookMode() {
		return a.Transport.SetWebhook(ctx, a.Config.Telegram.WebhookURL)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.polling = make(chan error, 1)
	go func() {
		err := a.Transport.Run(runCtx)
		if err != nil {
			a.Logger.ErrorContext(runCtx, "telegram polling failed", slog.Any("error", err))
		}
		a.polling <- err
	}()
	return nil
}

// Shutdown stops receiving updates, stops the HTTP server, waits for
// in-flight commands and closes the database. ctx bounds the whole sequence.
// Polling is drained before the transport stops; the HTTP server is shut
// down before waiting so that no webhook request dispatches after the wait.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")
	var errs []error
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.polling:
		case <-ctx.Done():
		}
	}
	a.Transport.Stop()
	if a.HTTP != nil {
		if err := a.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := a.Transport.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for in-flight commands: %w", err))
	}
	if err := a.Conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// Run starts the service and blocks until SIGINT or SIGTERM has been handled.
// The returned code is the process exit code.
func (a *App) Run(ctx context.Context) int {
	if err := a.Start(ctx); err != nil {
		a.Logger.ErrorContext(ctx, "start failed", slog.Any("error", err))
		if cerr := a.Conn.Close(); cerr != nil {
			a.Logger.ErrorContext(ctx, "close database", slog.Any("error", cerr))
		}
		return 1
	}
	wait := gfshutdown.GracefulShutdown(ctx, a.Config.ShutdownTimeout, map[string]gfshutdown.Operation{
		// One operation keeps the steps ordered.
		"todoline": func(ctx context.Context) error {
			return a.Shutdown(ctx)
		},
	})
	return <-wait
}
