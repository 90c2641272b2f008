package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/atvirokodosprendimai/storesync/internal/app"
	"github.com/atvirokodosprendimai/storesync/internal/core/usecase"
)

func main() {
	// A missing .env is fine; flags and the process environment still apply.
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "storesync",
		Usage: "Tenant lifecycle reconciliation service for platform add-ons",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("STORESYNC_ADDR"),
				Usage:   "HTTP listen address",
			},
			dbPathFlag(),
			&cli.StringFlag{
				Name:    "base-path",
				Value:   "/api",
				Sources: cli.EnvVars("STORESYNC_BASE_PATH"),
				Usage:   "Path prefix of the store API",
			},
			appAPIKeyFlag(),
			appSecretFlag(),
			&cli.DurationFlag{
				Name:    "session-leeway",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("STORESYNC_SESSION_LEEWAY"),
				Usage:   "Allowed clock skew when checking session token times",
			},
			&cli.StringFlag{
				Name:    "events-webhook-url",
				Sources: cli.EnvVars("STORESYNC_EVENTS_WEBHOOK_URL"),
				Usage:   "Lifecycle event receiver; events are logged when empty",
			},
			&cli.StringFlag{
				Name:    "events-webhook-secret",
				Sources: cli.EnvVars("STORESYNC_EVENTS_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 key for outbound lifecycle event requests",
			},
			&cli.DurationFlag{
				Name:    "dispatch-interval",
				Value:   2 * time.Second,
				Sources: cli.EnvVars("STORESYNC_DISPATCH_INTERVAL"),
				Usage:   "Outbox polling interval",
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Value:   15 * time.Second,
				Sources: cli.EnvVars("STORESYNC_REQUEST_TIMEOUT"),
				Usage:   "Per-request deadline for the store API",
			},
			logLevelFlag(),
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Flags: []cli.Flag{dbPathFlag(), logLevelFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					logger := newLogger(c.String("log-level"))
					version, err := app.Migrate(ctx, c.String("db-path"))
					if err != nil {
						return err
					}
					logger.Info("migrations applied", slog.Int64("version", version))
					return nil
				},
			},
			{
				Name:  "stale",
				Usage: "Print active stores not synced within --older-than",
				Flags: []cli.Flag{
					dbPathFlag(),
					&cli.DurationFlag{
						Name:  "older-than",
						Value: 24 * time.Hour,
						Usage: "Staleness threshold",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					stores, err := app.ListStale(ctx, c.String("db-path"), c.Duration("older-than"))
					if err != nil {
						return err
					}
					for _, s := range stores {
						fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", s.Domain, s.ExternalID, s.LastSyncedAt.Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:  "session-token",
				Usage: "Mint an admin session token for local testing",
				Flags: []cli.Flag{
					appAPIKeyFlag(),
					appSecretFlag(),
					&cli.StringFlag{Name: "domain", Required: true, Usage: "Store domain the session belongs to"},
					&cli.StringFlag{Name: "subject", Value: "local-admin", Usage: "Session subject"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "Token lifetime"},
				},
				Action: func(_ context.Context, c *cli.Command) error {
					token, err := usecase.IssueSessionToken(
						c.String("app-secret"),
						c.String("app-api-key"),
						c.String("domain"),
						c.String("subject"),
						c.Duration("ttl"),
						time.Now(),
					)
					if err != nil {
						return err
					}
					fmt.Fprintln(os.Stdout, token)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("storesync failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	logger := newLogger(c.String("log-level"))
	cfg := app.Config{
		Addr:                c.String("addr"),
		DBPath:              c.String("db-path"),
		BasePath:            c.String("base-path"),
		AppAPIKey:           c.String("app-api-key"),
		AppSecret:           c.String("app-secret"),
		SessionLeeway:       c.Duration("session-leeway"),
		EventsWebhookURL:    c.String("events-webhook-url"),
		EventsWebhookSecret: c.String("events-webhook-secret"),
		DispatchInterval:    c.Duration("dispatch-interval"),
		RequestTimeout:      c.Duration("request-timeout"),
		Logger:              logger,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, closer, err := app.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error("close resources", slog.String("error", closeErr.Error()))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr), slog.String("base_path", cfg.BasePath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func dbPathFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "db-path",
		Value:   "./storesync.sqlite",
		Sources: cli.EnvVars("STORESYNC_DB_PATH"),
		Usage:   "SQLite file path",
	}
}

func appAPIKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "app-api-key",
		Sources: cli.EnvVars("STORESYNC_APP_API_KEY"),
		Usage:   "App API key; the audience of session tokens",
	}
}

func appSecretFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "app-secret",
		Sources: cli.EnvVars("STORESYNC_APP_SECRET"),
		Usage:   "App secret; verifies session tokens and uninstall webhooks",
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Sources: cli.EnvVars("STORESYNC_LOG_LEVEL"),
		Usage:   "debug, info, warn or error",
	}
}
