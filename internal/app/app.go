package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/atvirokodosprendimai/storesync/internal/adapters/events"
	"github.com/atvirokodosprendimai/storesync/internal/adapters/httpapi"
	sqliteadapter "github.com/atvirokodosprendimai/storesync/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/storesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/core/ports"
	"github.com/atvirokodosprendimai/storesync/internal/core/usecase"
	"github.com/atvirokodosprendimai/storesync/internal/platform/metrics"
	"github.com/atvirokodosprendimai/storesync/migrations"
)

type Config struct {
	Addr     string
	DBPath   string
	BasePath string

	// AppAPIKey is the audience of platform session tokens. AppSecret signs
	// both session tokens and uninstall webhooks.
	AppAPIKey     string
	AppSecret     string
	SessionLeeway time.Duration

	EventsWebhookURL    string
	EventsWebhookSecret string
	DispatchInterval    time.Duration

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.AppSecret == "" {
		return errors.New("app secret is required")
	}
	return nil
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewServer opens and migrates the database, wires every component and
// starts the outbox dispatcher. The returned closer stops the dispatcher
// before closing the database.
func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openMigrated(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	payloads, err := usecase.NewPayloadValidator()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load payload schemas: %w", err)
	}

	reconciler := usecase.NewReconciler(
		sqliteadapter.NewTenantStore(db),
		usecase.WithReconcilerLogger(logger),
		usecase.WithReconcilerMetrics(m),
		usecase.WithOperationTimeout(5*time.Second),
	)
	auditService := usecase.NewAuditService(sqliteadapter.NewAuditTrailRepository(db))

	dispatcher := usecase.NewOutboxDispatcher(
		sqliteadapter.NewOutboxRepository(db),
		newPublisher(cfg, logger),
		usecase.DispatcherConfig{
			Interval:  cfg.DispatchInterval,
			BatchSize: 100,
			Logger:    logger,
			Metrics:   m,
		},
	)
	dispatcher.Start(context.Background())

	handler := httpapi.NewHandler(httpapi.Deps{
		Reconciler:     reconciler,
		Sessions:       usecase.NewSessionValidator(cfg.AppSecret, cfg.AppAPIKey, cfg.SessionLeeway),
		Webhooks:       usecase.NewWebhookVerifier(cfg.AppSecret),
		Payloads:       payloads,
		Audit:          auditService,
		Metrics:        m,
		Gatherer:       registry,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		Ping:           db.Ping,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(cfg.BasePath),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	return server, resourceCloser{closers: []io.Closer{dispatcher, db}}, nil
}

func newPublisher(cfg Config, logger *slog.Logger) ports.EventPublisher {
	if cfg.EventsWebhookURL == "" {
		return events.NewLogPublisher(logger)
	}
	return events.NewWebhookPublisher(cfg.EventsWebhookURL, cfg.EventsWebhookSecret, 10*time.Second)
}

// Migrate applies pending migrations and reports the resulting version.
func Migrate(ctx context.Context, dbPath string) (int64, error) {
	db, err := openMigrated(ctx, dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	wdb, err := db.WriteSQLDB()
	if err != nil {
		return 0, err
	}
	return migrations.Version(ctx, wdb)
}

// ListStale returns active tenants not synced within olderThan.
func ListStale(ctx context.Context, dbPath string, olderThan time.Duration) ([]domain.Tenant, error) {
	db, err := openMigrated(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return usecase.NewReconciler(sqliteadapter.NewTenantStore(db)).ListStale(ctx, olderThan)
}

func openMigrated(ctx context.Context, dbPath string) (*gormsqlite.DB, error) {
	db, err := gormsqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve writer sql db: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := migrations.Up(migrateCtx, writeSQLDB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
