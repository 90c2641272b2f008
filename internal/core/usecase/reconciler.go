package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/core/ports"
	"github.com/atvirokodosprendimai/storesync/internal/platform/metrics"
)

// UninstallOutcome tells what an uninstall delivery did to the store.
type UninstallOutcome string

const (
	UninstallDeactivated     UninstallOutcome = "deactivated"
	UninstallAlreadyInactive UninstallOutcome = "already_inactive"
	UninstallUnknownDomain   UninstallOutcome = "unknown_domain"
)

// Reconciler keeps the local tenant records in step with the platform's
// install, heartbeat and uninstall signals. Every operation is keyed by
// domain and safe to repeat.
type Reconciler struct {
	store   ports.TenantStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	timeout time.Duration
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithOperationTimeout bounds each storage round trip. Zero disables it.
func WithOperationTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

func NewReconciler(store ports.TenantStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install is the single write path for first install and re-install.
// created is true when no record existed for the domain.
func (r *Reconciler) Install(ctx context.Context, in domain.UpsertInput, meta domain.MutationMetadata) (tenant domain.Tenant, created bool, err error) {
	start := time.Now()
	defer func() { r.metrics.ObserveReconcile("install", outcomeOf(err), start) }()

	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Tenant{}, false, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenant, created, err = r.store.Upsert(ctx, in, r.stamp(meta))
	if err != nil {
		return domain.Tenant{}, false, r.internal(ctx, err, "install", in.Domain, "failed to upsert store")
	}

	r.logger.InfoContext(ctx, "store upserted",
		slog.String("domain", tenant.Domain),
		slog.Bool("created", created),
		slog.String("plan", tenant.Plan),
		slog.String("source", meta.Source),
	)
	return tenant, created, nil
}

// Sync advances lastSyncedAt only. It is allowed on inactive tenants and
// leaves active untouched.
func (r *Reconciler) Sync(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (tenant domain.Tenant, err error) {
	start := time.Now()
	defer func() { r.metrics.ObserveReconcile("sync", outcomeOf(err), start) }()

	tenantDomain, err = requireDomain(tenantDomain)
	if err != nil {
		return domain.Tenant{}, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenant, err = r.store.Touch(ctx, tenantDomain, r.stamp(meta))
	if err != nil {
		return domain.Tenant{}, r.internal(ctx, err, "sync", tenantDomain, "failed to sync store")
	}
	if !tenant.Active {
		r.logger.InfoContext(ctx, "synced inactive store", slog.String("domain", tenantDomain))
	}
	return tenant, nil
}

// Deactivate marks the tenant inactive. Deactivating an inactive tenant
// returns it unchanged.
func (r *Reconciler) Deactivate(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (domain.Tenant, error) {
	tenant, _, err := r.deactivate(ctx, "deactivate", tenantDomain, meta)
	return tenant, err
}

// HandleUninstallEvent applies a platform uninstall notification. An unknown
// domain is logged and reported as success so the platform stops retrying.
func (r *Reconciler) HandleUninstallEvent(ctx context.Context, tenantDomain string, meta domain.MutationMetadata) (UninstallOutcome, error) {
	if meta.Source == "" {
		meta.Source = domain.SourceWebhook
	}
	_, changed, err := r.deactivate(ctx, "uninstall", tenantDomain, meta)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.logger.WarnContext(ctx, "uninstall for unknown store ignored",
			slog.String("domain", domain.NormalizeDomain(tenantDomain)),
			slog.String("webhook_id", meta.IdempotencyKey),
		)
		r.metrics.IncrementUninstall(string(UninstallUnknownDomain))
		return UninstallUnknownDomain, nil
	case err != nil:
		r.metrics.IncrementUninstall(outcomeOf(err))
		return "", err
	case !changed:
		r.metrics.IncrementUninstall(string(UninstallAlreadyInactive))
		return UninstallAlreadyInactive, nil
	default:
		r.metrics.IncrementUninstall(string(UninstallDeactivated))
		return UninstallDeactivated, nil
	}
}

func (r *Reconciler) deactivate(ctx context.Context, op, tenantDomain string, meta domain.MutationMetadata) (tenant domain.Tenant, changed bool, err error) {
	start := time.Now()
	defer func() { r.metrics.ObserveReconcile(op, outcomeOf(err), start) }()

	tenantDomain, err = requireDomain(tenantDomain)
	if err != nil {
		return domain.Tenant{}, false, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenant, changed, err = r.store.Deactivate(ctx, tenantDomain, r.stamp(meta))
	if err != nil {
		return domain.Tenant{}, false, r.internal(ctx, err, op, tenantDomain, "failed to deactivate store")
	}
	if changed {
		r.logger.InfoContext(ctx, "store deactivated",
			slog.String("domain", tenantDomain),
			slog.String("source", meta.Source),
		)
	}
	return tenant, changed, nil
}

func (r *Reconciler) Get(ctx context.Context, tenantDomain string) (domain.Tenant, error) {
	tenantDomain, err := requireDomain(tenantDomain)
	if err != nil {
		return domain.Tenant{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenant, err := r.store.Get(ctx, tenantDomain)
	if err != nil {
		return domain.Tenant{}, r.internal(ctx, err, "get", tenantDomain, "failed to load store")
	}
	return tenant, nil
}

func (r *Reconciler) ListActive(ctx context.Context) ([]domain.Tenant, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenants, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, r.internal(ctx, err, "list_active", "", "failed to fetch active stores")
	}
	return tenants, nil
}

// ListStale returns active tenants not synced within olderThan.
func (r *Reconciler) ListStale(ctx context.Context, olderThan time.Duration) ([]domain.Tenant, error) {
	if olderThan <= 0 {
		return nil, domain.Validation("older_than must be positive")
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tenants, err := r.store.ListStale(ctx, r.now().Add(-olderThan))
	if err != nil {
		return nil, r.internal(ctx, err, "list_stale", "", "failed to fetch stale stores")
	}
	return tenants, nil
}

// stamp fixes the mutation time server-side; callers cannot supply it.
func (r *Reconciler) stamp(meta domain.MutationMetadata) domain.MutationMetadata {
	meta.OccurredAt = r.now().UTC()
	return meta.Normalize()
}

func (r *Reconciler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// internal passes coded errors through and turns everything else into an
// internal error whose detail only reaches the log.
func (r *Reconciler) internal(ctx context.Context, err error, op, tenantDomain, msg string) error {
	var coded *domain.Error
	if errors.As(err, &coded) {
		return err
	}
	attrs := []any{
		slog.String("operation", op),
		slog.String("error", err.Error()),
	}
	if tenantDomain != "" {
		attrs = append(attrs, slog.String("domain", tenantDomain))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		attrs = append(attrs, slog.Bool("timeout", true))
	}
	r.logger.ErrorContext(ctx, "reconciliation failed", attrs...)
	return domain.Wrap(err, domain.CodeInternal, msg)
}

func requireDomain(d string) (string, error) {
	d = domain.NormalizeDomain(d)
	if err := domain.ValidateDomain(d); err != nil {
		return "", err
	}
	return d, nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.CodeOf(err))
}
