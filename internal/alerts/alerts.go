// Package alerts raises low-stock alerts after settlement operations commit.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/xid"
)

// StockRef identifies a product, or one of its variants, whose stock changed.
type StockRef struct {
	ProductID string
	VariantID string
}

func (r StockRef) key() string {
	if r.VariantID != "" {
		return r.ProductID + "/" + r.VariantID
	}
	return r.ProductID
}

type Evaluator interface {
	Evaluate(ctx context.Context, refs []StockRef) error
}

type NoopEvaluator struct{}

func (NoopEvaluator) Evaluate(context.Context, []StockRef) error { return nil }

// StockReader is the slice of the repository the alerter needs.
type StockReader interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error)
	CreateStockAlert(ctx context.Context, alert domain.StockAlert) error
}

type StockAlerter struct {
	repo        StockReader
	cooldown    cache.AlertCooldown
	ttl         time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewStockAlerter(repo StockReader, cooldown cache.AlertCooldown, ttl time.Duration, logger *slog.Logger) *StockAlerter {
	if cooldown == nil {
		cooldown = cache.NoopCooldown{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StockAlerter{
		repo:        repo,
		cooldown:    cooldown,
		ttl:         ttl,
		concurrency: 4,
		logger:      logger,
		now:         time.Now,
	}
}

// Evaluate checks every distinct ref and persists an alert for each one at or
// below its reorder level that is not cooling down.
func (a *StockAlerter) Evaluate(ctx context.Context, refs []StockRef) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.key()]; ok {
			continue
		}
		seen[ref.key()] = struct{}{}

		ref := ref
		g.Go(func() error {
			if err := a.evaluateOne(gctx, ref); err != nil {
				metrics.StockAlerts.WithLabelValues("error").Inc()
				return fmt.Errorf("stock alert %s: %w", ref.key(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *StockAlerter) evaluateOne(ctx context.Context, ref StockRef) error {
	product, err := a.repo.GetProduct(ctx, ref.ProductID)
	if err != nil {
		return err
	}
	onHand := product.StockQty
	if ref.VariantID != "" {
		variant, err := a.repo.GetVariant(ctx, ref.VariantID)
		if err != nil {
			return err
		}
		onHand = variant.StockQty
	}
	if product.ReorderLevel <= 0 || onHand > product.ReorderLevel {
		return nil
	}

	acquired, err := a.cooldown.Acquire(ctx, ref.key(), a.ttl)
	if err != nil {
		return err
	}
	if !acquired {
		metrics.StockAlerts.WithLabelValues("suppressed").Inc()
		return nil
	}

	alert := domain.StockAlert{
		ID:           xid.New("alert"),
		ProductID:    ref.ProductID,
		VariantID:    ref.VariantID,
		OnHandQty:    onHand,
		ReorderLevel: product.ReorderLevel,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.repo.CreateStockAlert(ctx, alert); err != nil {
		if releaseErr := a.cooldown.Release(context.WithoutCancel(ctx), ref.key()); releaseErr != nil {
			a.logger.Warn("failed to release alert cooldown",
				slog.String("key", ref.key()),
				slog.Any("error", releaseErr))
		}
		return err
	}
	metrics.StockAlerts.WithLabelValues("raised").Inc()
	a.logger.Info("low stock alert",
		slog.String("product_id", ref.ProductID),
		slog.String("variant_id", ref.VariantID),
		slog.Int("on_hand", onHand),
		slog.Int("reorder_level", product.ReorderLevel),
	)
	return nil
}
