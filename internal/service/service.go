package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"posledger/backend/internal/alerts"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const DefaultReturnWindow = 30 * 24 * time.Hour

type Options struct {
	Program      loyalty.Program
	ReturnWindow time.Duration
	Alerts       alerts.Evaluator
	Logger       *slog.Logger
	// SideEffectTimeout bounds each post-commit task.
	SideEffectTimeout time.Duration
}

type Service struct {
	repo              store.Repository
	program           loyalty.Program
	returnWindow      time.Duration
	alerts            alerts.Evaluator
	logger            *slog.Logger
	sideEffectTimeout time.Duration
	sideEffects       sync.WaitGroup
	now               func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Program.PointsPerUnitCents <= 0 {
		opts.Program = loyalty.DefaultProgram()
	}
	if opts.ReturnWindow <= 0 {
		opts.ReturnWindow = DefaultReturnWindow
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.NoopEvaluator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 10 * time.Second
	}

	return &Service{
		repo:              repo,
		program:           opts.Program,
		returnWindow:      opts.ReturnWindow,
		alerts:            opts.Alerts,
		logger:            opts.Logger,
		sideEffectTimeout: opts.SideEffectTimeout,
		now:               time.Now,
	}
}

// Drain waits for in-flight post-commit tasks or until ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sideEffects.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, store.ErrInvalidTransaction
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, fmt.Errorf("%w: operator identity required", store.ErrUnauthorized)
	}
	return actor, nil
}

// effects collects what a unit of work did so metrics and alerts are only
// published once it has committed.
type effects struct {
	refs           []alerts.StockRef
	movements      []string
	pointsIssued   int64
	pointsReversed map[string]int64
	tierChanges    []string
}

func (e *effects) movement(entry *domain.StockLedgerEntry) {
	e.movements = append(e.movements, entry.Kind)
	e.refs = append(e.refs, alerts.StockRef{ProductID: entry.ProductID, VariantID: entry.VariantID})
}

func (e *effects) reversed(cause string, points int64) {
	if points <= 0 {
		return
	}
	if e.pointsReversed == nil {
		e.pointsReversed = make(map[string]int64)
	}
	e.pointsReversed[cause] += points
}

func (s *Service) publish(ctx context.Context, eff *effects) {
	for _, kind := range eff.movements {
		metrics.StockMovements.WithLabelValues(kind).Inc()
	}
	if eff.pointsIssued > 0 {
		metrics.PointsIssued.Add(float64(eff.pointsIssued))
	}
	for cause, points := range eff.pointsReversed {
		metrics.PointsReversed.WithLabelValues(cause).Add(float64(points))
	}
	for _, direction := range eff.tierChanges {
		metrics.TierChanges.WithLabelValues(direction).Inc()
	}
	if len(eff.refs) > 0 {
		refs := eff.refs
		s.afterCommit(ctx, "stock_alerts", func(ctx context.Context) error {
			return s.alerts.Evaluate(ctx, refs)
		})
	}
}

// afterCommit runs fn on a tracked goroutine detached from the request's
// cancellation. Failures and panics are logged, never returned.
func (s *Service) afterCommit(parent context.Context, task string, fn func(ctx context.Context) error) {
	s.sideEffects.Add(1)
	go func() {
		defer s.sideEffects.Done()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("post-commit task panicked", slog.String("task", task), slog.Any("panic", p))
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("post-commit task failed", slog.String("task", task), slog.Any("error", err))
		}
	}()
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	if err := s.writeAudit(ctx, auditActor(ctx), action, entityType, entityID, detail); err != nil {
		s.logger.Warn("failed to write audit log",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) writeAudit(ctx context.Context, actor domain.Actor, action string, entityType string, entityID string, detail string) error {
	return s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	})
}

func auditActor(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return store.Kind(err)
}
