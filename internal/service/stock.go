package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
)

// AdjustStock books a manual correction (count differences, breakage). It
// needs a manager or admin.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockMovementRequest) (domain.StockLedgerEntry, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockLedgerEntry{}, err
	}
	if !actor.IsElevated() {
		return domain.StockLedgerEntry{}, fmt.Errorf("%w: stock adjustment requires manager or admin role", store.ErrUnauthorized)
	}
	if req.Delta == 0 {
		return domain.StockLedgerEntry{}, fmt.Errorf("%w: adjustment delta must be non-zero", store.ErrInvalidTransaction)
	}
	return s.moveStock(ctx, "stock_adjustment", domain.MovementAdjustment, actor, req)
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockMovementRequest) (domain.StockLedgerEntry, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockLedgerEntry{}, err
	}
	if req.Delta < 1 {
		return domain.StockLedgerEntry{}, fmt.Errorf("%w: received quantity must be positive", store.ErrInvalidTransaction)
	}
	return s.moveStock(ctx, "stock_receipt", domain.MovementPurchaseReceipt, actor, req)
}

func (s *Service) moveStock(ctx context.Context, operation string, kind string, actor domain.Actor, req domain.StockMovementRequest) (entry domain.StockLedgerEntry, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation(operation, outcome(err), started) }()

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.VariantID = strings.TrimSpace(req.VariantID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.Reference = strings.TrimSpace(req.Reference)
	if req.ProductID == "" || req.Reason == "" {
		return domain.StockLedgerEntry{}, fmt.Errorf("%w: product and reason are required", store.ErrInvalidTransaction)
	}

	eff := &effects{}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockProduct(ctx, req.ProductID); err != nil {
			return err
		}
		if req.VariantID != "" {
			variant, err := tx.LockVariant(ctx, req.VariantID)
			if err != nil {
				return err
			}
			if variant.ProductID != req.ProductID {
				return fmt.Errorf("%w: variant %s of product %s", store.ErrNotFound, req.VariantID, req.ProductID)
			}
		}
		recorded, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: req.ProductID,
			VariantID: req.VariantID,
			Kind:      kind,
			Delta:     req.Delta,
			Reason:    req.Reason,
			Reference: req.Reference,
			ActorID:   actor.Username,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		eff.movement(recorded)
		entry = *recorded
		return nil
	})
	if err != nil {
		return domain.StockLedgerEntry{}, err
	}

	s.publish(ctx, eff)
	s.logAudit(ctx, operation, "product", req.ProductID, fmt.Sprintf("variant=%s,delta=%d,result=%d,reason=%s", req.VariantID, entry.Delta, entry.ResultQty, req.Reason))
	return entry, nil
}

func (s *Service) ListStockLedger(ctx context.Context, query domain.StockLedgerQuery) ([]domain.StockLedgerEntry, error) {
	if query.Limit < 1 || query.Limit > 1000 {
		query.Limit = 200
	}
	query.ProductID = strings.TrimSpace(query.ProductID)
	query.VariantID = strings.TrimSpace(query.VariantID)
	return s.repo.ListStockEntries(ctx, query)
}
