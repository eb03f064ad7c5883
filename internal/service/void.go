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

// VoidSale fully reverses an ACTIVE sale. Only the operator who rang it up
// may void it unless the actor is elevated or a manager PIN was confirmed.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidRequest) (sale domain.Sale, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("void", outcome(err), started) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SaleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidTransaction)
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	eff := &effects{}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockSale(ctx, req.SaleID)
		if err != nil {
			return err
		}
		if current.Status != domain.SaleStatusActive {
			return fmt.Errorf("%w: %s", store.ErrAlreadyVoided, current.ID)
		}
		if current.OperatorID != actor.Username && !actor.IsElevated() && !req.Elevated {
			return fmt.Errorf("%w: sale %s belongs to another operator", store.ErrUnauthorized, current.ID)
		}
		if current.IsReturn() {
			return fmt.Errorf("%w: return records cannot be voided", store.ErrInvalidTransaction)
		}
		returns, err := tx.CountReturns(ctx, current.ID)
		if err != nil {
			return err
		}
		if returns > 0 {
			return fmt.Errorf("%w: sale %s has %d recorded returns", store.ErrInvalidTransaction, current.ID, returns)
		}

		now := s.now().UTC()
		if err := tx.MarkSaleVoided(ctx, current.ID, req.Reason, now); err != nil {
			return err
		}

		if req.RestoreStock {
			for _, line := range current.Lines {
				entry, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
					ProductID: line.ProductID,
					VariantID: line.VariantID,
					Kind:      domain.MovementReturn,
					Delta:     line.Qty,
					Reason:    "void",
					Reference: current.ID,
					ActorID:   actor.Username,
					CreatedAt: now,
				})
				if err != nil {
					return err
				}
				eff.movement(entry)
			}
		}

		if current.CustomerID != "" && (current.PointsEarned > 0 || current.PointsRedeemed > 0) {
			program, err := s.programFor(ctx, tx)
			if err != nil {
				return err
			}
			book, err := s.openLedger(ctx, tx, program, current.CustomerID, current.ID, eff)
			if err != nil {
				return err
			}
			if err := book.reverseEarned(ctx, current.PointsEarned, true, "void", fmt.Sprintf("earned points reversed on void of %s", current.ID)); err != nil {
				return err
			}
			if err := book.restoreRedeemed(ctx, current.PointsRedeemed); err != nil {
				return err
			}
			if err := book.save(ctx); err != nil {
				return err
			}
		}

		current.Status = domain.SaleStatusVoided
		current.VoidReason = req.Reason
		current.VoidedAt = &now
		sale = *current
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	metrics.SettledCents.WithLabelValues("void").Add(float64(sale.FinalCents))
	s.publish(ctx, eff)

	saleID := sale.ID
	detail := fmt.Sprintf("reason=%s,restore_stock=%t,final=%d,pin_confirmed=%t", req.Reason, req.RestoreStock, sale.FinalCents, req.Elevated)
	s.afterCommit(ctx, "void_audit", func(ctx context.Context) error {
		return s.writeAudit(ctx, actor, "void_sale", "sale", saleID, detail)
	})
	return sale, nil
}
