package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const storeCreditValidity = 6 // months

func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (result domain.ReturnResult, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("return", outcome(err), started) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ReturnResult{}, err
	}
	if err := normalizeReturn(&req); err != nil {
		return domain.ReturnResult{}, err
	}

	eff := &effects{}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		original, err := tx.LockSale(ctx, req.OriginalSaleID)
		if err != nil {
			return err
		}
		if original.IsReturn() {
			return fmt.Errorf("%w: %s is itself a return", store.ErrInvalidTransaction, original.ID)
		}
		if original.Status != domain.SaleStatusActive {
			return fmt.Errorf("%w: sale %s is voided", store.ErrInvalidTransaction, original.ID)
		}

		now := s.now().UTC()
		if now.Sub(original.CreatedAt) > s.returnWindow {
			return fmt.Errorf("%w: sale %s was made on %s", store.ErrReturnWindowExpired, original.ID, original.CreatedAt.Format(time.DateOnly))
		}

		returned, err := tx.ReturnedQtyByLine(ctx, original.ID)
		if err != nil {
			return err
		}
		lines := make(map[string]domain.SaleLine, len(original.Lines))
		for _, line := range original.Lines {
			lines[line.ID] = line
		}
		requested := make(map[string]int, len(req.Items))
		for _, item := range req.Items {
			line, ok := lines[item.LineID]
			if !ok {
				return fmt.Errorf("%w: line %s is not on sale %s", store.ErrInvalidTransaction, item.LineID, original.ID)
			}
			requested[item.LineID] += item.Qty
			if returned[item.LineID]+requested[item.LineID] > line.Qty {
				return fmt.Errorf("%w: line %s sold %d, already returned %d, requested %d",
					store.ErrReturnQuantityExceeded, line.ID, line.Qty, returned[item.LineID], requested[item.LineID])
			}
		}

		ret := domain.Sale{
			ID:             xid.New("ret"),
			ReceiptCode:    xid.ReceiptCode("RTN", now),
			OperatorID:     actor.Username,
			CustomerID:     original.CustomerID,
			OriginalSaleID: original.ID,
			PaymentMethod:  refundPaymentMethod(req.RefundMethod, original.PaymentMethod),
			PaymentStatus:  domain.PaymentStatusRefunded,
			Status:         domain.SaleStatusActive,
			RefundMethod:   req.RefundMethod,
			Notes:          req.Reason,
			CreatedAt:      now,
			Lines:          make([]domain.SaleLine, 0, len(req.Items)),
		}

		refund := int64(0)
		taken := make(map[string]int, len(req.Items))
		for _, item := range req.Items {
			line := lines[item.LineID]
			amount := lineRefundCents(line, returned[line.ID]+taken[line.ID], item.Qty)
			taken[line.ID] += item.Qty
			refund += amount
			if err := s.restock(ctx, tx, actor, ret.ID, line, item, eff); err != nil {
				return err
			}
			ret.Lines = append(ret.Lines, domain.SaleLine{
				ID:                xid.New("line"),
				SaleID:            ret.ID,
				ProductID:         line.ProductID,
				VariantID:         line.VariantID,
				Qty:               -item.Qty,
				UnitPriceCents:    line.UnitPriceCents,
				LineDiscountCents: -(line.UnitPriceCents*int64(item.Qty) - amount),
				SubtotalCents:     -amount,
				OriginalLineID:    line.ID,
				Condition:         item.Condition,
			})
		}

		fee := req.RestockingFeeCents
		if fee > refund {
			fee = refund
		}
		finalRefund := refund - fee
		ret.SubtotalCents = -refund
		ret.DiscountCents = -fee
		ret.RestockingFeeCents = fee
		ret.FinalCents = ret.SubtotalCents + ret.TaxCents - ret.DiscountCents - ret.LoyaltyDiscountCents

		if err := tx.InsertSale(ctx, ret); err != nil {
			return err
		}

		reversed, err := s.reverseReturnPoints(ctx, tx, original, refund, eff)
		if err != nil {
			return err
		}

		var credit *domain.LoyaltyReward
		if req.RefundMethod == domain.RefundMethodStoreCredit && finalRefund > 0 {
			credit = &domain.LoyaltyReward{
				ID:           xid.New("rwd"),
				Code:         storeCreditCode(),
				CustomerID:   original.CustomerID,
				SourceSaleID: ret.ID,
				AmountCents:  finalRefund,
				Status:       domain.RewardStatusActive,
				IssuedAt:     now,
				ExpiresAt:    now.AddDate(0, storeCreditValidity, 0),
			}
			if err := tx.InsertReward(ctx, *credit); err != nil {
				return err
			}
		}

		sold, back := 0, 0
		for _, line := range original.Lines {
			sold += line.Qty
			back += returned[line.ID] + requested[line.ID]
		}
		status := domain.PaymentStatusPartiallyRefunded
		if back >= sold {
			status = domain.PaymentStatusRefunded
		}
		if err := tx.UpdatePaymentStatus(ctx, original.ID, status); err != nil {
			return err
		}

		result = domain.ReturnResult{
			ReturnSale:        ret,
			RefundAmountCents: refund,
			FinalRefundCents:  finalRefund,
			PointsReversed:    reversed,
			StoreCredit:       credit,
		}
		return nil
	})
	if err != nil {
		return domain.ReturnResult{}, err
	}

	metrics.SettledCents.WithLabelValues("refund").Add(float64(result.FinalRefundCents))
	s.publish(ctx, eff)
	s.logAudit(ctx, "sale_return", "sale", result.ReturnSale.ID, fmt.Sprintf(
		"original=%s,refund=%d,fee=%d,method=%s,points_reversed=%d",
		req.OriginalSaleID, result.RefundAmountCents, result.ReturnSale.RestockingFeeCents, req.RefundMethod, result.PointsReversed,
	))
	return result, nil
}

// lineRefundCents is unitPrice*qty minus the line discount share of the units
// numbered before+1..before+qty. Shares are taken off the cumulative total, so
// returning a whole line in any number of steps refunds exactly its subtotal.
func lineRefundCents(line domain.SaleLine, before int, qty int) int64 {
	gross := line.UnitPriceCents * int64(qty)
	if line.Qty <= 0 || line.LineDiscountCents == 0 {
		return gross
	}
	share := discountThrough(line, before+qty) - discountThrough(line, before)
	return gross - share
}

func discountThrough(line domain.SaleLine, units int) int64 {
	return line.LineDiscountCents * int64(units) / int64(line.Qty)
}

// restock books the goods back in. Goods that cannot be resold come back in
// and are written off straight away, leaving on-hand unchanged.
func (s *Service) restock(ctx context.Context, tx store.Tx, actor domain.Actor, returnID string, line domain.SaleLine, item domain.ReturnItem, eff *effects) error {
	entry, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Kind:      domain.MovementReturn,
		Delta:     item.Qty,
		Reason:    "return " + strings.ToLower(item.Condition),
		Reference: returnID,
		ActorID:   actor.Username,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	eff.movement(entry)

	if domain.IsRestockable(item.Condition) {
		return nil
	}
	entry, err = tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
		ProductID: line.ProductID,
		VariantID: line.VariantID,
		Kind:      domain.MovementAdjustment,
		Delta:     -item.Qty,
		Reason:    "write-off " + strings.ToLower(item.Condition),
		Reference: returnID,
		ActorID:   actor.Username,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	eff.movement(entry)
	return nil
}

// reverseReturnPoints claws back floor(earned * refund / final), never more
// than what earlier returns left unreversed. Lifetime and tier are untouched.
func (s *Service) reverseReturnPoints(ctx context.Context, tx store.Tx, original *domain.Sale, refundCents int64, eff *effects) (int64, error) {
	if original.CustomerID == "" || original.PointsEarned <= 0 {
		return 0, nil
	}
	already, err := tx.PointsReversedForSale(ctx, original.ID)
	if err != nil {
		return 0, err
	}
	points := loyalty.ProportionalReversal(original.PointsEarned, refundCents, original.FinalCents)
	if remaining := original.PointsEarned - already; points > remaining {
		points = remaining
	}
	if points <= 0 {
		return 0, nil
	}

	program, err := s.programFor(ctx, tx)
	if err != nil {
		return 0, err
	}
	book, err := s.openLedger(ctx, tx, program, original.CustomerID, original.ID, eff)
	if err != nil {
		return 0, err
	}
	if err := book.reverseEarned(ctx, points, false, "return", fmt.Sprintf("points reversed for return on %s", original.ID)); err != nil {
		return 0, err
	}
	if err := book.save(ctx); err != nil {
		return 0, err
	}
	return points, nil
}

func normalizeReturn(req *domain.ReturnRequest) error {
	req.OriginalSaleID = strings.TrimSpace(req.OriginalSaleID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.RefundMethod = strings.ToLower(strings.TrimSpace(req.RefundMethod))
	if req.RefundMethod == "" {
		req.RefundMethod = domain.RefundMethodOriginal
	}
	if req.OriginalSaleID == "" || len(req.Items) == 0 {
		return fmt.Errorf("%w: original sale and items are required", store.ErrInvalidTransaction)
	}
	if req.RestockingFeeCents < 0 {
		return fmt.Errorf("%w: negative restocking fee", store.ErrInvalidTransaction)
	}
	switch req.RefundMethod {
	case domain.RefundMethodCash, domain.RefundMethodCard, domain.RefundMethodOriginal, domain.RefundMethodStoreCredit:
	default:
		return fmt.Errorf("%w: unsupported refund method %q", store.ErrInvalidTransaction, req.RefundMethod)
	}

	for i := range req.Items {
		item := &req.Items[i]
		item.LineID = strings.TrimSpace(item.LineID)
		item.Condition = strings.ToUpper(strings.TrimSpace(item.Condition))
		if item.Condition == "" {
			item.Condition = domain.ConditionNew
		}
		if item.LineID == "" || item.Qty < 1 {
			return fmt.Errorf("%w: invalid return item %d", store.ErrInvalidTransaction, i+1)
		}
		switch item.Condition {
		case domain.ConditionNew, domain.ConditionOpened, domain.ConditionDamaged, domain.ConditionDefective:
		default:
			return fmt.Errorf("%w: unknown condition %q", store.ErrInvalidTransaction, item.Condition)
		}
	}
	return nil
}

func refundPaymentMethod(refundMethod string, originalMethod string) string {
	if refundMethod == domain.RefundMethodOriginal {
		return originalMethod
	}
	return refundMethod
}

func storeCreditCode() string {
	return xid.ReceiptCode("SC", time.Now())
}
