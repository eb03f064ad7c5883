package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// splitToleranceCents absorbs rounding when a total is divided across tenders.
const splitToleranceCents = 1

const maxIdempotencyKeyLen = 128

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (sale domain.Sale, err error) {
	started := time.Now()
	defer func() { metrics.ObserveOperation("checkout", outcome(err), started) }()

	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := normalizeCheckout(&req, actor); err != nil {
		return domain.Sale{}, err
	}

	eff := &effects{}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.FindSaleByIdempotency(ctx, req.IdempotencyKey)
		if err == nil {
			sale = *existing
			sale.Duplicate = true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		program, err := s.programFor(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		sale = domain.Sale{
			ID:                xid.New("sale"),
			ReceiptCode:       xid.ReceiptCode("RCP", now),
			IdempotencyKey:    req.IdempotencyKey,
			OperatorID:        actor.Username,
			CustomerID:        req.CustomerID,
			DiscountCents:     req.DiscountCents,
			PaymentMethod:     req.PaymentMethod,
			PaymentReference:  req.PaymentReference,
			PaymentStatus:     domain.PaymentStatusPaid,
			Status:            domain.SaleStatusActive,
			CashReceivedCents: req.CashReceivedCents,
			PointsRedeemed:    req.PointsToRedeem,
			Notes:             req.Notes,
			CreatedAt:         now,
			Lines:             make([]domain.SaleLine, 0, len(req.Items)),
		}

		for _, item := range req.Items {
			line, err := s.sellItem(ctx, tx, actor, sale.ID, item, eff)
			if err != nil {
				return err
			}
			sale.Lines = append(sale.Lines, line)
			sale.SubtotalCents += line.SubtotalCents
			sale.TaxCents += line.TaxCents
		}

		sale.LoyaltyDiscountCents = req.LoyaltyDiscountCents
		if sale.LoyaltyDiscountCents == 0 && req.PointsToRedeem > 0 {
			sale.LoyaltyDiscountCents = program.RedemptionValue(req.PointsToRedeem)
		}
		sale.FinalCents = sale.SubtotalCents + sale.TaxCents - sale.DiscountCents - sale.LoyaltyDiscountCents
		if sale.FinalCents < 0 {
			return fmt.Errorf("%w: discounts exceed sale total", store.ErrInvalidTransaction)
		}

		if err := settlePayment(&sale, req); err != nil {
			return err
		}

		var book *ledger
		if sale.CustomerID != "" {
			book, err = s.openLedger(ctx, tx, program, sale.CustomerID, sale.ID, eff)
			if err != nil {
				return err
			}
			base, bonus := program.Earned(sale.FinalCents, book.customer.Tier)
			sale.PointsEarned = base + bonus
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		if book != nil {
			if err := book.redeem(ctx, req.PointsToRedeem); err != nil {
				return err
			}
			if err := book.earn(ctx, sale.PointsEarned); err != nil {
				return err
			}
			if err := book.save(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent retry with the same key may have committed first.
		if existing, lookupErr := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); lookupErr == nil {
			existing.Duplicate = true
			return *existing, nil
		}
	}
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.Duplicate {
		s.logger.Info("checkout replayed",
			slog.String("sale_id", sale.ID),
			slog.String("idempotency_key", req.IdempotencyKey))
		return sale, nil
	}

	metrics.SettledCents.WithLabelValues("sale").Add(float64(sale.FinalCents))
	s.publish(ctx, eff)
	s.logAudit(ctx, "checkout", "sale", sale.ID, fmt.Sprintf(
		"final=%d,payment=%s,lines=%d,points_earned=%d,points_redeemed=%d",
		sale.FinalCents, sale.PaymentMethod, len(sale.Lines), sale.PointsEarned, sale.PointsRedeemed,
	))
	return sale, nil
}

// LookupCheckoutByIdempotency reports the sale settled under key, if any.
func (s *Service) LookupCheckoutByIdempotency(ctx context.Context, key string) (domain.CheckoutLookup, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.CheckoutLookup{}, fmt.Errorf("%w: idempotency key is required", store.ErrInvalidTransaction)
	}
	sale, err := s.repo.FindSaleByIdempotency(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutLookup{Found: false}, nil
		}
		return domain.CheckoutLookup{}, err
	}
	return domain.CheckoutLookup{Found: true, Sale: sale}, nil
}

// sellItem prices one cart item and takes it out of stock.
func (s *Service) sellItem(ctx context.Context, tx store.Tx, actor domain.Actor, saleID string, item domain.CheckoutItem, eff *effects) (domain.SaleLine, error) {
	product, err := tx.LockProduct(ctx, item.ProductID)
	if err != nil {
		return domain.SaleLine{}, err
	}
	if !product.Active {
		return domain.SaleLine{}, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidTransaction, product.ID)
	}

	unitPrice := product.PriceCents
	if item.VariantID != "" {
		variant, err := tx.LockVariant(ctx, item.VariantID)
		if err != nil {
			return domain.SaleLine{}, err
		}
		if variant.ProductID != product.ID {
			return domain.SaleLine{}, fmt.Errorf("%w: variant %s of product %s", store.ErrNotFound, variant.ID, product.ID)
		}
		if !variant.Active {
			return domain.SaleLine{}, fmt.Errorf("%w: variant %s is inactive", store.ErrInvalidTransaction, variant.ID)
		}
		if variant.PriceCents > 0 {
			unitPrice = variant.PriceCents
		}
	}
	if item.UnitPriceOverride != nil {
		unitPrice = *item.UnitPriceOverride
	}

	gross := unitPrice * int64(item.Qty)
	if item.LineDiscountCents > gross {
		return domain.SaleLine{}, fmt.Errorf("%w: line discount exceeds line total", store.ErrInvalidTransaction)
	}
	lineSubtotal := gross - item.LineDiscountCents

	entry, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
		ProductID: product.ID,
		VariantID: item.VariantID,
		Kind:      domain.MovementSale,
		Delta:     -item.Qty,
		Reason:    "sale",
		Reference: saleID,
		ActorID:   actor.Username,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.SaleLine{}, err
	}
	eff.movement(entry)

	return domain.SaleLine{
		ID:                xid.New("line"),
		SaleID:            saleID,
		ProductID:         product.ID,
		VariantID:         item.VariantID,
		Qty:               item.Qty,
		UnitPriceCents:    unitPrice,
		LineDiscountCents: item.LineDiscountCents,
		TaxCents:          taxCents(lineSubtotal, product.TaxRatePercent),
		SubtotalCents:     lineSubtotal,
	}, nil
}

func normalizeCheckout(req *domain.CheckoutRequest, actor domain.Actor) error {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency key longer than %d characters", store.ErrInvalidTransaction, maxIdempotencyKeyLen)
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.PaymentSplits = normalizePaymentSplits(req.PaymentSplits)
	if len(req.PaymentSplits) > 0 {
		req.PaymentMethod = domain.PaymentMethodSplit
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, req.PaymentMethod)
	}

	if len(req.Items) == 0 {
		return fmt.Errorf("%w: cart is empty", store.ErrInvalidTransaction)
	}
	for i := range req.Items {
		item := &req.Items[i]
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.VariantID = strings.TrimSpace(item.VariantID)
		if item.ProductID == "" || item.Qty < 1 || item.LineDiscountCents < 0 {
			return fmt.Errorf("%w: invalid cart item %d", store.ErrInvalidTransaction, i+1)
		}
		if item.UnitPriceOverride != nil {
			if *item.UnitPriceOverride < 0 {
				return fmt.Errorf("%w: negative price override", store.ErrInvalidTransaction)
			}
			if !actor.IsElevated() {
				return fmt.Errorf("%w: price override requires manager or admin role", store.ErrUnauthorized)
			}
		}
	}

	if req.DiscountCents < 0 || req.LoyaltyDiscountCents < 0 || req.PointsToRedeem < 0 || req.CashReceivedCents < 0 {
		return fmt.Errorf("%w: negative amount", store.ErrInvalidTransaction)
	}
	if req.CustomerID == "" && (req.PointsToRedeem > 0 || req.LoyaltyDiscountCents > 0) {
		return fmt.Errorf("%w: loyalty redemption requires a customer", store.ErrInvalidTransaction)
	}
	return nil
}

// settlePayment validates the tender against sale.FinalCents. Change is only
// given on a single cash payment.
func settlePayment(sale *domain.Sale, req domain.CheckoutRequest) error {
	switch req.PaymentMethod {
	case domain.PaymentMethodSplit:
		if len(req.PaymentSplits) < 2 {
			return fmt.Errorf("%w: split payment needs at least two tenders", store.ErrInvalidPaymentSplit)
		}
		total := int64(0)
		for _, split := range req.PaymentSplits {
			if !isSplitMethodSupported(split.Method) {
				return fmt.Errorf("%w: unsupported tender %q", store.ErrInvalidPaymentSplit, split.Method)
			}
			if split.Method != domain.PaymentMethodCash && split.Reference == "" {
				return fmt.Errorf("%w: %s tender needs a reference", store.ErrInvalidPaymentSplit, split.Method)
			}
			total += split.AmountCents
		}
		diff := total - sale.FinalCents
		if diff > splitToleranceCents || diff < -splitToleranceCents {
			return fmt.Errorf("%w: tenders sum to %d, sale total is %d", store.ErrInvalidPaymentSplit, total, sale.FinalCents)
		}
		sale.PaymentSplits = req.PaymentSplits
		sale.CashReceivedCents = 0
		sale.ChangeCents = 0
	case domain.PaymentMethodCash:
		if req.CashReceivedCents < sale.FinalCents {
			return fmt.Errorf("%w: cash received %d is below total %d", store.ErrInvalidTransaction, req.CashReceivedCents, sale.FinalCents)
		}
		sale.ChangeCents = req.CashReceivedCents - sale.FinalCents
	default:
		if req.PaymentReference == "" {
			return fmt.Errorf("%w: %s payment needs a reference", store.ErrInvalidTransaction, req.PaymentMethod)
		}
		sale.CashReceivedCents = 0
		sale.ChangeCents = 0
	}
	return nil
}

// taxCents is round(subtotal * rate / 100), half away from zero.
func taxCents(subtotalCents int64, ratePercent float64) int64 {
	if subtotalCents == 0 || ratePercent == 0 {
		return 0
	}
	return decimal.NewFromInt(subtotalCents).
		Mul(decimal.NewFromFloat(ratePercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

func normalizePaymentSplits(splits []domain.PaymentSplit) []domain.PaymentSplit {
	normalized := make([]domain.PaymentSplit, 0, len(splits))
	for _, split := range splits {
		method := strings.ToLower(strings.TrimSpace(split.Method))
		if method == "" || split.AmountCents < 1 {
			continue
		}
		normalized = append(normalized, domain.PaymentSplit{
			Method:      method,
			AmountCents: split.AmountCents,
			Reference:   strings.TrimSpace(split.Reference),
		})
	}
	return normalized
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQRIS, domain.PaymentMethodEWallet:
		return true
	default:
		return false
	}
}

func isSupportedPaymentMethod(method string) bool {
	return isSplitMethodSupported(method) || method == domain.PaymentMethodSplit
}
