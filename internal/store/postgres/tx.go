package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, productSelect+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return p, err
}

func (t *pgTx) LockVariant(ctx context.Context, id string) (*domain.ProductVariant, error) {
	v, err := scanVariant(t.tx.QueryRowContext(ctx, variantSelect+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, id)
	}
	return v, err
}

// RecordStockMovement applies the delta with a guarded UPDATE so concurrent
// decrements can never drive on-hand below zero, then appends the entry.
func (t *pgTx) RecordStockMovement(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error) {
	if entry.Delta == 0 {
		return nil, fmt.Errorf("%w: zero stock movement", store.ErrInvalidTransaction)
	}

	var onHand int
	var err error
	if entry.VariantID != "" {
		err = t.tx.QueryRowContext(ctx, `
			UPDATE product_variants
			SET stock_qty = stock_qty + $3
			WHERE id = $1 AND product_id = $2 AND stock_qty + $3 >= 0
			RETURNING stock_qty
		`, entry.VariantID, entry.ProductID, entry.Delta).Scan(&onHand)
	} else {
		err = t.tx.QueryRowContext(ctx, `
			UPDATE products
			SET stock_qty = stock_qty + $2
			WHERE id = $1 AND stock_qty + $2 >= 0
			RETURNING stock_qty
		`, entry.ProductID, entry.Delta).Scan(&onHand)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, t.explainMissedMovement(ctx, entry)
	}
	if err != nil {
		return nil, err
	}

	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ResultQty = onHand

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (id, product_id, variant_id, kind, delta, result_qty, reason, reference, actor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.ProductID, nullIfEmpty(entry.VariantID), entry.Kind, entry.Delta, entry.ResultQty,
		entry.Reason, nullIfEmpty(entry.Reference), entry.ActorID, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// explainMissedMovement tells a missing row apart from a failed stock guard.
func (t *pgTx) explainMissedMovement(ctx context.Context, entry domain.StockLedgerEntry) error {
	var exists bool
	var err error
	if entry.VariantID != "" {
		err = t.tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM product_variants WHERE id = $1 AND product_id = $2)
		`, entry.VariantID, entry.ProductID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("%w: variant %s", store.ErrNotFound, entry.VariantID)
		}
	} else {
		err = t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, entry.ProductID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, entry.ProductID)
		}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, entry.ProductID)
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, id, true)
}

func (t *pgTx) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return loadSaleBy(ctx, t.tx, "idempotency_key", key, false)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, receipt_code, operator_id, customer_id, original_sale_id,
			subtotal_cents, tax_cents, discount_cents, loyalty_discount_cents, final_cents,
			payment_method, payment_reference, payment_status, status,
			cash_received_cents, change_cents, points_earned, points_redeemed,
			refund_method, restocking_fee_cents, notes, created_at, idempotency_key
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`,
		sale.ID,
		sale.ReceiptCode,
		sale.OperatorID,
		nullIfEmpty(sale.CustomerID),
		nullIfEmpty(sale.OriginalSaleID),
		sale.SubtotalCents,
		sale.TaxCents,
		sale.DiscountCents,
		sale.LoyaltyDiscountCents,
		sale.FinalCents,
		sale.PaymentMethod,
		nullIfEmpty(sale.PaymentReference),
		sale.PaymentStatus,
		sale.Status,
		sale.CashReceivedCents,
		sale.ChangeCents,
		sale.PointsEarned,
		sale.PointsRedeemed,
		nullIfEmpty(sale.RefundMethod),
		sale.RestockingFeeCents,
		nullIfEmpty(sale.Notes),
		sale.CreatedAt,
		nullIfEmpty(sale.IdempotencyKey),
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "idx_sales_idempotency_key" {
				return fmt.Errorf("%w: idempotency key %s already used", store.ErrConflict, sale.IdempotencyKey)
			}
			return fmt.Errorf("%w: sale %s already exists", store.ErrInvalidTransaction, sale.ID)
		}
		return err
	}

	for i, line := range sale.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, line_no, product_id, variant_id, qty, unit_price_cents,
				line_discount_cents, tax_cents, subtotal_cents, original_line_id, condition
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, line.ID, sale.ID, i+1, line.ProductID, nullIfEmpty(line.VariantID), line.Qty, line.UnitPriceCents,
			line.LineDiscountCents, line.TaxCents, line.SubtotalCents, nullIfEmpty(line.OriginalLineID), nullIfEmpty(line.Condition))
		if err != nil {
			return err
		}
	}

	for i, split := range sale.PaymentSplits {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_payment_splits (sale_id, seq, method, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, i+1, split.Method, split.AmountCents, nullIfEmpty(split.Reference))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) ReturnedQtyByLine(ctx context.Context, originalSaleID string) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT l.original_line_id, COALESCE(SUM(ABS(l.qty)), 0)
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.original_sale_id = $1 AND l.original_line_id IS NOT NULL
		GROUP BY l.original_line_id
	`, originalSaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var lineID string
		var qty int
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		result[lineID] = qty
	}
	return result, rows.Err()
}

func (t *pgTx) CountReturns(ctx context.Context, originalSaleID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales WHERE original_sale_id = $1`, originalSaleID).Scan(&n)
	return n, err
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, saleID string, status string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE sales SET payment_status = $2 WHERE id = $1`, saleID, status)
	if err != nil {
		return err
	}
	return requireRow(res, saleID)
}

func (t *pgTx) MarkSaleVoided(ctx context.Context, saleID string, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, saleID, domain.SaleStatusVoided, reason, at, domain.SaleStatusActive)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrAlreadyVoided
	}
	return nil
}

func (t *pgTx) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(t.tx.QueryRowContext(ctx, customerSelect+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
	}
	return c, err
}

func (t *pgTx) SaveCustomerLoyalty(ctx context.Context, customer domain.Customer) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET points_balance = $2, lifetime_earned_points = $3, tier = $4
		WHERE id = $1
	`, customer.ID, customer.PointsBalance, customer.LifetimeEarnedPoints, customer.Tier)
	if err != nil {
		return err
	}
	return requireRow(res, customer.ID)
}

func (t *pgTx) AppendPointsTransaction(ctx context.Context, entry domain.PointsTransaction) error {
	if entry.ID == "" {
		entry.ID = xid.New("pts")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO points_transactions (id, customer_id, type, points, description, sale_id, affects_lifetime, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.CustomerID, entry.Type, entry.Points, entry.Description, nullIfEmpty(entry.SaleID),
		entry.AffectsLifetime, entry.CreatedAt)
	return err
}

func (t *pgTx) PointsReversedForSale(ctx context.Context, saleID string) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-points), 0)
		FROM points_transactions
		WHERE sale_id = $1 AND type = $2 AND points < 0
	`, saleID, domain.PointsAdjusted).Scan(&total)
	return total, err
}

func (t *pgTx) InsertReward(ctx context.Context, reward domain.LoyaltyReward) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loyalty_rewards (id, code, customer_id, source_sale_id, amount_cents, status, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, reward.ID, reward.Code, nullIfEmpty(reward.CustomerID), reward.SourceSaleID, reward.AmountCents,
		reward.Status, reward.IssuedAt, reward.ExpiresAt)
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("%w: reward code %s already issued", store.ErrInvalidTransaction, reward.Code)
	}
	return err
}

func (t *pgTx) ListTierConfigs(ctx context.Context) ([]domain.TierConfig, error) {
	return listTierConfigs(ctx, t.tx)
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}
