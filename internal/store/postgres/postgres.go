package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks come back as store.ErrConflict; the caller decides whether to retry.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, productSelect+` WHERE id = $1`, id))
}

func (s *Store) GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error) {
	return scanVariant(s.db.QueryRowContext(ctx, variantSelect+` WHERE id = $1`, id))
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, id, false)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return loadSaleBy(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) ListReturnsForSale(ctx context.Context, originalSaleID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sales
		WHERE original_sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, originalSaleID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	result := make([]domain.Sale, 0, len(ids))
	for _, id := range ids {
		sale, err := loadSale(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		result = append(result, *sale)
	}
	return result, nil
}

func (s *Store) ListStockEntries(ctx context.Context, query domain.StockLedgerQuery) ([]domain.StockLedgerEntry, error) {
	limit := query.Limit
	if limit < 1 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(variant_id,''), kind, delta, result_qty,
			reason, COALESCE(reference,''), actor_id, created_at
		FROM stock_ledger
		WHERE ($1 = '' OR product_id = $1)
			AND ($2 = '' OR variant_id = $2)
			AND ($2 <> '' OR NOT $4 OR variant_id IS NULL)
		ORDER BY seq DESC
		LIMIT $3
	`, query.ProductID, query.VariantID, limit, query.ProductLevelOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.StockLedgerEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.VariantID, &e.Kind, &e.Delta, &e.ResultQty,
			&e.Reason, &e.Reference, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, customerSelect+` WHERE id = $1`, id))
}

func (s *Store) ListPointsTransactions(ctx context.Context, customerID string, limit int) ([]domain.PointsTransaction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, description, COALESCE(sale_id,''),
			affects_lifetime, created_at
		FROM points_transactions
		WHERE customer_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PointsTransaction, 0, limit)
	for rows.Next() {
		var p domain.PointsTransaction
		if err := rows.Scan(&p.ID, &p.CustomerID, &p.Type, &p.Points, &p.Description, &p.SaleID,
			&p.AffectsLifetime, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) ListTierConfigs(ctx context.Context) ([]domain.TierConfig, error) {
	return listTierConfigs(ctx, s.db)
}

func (s *Store) CreateStockAlert(ctx context.Context, alert domain.StockAlert) error {
	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_alerts (id, product_id, variant_id, on_hand_qty, reorder_level, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, alert.ID, alert.ProductID, nullIfEmpty(alert.VariantID), alert.OnHandQty, alert.ReorderLevel, alert.CreatedAt)
	return err
}

func (s *Store) ListStockAlerts(ctx context.Context, productID string, limit int) ([]domain.StockAlert, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(variant_id,''), on_hand_qty, reorder_level, created_at
		FROM stock_alerts
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY seq DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockAlert, 0, limit)
	for rows.Next() {
		var a domain.StockAlert
		if err := rows.Scan(&a.ID, &a.ProductID, &a.VariantID, &a.OnHandQty, &a.ReorderLevel, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY seq DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var l domain.AuditLog
		if err := rows.Scan(&l.ID, &l.ActorUsername, &l.ActorRole, &l.Action, &l.EntityType, &l.EntityID, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productSelect = `
	SELECT id, sku, name, price_cents, tax_rate_percent, stock_qty, reorder_level, active
	FROM products`

const variantSelect = `
	SELECT id, product_id, sku, name, price_cents, stock_qty, active
	FROM product_variants`

const customerSelect = `
	SELECT id, name, points_balance, lifetime_earned_points, tier, created_at
	FROM customers`

func scanProduct(row *sql.Row) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.TaxRatePercent, &p.StockQty, &p.ReorderLevel, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanVariant(row *sql.Row) (*domain.ProductVariant, error) {
	var v domain.ProductVariant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.PriceCents, &v.StockQty, &v.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func scanCustomer(row *sql.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.PointsBalance, &c.LifetimeEarnedPoints, &c.Tier, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func loadSale(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Sale, error) {
	return loadSaleBy(ctx, q, "id", id, forUpdate)
}

func loadSaleBy(ctx context.Context, q querier, column string, value string, forUpdate bool) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported sale lookup column %q", column)
	}
	query := `
		SELECT id, receipt_code, COALESCE(idempotency_key,''), operator_id, COALESCE(customer_id,''), COALESCE(original_sale_id,''),
			subtotal_cents, tax_cents, discount_cents, loyalty_discount_cents, final_cents,
			payment_method, COALESCE(payment_reference,''), payment_status, status,
			cash_received_cents, change_cents, points_earned, points_redeemed,
			COALESCE(refund_method,''), restocking_fee_cents, COALESCE(notes,''),
			COALESCE(void_reason,''), voided_at, created_at
		FROM sales
		WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var sale domain.Sale
	var voidedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.ReceiptCode,
		&sale.IdempotencyKey,
		&sale.OperatorID,
		&sale.CustomerID,
		&sale.OriginalSaleID,
		&sale.SubtotalCents,
		&sale.TaxCents,
		&sale.DiscountCents,
		&sale.LoyaltyDiscountCents,
		&sale.FinalCents,
		&sale.PaymentMethod,
		&sale.PaymentReference,
		&sale.PaymentStatus,
		&sale.Status,
		&sale.CashReceivedCents,
		&sale.ChangeCents,
		&sale.PointsEarned,
		&sale.PointsRedeemed,
		&sale.RefundMethod,
		&sale.RestockingFeeCents,
		&sale.Notes,
		&sale.VoidReason,
		&voidedAt,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s %s", store.ErrNotFound, column, value)
		}
		return nil, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	id := sale.ID

	lineRows, err := q.QueryContext(ctx, `
		SELECT id, product_id, COALESCE(variant_id,''), qty, unit_price_cents, line_discount_cents,
			tax_cents, subtotal_cents, COALESCE(original_line_id,''), COALESCE(condition,'')
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, id)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.SaleLine, 0, 8)
	for lineRows.Next() {
		line := domain.SaleLine{SaleID: id}
		if err := lineRows.Scan(&line.ID, &line.ProductID, &line.VariantID, &line.Qty, &line.UnitPriceCents,
			&line.LineDiscountCents, &line.TaxCents, &line.SubtotalCents, &line.OriginalLineID, &line.Condition); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()
	sale.Lines = lines

	splitRows, err := q.QueryContext(ctx, `
		SELECT method, amount_cents, COALESCE(reference,'')
		FROM sale_payment_splits
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer splitRows.Close()
	for splitRows.Next() {
		var split domain.PaymentSplit
		if err := splitRows.Scan(&split.Method, &split.AmountCents, &split.Reference); err != nil {
			return nil, err
		}
		sale.PaymentSplits = append(sale.PaymentSplits, split)
	}
	if err := splitRows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func listTierConfigs(ctx context.Context, q querier) ([]domain.TierConfig, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tier, rank, min_lifetime_points, multiplier
		FROM tier_configs
		ORDER BY rank ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]domain.TierConfig, 0, 4)
	for rows.Next() {
		var t domain.TierConfig
		if err := rows.Scan(&t.Tier, &t.Rank, &t.MinLifetimePoint, &t.Multiplier); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// mapError folds serialization failures (40001) and deadlocks (40P01) into
// store.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}

// uniqueViolation reports a 23505 error and the constraint it hit.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
