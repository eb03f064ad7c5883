package postgres

import (
	"context"
	"fmt"
)

// Migrations returns the schema statements in apply order. Every statement is
// idempotent so Migrate can run on each deploy.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS products (
			id               TEXT PRIMARY KEY,
			sku              TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			price_cents      BIGINT NOT NULL CHECK (price_cents >= 0),
			tax_rate_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			stock_qty        INTEGER NOT NULL DEFAULT 0 CHECK (stock_qty >= 0),
			reorder_level    INTEGER NOT NULL DEFAULT 0,
			active           BOOLEAN NOT NULL DEFAULT true,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS product_variants (
			id          TEXT PRIMARY KEY,
			product_id  TEXT NOT NULL REFERENCES products(id),
			sku         TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			price_cents BIGINT NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
			stock_qty   INTEGER NOT NULL DEFAULT 0 CHECK (stock_qty >= 0),
			active      BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id                     TEXT PRIMARY KEY,
			name                   TEXT NOT NULL,
			points_balance         BIGINT NOT NULL DEFAULT 0,
			lifetime_earned_points BIGINT NOT NULL DEFAULT 0,
			tier                   TEXT NOT NULL DEFAULT 'BRONZE',
			created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tier_configs (
			tier                TEXT PRIMARY KEY,
			rank                INTEGER NOT NULL UNIQUE,
			min_lifetime_points BIGINT NOT NULL,
			multiplier          DOUBLE PRECISION NOT NULL CHECK (multiplier >= 1)
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id                     TEXT PRIMARY KEY,
			receipt_code           TEXT NOT NULL UNIQUE,
			idempotency_key        TEXT,
			operator_id            TEXT NOT NULL,
			customer_id            TEXT REFERENCES customers(id),
			original_sale_id       TEXT REFERENCES sales(id),
			subtotal_cents         BIGINT NOT NULL,
			tax_cents              BIGINT NOT NULL,
			discount_cents         BIGINT NOT NULL,
			loyalty_discount_cents BIGINT NOT NULL,
			final_cents            BIGINT NOT NULL,
			payment_method         TEXT NOT NULL,
			payment_reference      TEXT,
			payment_status         TEXT NOT NULL,
			status                 TEXT NOT NULL,
			cash_received_cents    BIGINT NOT NULL DEFAULT 0,
			change_cents           BIGINT NOT NULL DEFAULT 0,
			points_earned          BIGINT NOT NULL DEFAULT 0,
			points_redeemed        BIGINT NOT NULL DEFAULT 0,
			refund_method          TEXT,
			restocking_fee_cents   BIGINT NOT NULL DEFAULT 0,
			notes                  TEXT,
			void_reason            TEXT,
			voided_at              TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL
		)`,
		`ALTER TABLE sales ADD COLUMN IF NOT EXISTS idempotency_key TEXT`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_idempotency_key ON sales (idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sales_original_sale_id ON sales (original_sale_id) WHERE original_sale_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS sale_lines (
			id                  TEXT PRIMARY KEY,
			sale_id             TEXT NOT NULL REFERENCES sales(id),
			line_no             INTEGER NOT NULL,
			product_id          TEXT NOT NULL REFERENCES products(id),
			variant_id          TEXT REFERENCES product_variants(id),
			qty                 INTEGER NOT NULL,
			unit_price_cents    BIGINT NOT NULL,
			line_discount_cents BIGINT NOT NULL DEFAULT 0,
			tax_cents           BIGINT NOT NULL DEFAULT 0,
			subtotal_cents      BIGINT NOT NULL,
			original_line_id    TEXT REFERENCES sale_lines(id),
			condition           TEXT,
			UNIQUE (sale_id, line_no)
		)`,
		`CREATE TABLE IF NOT EXISTS sale_payment_splits (
			sale_id      TEXT NOT NULL REFERENCES sales(id),
			seq          INTEGER NOT NULL,
			method       TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			reference    TEXT,
			PRIMARY KEY (sale_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_ledger (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			product_id TEXT NOT NULL REFERENCES products(id),
			variant_id TEXT REFERENCES product_variants(id),
			kind       TEXT NOT NULL,
			delta      INTEGER NOT NULL CHECK (delta <> 0),
			result_qty INTEGER NOT NULL CHECK (result_qty >= 0),
			reason     TEXT NOT NULL,
			reference  TEXT,
			actor_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_ledger_product ON stock_ledger (product_id, variant_id, seq)`,
		`CREATE TABLE IF NOT EXISTS points_transactions (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			customer_id      TEXT NOT NULL REFERENCES customers(id),
			type             TEXT NOT NULL,
			points           BIGINT NOT NULL,
			description      TEXT NOT NULL,
			sale_id          TEXT REFERENCES sales(id),
			affects_lifetime BOOLEAN NOT NULL DEFAULT false,
			created_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_points_transactions_customer ON points_transactions (customer_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_points_transactions_sale ON points_transactions (sale_id) WHERE sale_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS loyalty_rewards (
			id             TEXT PRIMARY KEY,
			code           TEXT NOT NULL UNIQUE,
			customer_id    TEXT REFERENCES customers(id),
			source_sale_id TEXT NOT NULL REFERENCES sales(id),
			amount_cents   BIGINT NOT NULL CHECK (amount_cents > 0),
			status         TEXT NOT NULL,
			issued_at      TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stock_alerts (
			seq           BIGSERIAL PRIMARY KEY,
			id            TEXT NOT NULL UNIQUE,
			product_id    TEXT NOT NULL REFERENCES products(id),
			variant_id    TEXT REFERENCES product_variants(id),
			on_hand_qty   INTEGER NOT NULL,
			reorder_level INTEGER NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			actor_username TEXT NOT NULL,
			actor_role     TEXT NOT NULL,
			action         TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			detail         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON audit_logs (entity_id, seq)`,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
