package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedProduct(t *testing.T, s *Store, qty int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("prod-it-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE product_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price_cents, tax_rate_percent, stock_qty, reorder_level, active)
		VALUES ($1, $1, 'Produk IT', 12000, 11, $2, 2, true)
	`, id, qty); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	return id
}

func TestRecordStockMovementGuardsOnHand(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 3)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: productID, Kind: domain.MovementSale, Delta: -4, Reason: "sale", ActorID: "it",
		})
		return err
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: "missing-product", Kind: domain.MovementSale, Delta: -1, Reason: "sale", ActorID: "it",
		})
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	entries, err := s.ListStockEntries(ctx, domain.StockLedgerQuery{ProductID: productID})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries after failed movements, got %d", len(entries))
	}
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 20; attempt++ {
				err := s.WithinTx(ctx, func(tx store.Tx) error {
					if _, err := tx.LockProduct(ctx, productID); err != nil {
						return err
					}
					_, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
						ProductID: productID, Kind: domain.MovementSale, Delta: -1, Reason: "sale", ActorID: "it",
					})
					return err
				})
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 successful decrements, got %d", succeeded)
	}
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.StockQty != 0 {
		t.Fatalf("expected stock 0, got %d", p.StockQty)
	}
	entries, _ := s.ListStockEntries(ctx, domain.StockLedgerQuery{ProductID: productID})
	if len(entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(entries))
	}
}

func TestInsertSaleRejectsReusedIdempotencyKey(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	key := fmt.Sprintf("idem-it-%d", stamp)

	newSale := func(n int) domain.Sale {
		return domain.Sale{
			ID:             fmt.Sprintf("sale-it-%d-%d", stamp, n),
			ReceiptCode:    fmt.Sprintf("RCP-IT-%d-%d", stamp, n),
			IdempotencyKey: key,
			OperatorID:     "it",
			SubtotalCents:  1000,
			FinalCents:     1000,
			PaymentMethod:  domain.PaymentMethodCash,
			PaymentStatus:  domain.PaymentStatusPaid,
			Status:         domain.SaleStatusActive,
			CreatedAt:      time.Now().UTC(),
		}
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE idempotency_key = $1`, key)
	})

	first := newSale(1)
	if err := s.WithinTx(ctx, func(tx store.Tx) error { return tx.InsertSale(ctx, first) }); err != nil {
		t.Fatalf("insert first sale: %v", err)
	}
	err := s.WithinTx(ctx, func(tx store.Tx) error { return tx.InsertSale(ctx, newSale(2)) })
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for reused key, got %v", err)
	}

	found, err := s.FindSaleByIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("find by idempotency key: %v", err)
	}
	if found.ID != first.ID || found.IdempotencyKey != key {
		t.Fatalf("expected %s under key %s, got %+v", first.ID, key, found)
	}
}
