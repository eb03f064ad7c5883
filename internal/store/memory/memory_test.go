package memory

import (
	"context"
	"errors"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	before, _ := s.GetProduct(ctx, "prod-mie")
	entriesBefore, _ := s.ListStockEntries(ctx, domain.StockLedgerQuery{ProductID: "prod-mie"})

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: "prod-mie",
			Kind:      domain.MovementSale,
			Delta:     -5,
			Reason:    "sale",
			ActorID:   "cashier",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after, _ := s.GetProduct(ctx, "prod-mie")
	if after.StockQty != before.StockQty {
		t.Fatalf("expected stock %d after rollback, got %d", before.StockQty, after.StockQty)
	}
	entriesAfter, _ := s.ListStockEntries(ctx, domain.StockLedgerQuery{ProductID: "prod-mie"})
	if len(entriesAfter) != len(entriesBefore) {
		t.Fatalf("expected ledger unchanged after rollback, got %d entries", len(entriesAfter))
	}
}

func TestWithinTxRollsBackOnPanic(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = s.WithinTx(ctx, func(tx store.Tx) error {
			if _, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
				ProductID: "prod-kopi",
				Kind:      domain.MovementAdjustment,
				Delta:     -1,
				Reason:    "broken",
			}); err != nil {
				return err
			}
			panic("mid-transaction")
		})
	}()

	p, _ := s.GetProduct(ctx, "prod-kopi")
	if p.StockQty != 120 {
		t.Fatalf("expected stock restored to 120, got %d", p.StockQty)
	}
}

func TestRecordStockMovementRejectsNegativeOnHand(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: "prod-kaos",
			VariantID: "var-kaos-xl",
			Kind:      domain.MovementSale,
			Delta:     -9,
		})
		return err
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var entry *domain.StockLedgerEntry
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.RecordStockMovement(ctx, domain.StockLedgerEntry{
			ProductID: "prod-kaos",
			VariantID: "var-kaos-xl",
			Kind:      domain.MovementSale,
			Delta:     -8,
		})
		return err
	})
	if err != nil {
		t.Fatalf("expected exact depletion to succeed: %v", err)
	}
	if entry.ResultQty != 0 || entry.ID == "" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestReturnedQtyByLineSumsAcrossReturns(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertSale(ctx, domain.Sale{ID: "sale-1", Status: domain.SaleStatusActive, Lines: []domain.SaleLine{{ID: "line-1", Qty: 10}}}); err != nil {
			return err
		}
		for _, id := range []string{"ret-1", "ret-2"} {
			if err := tx.InsertSale(ctx, domain.Sale{
				ID:             id,
				OriginalSaleID: "sale-1",
				Status:         domain.SaleStatusActive,
				Lines:          []domain.SaleLine{{ID: id + "-l", Qty: -3, OriginalLineID: "line-1"}},
			}); err != nil {
				return err
			}
		}
		got, err := tx.ReturnedQtyByLine(ctx, "sale-1")
		if err != nil {
			return err
		}
		if got["line-1"] != 6 {
			t.Fatalf("expected 6 returned, got %d", got["line-1"])
		}
		n, err := tx.CountReturns(ctx, "sale-1")
		if err != nil {
			return err
		}
		if n != 2 {
			t.Fatalf("expected 2 returns, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	returns, _ := s.ListReturnsForSale(ctx, "sale-1")
	if len(returns) != 2 || returns[0].ID != "ret-1" {
		t.Fatalf("expected returns in insertion order, got %+v", returns)
	}
}

func TestSeededLedgerMatchesOnHand(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	for _, id := range []string{"prod-mie", "prod-susu", "prod-setrika"} {
		p, _ := s.GetProduct(ctx, id)
		entries, _ := s.ListStockEntries(ctx, domain.StockLedgerQuery{ProductID: id})
		sum := 0
		for _, e := range entries {
			if e.VariantID == "" {
				sum += e.Delta
			}
		}
		if sum != p.StockQty {
			t.Fatalf("%s: ledger sum %d != on hand %d", id, sum, p.StockQty)
		}
	}
}
