package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func sellMie(t *testing.T, svc *Service, qty int) domain.Sale {
	t.Helper()
	return mustCheckout(t, svc, cashierCtx(), domain.CheckoutRequest{
		Items: []domain.CheckoutItem{{ProductID: "prod-mie", Qty: qty}},
	})
}

func returnLine(svc *Service, sale domain.Sale, qty int, condition string) (domain.ReturnResult, error) {
	return svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID: sale.ID,
		Reason:         "customer changed mind",
		Items:          []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: qty, Condition: condition}},
	})
}

func TestReturnCannotExceedSoldQuantity(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 10)

	first, err := returnLine(svc, sale, 6, "")
	if err != nil {
		t.Fatalf("first return failed: %v", err)
	}
	if first.RefundAmountCents != 21000 || first.FinalRefundCents != 21000 {
		t.Fatalf("expected refund 21000, got %d/%d", first.RefundAmountCents, first.FinalRefundCents)
	}
	ret := first.ReturnSale
	if ret.OriginalSaleID != sale.ID || ret.Lines[0].Qty != -6 || ret.Lines[0].OriginalLineID != sale.Lines[0].ID || ret.FinalCents != -21000 {
		t.Fatalf("unexpected return record %+v", ret)
	}
	original, _ := svc.GetSale(context.Background(), sale.ID)
	if original.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", original.PaymentStatus)
	}

	if _, err := returnLine(svc, sale, 6, ""); !errors.Is(err, store.ErrReturnQuantityExceeded) {
		t.Fatalf("expected return quantity exceeded, got %v", err)
	}
	if stockOf(t, repo, "prod-mie") != 116 {
		t.Fatalf("expected rejected return to leave stock at 116, got %d", stockOf(t, repo, "prod-mie"))
	}

	if _, err := returnLine(svc, sale, 4, ""); err != nil {
		t.Fatalf("remaining return failed: %v", err)
	}
	original, _ = svc.GetSale(context.Background(), sale.ID)
	if original.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", original.PaymentStatus)
	}
	if sum, _ := ledgerSum(t, repo, "prod-mie"); sum != stockOf(t, repo, "prod-mie") {
		t.Fatalf("ledger sum %d does not match on-hand %d", sum, stockOf(t, repo, "prod-mie"))
	}
}

func TestConcurrentReturnsOnlyOneFits(t *testing.T) {
	svc, _ := newTestService(t)
	sale := sellMie(t, svc, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = returnLine(svc, sale, 6, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrReturnQuantityExceeded):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one return to succeed, got %d", succeeded)
	}
}

func TestReturnProratesLineDiscountAndCapsFee(t *testing.T) {
	svc, _ := newTestService(t)
	sale := mustCheckout(t, svc, cashierCtx(), domain.CheckoutRequest{
		Items: []domain.CheckoutItem{{ProductID: "prod-kopi", Qty: 4, LineDiscountCents: 1000}},
	})

	result, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID:     sale.ID,
		RestockingFeeCents: 350,
		Items:              []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if result.RefundAmountCents != 2350 || result.FinalRefundCents != 2000 {
		t.Fatalf("expected refund 2350 less 350 fee, got %d/%d", result.RefundAmountCents, result.FinalRefundCents)
	}
	ret := result.ReturnSale
	if ret.SubtotalCents != -2350 || ret.DiscountCents != -350 || ret.FinalCents != -2000 || ret.RestockingFeeCents != 350 {
		t.Fatalf("unexpected return totals %+v", ret)
	}
	if ret.FinalCents != ret.SubtotalCents+ret.TaxCents-ret.DiscountCents-ret.LoyaltyDiscountCents {
		t.Fatalf("return totals do not balance")
	}

	capped, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID:     sale.ID,
		RestockingFeeCents: 1_000_000,
		Items:              []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("capped return failed: %v", err)
	}
	if capped.FinalRefundCents != 0 || capped.ReturnSale.RestockingFeeCents != capped.RefundAmountCents {
		t.Fatalf("expected fee capped at refund, got %+v", capped)
	}
}

func TestDamagedReturnIsWrittenOff(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 5)

	result, err := returnLine(svc, sale, 2, "damaged")
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if stockOf(t, repo, "prod-mie") != 115 {
		t.Fatalf("expected damaged goods to stay off the shelf, got %d", stockOf(t, repo, "prod-mie"))
	}

	entries, _ := repo.ListStockEntries(context.Background(), domain.StockLedgerQuery{ProductID: "prod-mie", Limit: 2})
	if len(entries) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(entries))
	}
	writeOff, back := entries[0], entries[1]
	if back.Kind != domain.MovementReturn || back.Delta != 2 || back.Reference != result.ReturnSale.ID {
		t.Fatalf("unexpected return entry %+v", back)
	}
	if writeOff.Kind != domain.MovementAdjustment || writeOff.Delta != -2 || writeOff.ResultQty != 115 {
		t.Fatalf("unexpected write-off entry %+v", writeOff)
	}
	if result.ReturnSale.Lines[0].Condition != domain.ConditionDamaged {
		t.Fatalf("expected condition recorded on return line")
	}
}

func TestOpenedReturnGoesBackOnShelf(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 5)

	if _, err := returnLine(svc, sale, 2, domain.ConditionOpened); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if stockOf(t, repo, "prod-mie") != 117 {
		t.Fatalf("expected opened goods restocked, got %d", stockOf(t, repo, "prod-mie"))
	}
}

func TestStoreCreditRefundIssuesReward(t *testing.T) {
	svc, _ := newTestService(t)
	sale := mustCheckout(t, svc, cashierCtx(), domain.CheckoutRequest{
		CustomerID: "cust-andi",
		Items:      []domain.CheckoutItem{{ProductID: "prod-mie", Qty: 4}},
	})

	result, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID: sale.ID,
		RefundMethod:   "store_credit",
		Items:          []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	credit := result.StoreCredit
	if credit == nil {
		t.Fatalf("expected store credit")
	}
	if credit.AmountCents != 7000 || credit.CustomerID != "cust-andi" || credit.SourceSaleID != result.ReturnSale.ID || credit.Code == "" {
		t.Fatalf("unexpected store credit %+v", credit)
	}
	if got := credit.ExpiresAt.Sub(credit.IssuedAt); got < 180*24*time.Hour || got > 185*24*time.Hour {
		t.Fatalf("expected six month validity, got %s", got)
	}
	if result.ReturnSale.PaymentMethod != domain.RefundMethodStoreCredit {
		t.Fatalf("expected store credit tender, got %s", result.ReturnSale.PaymentMethod)
	}
}

func TestReturnWindowAndEligibility(t *testing.T) {
	svc, _ := newTestService(t)
	sale := sellMie(t, svc, 3)

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	if _, err := returnLine(svc, sale, 1, ""); !errors.Is(err, store.ErrReturnWindowExpired) {
		t.Fatalf("expected return window expired, got %v", err)
	}
	svc.now = time.Now

	result, err := returnLine(svc, sale, 1, "")
	if err != nil {
		t.Fatalf("return within window failed: %v", err)
	}
	if _, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID: result.ReturnSale.ID,
		Items:          []domain.ReturnItem{{LineID: result.ReturnSale.Lines[0].ID, Qty: 1}},
	}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected return of a return to be rejected, got %v", err)
	}

	cases := []struct {
		name string
		req  domain.ReturnRequest
		want error
	}{
		{"unknown sale", domain.ReturnRequest{OriginalSaleID: "sale-missing", Items: []domain.ReturnItem{{LineID: "x", Qty: 1}}}, store.ErrNotFound},
		{"foreign line", domain.ReturnRequest{OriginalSaleID: sale.ID, Items: []domain.ReturnItem{{LineID: "line-other", Qty: 1}}}, store.ErrInvalidTransaction},
		{"zero qty", domain.ReturnRequest{OriginalSaleID: sale.ID, Items: []domain.ReturnItem{{LineID: sale.Lines[0].ID}}}, store.ErrInvalidTransaction},
		{"unknown condition", domain.ReturnRequest{OriginalSaleID: sale.ID, Items: []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: 1, Condition: "WET"}}}, store.ErrInvalidTransaction},
		{"unknown refund method", domain.ReturnRequest{OriginalSaleID: sale.ID, RefundMethod: "gold", Items: []domain.ReturnItem{{LineID: sale.Lines[0].ID, Qty: 1}}}, store.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ProcessReturn(cashierCtx(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestReturnOfVoidedSaleIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	sale := sellMie(t, svc, 2)
	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: sale.ID, Reason: "wrong item"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if _, err := returnLine(svc, sale, 1, ""); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}
}

func TestPartialReturnsRefundExactlyTheLineSubtotal(t *testing.T) {
	svc, _ := newTestService(t)
	sale := mustCheckout(t, svc, cashierCtx(), domain.CheckoutRequest{
		Items: []domain.CheckoutItem{{ProductID: "prod-mie", Qty: 3, LineDiscountCents: 10}},
	})
	if sale.Lines[0].SubtotalCents != 10490 {
		t.Fatalf("expected line subtotal 10490, got %d", sale.Lines[0].SubtotalCents)
	}

	want := []int64{3497, 3497, 3496}
	total := int64(0)
	for i, expected := range want {
		result, err := returnLine(svc, sale, 1, "")
		if err != nil {
			t.Fatalf("return %d failed: %v", i+1, err)
		}
		if result.RefundAmountCents != expected {
			t.Fatalf("return %d: expected refund %d, got %d", i+1, expected, result.RefundAmountCents)
		}
		total += result.RefundAmountCents
	}
	if total != sale.Lines[0].SubtotalCents {
		t.Fatalf("line paid %d, refunded %d across three returns", sale.Lines[0].SubtotalCents, total)
	}
}

func TestRepeatedLineInOneReturnIsProratedOnce(t *testing.T) {
	svc, _ := newTestService(t)
	sale := mustCheckout(t, svc, cashierCtx(), domain.CheckoutRequest{
		Items: []domain.CheckoutItem{{ProductID: "prod-mie", Qty: 3, LineDiscountCents: 10}},
	})
	lineID := sale.Lines[0].ID

	result, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		OriginalSaleID: sale.ID,
		Items: []domain.ReturnItem{
			{LineID: lineID, Qty: 1},
			{LineID: lineID, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if result.RefundAmountCents != 10490 {
		t.Fatalf("expected refund 10490, got %d", result.RefundAmountCents)
	}
}
