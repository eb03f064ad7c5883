package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestVoidSaleOnlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 3)

	voided, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: sale.ID, Reason: "scanned twice", RestoreStock: true})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided || voided.VoidedAt == nil || voided.VoidReason != "scanned twice" {
		t.Fatalf("unexpected voided sale %+v", voided)
	}
	if stockOf(t, repo, "prod-mie") != 120 {
		t.Fatalf("expected stock restored to 120, got %d", stockOf(t, repo, "prod-mie"))
	}

	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: sale.ID, RestoreStock: true}); !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("expected already voided, got %v", err)
	}
	if stockOf(t, repo, "prod-mie") != 120 {
		t.Fatalf("expected second void to leave stock alone")
	}
	if sum, _ := ledgerSum(t, repo, "prod-mie"); sum != 120 {
		t.Fatalf("expected ledger sum 120, got %d", sum)
	}
}

func TestVoidWithoutRestockKeepsStock(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 3)

	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: sale.ID}); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if stockOf(t, repo, "prod-mie") != 117 {
		t.Fatalf("expected stock to stay at 117, got %d", stockOf(t, repo, "prod-mie"))
	}
}

func TestVoidByAnotherCashierNeedsElevation(t *testing.T) {
	svc, _ := newTestService(t)
	other := actorCtx("kasir-b", domain.RoleCashier)

	first := sellMie(t, svc, 1)
	if _, err := svc.VoidSale(other, domain.VoidRequest{SaleID: first.ID}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.VoidSale(other, domain.VoidRequest{SaleID: first.ID, Elevated: true}); err != nil {
		t.Fatalf("pin-confirmed void failed: %v", err)
	}

	second := sellMie(t, svc, 1)
	if _, err := svc.VoidSale(managerCtx(), domain.VoidRequest{SaleID: second.ID}); err != nil {
		t.Fatalf("manager void failed: %v", err)
	}

	if _, err := svc.VoidSale(context.Background(), domain.VoidRequest{SaleID: second.ID}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without actor, got %v", err)
	}
}

func TestVoidRejectsReturnsAndReturnedSales(t *testing.T) {
	svc, _ := newTestService(t)
	sale := sellMie(t, svc, 4)
	result, err := returnLine(svc, sale, 1, "")
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: sale.ID}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected sale with returns to be rejected, got %v", err)
	}
	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: result.ReturnSale.ID}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected return record to be rejected, got %v", err)
	}
	if _, err := svc.VoidSale(cashierCtx(), domain.VoidRequest{SaleID: "sale-missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVoidWritesAuditAfterCommit(t *testing.T) {
	svc, repo := newTestService(t)
	sale := sellMie(t, svc, 1)

	if _, err := svc.VoidSale(managerCtx(), domain.VoidRequest{SaleID: sale.ID, Reason: "customer left"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if err := svc.Drain(context.Background()); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	logs, err := repo.ListAuditLogs(context.Background(), sale.ID, 0)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "void_sale" {
			found = true
			if entry.ActorUsername != "manager-1" || !strings.Contains(entry.Detail, "customer left") {
				t.Fatalf("unexpected void audit %+v", entry)
			}
		}
	}
	if !found {
		t.Fatalf("expected void_sale audit entry, got %+v", logs)
	}
}
