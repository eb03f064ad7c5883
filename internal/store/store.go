package store

import (
	"context"
	"errors"
	"time"

	"posledger/backend/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidPaymentSplit    = errors.New("invalid payment split")
	ErrReturnWindowExpired    = errors.New("return window expired")
	ErrReturnQuantityExceeded = errors.New("return quantity exceeded")
	ErrAlreadyVoided          = errors.New("sale already voided")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrConflict               = errors.New("concurrent update conflict")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotFound, "not_found"},
	{ErrInsufficientStock, "insufficient_stock"},
	{ErrInvalidPaymentSplit, "invalid_payment_split"},
	{ErrReturnWindowExpired, "return_window_expired"},
	{ErrReturnQuantityExceeded, "return_quantity_exceeded"},
	{ErrAlreadyVoided, "already_voided"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidTransaction, "invalid_transaction"},
	{ErrInsufficientPoints, "insufficient_points"},
	{ErrConflict, "conflict"},
}

// Kind returns the stable machine-readable name of a settlement error, or
// "internal" when err wraps none of the sentinels.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

type Repository interface {
	// WithinTx runs fn as one unit of work. Any error returned by fn, or a
	// panic inside it, discards every change fn made.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetVariant(ctx context.Context, id string) (*domain.ProductVariant, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListReturnsForSale(ctx context.Context, originalSaleID string) ([]domain.Sale, error)
	ListStockEntries(ctx context.Context, query domain.StockLedgerQuery) ([]domain.StockLedgerEntry, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListPointsTransactions(ctx context.Context, customerID string, limit int) ([]domain.PointsTransaction, error)
	ListTierConfigs(ctx context.Context) ([]domain.TierConfig, error)
	CreateStockAlert(ctx context.Context, alert domain.StockAlert) error
	ListStockAlerts(ctx context.Context, productID string, limit int) ([]domain.StockAlert, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]domain.AuditLog, error)
}

// Tx is the set of writes available inside a unit of work. Lock* calls take
// a row lock that is held until the unit of work ends.
type Tx interface {
	LockProduct(ctx context.Context, id string) (*domain.Product, error)
	LockVariant(ctx context.Context, id string) (*domain.ProductVariant, error)
	// RecordStockMovement applies entry.Delta to the product or variant on
	// hand and appends entry to the ledger with the resulting quantity. It
	// fails with ErrInsufficientStock when the result would be negative.
	RecordStockMovement(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error)

	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	// InsertSale fails with ErrConflict when another sale already holds
	// sale.IdempotencyKey.
	InsertSale(ctx context.Context, sale domain.Sale) error
	// ReturnedQtyByLine sums returned quantity per original line id across
	// every return recorded against originalSaleID.
	ReturnedQtyByLine(ctx context.Context, originalSaleID string) (map[string]int, error)
	CountReturns(ctx context.Context, originalSaleID string) (int, error)
	UpdatePaymentStatus(ctx context.Context, saleID string, status string) error
	MarkSaleVoided(ctx context.Context, saleID string, reason string, at time.Time) error

	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	SaveCustomerLoyalty(ctx context.Context, customer domain.Customer) error
	AppendPointsTransaction(ctx context.Context, entry domain.PointsTransaction) error
	// PointsReversedForSale returns the absolute sum of negative ADJUSTED
	// points already recorded against saleID.
	PointsReversedForSale(ctx context.Context, saleID string) (int64, error)
	InsertReward(ctx context.Context, reward domain.LoyaltyReward) error
	ListTierConfigs(ctx context.Context) ([]domain.TierConfig, error)
}
