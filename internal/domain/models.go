package domain

import "time"

type Product struct {
	ID             string  `json:"id"`
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	PriceCents     int64   `json:"price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	StockQty       int     `json:"stock_qty"`
	ReorderLevel   int     `json:"reorder_level"`
	Active         bool    `json:"active"`
}

// ProductVariant carries its own stock. A zero PriceCents falls back to the
// parent product's price.
type ProductVariant struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	StockQty   int    `json:"stock_qty"`
	Active     bool   `json:"active"`
}

type Actor struct {
	Username string
	Role     string
}

type CheckoutItem struct {
	ProductID         string `json:"product_id"`
	VariantID         string `json:"variant_id,omitempty"`
	Qty               int    `json:"qty"`
	UnitPriceOverride *int64 `json:"unit_price_override,omitempty"`
	LineDiscountCents int64  `json:"line_discount_cents"`
}

type CheckoutRequest struct {
	// IdempotencyKey makes a retried checkout return the sale it already
	// settled. A key is generated when the caller sends none.
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	CustomerID           string         `json:"customer_id,omitempty"`
	Items                []CheckoutItem `json:"items"`
	PaymentMethod        string         `json:"payment_method"`
	PaymentReference     string         `json:"payment_reference,omitempty"`
	PaymentSplits        []PaymentSplit `json:"payment_splits,omitempty"`
	CashReceivedCents    int64          `json:"cash_received_cents"`
	DiscountCents        int64          `json:"discount_cents"`
	LoyaltyDiscountCents int64          `json:"loyalty_discount_cents"`
	PointsToRedeem       int64          `json:"points_to_redeem"`
	Notes                string         `json:"notes,omitempty"`
}

type PaymentSplit struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type Sale struct {
	ID                   string         `json:"id"`
	ReceiptCode          string         `json:"receipt_code"`
	OperatorID           string         `json:"operator_id"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	CustomerID           string         `json:"customer_id,omitempty"`
	OriginalSaleID       string         `json:"original_sale_id,omitempty"`
	SubtotalCents        int64          `json:"subtotal_cents"`
	TaxCents             int64          `json:"tax_cents"`
	DiscountCents        int64          `json:"discount_cents"`
	LoyaltyDiscountCents int64          `json:"loyalty_discount_cents"`
	FinalCents           int64          `json:"final_cents"`
	PaymentMethod        string         `json:"payment_method"`
	PaymentReference     string         `json:"payment_reference,omitempty"`
	PaymentStatus        string         `json:"payment_status"`
	Status               string         `json:"status"`
	CashReceivedCents    int64          `json:"cash_received_cents"`
	ChangeCents          int64          `json:"change_cents"`
	PointsEarned         int64          `json:"points_earned"`
	PointsRedeemed       int64          `json:"points_redeemed"`
	RefundMethod         string         `json:"refund_method,omitempty"`
	RestockingFeeCents   int64          `json:"restocking_fee_cents,omitempty"`
	Notes                string         `json:"notes,omitempty"`
	VoidReason           string         `json:"void_reason,omitempty"`
	VoidedAt             *time.Time     `json:"voided_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	Lines                []SaleLine     `json:"lines"`
	PaymentSplits        []PaymentSplit `json:"payment_splits,omitempty"`
	// Duplicate is set on a checkout answered from an earlier sale with the
	// same idempotency key. It is never stored.
	Duplicate            bool           `json:"duplicate,omitempty"`
}

type CheckoutLookup struct {
	Found bool  `json:"found"`
	Sale  *Sale `json:"sale,omitempty"`
}

// IsReturn reports whether the sale records a return against another sale.
func (s Sale) IsReturn() bool {
	return s.OriginalSaleID != ""
}

type SaleLine struct {
	ID                string `json:"id"`
	SaleID            string `json:"sale_id"`
	ProductID         string `json:"product_id"`
	VariantID         string `json:"variant_id,omitempty"`
	Qty               int    `json:"qty"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	LineDiscountCents int64  `json:"line_discount_cents"`
	TaxCents          int64  `json:"tax_cents"`
	SubtotalCents     int64  `json:"subtotal_cents"`
	OriginalLineID    string `json:"original_line_id,omitempty"`
	Condition         string `json:"condition,omitempty"`
}

type ReturnItem struct {
	LineID    string `json:"line_id"`
	Qty       int    `json:"qty"`
	Condition string `json:"condition"`
}

type ReturnRequest struct {
	OriginalSaleID     string       `json:"original_sale_id"`
	Items              []ReturnItem `json:"items"`
	Reason             string       `json:"reason"`
	RefundMethod       string       `json:"refund_method"`
	RestockingFeeCents int64        `json:"restocking_fee_cents"`
}

type ReturnResult struct {
	ReturnSale        Sale           `json:"return_sale"`
	RefundAmountCents int64          `json:"refund_amount_cents"`
	FinalRefundCents  int64          `json:"final_refund_cents"`
	PointsReversed    int64          `json:"points_reversed"`
	StoreCredit       *LoyaltyReward `json:"store_credit,omitempty"`
}

type VoidRequest struct {
	SaleID       string `json:"sale_id"`
	Reason       string `json:"reason"`
	RestoreStock bool   `json:"restore_stock"`
	ManagerPIN   string `json:"manager_pin,omitempty"`
	// Elevated is set by the transport after the manager PIN was verified.
	Elevated bool `json:"-"`
}

type StockLedgerEntry struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	Kind      string    `json:"kind"`
	Delta     int       `json:"delta"`
	ResultQty int       `json:"result_qty"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StockLedgerQuery filters the stock ledger. With ProductLevelOnly set and no
// VariantID, rows booked against the product's variants are left out so the
// deltas sum to the product's own on-hand.
type StockLedgerQuery struct {
	ProductID        string
	VariantID        string
	ProductLevelOnly bool
	Limit            int
}

type StockMovementRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	Reference string `json:"reference,omitempty"`
}

type Customer struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	PointsBalance        int64     `json:"points_balance"`
	LifetimeEarnedPoints int64     `json:"lifetime_earned_points"`
	Tier                 string    `json:"tier"`
	CreatedAt            time.Time `json:"created_at"`
}

type PointsTransaction struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id"`
	Type            string    `json:"type"`
	Points          int64     `json:"points"`
	Description     string    `json:"description"`
	SaleID          string    `json:"sale_id,omitempty"`
	AffectsLifetime bool      `json:"affects_lifetime"`
	CreatedAt       time.Time `json:"created_at"`
}

type TierConfig struct {
	Tier             string  `json:"tier" toml:"tier" yaml:"tier"`
	Rank             int     `json:"rank" toml:"rank" yaml:"rank"`
	MinLifetimePoint int64   `json:"min_lifetime_points" toml:"min_lifetime_points" yaml:"min_lifetime_points"`
	Multiplier       float64 `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
}

type LoyaltyReward struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	CustomerID   string    `json:"customer_id,omitempty"`
	SourceSaleID string    `json:"source_sale_id"`
	AmountCents  int64     `json:"amount_cents"`
	Status       string    `json:"status"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type CustomerLoyaltyResponse struct {
	Customer     Customer            `json:"customer"`
	Transactions []PointsTransaction `json:"transactions"`
}

type StockAlert struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	VariantID    string    `json:"variant_id,omitempty"`
	OnHandQty    int       `json:"on_hand_qty"`
	ReorderLevel int       `json:"reorder_level"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SaleStatusActive = "ACTIVE"
	SaleStatusVoided = "VOIDED"
)

const (
	PaymentStatusPaid              = "PAID"
	PaymentStatusPartiallyRefunded = "PARTIALLY_REFUNDED"
	PaymentStatusRefunded          = "REFUNDED"
)

const (
	PaymentMethodCash    = "cash"
	PaymentMethodCard    = "card"
	PaymentMethodQRIS    = "qris"
	PaymentMethodEWallet = "ewallet"
	PaymentMethodSplit   = "split"
)

const (
	RefundMethodCash        = "cash"
	RefundMethodCard        = "card"
	RefundMethodOriginal    = "original"
	RefundMethodStoreCredit = "store_credit"
)

const (
	MovementSale            = "SALE"
	MovementReturn          = "RETURN"
	MovementAdjustment      = "ADJUSTMENT"
	MovementTransfer        = "TRANSFER"
	MovementPurchaseReceipt = "PURCHASE_RECEIPT"
)

const (
	ConditionNew       = "NEW"
	ConditionOpened    = "OPENED"
	ConditionDamaged   = "DAMAGED"
	ConditionDefective = "DEFECTIVE"
)

const (
	PointsEarned        = "EARNED"
	PointsRedeemed      = "REDEEMED"
	PointsAdjusted      = "ADJUSTED"
	PointsBirthdayBonus = "BIRTHDAY_BONUS"
)

const (
	TierBronze   = "BRONZE"
	TierSilver   = "SILVER"
	TierGold     = "GOLD"
	TierPlatinum = "PLATINUM"
)

const (
	RewardStatusActive = "ACTIVE"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// IsElevated reports whether the role may act on other operators' sales.
func (a Actor) IsElevated() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}

// IsRestockable reports whether returned goods in this condition go back on the shelf.
func IsRestockable(condition string) bool {
	return condition == ConditionNew || condition == ConditionOpened
}
