package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Store keeps everything in process memory. Units of work run one at a time
// under the write lock and are rolled back by restoring a snapshot.
type Store struct {
	mu   sync.RWMutex
	data dataset
}

type dataset struct {
	products     map[string]domain.Product
	variants     map[string]domain.ProductVariant
	sales        map[string]*domain.Sale
	salesByKey   map[string]string
	saleOrder    []string
	stockEntries []domain.StockLedgerEntry
	customers    map[string]domain.Customer
	points       []domain.PointsTransaction
	tiers        []domain.TierConfig
	rewards      map[string]domain.LoyaltyReward
	alerts       []domain.StockAlert
	auditLogs    []domain.AuditLog
}

func New() *Store {
	return &Store{data: dataset{
		products:   make(map[string]domain.Product),
		variants:   make(map[string]domain.ProductVariant),
		sales:      make(map[string]*domain.Sale),
		salesByKey: make(map[string]string),
		customers:  make(map[string]domain.Customer),
		rewards:    make(map[string]domain.LoyaltyReward),
	}}
}

// NewSeeded returns a store with a small demo catalog, customers and the
// default tier table. Opening stock is booked as PURCHASE_RECEIPT entries so
// the ledger sums to on-hand from the start.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", PriceCents: 3500, TaxRatePercent: 11, StockQty: 120, ReorderLevel: 20, Active: true},
		{ID: "prod-kopi", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", PriceCents: 2600, TaxRatePercent: 11, StockQty: 120, ReorderLevel: 20, Active: true},
		{ID: "prod-susu", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", PriceCents: 18900, TaxRatePercent: 11, StockQty: 60, ReorderLevel: 10, Active: true},
		{ID: "prod-setrika", SKU: "SKU-SETRIKA-01", Name: "Setrika Listrik", PriceCents: 120000, TaxRatePercent: 0, StockQty: 10, ReorderLevel: 3, Active: true},
		{ID: "prod-kaos", SKU: "SKU-KAOS-01", Name: "Kaos Polos", PriceCents: 60000, TaxRatePercent: 0, StockQty: 0, ReorderLevel: 5, Active: true},
		{ID: "prod-lama", SKU: "SKU-LAMA-01", Name: "Kalender 2019", PriceCents: 5000, TaxRatePercent: 0, StockQty: 4, ReorderLevel: 0, Active: false},
	}
	variants := []domain.ProductVariant{
		{ID: "var-kaos-m", ProductID: "prod-kaos", SKU: "SKU-KAOS-01-M", Name: "Kaos Polos M", StockQty: 25, Active: true},
		{ID: "var-kaos-xl", ProductID: "prod-kaos", SKU: "SKU-KAOS-01-XL", Name: "Kaos Polos XL", PriceCents: 65000, StockQty: 8, Active: true},
	}
	customers := []domain.Customer{
		{ID: "cust-andi", Name: "Andi", Tier: domain.TierBronze, CreatedAt: now},
		{ID: "cust-budi", Name: "Budi", PointsBalance: 980, LifetimeEarnedPoints: 980, Tier: domain.TierBronze, CreatedAt: now},
		{ID: "cust-sari", Name: "Sari", PointsBalance: 300, LifetimeEarnedPoints: 1200, Tier: domain.TierSilver, CreatedAt: now},
	}

	for _, p := range products {
		s.data.products[p.ID] = p
		if p.StockQty > 0 {
			s.data.stockEntries = append(s.data.stockEntries, openingEntry(p.ID, "", p.StockQty, now))
		}
	}
	for _, v := range variants {
		s.data.variants[v.ID] = v
		if v.StockQty > 0 {
			s.data.stockEntries = append(s.data.stockEntries, openingEntry(v.ProductID, v.ID, v.StockQty, now))
		}
	}
	for _, c := range customers {
		s.data.customers[c.ID] = c
	}
	s.data.tiers = loyalty.DefaultTiers()
	return s
}

func openingEntry(productID string, variantID string, qty int, at time.Time) domain.StockLedgerEntry {
	return domain.StockLedgerEntry{
		ID:        xid.New("stk"),
		ProductID: productID,
		VariantID: variantID,
		Kind:      domain.MovementPurchaseReceipt,
		Delta:     qty,
		ResultQty: qty,
		Reason:    "opening stock",
		ActorID:   "system",
		CreatedAt: at,
	}
}

// PutProduct inserts or replaces a catalog row without a ledger entry.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[p.ID] = p
}

func (s *Store) PutVariant(v domain.ProductVariant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.variants[v.ID] = v
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.customers[c.ID] = c
}

func (s *Store) ReplaceTierConfigs(tiers []domain.TierConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tiers = slices.Clone(tiers)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	tx := &memTx{data: &s.data}
	defer func() {
		tx.done = true
		if p := recover(); p != nil {
			s.data = snapshot
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetVariant(_ context.Context, id string) (*domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.data.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.saleByKey(key)
}

func (d *dataset) saleByKey(key string) (*domain.Sale, error) {
	id, ok := d.salesByKey[key]
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: idempotency key %s", store.ErrNotFound, key)
	}
	return cloneSale(d.sales[id]), nil
}

func (s *Store) ListReturnsForSale(_ context.Context, originalSaleID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, id := range s.data.saleOrder {
		sale := s.data.sales[id]
		if sale.OriginalSaleID == originalSaleID {
			result = append(result, *cloneSale(sale))
		}
	}
	return result, nil
}

// ListStockEntries returns newest entries first. An empty ProductID lists
// every product.
func (s *Store) ListStockEntries(_ context.Context, query domain.StockLedgerQuery) ([]domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLedgerEntry, 0)
	for i := len(s.data.stockEntries) - 1; i >= 0; i-- {
		entry := s.data.stockEntries[i]
		if query.ProductID != "" && entry.ProductID != query.ProductID {
			continue
		}
		switch {
		case query.VariantID != "":
			if entry.VariantID != query.VariantID {
				continue
			}
		case query.ProductLevelOnly:
			if entry.VariantID != "" {
				continue
			}
		}
		result = append(result, entry)
		if query.Limit > 0 && len(result) >= query.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListPointsTransactions(_ context.Context, customerID string, limit int) ([]domain.PointsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PointsTransaction, 0)
	for i := len(s.data.points) - 1; i >= 0; i-- {
		entry := s.data.points[i]
		if entry.CustomerID != customerID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListTierConfigs(_ context.Context) ([]domain.TierConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.tiers), nil
}

func (s *Store) CreateStockAlert(_ context.Context, alert domain.StockAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.data.alerts = append(s.data.alerts, alert)
	return nil
}

func (s *Store) ListStockAlerts(_ context.Context, productID string, limit int) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAlert, 0)
	for i := len(s.data.alerts) - 1; i >= 0; i-- {
		alert := s.data.alerts[i]
		if productID != "" && alert.ProductID != productID {
			continue
		}
		result = append(result, alert)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.data.auditLogs = append(s.data.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0)
	for i := len(s.data.auditLogs) - 1; i >= 0; i-- {
		entry := s.data.auditLogs[i]
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// memTx mutates the dataset directly; the owning Store holds the write lock
// for its whole lifetime.
type memTx struct {
	data *dataset
	done bool
}

func (t *memTx) check() error {
	if t.done {
		return fmt.Errorf("%w: unit of work already finished", store.ErrInvalidTransaction)
	}
	return nil
}

func (t *memTx) LockProduct(_ context.Context, id string) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	p, ok := t.data.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return &p, nil
}

func (t *memTx) LockVariant(_ context.Context, id string) (*domain.ProductVariant, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	v, ok := t.data.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, id)
	}
	return &v, nil
}

func (t *memTx) RecordStockMovement(_ context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if entry.Delta == 0 {
		return nil, fmt.Errorf("%w: zero stock movement", store.ErrInvalidTransaction)
	}

	var onHand int
	if entry.VariantID != "" {
		v, ok := t.data.variants[entry.VariantID]
		if !ok || v.ProductID != entry.ProductID {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, entry.VariantID)
		}
		onHand = v.StockQty + entry.Delta
		if onHand < 0 {
			return nil, fmt.Errorf("%w: variant %s has %d", store.ErrInsufficientStock, v.ID, v.StockQty)
		}
		v.StockQty = onHand
		t.data.variants[v.ID] = v
	} else {
		p, ok := t.data.products[entry.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, entry.ProductID)
		}
		onHand = p.StockQty + entry.Delta
		if onHand < 0 {
			return nil, fmt.Errorf("%w: product %s has %d", store.ErrInsufficientStock, p.ID, p.StockQty)
		}
		p.StockQty = onHand
		t.data.products[p.ID] = p
	}

	if entry.ID == "" {
		entry.ID = xid.New("stk")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ResultQty = onHand
	t.data.stockEntries = append(t.data.stockEntries, entry)
	return &entry, nil
}

func (t *memTx) LockSale(_ context.Context, id string) (*domain.Sale, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	sale, ok := t.data.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	return cloneSale(sale), nil
}

func (t *memTx) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.data.saleByKey(key)
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if err := t.check(); err != nil {
		return err
	}
	if sale.ID == "" {
		return fmt.Errorf("%w: sale id is required", store.ErrInvalidTransaction)
	}
	if _, exists := t.data.sales[sale.ID]; exists {
		return fmt.Errorf("%w: sale %s already exists", store.ErrInvalidTransaction, sale.ID)
	}
	if sale.IdempotencyKey != "" {
		if _, exists := t.data.salesByKey[sale.IdempotencyKey]; exists {
			return fmt.Errorf("%w: idempotency key %s already used", store.ErrConflict, sale.IdempotencyKey)
		}
		t.data.salesByKey[sale.IdempotencyKey] = sale.ID
	}
	sale.Duplicate = false
	t.data.sales[sale.ID] = cloneSale(&sale)
	t.data.saleOrder = append(t.data.saleOrder, sale.ID)
	return nil
}

func (t *memTx) ReturnedQtyByLine(_ context.Context, originalSaleID string) (map[string]int, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	result := make(map[string]int)
	for _, sale := range t.data.sales {
		if sale.OriginalSaleID != originalSaleID {
			continue
		}
		for _, line := range sale.Lines {
			qty := line.Qty
			if qty < 0 {
				qty = -qty
			}
			result[line.OriginalLineID] += qty
		}
	}
	return result, nil
}

func (t *memTx) CountReturns(_ context.Context, originalSaleID string) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	count := 0
	for _, sale := range t.data.sales {
		if sale.OriginalSaleID == originalSaleID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) UpdatePaymentStatus(_ context.Context, saleID string, status string) error {
	if err := t.check(); err != nil {
		return err
	}
	sale, ok := t.data.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	sale.PaymentStatus = status
	return nil
}

func (t *memTx) MarkSaleVoided(_ context.Context, saleID string, reason string, at time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	sale, ok := t.data.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	if sale.Status != domain.SaleStatusActive {
		return store.ErrAlreadyVoided
	}
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return nil
}

func (t *memTx) LockCustomer(_ context.Context, id string) (*domain.Customer, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	c, ok := t.data.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
	}
	return &c, nil
}

func (t *memTx) SaveCustomerLoyalty(_ context.Context, customer domain.Customer) error {
	if err := t.check(); err != nil {
		return err
	}
	current, ok := t.data.customers[customer.ID]
	if !ok {
		return fmt.Errorf("%w: customer %s", store.ErrNotFound, customer.ID)
	}
	current.PointsBalance = customer.PointsBalance
	current.LifetimeEarnedPoints = customer.LifetimeEarnedPoints
	current.Tier = customer.Tier
	t.data.customers[customer.ID] = current
	return nil
}

func (t *memTx) AppendPointsTransaction(_ context.Context, entry domain.PointsTransaction) error {
	if err := t.check(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = xid.New("pts")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.data.points = append(t.data.points, entry)
	return nil
}

func (t *memTx) PointsReversedForSale(_ context.Context, saleID string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range t.data.points {
		if entry.SaleID == saleID && entry.Type == domain.PointsAdjusted && entry.Points < 0 {
			total -= entry.Points
		}
	}
	return total, nil
}

func (t *memTx) InsertReward(_ context.Context, reward domain.LoyaltyReward) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, exists := t.data.rewards[reward.ID]; exists {
		return fmt.Errorf("%w: reward %s already exists", store.ErrInvalidTransaction, reward.ID)
	}
	t.data.rewards[reward.ID] = reward
	return nil
}

func (t *memTx) ListTierConfigs(_ context.Context) ([]domain.TierConfig, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return slices.Clone(t.data.tiers), nil
}

func (d dataset) clone() dataset {
	dup := dataset{
		products:     make(map[string]domain.Product, len(d.products)),
		variants:     make(map[string]domain.ProductVariant, len(d.variants)),
		sales:        make(map[string]*domain.Sale, len(d.sales)),
		salesByKey:   make(map[string]string, len(d.salesByKey)),
		saleOrder:    slices.Clone(d.saleOrder),
		stockEntries: slices.Clone(d.stockEntries),
		customers:    make(map[string]domain.Customer, len(d.customers)),
		points:       slices.Clone(d.points),
		tiers:        slices.Clone(d.tiers),
		rewards:      make(map[string]domain.LoyaltyReward, len(d.rewards)),
		alerts:       slices.Clone(d.alerts),
		auditLogs:    slices.Clone(d.auditLogs),
	}
	for k, v := range d.products {
		dup.products[k] = v
	}
	for k, v := range d.variants {
		dup.variants[k] = v
	}
	for k, v := range d.sales {
		dup.sales[k] = cloneSale(v)
	}
	for k, v := range d.salesByKey {
		dup.salesByKey[k] = v
	}
	for k, v := range d.customers {
		dup.customers[k] = v
	}
	for k, v := range d.rewards {
		dup.rewards[k] = v
	}
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = slices.Clone(src.Lines)
	dup.PaymentSplits = slices.Clone(src.PaymentSplits)
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return &dup
}
