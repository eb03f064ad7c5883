package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/store"
)

// programFor returns the loyalty program with the stored tier table applied.
// The configured tiers only apply while that table is empty.
func (s *Service) programFor(ctx context.Context, tx store.Tx) (loyalty.Program, error) {
	tiers, err := tx.ListTierConfigs(ctx)
	if err != nil {
		return loyalty.Program{}, err
	}
	return s.program.WithTiers(tiers), nil
}

func (s *Service) GetCustomerLoyalty(ctx context.Context, customerID string, limit int) (domain.CustomerLoyaltyResponse, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CustomerLoyaltyResponse{}, store.ErrInvalidTransaction
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.CustomerLoyaltyResponse{}, err
	}
	history, err := s.repo.ListPointsTransactions(ctx, customerID, limit)
	if err != nil {
		return domain.CustomerLoyaltyResponse{}, err
	}
	return domain.CustomerLoyaltyResponse{Customer: *customer, Transactions: history}, nil
}

// ledger applies points deltas to one locked customer and records each one.
type ledger struct {
	tx       store.Tx
	program  loyalty.Program
	customer *domain.Customer
	saleID   string
	eff      *effects
	s        *Service
}

func (s *Service) openLedger(ctx context.Context, tx store.Tx, program loyalty.Program, customerID string, saleID string, eff *effects) (*ledger, error) {
	customer, err := tx.LockCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.Tier == "" {
		customer.Tier = program.BaseTier()
	}
	return &ledger{tx: tx, program: program, customer: customer, saleID: saleID, eff: eff, s: s}, nil
}

func (l *ledger) append(ctx context.Context, kind string, points int64, affectsLifetime bool, description string) error {
	l.customer.PointsBalance += points
	if affectsLifetime {
		l.customer.LifetimeEarnedPoints += points
	}
	return l.tx.AppendPointsTransaction(ctx, domain.PointsTransaction{
		CustomerID:      l.customer.ID,
		Type:            kind,
		Points:          points,
		Description:     description,
		SaleID:          l.saleID,
		AffectsLifetime: affectsLifetime,
		CreatedAt:       l.s.now().UTC(),
	})
}

func (l *ledger) redeem(ctx context.Context, points int64) error {
	if points <= 0 {
		return nil
	}
	if points > l.customer.PointsBalance {
		return fmt.Errorf("%w: balance %d, requested %d", store.ErrInsufficientPoints, l.customer.PointsBalance, points)
	}
	return l.append(ctx, domain.PointsRedeemed, -points, false, fmt.Sprintf("redeemed on sale %s", l.saleID))
}

// earn credits points and promotes the customer when the new lifetime total
// reaches a higher tier. Earning never demotes.
func (l *ledger) earn(ctx context.Context, points int64) error {
	if points <= 0 {
		return nil
	}
	if err := l.append(ctx, domain.PointsEarned, points, true, fmt.Sprintf("earned on sale %s", l.saleID)); err != nil {
		return err
	}
	l.eff.pointsIssued += points

	qualified := l.program.QualifyingTier(l.customer.LifetimeEarnedPoints)
	if l.program.Rank(qualified) > l.program.Rank(l.customer.Tier) {
		return l.changeTier(ctx, qualified, "up")
	}
	return nil
}

// reverseEarned claws back points earned on the sale. Only the void path
// passes affectsLifetime, and only that path may demote.
func (l *ledger) reverseEarned(ctx context.Context, points int64, affectsLifetime bool, cause string, description string) error {
	if points <= 0 {
		return nil
	}
	if err := l.append(ctx, domain.PointsAdjusted, -points, affectsLifetime, description); err != nil {
		return err
	}
	l.eff.reversed(cause, points)
	if !affectsLifetime {
		return nil
	}

	qualified := l.program.QualifyingTier(l.customer.LifetimeEarnedPoints)
	if l.program.Rank(qualified) < l.program.Rank(l.customer.Tier) {
		return l.changeTier(ctx, qualified, "down")
	}
	return nil
}

func (l *ledger) restoreRedeemed(ctx context.Context, points int64) error {
	if points <= 0 {
		return nil
	}
	return l.append(ctx, domain.PointsAdjusted, points, false, fmt.Sprintf("redeemed points restored on void of %s", l.saleID))
}

// changeTier records the move with a zero-point ADJUSTED entry.
func (l *ledger) changeTier(ctx context.Context, tier string, direction string) error {
	from := l.customer.Tier
	l.customer.Tier = tier
	l.eff.tierChanges = append(l.eff.tierChanges, direction)
	return l.append(ctx, domain.PointsAdjusted, 0, false, fmt.Sprintf("tier %s: %s -> %s", direction, from, tier))
}

func (l *ledger) save(ctx context.Context) error {
	return l.tx.SaveCustomerLoyalty(ctx, *l.customer)
}
