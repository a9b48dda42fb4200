package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope selects whose settled bets a revenue window covers: the whole
// tenant, or an explicit owner set (an agent's downstream players).
type Scope struct {
	TenantID string
	OwnerIDs []string
}

func (s Scope) matches(ownerID string) bool {
	if len(s.OwnerIDs) == 0 {
		return true
	}
	for _, id := range s.OwnerIDs {
		if id == ownerID {
			return true
		}
	}
	return false
}

// GGRReport is gross gaming revenue over a window: total stakes minus
// total payouts across won and lost bets, with the source bets listed so
// a settlement can prove its basis.
type GGRReport struct {
	TenantID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Stakes      decimal.Decimal
	Payouts     decimal.Decimal
	GGR         decimal.Decimal
	BetIDs      []string
}

// GGRCalculator derives revenue from the bet book. Computation is
// read-only and deterministic: the same window over the same settled
// bets always yields the same report.
type GGRCalculator struct {
	Bets *BetBook
}

func NewGGRCalculator(bets *BetBook) *GGRCalculator {
	return &GGRCalculator{Bets: bets}
}

// Compute sums stakes and payouts of bets settled inside the inclusive
// window. Open and void bets are excluded; a lost bet contributes its
// stake and a zero payout.
func (c *GGRCalculator) Compute(scope Scope, start, end time.Time) (*GGRReport, error) {
	if scope.TenantID == "" {
		return nil, validationf("revenue scope needs a tenant")
	}
	if end.Before(start) {
		return nil, validationf("period end precedes period start")
	}

	report := &GGRReport{
		TenantID:    scope.TenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		Stakes:      decimal.Zero,
		Payouts:     decimal.Zero,
	}
	for _, bet := range c.Bets.SettledBetween(scope.TenantID, start, end) {
		if !scope.matches(bet.PlayerID) {
			continue
		}
		report.Stakes = report.Stakes.Add(bet.Stake)
		report.Payouts = report.Payouts.Add(bet.Payout)
		report.BetIDs = append(report.BetIDs, bet.ID)
	}
	report.GGR = report.Stakes.Sub(report.Payouts)
	return report, nil
}
