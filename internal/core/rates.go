package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakelane/betcore-go/internal/platform/cache"
)

// Deduction is one named charge taken off a gross commission, either a
// fraction of the gross or a flat amount. Deductions apply in order.
type Deduction struct {
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
	Flat    decimal.Decimal `json:"flat"`
}

// CommissionTerms are the agreed terms for one beneficiary: the
// commission rate as a fraction of GGR, and the deductions taken off the
// gross.
type CommissionTerms struct {
	Rate       decimal.Decimal `json:"rate"`
	Deductions []Deduction     `json:"deductions"`
}

// NetOf applies the deductions in order and returns the net amount plus
// the amount each deduction took. The net never goes below zero.
func (t CommissionTerms) NetOf(gross decimal.Decimal) (decimal.Decimal, []decimal.Decimal) {
	net := gross
	taken := make([]decimal.Decimal, 0, len(t.Deductions))
	for _, d := range t.Deductions {
		var cut decimal.Decimal
		switch {
		case d.Percent.Sign() > 0:
			cut = gross.Mul(d.Percent)
		case d.Flat.Sign() > 0:
			cut = d.Flat
		}
		if cut.GreaterThan(net) {
			cut = net
		}
		net = net.Sub(cut)
		taken = append(taken, cut)
	}
	return net, taken
}

// RateProvider resolves commission terms for a beneficiary within a
// tenant.
type RateProvider interface {
	Terms(ctx context.Context, tenantID, beneficiaryID string) (CommissionTerms, error)
}

// StaticRates holds configured terms per beneficiary with a tenant-wide
// default.
type StaticRates struct {
	mu       sync.Mutex
	byKey    map[string]CommissionTerms
	defaults map[string]CommissionTerms
}

func NewStaticRates() *StaticRates {
	return &StaticRates{
		byKey:    make(map[string]CommissionTerms),
		defaults: make(map[string]CommissionTerms),
	}
}

func (r *StaticRates) SetDefault(tenantID string, terms CommissionTerms) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[tenantID] = terms
}

func (r *StaticRates) SetTerms(tenantID, beneficiaryID string, terms CommissionTerms) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[tenantID+"|"+beneficiaryID] = terms
}

func (r *StaticRates) Terms(_ context.Context, tenantID, beneficiaryID string) (CommissionTerms, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if terms, ok := r.byKey[tenantID+"|"+beneficiaryID]; ok {
		return terms, nil
	}
	if terms, ok := r.defaults[tenantID]; ok {
		return terms, nil
	}
	return CommissionTerms{}, ErrNotFound
}

// CachedRates fronts a RateProvider with the TTL cache so settlement
// generation does not hit the source for every beneficiary.
type CachedRates struct {
	Source RateProvider
	Cache  cache.Cache
	TTL    time.Duration
}

func NewCachedRates(source RateProvider, c cache.Cache, ttl time.Duration) *CachedRates {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRates{Source: source, Cache: c, TTL: ttl}
}

func rateCacheKey(tenantID, beneficiaryID string) string {
	return "rates:" + tenantID + ":" + beneficiaryID
}

func (r *CachedRates) Terms(ctx context.Context, tenantID, beneficiaryID string) (CommissionTerms, error) {
	key := rateCacheKey(tenantID, beneficiaryID)
	if r.Cache != nil {
		if raw, ok, err := r.Cache.Get(ctx, key); err == nil && ok {
			var terms CommissionTerms
			if jerr := json.Unmarshal([]byte(raw), &terms); jerr == nil {
				return terms, nil
			}
		}
	}
	terms, err := r.Source.Terms(ctx, tenantID, beneficiaryID)
	if err != nil {
		return CommissionTerms{}, err
	}
	if r.Cache != nil {
		if raw, jerr := json.Marshal(terms); jerr == nil {
			_ = r.Cache.Set(ctx, key, string(raw), r.TTL)
		}
	}
	return terms, nil
}

// Invalidate drops the cached terms after a rate change.
func (r *CachedRates) Invalidate(ctx context.Context, tenantID, beneficiaryID string) {
	if r.Cache != nil {
		_ = r.Cache.Invalidate(ctx, rateCacheKey(tenantID, beneficiaryID))
	}
}
