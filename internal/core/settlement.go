package core

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakelane/betcore-go/internal/platform/events"
)

type SettlementStatus string

const (
	SettlementDraft     SettlementStatus = "draft"
	SettlementApproved  SettlementStatus = "approved"
	SettlementCompleted SettlementStatus = "completed"
	SettlementRejected  SettlementStatus = "rejected"
)

// AppliedDeduction records what one deduction actually took off the
// gross for this settlement.
type AppliedDeduction struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Settlement is a commission payout derived from a revenue window:
// draft until reviewed, posted to the ledger exactly once on approval.
type Settlement struct {
	ID            string
	TenantID      string
	BeneficiaryID string
	Currency      string

	PeriodStart time.Time
	PeriodEnd   time.Time

	Stakes  decimal.Decimal
	Payouts decimal.Decimal
	GGR     decimal.Decimal

	Rate       decimal.Decimal
	Gross      decimal.Decimal
	Deductions []AppliedDeduction
	Net        decimal.Decimal

	BetIDs []string

	Status       SettlementStatus
	EntryID      string
	RejectReason string

	CreatedAt   time.Time
	CompletedAt time.Time
}

func (s *Settlement) clone() *Settlement {
	cp := *s
	cp.Deductions = append([]AppliedDeduction(nil), s.Deductions...)
	cp.BetIDs = append([]string(nil), s.BetIDs...)
	return &cp
}

// ScopeResolver maps a beneficiary to the owner set whose bets fund its
// commission. An empty beneficiary means the tenant itself, scoped to
// the whole tenant.
type ScopeResolver interface {
	ResolveScope(tenantID, beneficiaryID string) (Scope, error)
}

// SettlementTarget names one beneficiary the periodic worker settles.
type SettlementTarget struct {
	TenantID      string
	BeneficiaryID string
	Currency      string
}

// SettlementService owns the settlement state machine. Generation is
// read-only; money moves once, at approval, through the engine.
type SettlementService struct {
	Engine *Engine
	GGR    *GGRCalculator
	Rates  RateProvider
	Scopes ScopeResolver

	mu    sync.Mutex
	byID  map[string]*Settlement
	order []string
}

func NewSettlementService(engine *Engine, ggr *GGRCalculator, rates RateProvider, scopes ScopeResolver) *SettlementService {
	return &SettlementService{
		Engine: engine,
		GGR:    ggr,
		Rates:  rates,
		Scopes: scopes,
		byID:   make(map[string]*Settlement),
	}
}

// Generate computes a draft settlement for the beneficiary over the
// inclusive window. Nothing is posted; the draft records its basis (the
// source bets) so review can verify it.
func (s *SettlementService) Generate(ctx context.Context, meta Meta, target SettlementTarget, start, end time.Time) (*Settlement, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		s.Engine.auditDenied(actor, target.TenantID, "settlement", target.BeneficiaryID, "generate", "generation requires operator authority")
		return nil, ErrUnauthorized
	}
	if target.TenantID == "" || target.Currency == "" {
		return nil, validationf("settlement target needs tenant and currency")
	}

	scope := Scope{TenantID: target.TenantID}
	if s.Scopes != nil {
		scope, err = s.Scopes.ResolveScope(target.TenantID, target.BeneficiaryID)
		if err != nil {
			return nil, err
		}
	}

	report, err := s.GGR.Compute(scope, start, end)
	if err != nil {
		return nil, err
	}
	terms, err := s.Rates.Terms(ctx, target.TenantID, target.BeneficiaryID)
	if err != nil {
		return nil, err
	}

	gross := report.GGR.Mul(terms.Rate)
	if gross.Sign() < 0 {
		gross = decimal.Zero
	}
	net, taken := terms.NetOf(gross)
	applied := make([]AppliedDeduction, 0, len(taken))
	for i, d := range terms.Deductions {
		applied = append(applied, AppliedDeduction{Name: d.Name, Amount: taken[i]})
	}

	now := s.Engine.now()
	st := &Settlement{
		ID:            s.Engine.newID("stl"),
		TenantID:      target.TenantID,
		BeneficiaryID: target.BeneficiaryID,
		Currency:      target.Currency,
		PeriodStart:   start,
		PeriodEnd:     end,
		Stakes:        report.Stakes,
		Payouts:       report.Payouts,
		GGR:           report.GGR,
		Rate:          terms.Rate,
		Gross:         gross,
		Deductions:    applied,
		Net:           net,
		BetIDs:        report.BetIDs,
		Status:        SettlementDraft,
		CreatedAt:     now,
	}
	s.mu.Lock()
	s.byID[st.ID] = st
	s.order = append(s.order, st.ID)
	s.mu.Unlock()

	if s.Engine.Metrics != nil {
		s.Engine.Metrics.SettlementsTotal.WithLabelValues(string(SettlementDraft)).Inc()
	}
	return st.clone(), nil
}

// claimDraft is the conditional draft→approved transition. Exactly one
// caller wins it per settlement; everyone else sees the state error.
func (s *SettlementService) claimDraft(settlementID string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[settlementID]
	if !ok {
		return nil, ErrNotFound
	}
	if st.Status != SettlementDraft {
		return nil, ErrInvalidStateTransition
	}
	st.Status = SettlementApproved
	return st.clone(), nil
}

func (s *SettlementService) setStatus(settlementID string, status SettlementStatus, mutate func(*Settlement)) *Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[settlementID]
	if !ok {
		return nil
	}
	st.Status = status
	if mutate != nil {
		mutate(st)
	}
	return st.clone()
}

// Approve claims the draft and posts the commission entry: the system
// commission account pays the beneficiary's wallet the net amount. The
// state machine makes the posting at-most-once even without the
// idempotency key; the key additionally makes retries return the same
// settlement.
func (s *SettlementService) Approve(ctx context.Context, meta Meta, settlementID string) (*Settlement, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		s.Engine.auditDenied(actor, "", "settlement", settlementID, "approve", "approval requires operator authority")
		return nil, ErrUnauthorized
	}

	idem := s.Engine.Idempotency
	scope := idempotencyScope(settlementID, "settlement_approve")
	var hash string
	if idem != nil && meta.IdempotencyKey != "" {
		hash = hashRequest(struct {
			SettlementID string `json:"settlement_id"`
		}{settlementID})
		stored, ok, err := idem.Check(scope, meta.IdempotencyKey, hash)
		if err != nil {
			return nil, err
		}
		if ok {
			if s.Engine.Metrics != nil {
				s.Engine.Metrics.IdempotentReplays.Inc()
			}
			return s.Get(string(stored))
		}
	}

	st, err := s.claimDraft(settlementID)
	if err != nil {
		return nil, err
	}

	if st.Net.Sign() > 0 {
		beneficiary := AgentAccount(st.BeneficiaryID, st.TenantID)
		if st.BeneficiaryID == "" {
			beneficiary = TenantAccount(st.TenantID)
		}
		entry, _, perr := s.Engine.postEntry(ctx, actor, entrySpec{
			Kind:       TypeCommission,
			TenantID:   st.TenantID,
			Currency:   st.Currency,
			Provenance: SettlementLink{SettlementID: st.ID},
			Sides: []PostingInput{
				{Account: SystemAccount(SystemCommission, st.TenantID), Direction: DirectionDebit, Amount: st.Net},
				{Account: beneficiary, Direction: DirectionCredit, Amount: st.Net},
			},
		})
		if perr != nil {
			// posting failed, return the draft for another attempt
			s.setStatus(settlementID, SettlementDraft, nil)
			return nil, perr
		}
		st = s.setStatus(settlementID, SettlementCompleted, func(cur *Settlement) {
			cur.EntryID = entry.ID
			cur.CompletedAt = s.Engine.now()
		})
	} else {
		// nothing to pay out, complete without a posting
		st = s.setStatus(settlementID, SettlementCompleted, func(cur *Settlement) {
			cur.CompletedAt = s.Engine.now()
		})
	}

	if s.Engine.Metrics != nil {
		s.Engine.Metrics.SettlementsTotal.WithLabelValues(string(SettlementCompleted)).Inc()
	}
	s.Engine.publish(ctx, events.KindSettlementCompleted, st.TenantID, map[string]any{
		"settlement_id": st.ID,
		"beneficiary":   st.BeneficiaryID,
		"net":           st.Net.String(),
		"entry_id":      st.EntryID,
	})

	if idem != nil && meta.IdempotencyKey != "" {
		idem.Store(scope, meta.IdempotencyKey, hash, []byte(st.ID))
	}
	return st, nil
}

// Reject closes a draft without paying. Terminal.
func (s *SettlementService) Reject(ctx context.Context, meta Meta, settlementID, reason string) (*Settlement, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		s.Engine.auditDenied(actor, "", "settlement", settlementID, "reject", "rejection requires operator authority")
		return nil, ErrUnauthorized
	}

	s.mu.Lock()
	st, ok := s.byID[settlementID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if st.Status != SettlementDraft {
		s.mu.Unlock()
		return nil, ErrInvalidStateTransition
	}
	st.Status = SettlementRejected
	st.RejectReason = reason
	out := st.clone()
	s.mu.Unlock()

	if s.Engine.Metrics != nil {
		s.Engine.Metrics.SettlementsTotal.WithLabelValues(string(SettlementRejected)).Inc()
	}
	return out, nil
}

func (s *SettlementService) Get(settlementID string) (*Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[settlementID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.clone(), nil
}

// ListByTenant returns the tenant's settlements in creation order.
func (s *SettlementService) ListByTenant(tenantID string) []*Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Settlement
	for _, id := range s.order {
		if st := s.byID[id]; st.TenantID == tenantID {
			out = append(out, st.clone())
		}
	}
	return out
}

// nextPeriodStart returns the instant after end. The revenue filter is
// inclusive on both bounds, so consecutive windows must not share an
// instant or a bet settled exactly on the boundary settles twice.
func nextPeriodStart(end time.Time) time.Time {
	return end.Add(time.Nanosecond)
}

// RunPeriodic generates a draft per target every interval, covering the
// window since the previous tick. Drafts still go through review; the
// worker never approves.
func (s *SettlementService) RunPeriodic(interval time.Duration, targets func() []SettlementTarget, stop <-chan struct{}, logger func(string, ...any)) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := s.Engine.now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := s.Engine.now()
				meta := Meta{Actor: Actor{ID: "settlement-worker", Type: ActorService}}
				for _, target := range targets() {
					if _, err := s.Generate(context.Background(), meta, target, last, now); err != nil && logger != nil {
						logger("periodic settlement generation failed",
							"tenant", target.TenantID, "beneficiary", target.BeneficiaryID, "error", err)
					}
				}
				last = nextPeriodStart(now)
			}
		}
	}()
}
