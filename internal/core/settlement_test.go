package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newSettlementHarness(t *testing.T) (*harness, *SettlementService, *StaticRates) {
	t.Helper()
	h := newHarness(t)
	rates := NewStaticRates()
	rates.SetDefault("t1", CommissionTerms{
		Rate: dec("0.15"),
		Deductions: []Deduction{
			{Name: "platform_fee", Percent: dec("0.10")},
		},
	})
	svc := NewSettlementService(h.engine, NewGGRCalculator(h.bets), rates, nil)
	return h, svc, rates
}

func TestSettlementWorkedExample(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	start, end := runRevenueWindow(t, h)

	st, err := svc.Generate(context.Background(), adminMeta(), SettlementTarget{
		TenantID: "t1", BeneficiaryID: "ag1", Currency: "USD",
	}, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if st.Status != SettlementDraft {
		t.Fatalf("status = %s, want draft", st.Status)
	}
	if !st.GGR.Equal(dec("4000")) {
		t.Fatalf("ggr = %s, want 4000", st.GGR)
	}
	if !st.Gross.Equal(dec("600")) {
		t.Fatalf("gross = %s, want 600", st.Gross)
	}
	if len(st.Deductions) != 1 || !st.Deductions[0].Amount.Equal(dec("60")) {
		t.Fatalf("deductions = %+v, want one of 60", st.Deductions)
	}
	if !st.Net.Equal(dec("540")) {
		t.Fatalf("net = %s, want 540", st.Net)
	}
	if len(st.BetIDs) == 0 {
		t.Fatal("draft records no source bets")
	}
}

func TestSettlementApprovePostsOnce(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	start, end := runRevenueWindow(t, h)

	st, err := svc.Generate(ctx, adminMeta(), SettlementTarget{TenantID: "t1", BeneficiaryID: "ag1", Currency: "USD"}, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	completed, err := svc.Approve(ctx, adminMeta(), st.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if completed.Status != SettlementCompleted || completed.EntryID == "" {
		t.Fatalf("completed = %+v", completed)
	}

	w, err := h.engine.Balance("ag1", "t1", "USD")
	if err != nil {
		t.Fatalf("beneficiary balance: %v", err)
	}
	if !w.Available.Equal(dec("540")) {
		t.Fatalf("beneficiary available = %s, want 540", w.Available)
	}

	if _, err := svc.Approve(ctx, adminMeta(), st.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second approve err = %v, want ErrInvalidStateTransition", err)
	}
	w, _ = h.engine.Balance("ag1", "t1", "USD")
	if !w.Available.Equal(dec("540")) {
		t.Fatalf("beneficiary available = %s after second approve, want 540", w.Available)
	}

	// the posted transaction is linked back to the settlement
	txs, _ := h.engine.ListTransactions(w.ID, 10, "")
	if len(txs) != 1 {
		t.Fatalf("beneficiary transactions = %d, want 1", len(txs))
	}
	link, ok := txs[0].Provenance.(SettlementLink)
	if !ok || link.SettlementID != st.ID {
		t.Fatalf("provenance = %+v", txs[0].Provenance)
	}
}

func TestSettlementConcurrentApproveIsExclusive(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	start, end := runRevenueWindow(t, h)

	st, err := svc.Generate(ctx, adminMeta(), SettlementTarget{TenantID: "t1", BeneficiaryID: "ag1", Currency: "USD"}, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, adminMeta(), st.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("unexpected approve error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("approvals succeeded = %d, want exactly 1", succeeded)
	}
	w, _ := h.engine.Balance("ag1", "t1", "USD")
	if !w.Available.Equal(dec("540")) {
		t.Fatalf("beneficiary available = %s, want 540", w.Available)
	}
}

func TestSettlementApproveReplaysWithIdempotencyKey(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	start, end := runRevenueWindow(t, h)

	st, err := svc.Generate(ctx, adminMeta(), SettlementTarget{TenantID: "t1", BeneficiaryID: "ag1", Currency: "USD"}, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	meta := adminMeta()
	meta.IdempotencyKey = "approve-1"
	first, err := svc.Approve(ctx, meta, st.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	second, err := svc.Approve(ctx, meta, st.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID || second.Status != SettlementCompleted {
		t.Fatalf("replay = %+v", second)
	}
	w, _ := h.engine.Balance("ag1", "t1", "USD")
	if !w.Available.Equal(dec("540")) {
		t.Fatalf("beneficiary available = %s after replay, want 540", w.Available)
	}
}

func TestSettlementRejectIsTerminal(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	start, end := runRevenueWindow(t, h)

	st, err := svc.Generate(ctx, adminMeta(), SettlementTarget{TenantID: "t1", BeneficiaryID: "ag1", Currency: "USD"}, start, end)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	rejected, err := svc.Reject(ctx, adminMeta(), st.ID, "figures disputed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != SettlementRejected || rejected.RejectReason != "figures disputed" {
		t.Fatalf("rejected = %+v", rejected)
	}

	if _, err := svc.Approve(ctx, adminMeta(), st.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("approve after reject err = %v, want ErrInvalidStateTransition", err)
	}
	if _, err := svc.Reject(ctx, adminMeta(), st.ID, "again"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("double reject err = %v, want ErrInvalidStateTransition", err)
	}
	if _, err := h.engine.Balance("ag1", "t1", "USD"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatal("rejected settlement still moved money")
	}
}

func TestSettlementZeroNetCompletesWithoutPosting(t *testing.T) {
	h, svc, rates := newSettlementHarness(t)
	ctx := context.Background()
	rates.SetTerms("t1", "ag2", CommissionTerms{Rate: dec("0.15")})

	// no settled bets: GGR 0, net 0
	now := h.clock.Now()
	st, err := svc.Generate(ctx, adminMeta(), SettlementTarget{TenantID: "t1", BeneficiaryID: "ag2", Currency: "USD"}, now.Add(-1), now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	completed, err := svc.Approve(ctx, adminMeta(), st.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if completed.Status != SettlementCompleted || completed.EntryID != "" {
		t.Fatalf("completed = %+v, want completed with no entry", completed)
	}
}

func TestAdjacentPeriodsCountBoundaryBetOnce(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	fundPlayer(t, h, "p1", "1000")

	bet, err := h.bets.PlaceBet(ctx, playerMeta("p1"), "p1", "t1", money("100", "USD"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := h.bets.SettleBet(ctx, serviceMeta(), bet.ID, BetLost, dec("0")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	settledAt := h.clock.Now()
	h.clock.Advance(time.Hour)

	target := SettlementTarget{TenantID: "t1", Currency: "USD"}
	first, err := svc.Generate(ctx, adminMeta(), target, settledAt.Add(-time.Hour), settledAt)
	if err != nil {
		t.Fatalf("generate first window: %v", err)
	}
	second, err := svc.Generate(ctx, adminMeta(), target, nextPeriodStart(settledAt), h.clock.Now())
	if err != nil {
		t.Fatalf("generate second window: %v", err)
	}

	// a bet settled exactly on the shared boundary belongs to one window
	if !first.Stakes.Equal(dec("100")) {
		t.Fatalf("first window stakes = %s, want 100", first.Stakes)
	}
	if !second.Stakes.IsZero() {
		t.Fatalf("second window stakes = %s, want 0", second.Stakes)
	}
}

func TestSettlementRequiresOperatorAuthority(t *testing.T) {
	h, svc, _ := newSettlementHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	if _, err := svc.Generate(ctx, playerMeta("p1"), SettlementTarget{TenantID: "t1", Currency: "USD"}, now.Add(-1), now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("generate err = %v, want ErrUnauthorized", err)
	}
}
