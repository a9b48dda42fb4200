package core

import (
	"context"
	"errors"
	"testing"
)

func agentMeta(id string) Meta {
	return Meta{Actor: Actor{ID: id, Type: ActorAgent}}
}

func newCreditHarness(t *testing.T) (*harness, *CreditController) {
	t.Helper()
	h := newHarness(t)
	rates := NewStaticRates()
	rates.SetDefault("t1", CommissionTerms{Rate: dec("0.05")})
	cc := NewCreditController(h.engine, rates)
	return h, cc
}

func TestSellCreditConsumesCreditLine(t *testing.T) {
	h, cc := newCreditHarness(t)
	ctx := context.Background()

	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cc.RegisterPlayer(Player{ID: "p1", TenantID: "t1", Phone: "0700111222"}); err != nil {
		t.Fatalf("register player: %v", err)
	}

	// bring usedCredit to 200
	if _, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "p1", money("200", "USD")); err != nil {
		t.Fatalf("sell 200: %v", err)
	}
	res, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "p1", money("300", "USD"))
	if err != nil {
		t.Fatalf("sell 300: %v", err)
	}

	agent, _ := cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.Equal(dec("500")) {
		t.Fatalf("usedCredit = %s, want 500", agent.UsedCredit)
	}
	w, _ := h.engine.Balance("p1", "t1", "USD")
	if !w.Available.Equal(dec("500")) {
		t.Fatalf("player available = %s, want 500", w.Available)
	}

	// commission rides in provenance only; no wallet movement for it
	link, ok := res.Transaction.Provenance.(CreditSaleLink)
	if !ok {
		t.Fatalf("provenance type = %T", res.Transaction.Provenance)
	}
	if link.AgentID != "ag1" || link.PlayerID != "p1" || !link.Commission.Equal(dec("15")) {
		t.Fatalf("link = %+v, want commission 15", link)
	}

	if _, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "p1", money("600", "USD")); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("oversell err = %v, want ErrInsufficientCredit", err)
	}
	agent, _ = cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.Equal(dec("500")) {
		t.Fatalf("usedCredit = %s after failed sale, want 500", agent.UsedCredit)
	}
}

func TestSellCreditReplayLeavesCreditLineAlone(t *testing.T) {
	h, cc := newCreditHarness(t)
	ctx := context.Background()

	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cc.RegisterPlayer(Player{ID: "p1", TenantID: "t1"}); err != nil {
		t.Fatalf("register player: %v", err)
	}

	meta := agentMeta("ag1")
	meta.IdempotencyKey = "sale-1"
	first, err := cc.SellCredit(ctx, meta, "t1", "ag1", "p1", money("300", "USD"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	second, err := cc.SellCredit(ctx, meta, "t1", "ag1", "p1", money("300", "USD"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.Transaction.ID != second.Transaction.ID {
		t.Fatalf("replay produced a new transaction: %s vs %s", first.Transaction.ID, second.Transaction.ID)
	}

	agent, _ := cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.Equal(dec("300")) {
		t.Fatalf("usedCredit = %s after replay, want 300", agent.UsedCredit)
	}
	w, _ := h.engine.Balance("p1", "t1", "USD")
	if !w.Available.Equal(dec("300")) {
		t.Fatalf("player available = %s after replay, want 300", w.Available)
	}

	// same key with a different amount is a reuse, not a new sale
	if _, err := cc.SellCredit(ctx, meta, "t1", "ag1", "p1", money("400", "USD")); !errors.Is(err, ErrIdempotencyReuse) {
		t.Fatalf("reuse err = %v, want ErrIdempotencyReuse", err)
	}
	agent, _ = cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.Equal(dec("300")) {
		t.Fatalf("usedCredit = %s after reuse, want 300", agent.UsedCredit)
	}
}

func TestSellCreditAuthority(t *testing.T) {
	_, cc := newCreditHarness(t)
	ctx := context.Background()
	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := cc.SellCredit(ctx, agentMeta("ag2"), "t1", "ag1", "p1", money("10", "USD")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other agent err = %v, want ErrUnauthorized", err)
	}
	if _, err := cc.SellCredit(ctx, playerMeta("p1"), "t1", "ag1", "p1", money("10", "USD")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("player err = %v, want ErrUnauthorized", err)
	}
}

func TestPlayerResolutionOrder(t *testing.T) {
	_, cc := newCreditHarness(t)

	if _, err := cc.RegisterPlayer(Player{ID: "p1", TenantID: "t1", Phone: "0700111222", Email: "One@Example.com", Username: "NeoOne"}); err != nil {
		t.Fatalf("register p1: %v", err)
	}
	// p2's username collides with p1's id; id lookup must win
	if _, err := cc.RegisterPlayer(Player{ID: "p2", TenantID: "t1", Username: "p1"}); err != nil {
		t.Fatalf("register p2: %v", err)
	}

	for _, tc := range []struct {
		ref  string
		want string
	}{
		{"p1", "p1"},
		{"0700111222", "p1"},
		{"one@example.com", "p1"},
		{"ONE@EXAMPLE.COM", "p1"},
		{"neoone", "p1"},
		{"p2", "p2"},
	} {
		got, err := cc.ResolvePlayer("t1", tc.ref)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.ref, err)
		}
		if got.ID != tc.want {
			t.Fatalf("resolve %q = %s, want %s", tc.ref, got.ID, tc.want)
		}
	}

	if _, err := cc.ResolvePlayer("t1", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown ref err = %v, want ErrNotFound", err)
	}
	if _, err := cc.ResolvePlayer("t2", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("resolution crossed tenants")
	}
}

func TestSellCreditProvisionsUnknownPlayer(t *testing.T) {
	h, cc := newCreditHarness(t)
	ctx := context.Background()
	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "0711999888", money("50", "USD"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Player.Provisioned || res.Player.Phone != "0711999888" {
		t.Fatalf("player = %+v", res.Player)
	}
	if res.TempCredential == "" {
		t.Fatal("no temporary credential returned")
	}
	if !cc.VerifyTempCredential("t1", res.Player.ID, res.TempCredential) {
		t.Fatal("temporary credential does not verify")
	}
	if cc.VerifyTempCredential("t1", res.Player.ID, "wrong") {
		t.Fatal("wrong credential verified")
	}

	w, _ := h.engine.Balance(res.Player.ID, "t1", "USD")
	if !w.Available.Equal(dec("50")) {
		t.Fatalf("provisioned player available = %s, want 50", w.Available)
	}

	// a second sale to the same phone reuses the record
	res2, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "0711999888", money("25", "USD"))
	if err != nil {
		t.Fatalf("second sell: %v", err)
	}
	if res2.Player.ID != res.Player.ID {
		t.Fatalf("second sale resolved %s, want %s", res2.Player.ID, res.Player.ID)
	}
	if res2.TempCredential != "" {
		t.Fatal("re-provisioned an existing player")
	}
}

func TestTopUpFloatRestoresCredit(t *testing.T) {
	h, cc := newCreditHarness(t)
	ctx := context.Background()
	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cc.RegisterPlayer(Player{ID: "p1", TenantID: "t1"}); err != nil {
		t.Fatalf("register player: %v", err)
	}

	// fund the tenant wallet so it can pay the float
	if _, err := h.engine.ManualAdjustment(ctx, adminMeta(), "", "t1", money("1000", "USD"), DirectionCredit, "tenant funding"); err != nil {
		t.Fatalf("fund tenant: %v", err)
	}

	if _, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "p1", money("400", "USD")); err != nil {
		t.Fatalf("sell: %v", err)
	}
	tx, err := cc.TopUpFloat(ctx, adminMeta(), "t1", "ag1", money("250", "USD"))
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if tx.Type != TypeTenantTopup || tx.Status != StatusCompleted {
		t.Fatalf("topup tx = %+v", tx)
	}

	agent, _ := cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.Equal(dec("150")) {
		t.Fatalf("usedCredit = %s, want 150", agent.UsedCredit)
	}
	tenant, _ := h.engine.Balance("", "t1", "USD")
	if !tenant.Available.Equal(dec("750")) {
		t.Fatalf("tenant available = %s, want 750", tenant.Available)
	}

	// over-restoring floors at zero
	if _, err := cc.TopUpFloat(ctx, adminMeta(), "t1", "ag1", money("500", "USD")); err != nil {
		t.Fatalf("second topup: %v", err)
	}
	agent, _ = cc.GetAgent("t1", "ag1")
	if !agent.UsedCredit.IsZero() {
		t.Fatalf("usedCredit = %s, want 0", agent.UsedCredit)
	}
}

func TestResolveScopeCoversAgentDownstream(t *testing.T) {
	_, cc := newCreditHarness(t)
	ctx := context.Background()
	if _, err := cc.RegisterAgent("t1", "ag1", dec("1000")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cc.RegisterPlayer(Player{ID: "p1", TenantID: "t1"}); err != nil {
		t.Fatalf("register player: %v", err)
	}
	if _, err := cc.SellCredit(ctx, agentMeta("ag1"), "t1", "ag1", "p1", money("10", "USD")); err != nil {
		t.Fatalf("sell: %v", err)
	}

	scope, err := cc.ResolveScope("t1", "ag1")
	if err != nil {
		t.Fatalf("resolve scope: %v", err)
	}
	if len(scope.OwnerIDs) != 1 || scope.OwnerIDs[0] != "p1" {
		t.Fatalf("scope owners = %v, want [p1]", scope.OwnerIDs)
	}

	tenantScope, err := cc.ResolveScope("t1", "")
	if err != nil {
		t.Fatalf("resolve tenant scope: %v", err)
	}
	if len(tenantScope.OwnerIDs) != 0 {
		t.Fatalf("tenant scope owners = %v, want all", tenantScope.OwnerIDs)
	}

	if _, err := cc.ResolveScope("t1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown beneficiary err = %v, want ErrNotFound", err)
	}
}
