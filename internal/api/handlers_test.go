package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stakelane/betcore-go/internal/core"
	"github.com/stakelane/betcore-go/internal/platform/audit"
	"github.com/stakelane/betcore-go/internal/platform/auth"
	"github.com/stakelane/betcore-go/internal/platform/clock"
	"github.com/stakelane/betcore-go/internal/platform/events"
)

const testSecret = "test-secret"

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	clk := clock.RealClock{}
	wallets := core.NewWalletStore(clk)
	journal := core.NewJournal(clk)
	engine := core.NewEngine(wallets, journal, clk)
	engine.Idempotency = core.NewIdempotencyStore(clk, time.Hour)
	engine.Audit = audit.NewInMemoryStore()
	engine.Events = events.NewMemory()
	registry := prometheus.NewRegistry()
	engine.Metrics = core.NewMetrics(registry)

	bets := core.NewBetBook(engine)
	rates := core.NewStaticRates()
	rates.SetDefault("t1", core.CommissionTerms{Rate: dec(t, "0.15")})
	credit := core.NewCreditController(engine, rates)
	settlements := core.NewSettlementService(engine, core.NewGGRCalculator(bets), rates, credit)

	srv := &Server{
		Engine:      engine,
		Bets:        bets,
		GGR:         core.NewGGRCalculator(bets),
		Settlements: settlements,
		Credit:      credit,
		Logger:      zap.NewNop(),
		Gatherer:    registry,
	}
	return srv.Router(auth.NewJWTVerifier(testSecret))
}

func token(t *testing.T, id, role string) string {
	t.Helper()
	tok, err := auth.SignActor(testSecret, auth.Actor{ID: id, Role: role, TenantID: "t1"}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzSkipsAuth(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMissingTokenIs401(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/wallets/p1/balance?currency=USD", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDepositAndBalanceFlow(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")

	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "100.50", "currency": "USD", "method": "internal"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["status"] != "completed" || body["amount"] != "100.5" {
		t.Fatalf("deposit body = %v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/wallets/p1/balance?currency=USD", playerTok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	body = decodeMap(t, rec)
	if body["available"] != "100.5" {
		t.Fatalf("available = %v, want 100.5", body["available"])
	}
}

func TestDepositForOtherPlayerIs403(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", token(t, "p2", "player"),
		map[string]string{"amount": "10", "currency": "USD", "method": "internal"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestWithdrawalApprovalFlow(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")
	adminTok := token(t, "admin-1", "admin")

	doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "100", "currency": "USD", "method": "internal"}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/withdrawals", playerTok,
		map[string]string{"amount": "40", "currency": "USD", "method": "bank"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("withdraw status = %d: %s", rec.Code, rec.Body.String())
	}
	txID := decodeMap(t, rec)["id"].(string)

	// player may not approve
	rec = doJSON(t, router, http.MethodPost, "/v1/transactions/"+txID+"/approve", playerTok, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("player approve status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/transactions/"+txID+"/approve", adminTok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["status"]; got != "completed" {
		t.Fatalf("status = %v, want completed", got)
	}

	// repeat approval conflicts
	rec = doJSON(t, router, http.MethodPost, "/v1/transactions/"+txID+"/approve", adminTok, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second approve status = %d, want 409", rec.Code)
	}
}

func TestReverseTransactionOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")
	adminTok := token(t, "admin-1", "admin")

	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "100", "currency": "USD", "method": "internal"}, nil)
	body := decodeMap(t, rec)
	if body["requires_approval"] != false {
		t.Fatalf("requires_approval = %v, want false", body["requires_approval"])
	}
	txID := body["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/transactions/"+txID+"/reverse", adminTok,
		map[string]string{"reason": "fat finger"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reverse status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/wallets/p1/balance?currency=USD", playerTok, nil, nil)
	if got := decodeMap(t, rec)["available"]; got != "0" {
		t.Fatalf("available = %v, want 0", got)
	}

	// pending rows carry no entry yet
	rec = doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "50", "currency": "USD", "method": "bank"}, nil)
	pendingID := decodeMap(t, rec)["id"].(string)
	rec = doJSON(t, router, http.MethodPost, "/v1/transactions/"+pendingID+"/reverse", adminTok,
		map[string]string{"reason": "nope"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("pending reverse status = %d, want 409", rec.Code)
	}
}

func TestInsufficientFundsIs422(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/withdrawals", token(t, "p1", "player"),
		map[string]string{"amount": "40", "currency": "USD", "method": "bank"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestBadAmountIs400(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", token(t, "p1", "player"),
		map[string]string{"amount": "not-a-number", "currency": "USD", "method": "internal"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIdempotencyKeyReplayOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")
	headers := map[string]string{"Idempotency-Key": "dep-1"}

	first := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "100", "currency": "USD", "method": "internal"}, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	second := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "100", "currency": "USD", "method": "internal"}, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if decodeMap(t, first)["id"] != decodeMap(t, second)["id"] {
		t.Fatal("replay produced a different transaction")
	}

	// same key, different amount
	third := doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "999", "currency": "USD", "method": "internal"}, headers)
	if third.Code != http.StatusConflict {
		t.Fatalf("reuse status = %d, want 409", third.Code)
	}
}

func TestBetAndGGROverHTTP(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")
	serviceTok := token(t, "svc-1", "service")
	start := time.Now().UTC().Add(-time.Minute)

	doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "1000", "currency": "USD", "method": "internal"}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/bets", playerTok,
		map[string]string{"player_id": "p1", "stake": "200", "currency": "USD"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("place status = %d: %s", rec.Code, rec.Body.String())
	}
	betID := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/bets/"+betID+"/settle", serviceTok,
		map[string]string{"status": "lost"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/ggr", token(t, "admin-1", "admin"),
		map[string]any{
			"period_start": start.Format(time.RFC3339),
			"period_end":   time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
		}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ggr status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["ggr"] != "200" {
		t.Fatalf("ggr = %v, want 200", body["ggr"])
	}
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	playerTok := token(t, "p1", "player")
	serviceTok := token(t, "svc-1", "service")
	adminTok := token(t, "admin-1", "admin")
	start := time.Now().UTC().Add(-time.Minute)

	doJSON(t, router, http.MethodPost, "/v1/wallets/p1/deposits", playerTok,
		map[string]string{"amount": "1000", "currency": "USD", "method": "internal"}, nil)
	rec := doJSON(t, router, http.MethodPost, "/v1/bets", playerTok,
		map[string]string{"player_id": "p1", "stake": "1000", "currency": "USD"}, nil)
	betID := decodeMap(t, rec)["id"].(string)
	doJSON(t, router, http.MethodPost, "/v1/bets/"+betID+"/settle", serviceTok,
		map[string]string{"status": "lost"}, nil)

	rec = doJSON(t, router, http.MethodPost, "/v1/settlements", adminTok, map[string]string{
		"beneficiary_id": "",
		"currency":       "USD",
		"period_start":   start.Format(time.RFC3339),
		"period_end":     time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["status"] != "draft" || body["gross"] != "150" {
		t.Fatalf("draft = %v", body)
	}
	settlementID := body["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/settlements/"+settlementID+"/approve", adminTok, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["status"]; got != "completed" {
		t.Fatalf("status = %v, want completed", got)
	}
}

func TestCreditSaleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	adminTok := token(t, "admin-1", "admin")
	agentTok := token(t, "ag1", "agent")

	rec := doJSON(t, router, http.MethodPost, "/v1/agents", adminTok,
		map[string]string{"agent_id": "ag1", "credit_limit": "1000"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/agents/ag1/credit-sales", agentTok,
		map[string]string{"player_ref": "0700123456", "amount": "300", "currency": "USD"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["provisioned"] != true || body["temp_credential"] == "" {
		t.Fatalf("sale body = %v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/agents/ag1", adminTok, nil, nil)
	body = decodeMap(t, rec)
	if body["used_credit"] != "300" || body["available_credit"] != "700" {
		t.Fatalf("agent = %v", body)
	}

	// oversell
	rec = doJSON(t, router, http.MethodPost, "/v1/agents/ag1/credit-sales", agentTok,
		map[string]string{"player_ref": "0700123456", "amount": "800", "currency": "USD"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversell status = %d, want 422", rec.Code)
	}
}
