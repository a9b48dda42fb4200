package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stakelane/betcore-go/internal/core"
	"github.com/stakelane/betcore-go/internal/platform/auth"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidStateTransition),
		errors.Is(err, core.ErrConcurrentModification),
		errors.Is(err, core.ErrNotReversible),
		errors.Is(err, core.ErrIdempotencyReuse):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrInsufficientCredit),
		errors.Is(err, core.ErrDailyLimitExceeded):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError && s.Logger != nil {
		s.Logger.Error("internal error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.ErrValidation
	}
	return nil
}

// requestMeta builds the core metadata from the verified actor and the
// request headers.
func requestMeta(r *http.Request) (core.Meta, auth.Actor, error) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return core.Meta{}, auth.Actor{}, core.ErrUnauthorized
	}
	return core.Meta{
		RequestID:      r.Header.Get("X-Request-Id"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}, actor, nil
}

type transactionDTO struct {
	ID            string `json:"id"`
	WalletID      string `json:"wallet_id"`
	OwnerID       string `json:"owner_id"`
	TenantID      string `json:"tenant_id"`
	Type          string `json:"type"`
	Direction     string `json:"direction"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	Method        string `json:"method,omitempty"`
	EntryID       string `json:"entry_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toTransactionDTO(tx *core.Transaction) transactionDTO {
	return transactionDTO{
		ID:            tx.ID,
		WalletID:      tx.WalletID,
		OwnerID:       tx.OwnerID,
		TenantID:      tx.TenantID,
		Type:          string(tx.Type),
		Direction:     string(tx.Direction),
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		BalanceBefore: tx.BalanceBefore.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		Status:        string(tx.Status),
		Description:   tx.Description,
		Method:        tx.Method,
		EntryID:       tx.EntryID,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func parseAmount(amount, currency string) (core.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return core.Money{}, core.ErrValidation
	}
	return core.NewMoney(d, currency), nil
}

type moveMoneyRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req moveMoneyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.Deposit(r.Context(), meta, chi.URLParam(r, "ownerID"), actor.TenantID, amount, req.Method)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		transactionDTO
		RequiresApproval bool `json:"requires_approval"`
	}{toTransactionDTO(tx), tx.Status == core.StatusPending})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req moveMoneyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.RequestWithdrawal(r.Context(), meta, chi.URLParam(r, "ownerID"), actor.TenantID, amount, req.Method)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		s.writeError(w, core.ErrValidation)
		return
	}
	wallet, err := s.Engine.Balance(chi.URLParam(r, "ownerID"), actor.TenantID, currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wallet.ID,
		"owner_id":  wallet.OwnerID,
		"currency":  wallet.Currency,
		"available": wallet.Available.String(),
		"locked":    wallet.Locked.String(),
		"bonus":     wallet.Bonus.String(),
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		s.writeError(w, core.ErrValidation)
		return
	}
	wallet, err := s.Engine.Balance(chi.URLParam(r, "ownerID"), actor.TenantID, currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	txs, next := s.Engine.ListTransactions(wallet.ID, pageSize, r.URL.Query().Get("page_token"))
	out := make([]transactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions":    out,
		"next_page_token": next,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if _, _, err := requestMeta(r); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.Journal.Get(chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (s *Server) handleApproveTransaction(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.ApproveTransaction(r.Context(), meta, chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectTransaction(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.RejectTransaction(r.Context(), meta, chi.URLParam(r, "txID"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.CancelTransaction(r.Context(), meta, chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// handleReverseTransaction reverses the ledger entry that posted the
// transaction. Pending rows have no entry yet and are not reversible.
func (s *Server) handleReverseTransaction(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.Journal.Get(chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tx.EntryID == "" {
		s.writeError(w, core.ErrNotReversible)
		return
	}
	entry, err := s.Engine.ReverseEntry(r.Context(), meta, tx.EntryID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"entry_id": entry.ID,
		"reverses": entry.Reverses,
		"kind":     string(entry.Kind),
	})
}

type adjustmentRequest struct {
	OwnerID   string `json:"owner_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Direction string `json:"direction"`
	Reason    string `json:"reason"`
}

func (s *Server) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req adjustmentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Engine.ManualAdjustment(r.Context(), meta, req.OwnerID, actor.TenantID, amount, core.Direction(req.Direction), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (s *Server) handleReverseEntry(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.Engine.ReverseEntry(r.Context(), meta, chi.URLParam(r, "entryID"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"entry_id": entry.ID,
		"reverses": entry.Reverses,
		"kind":     string(entry.Kind),
	})
}

type placeBetRequest struct {
	PlayerID string `json:"player_id"`
	Stake    string `json:"stake"`
	Currency string `json:"currency"`
}

type betDTO struct {
	ID        string `json:"id"`
	PlayerID  string `json:"player_id"`
	Currency  string `json:"currency"`
	Stake     string `json:"stake"`
	Payout    string `json:"payout"`
	Status    string `json:"status"`
	PlacedAt  string `json:"placed_at"`
	SettledAt string `json:"settled_at,omitempty"`
}

func toBetDTO(bet *core.Bet) betDTO {
	dto := betDTO{
		ID:       bet.ID,
		PlayerID: bet.PlayerID,
		Currency: bet.Currency,
		Stake:    bet.Stake.String(),
		Payout:   bet.Payout.String(),
		Status:   string(bet.Status),
		PlacedAt: bet.PlacedAt.Format(time.RFC3339),
	}
	if !bet.SettledAt.IsZero() {
		dto.SettledAt = bet.SettledAt.Format(time.RFC3339)
	}
	return dto
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req placeBetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	stake, err := parseAmount(req.Stake, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bet, err := s.Bets.PlaceBet(r.Context(), meta, req.PlayerID, actor.TenantID, stake)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBetDTO(bet))
}

type settleBetRequest struct {
	Status string `json:"status"`
	Payout string `json:"payout"`
}

func (s *Server) handleSettleBet(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req settleBetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	payout := decimal.Zero
	if req.Payout != "" {
		payout, err = decimal.NewFromString(req.Payout)
		if err != nil {
			s.writeError(w, core.ErrValidation)
			return
		}
	}
	bet, err := s.Bets.SettleBet(r.Context(), meta, chi.URLParam(r, "betID"), core.BetStatus(req.Status), payout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBetDTO(bet))
}

func (s *Server) handleVoidBet(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	bet, err := s.Bets.VoidBet(r.Context(), meta, chi.URLParam(r, "betID"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBetDTO(bet))
}

type ggrRequest struct {
	OwnerIDs    []string `json:"owner_ids,omitempty"`
	PeriodStart string   `json:"period_start"`
	PeriodEnd   string   `json:"period_end"`
}

func parseWindow(startRaw, endRaw string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, core.ErrValidation
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, core.ErrValidation
	}
	return start, end, nil
}

func (s *Server) handleComputeGGR(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req ggrRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	start, end, err := parseWindow(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.GGR.Compute(core.Scope{TenantID: actor.TenantID, OwnerIDs: req.OwnerIDs}, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":    report.TenantID,
		"period_start": report.PeriodStart.Format(time.RFC3339),
		"period_end":   report.PeriodEnd.Format(time.RFC3339),
		"stakes":       report.Stakes.String(),
		"payouts":      report.Payouts.String(),
		"ggr":          report.GGR.String(),
		"bet_ids":      report.BetIDs,
	})
}

type generateSettlementRequest struct {
	BeneficiaryID string `json:"beneficiary_id"`
	Currency      string `json:"currency"`
	PeriodStart   string `json:"period_start"`
	PeriodEnd     string `json:"period_end"`
}

type settlementDTO struct {
	ID            string              `json:"id"`
	BeneficiaryID string              `json:"beneficiary_id"`
	Currency      string              `json:"currency"`
	PeriodStart   string              `json:"period_start"`
	PeriodEnd     string              `json:"period_end"`
	Stakes        string              `json:"stakes"`
	Payouts       string              `json:"payouts"`
	GGR           string              `json:"ggr"`
	Rate          string              `json:"rate"`
	Gross         string              `json:"gross"`
	Deductions    []map[string]string `json:"deductions"`
	Net           string              `json:"net"`
	Status        string              `json:"status"`
	EntryID       string              `json:"entry_id,omitempty"`
	RejectReason  string              `json:"reject_reason,omitempty"`
	BetCount      int                 `json:"bet_count"`
}

func toSettlementDTO(st *core.Settlement) settlementDTO {
	deductions := make([]map[string]string, 0, len(st.Deductions))
	for _, d := range st.Deductions {
		deductions = append(deductions, map[string]string{"name": d.Name, "amount": d.Amount.String()})
	}
	return settlementDTO{
		ID:            st.ID,
		BeneficiaryID: st.BeneficiaryID,
		Currency:      st.Currency,
		PeriodStart:   st.PeriodStart.Format(time.RFC3339),
		PeriodEnd:     st.PeriodEnd.Format(time.RFC3339),
		Stakes:        st.Stakes.String(),
		Payouts:       st.Payouts.String(),
		GGR:           st.GGR.String(),
		Rate:          st.Rate.String(),
		Gross:         st.Gross.String(),
		Deductions:    deductions,
		Net:           st.Net.String(),
		Status:        string(st.Status),
		EntryID:       st.EntryID,
		RejectReason:  st.RejectReason,
		BetCount:      len(st.BetIDs),
	}
}

func (s *Server) handleGenerateSettlement(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req generateSettlementRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	start, end, err := parseWindow(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.Settlements.Generate(r.Context(), meta, core.SettlementTarget{
		TenantID:      actor.TenantID,
		BeneficiaryID: req.BeneficiaryID,
		Currency:      req.Currency,
	}, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(st))
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	if _, _, err := requestMeta(r); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.Settlements.Get(chi.URLParam(r, "settlementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list := s.Settlements.ListByTenant(actor.TenantID)
	out := make([]settlementDTO, 0, len(list))
	for _, st := range list {
		out = append(out, toSettlementDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": out})
}

func (s *Server) handleApproveSettlement(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.Settlements.Approve(r.Context(), meta, chi.URLParam(r, "settlementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

func (s *Server) handleRejectSettlement(w http.ResponseWriter, r *http.Request) {
	meta, _, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.Settlements.Reject(r.Context(), meta, chi.URLParam(r, "settlementID"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

type registerAgentRequest struct {
	AgentID     string `json:"agent_id"`
	CreditLimit string `json:"credit_limit"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if actor.Role != "admin" && actor.Role != "service" {
		s.writeError(w, core.ErrUnauthorized)
		return
	}
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := decimal.NewFromString(req.CreditLimit)
	if err != nil {
		s.writeError(w, core.ErrValidation)
		return
	}
	agent, err := s.Credit.RegisterAgent(actor.TenantID, req.AgentID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(agent))
}

func toAgentDTO(agent *core.Agent) map[string]any {
	return map[string]any{
		"agent_id":         agent.ID,
		"credit_limit":     agent.CreditLimit.String(),
		"used_credit":      agent.UsedCredit.String(),
		"available_credit": agent.AvailableCredit().String(),
	}
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	_, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agent, err := s.Credit.GetAgent(actor.TenantID, chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(agent))
}

type creditSaleRequest struct {
	PlayerRef string `json:"player_ref"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

func (s *Server) handleSellCredit(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req creditSaleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agentID := chi.URLParam(r, "agentID")
	res, err := s.Credit.SellCredit(r.Context(), meta, actor.TenantID, agentID, req.PlayerRef, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{
		"transaction":        toTransactionDTO(res.Transaction),
		"player_id":          res.Player.ID,
		"player_new_balance": res.Transaction.BalanceAfter.String(),
		"provisioned":        res.Player.Provisioned && res.TempCredential != "",
	}
	if link, ok := res.Transaction.Provenance.(core.CreditSaleLink); ok {
		body["commission"] = link.Commission.String()
	}
	if agent, aerr := s.Credit.GetAgent(actor.TenantID, agentID); aerr == nil {
		body["agent_available_credit"] = agent.AvailableCredit().String()
	}
	if res.TempCredential != "" {
		body["temp_credential"] = res.TempCredential
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleTopUpFloat(w http.ResponseWriter, r *http.Request) {
	meta, actor, err := requestMeta(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req moveMoneyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx, err := s.Credit.TopUpFloat(r.Context(), meta, actor.TenantID, chi.URLParam(r, "agentID"), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}
