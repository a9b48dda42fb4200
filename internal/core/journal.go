package core

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakelane/betcore-go/internal/platform/clock"
)

type TransactionType string

const (
	TypeDeposit     TransactionType = "deposit"
	TypeWithdrawal  TransactionType = "withdrawal"
	TypeBetPlaced   TransactionType = "bet_placed"
	TypeBetWon      TransactionType = "bet_won"
	TypeBetLost     TransactionType = "bet_lost"
	TypeBetRefund   TransactionType = "bet_refund"
	TypeCreditSale  TransactionType = "credit_sale"
	TypeCommission  TransactionType = "commission"
	TypeAdjustment  TransactionType = "adjustment"
	TypeTenantTopup TransactionType = "tenant_topup"
	TypeReversal    TransactionType = "reversal"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusReversed  TransactionStatus = "reversed"
)

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
	DirectionNone   Direction = "none"
)

// Provenance is the tagged union of known transaction origins, replacing
// a free-form metadata bag so linkage invariants stay checkable.
type Provenance interface {
	ProvenanceKind() string
}

type SettlementLink struct {
	SettlementID string `json:"settlement_id"`
}

func (SettlementLink) ProvenanceKind() string { return "settlement" }

type CreditSaleLink struct {
	AgentID    string          `json:"agent_id"`
	PlayerID   string          `json:"player_id"`
	Commission decimal.Decimal `json:"commission"`
}

func (CreditSaleLink) ProvenanceKind() string { return "credit_sale" }

type ManualAdjustmentNote struct {
	Reason     string `json:"reason"`
	AdjustedBy string `json:"adjusted_by"`
}

func (ManualAdjustmentNote) ProvenanceKind() string { return "manual_adjustment" }

type BetLink struct {
	BetID string `json:"bet_id"`
}

func (BetLink) ProvenanceKind() string { return "bet" }

func marshalProvenance(p Provenance) []byte {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	wrapped, _ := json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: p.ProvenanceKind(), Data: body})
	return wrapped
}

// Transaction is one balance-affecting event tied to exactly one wallet.
// Immutable once written except for status and description annotation.
type Transaction struct {
	ID       string
	WalletID string
	OwnerID  string
	TenantID string

	Type      TransactionType
	Direction Direction
	Amount    decimal.Decimal
	Currency  string

	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	Status      TransactionStatus
	Description string
	ProcessedBy string
	Method      string
	EntryID     string
	Provenance  Provenance

	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	return &cp
}

// Delta is the signed effect of this transaction on the wallet. Reversed
// rows still count: their money moved, and the reversal row compensates.
func (t *Transaction) Delta() decimal.Decimal {
	if t.Status != StatusCompleted && t.Status != StatusReversed {
		return decimal.Zero
	}
	switch t.Direction {
	case DirectionCredit:
		return t.Amount
	case DirectionDebit:
		return t.Amount.Neg()
	default:
		return decimal.Zero
	}
}

func transitionAllowed(from, to TransactionStatus) bool {
	if from == StatusPending {
		switch to {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	}
	// completed -> reversed is the only exit from a terminal state.
	return from == StatusCompleted && to == StatusReversed
}

// Journal is the append-mostly transaction log. Owned by the ledger
// engine; all mutation goes through the engine's atomic operations.
type Journal struct {
	Clock clock.Clock

	mu       sync.Mutex
	byID     map[string]*Transaction
	byWallet map[string][]string
}

func NewJournal(clk clock.Clock) *Journal {
	return &Journal{
		Clock:    clk,
		byID:     make(map[string]*Transaction),
		byWallet: make(map[string][]string),
	}
}

func (j *Journal) now() time.Time {
	if j.Clock == nil {
		return time.Now().UTC()
	}
	return j.Clock.Now().UTC()
}

func (j *Journal) Append(tx *Transaction) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := tx.clone()
	j.byID[cp.ID] = cp
	j.byWallet[cp.WalletID] = append(j.byWallet[cp.WalletID], cp.ID)
}

// Remove drops a just-appended transaction during compensating rollback.
func (j *Journal) Remove(txID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	tx, ok := j.byID[txID]
	if !ok {
		return
	}
	delete(j.byID, txID)
	ids := j.byWallet[tx.WalletID]
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == txID {
			j.byWallet[tx.WalletID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (j *Journal) Get(txID string) (*Transaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	tx, ok := j.byID[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.clone(), nil
}

// UpdateStatus gates the transition and applies mutate under the journal
// lock so status, balances, and annotations change together.
func (j *Journal) UpdateStatus(txID string, to TransactionStatus, mutate func(*Transaction)) (*Transaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	tx, ok := j.byID[txID]
	if !ok {
		return nil, ErrNotFound
	}
	if !transitionAllowed(tx.Status, to) {
		return nil, ErrInvalidStateTransition
	}
	tx.Status = to
	if mutate != nil {
		mutate(tx)
	}
	tx.UpdatedAt = j.now()
	return tx.clone(), nil
}

// Restore overwrites a transaction during compensating rollback.
func (j *Journal) Restore(tx *Transaction) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.byID[tx.ID]; ok {
		j.byID[tx.ID] = tx.clone()
	}
}

// ListByWallet pages through a wallet's transactions, newest first.
// pageToken is the offset of the next item, as in the platform's other
// list endpoints.
func (j *Journal) ListByWallet(walletID string, pageSize int, pageToken string) ([]*Transaction, string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ids := j.byWallet[walletID]
	start := 0
	if pageToken != "" {
		if parsed, err := strconv.Atoi(pageToken); err == nil && parsed >= 0 {
			start = parsed
		}
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	total := len(ids)
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*Transaction, 0, end-start)
	for i := start; i < end; i++ {
		// newest first
		out = append(out, j.byID[ids[total-1-i]].clone())
	}
	next := ""
	if end < total {
		next = strconv.Itoa(end)
	}
	return out, next
}

// FindByEntry returns the wallet's journal row written by entryID,
// excluding reversal rows.
func (j *Journal) FindByEntry(entryID, walletID string) (*Transaction, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, id := range j.byWallet[walletID] {
		tx := j.byID[id]
		if tx.EntryID == entryID && tx.Type != TypeReversal {
			return tx.clone(), true
		}
	}
	return nil, false
}

// CompletedDeltaSum sums completed transaction deltas for a wallet; used
// by the balance-consistency checks.
func (j *Journal) CompletedDeltaSum(walletID string) decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	sum := decimal.Zero
	for _, id := range j.byWallet[walletID] {
		sum = sum.Add(j.byID[id].Delta())
	}
	return sum
}
