package core

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/stakelane/betcore-go/internal/platform/audit"
	"github.com/stakelane/betcore-go/internal/platform/clock"
	"github.com/stakelane/betcore-go/internal/platform/events"
)

type AccountType string

const (
	AccountPlayer AccountType = "player"
	AccountAgent  AccountType = "agent"
	AccountTenant AccountType = "tenant"
	AccountSystem AccountType = "system"
)

// System account names. System accounts are ordinary wallets with a
// reserved owner prefix so conservation holds across every posting.
const (
	SystemOperatorCash = "operator_cash"
	SystemBetPool      = "bet_pool"
	SystemCommission   = "commission"
	SystemAdjustments  = "adjustments"
)

func AgentFloatAccount(agentID string) string {
	return "agent_float:" + agentID
}

// AccountRef names one side of a posting without committing to a wallet
// id; the engine resolves or creates the wallet on first use.
type AccountRef struct {
	Type     AccountType
	OwnerID  string
	TenantID string
	Name     string
}

func PlayerAccount(ownerID, tenantID string) AccountRef {
	return AccountRef{Type: AccountPlayer, OwnerID: ownerID, TenantID: tenantID}
}

func AgentAccount(ownerID, tenantID string) AccountRef {
	return AccountRef{Type: AccountAgent, OwnerID: ownerID, TenantID: tenantID}
}

func TenantAccount(tenantID string) AccountRef {
	return AccountRef{Type: AccountTenant, TenantID: tenantID}
}

func SystemAccount(name, tenantID string) AccountRef {
	return AccountRef{Type: AccountSystem, TenantID: tenantID, Name: name}
}

func (a AccountRef) walletOwner() string {
	if a.Type == AccountSystem {
		return "sys:" + a.Name
	}
	return a.OwnerID
}

// EntrySide is a posting as recorded: wallet identity, direction, amount,
// and the wallet's total holding before and after.
type EntrySide struct {
	WalletID      string
	Account       AccountRef
	Direction     Direction
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// LedgerEntry is one balanced double-entry posting. Entries are immutable
// except for the ReversedBy link.
type LedgerEntry struct {
	ID         string
	TenantID   string
	Kind       TransactionType
	Currency   string
	Sides      []EntrySide
	Reverses   string
	ReversedBy string
	Provenance Provenance
	CreatedAt  time.Time
}

func (e *LedgerEntry) clone() *LedgerEntry {
	cp := *e
	cp.Sides = append([]EntrySide(nil), e.Sides...)
	return &cp
}

// PostingInput describes one side of an entry to post. ReuseTxID adopts
// an existing pending journal row instead of appending a new one;
// FromHold settles a locked withdrawal hold instead of debiting
// available.
type PostingInput struct {
	Account   AccountRef
	Direction Direction
	Amount    decimal.Decimal
	Usage     UsageKind
	ReuseTxID string
	FromHold  bool
}

type entrySpec struct {
	Kind        TransactionType
	TenantID    string
	Currency    string
	Sides       []PostingInput
	Provenance  Provenance
	Description string
	Method      string
	Reverses    string
}

// Persister writes committed state through to durable storage. All
// methods must be atomic per call; a failure rolls the in-memory
// mutation back.
type Persister interface {
	SaveEntry(ctx context.Context, entry *LedgerEntry, txs []*Transaction, wallets []*Wallet) error
	SaveTransaction(ctx context.Context, tx *Transaction, wallet *Wallet) error
}

const (
	conflictRetries = 3
	conflictBackoff = 10 * time.Millisecond
)

// reversalClaim reserves an entry's ReversedBy link while its reversal
// posts; cleared if the posting fails.
const reversalClaim = "\x00claimed"

// Engine owns the atomic money paths: every balance change flows through
// a balanced entry posted here, or through the pending-transaction
// lifecycle that ends in one.
type Engine struct {
	Wallets     *WalletStore
	Journal     *Journal
	Idempotency *IdempotencyStore
	Audit       *audit.InMemoryStore
	Events      events.Publisher
	Metrics     *Metrics
	Clock       clock.Clock
	Persist     Persister
	Logger      func(string, ...any)

	mu      sync.Mutex
	entries map[string]*LedgerEntry
	order   []string
	entropy *ulid.MonotonicEntropy
}

func NewEngine(wallets *WalletStore, journal *Journal, clk clock.Clock) *Engine {
	return &Engine{
		Wallets: wallets,
		Journal: journal,
		Clock:   clk,
		entries: make(map[string]*LedgerEntry),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func (e *Engine) logf(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger(msg, args...)
	}
}

func (e *Engine) newID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return prefix + "-" + ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}

// applyDeltaRetrying runs the optimistic balance mutation, retrying a
// bounded number of times when another writer got there first.
func (e *Engine) applyDeltaRetrying(walletID string, delta decimal.Decimal) (*Wallet, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		cur, err := e.Wallets.Get(walletID)
		if err != nil {
			return nil, err
		}
		updated, err := e.Wallets.ApplyDelta(walletID, delta, cur.Available)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		lastErr = err
		if e.Metrics != nil {
			e.Metrics.ConflictRetriesTotal.Inc()
		}
		time.Sleep(conflictBackoff)
	}
	return nil, lastErr
}

func balancedSides(sides []PostingInput) error {
	if len(sides) < 2 {
		return validationf("an entry needs at least two sides")
	}
	debits, credits := decimal.Zero, decimal.Zero
	for _, s := range sides {
		if s.Amount.Sign() <= 0 {
			return validationf("side amounts must be positive")
		}
		switch s.Direction {
		case DirectionDebit:
			debits = debits.Add(s.Amount)
		case DirectionCredit:
			credits = credits.Add(s.Amount)
		default:
			return validationf("side direction must be debit or credit")
		}
	}
	if !debits.Equal(credits) {
		return validationf("entry is unbalanced: debits %s, credits %s", debits, credits)
	}
	return nil
}

// postEntry applies one balanced entry atomically: wallet deltas, journal
// rows for the non-system sides, the entry record, an audit event, and
// the optional write-through. Any failure unwinds everything applied so
// far before returning.
func (e *Engine) postEntry(ctx context.Context, actor Actor, spec entrySpec) (*LedgerEntry, []*Transaction, error) {
	if err := balancedSides(spec.Sides); err != nil {
		return nil, nil, err
	}
	if spec.Currency == "" || spec.TenantID == "" {
		return nil, nil, validationf("entry needs tenant and currency")
	}

	now := e.now()
	entryID := e.newID("ent")

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	entry := &LedgerEntry{
		ID:         entryID,
		TenantID:   spec.TenantID,
		Kind:       spec.Kind,
		Currency:   spec.Currency,
		Reverses:   spec.Reverses,
		Provenance: spec.Provenance,
		CreatedAt:  now,
	}

	var txs []*Transaction
	var wallets []*Wallet

	for _, side := range spec.Sides {
		w := e.Wallets.GetOrCreate(side.Account.walletOwner(), side.Account.TenantID, spec.Currency)

		var updated *Wallet
		var err error
		if side.FromHold {
			if side.Direction != DirectionDebit {
				rollback()
				return nil, nil, validationf("hold settlement must be a debit")
			}
			updated, err = e.Wallets.SettleHold(w.ID, side.Amount)
			if err == nil {
				walletID, amount := w.ID, side.Amount
				undo = append(undo, func() { e.Wallets.restoreHold(walletID, amount) })
			}
		} else {
			delta := side.Amount
			if side.Direction == DirectionDebit {
				delta = delta.Neg()
			}
			updated, err = e.applyDeltaRetrying(w.ID, delta)
			if err == nil {
				walletID, compensate := w.ID, delta.Neg()
				undo = append(undo, func() {
					if _, uerr := e.applyDeltaRetrying(walletID, compensate); uerr != nil {
						e.logf("compensating balance rollback failed", "wallet", walletID, "error", uerr)
					}
				})
			}
		}
		if err != nil {
			rollback()
			return nil, nil, err
		}

		// Snapshots derive from the state the mutation actually landed
		// on, so concurrent writers between a read and the apply cannot
		// skew the recorded before/after pair.
		after := updated.Total()
		before := after.Add(side.Amount)
		if side.Direction == DirectionCredit {
			before = after.Sub(side.Amount)
		}

		if side.Usage != "" {
			if err := e.Wallets.RecordUsage(w.ID, side.Usage, side.Amount); err != nil {
				rollback()
				return nil, nil, err
			}
			walletID, kind, amount := w.ID, side.Usage, side.Amount
			undo = append(undo, func() { _ = e.Wallets.RecordUsage(walletID, kind, amount.Neg()) })
		}

		entry.Sides = append(entry.Sides, EntrySide{
			WalletID:      w.ID,
			Account:       side.Account,
			Direction:     side.Direction,
			Amount:        side.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
		})
		wallets = append(wallets, updated)

		if side.Account.Type == AccountSystem {
			continue
		}

		if side.ReuseTxID != "" {
			orig, err := e.Journal.Get(side.ReuseTxID)
			if err != nil {
				rollback()
				return nil, nil, err
			}
			tx, err := e.Journal.UpdateStatus(side.ReuseTxID, StatusCompleted, func(t *Transaction) {
				t.BalanceBefore = before
				t.BalanceAfter = after
				t.EntryID = entryID
				t.ProcessedBy = actor.ID
			})
			if err != nil {
				rollback()
				return nil, nil, err
			}
			undo = append(undo, func() { e.Journal.Restore(orig) })
			txs = append(txs, tx)
		} else {
			tx := &Transaction{
				ID:             e.newID("txn"),
				WalletID:       w.ID,
				OwnerID:        side.Account.OwnerID,
				TenantID:       side.Account.TenantID,
				Type:           spec.Kind,
				Direction:      side.Direction,
				Amount:         side.Amount,
				Currency:       spec.Currency,
				BalanceBefore:  before,
				BalanceAfter:   after,
				Status:         StatusCompleted,
				Description:    spec.Description,
				ProcessedBy:    actor.ID,
				Method:         spec.Method,
				EntryID:        entryID,
				Provenance:     spec.Provenance,
				IdempotencyKey: "",
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			e.Journal.Append(tx)
			txID := tx.ID
			undo = append(undo, func() { e.Journal.Remove(txID) })
			txs = append(txs, tx)
		}
	}

	e.mu.Lock()
	e.entries[entry.ID] = entry
	e.order = append(e.order, entry.ID)
	e.mu.Unlock()
	undo = append(undo, func() {
		e.mu.Lock()
		delete(e.entries, entry.ID)
		if n := len(e.order); n > 0 && e.order[n-1] == entry.ID {
			e.order = e.order[:n-1]
		}
		e.mu.Unlock()
	})

	if e.Audit != nil {
		_, err := e.Audit.Append(audit.Event{
			AuditID:      e.newID("aud"),
			OccurredAt:   now,
			RecordedAt:   now,
			TenantID:     spec.TenantID,
			ActorID:      actor.ID,
			ActorType:    string(actor.Type),
			ObjectType:   "ledger_entry",
			ObjectID:     entry.ID,
			Action:       string(spec.Kind),
			After:        audit.Snapshot(entry.Sides),
			Result:       audit.ResultSuccess,
			Reason:       spec.Description,
			PartitionDay: clock.Day(now, time.UTC),
		})
		if err != nil {
			rollback()
			return nil, nil, err
		}
	}

	if e.Persist != nil {
		if err := e.Persist.SaveEntry(ctx, entry, txs, wallets); err != nil {
			rollback()
			return nil, nil, err
		}
	}

	if e.Metrics != nil {
		for _, tx := range txs {
			e.Metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
			amt, _ := tx.Amount.Float64()
			e.Metrics.TransactionAmount.WithLabelValues(string(tx.Type)).Observe(amt)
		}
		e.Metrics.WalletsGauge.Set(float64(e.Wallets.count()))
	}

	e.publish(ctx, events.KindTransactionCreated, spec.TenantID, map[string]any{
		"entry_id": entry.ID,
		"kind":     string(spec.Kind),
		"currency": spec.Currency,
	})

	return entry.clone(), txs, nil
}

// publish is best-effort: a committed posting never fails because a
// downstream consumer is unavailable.
func (e *Engine) publish(ctx context.Context, kind, tenantID string, payload any) {
	if e.Events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.Events.Publish(ctx, events.Event{
		Kind:       kind,
		TenantID:   tenantID,
		OccurredAt: e.now(),
		Payload:    raw,
	}); err != nil {
		e.logf("event publication failed", "kind", kind, "error", err)
	}
}

func (e *Engine) auditDenied(actor Actor, tenantID, objectType, objectID, action, reason string) {
	if e.Audit == nil {
		return
	}
	now := e.now()
	if _, err := e.Audit.Append(audit.Event{
		AuditID:      e.newID("aud"),
		OccurredAt:   now,
		RecordedAt:   now,
		TenantID:     tenantID,
		ActorID:      actor.ID,
		ActorType:    string(actor.Type),
		ObjectType:   objectType,
		ObjectID:     objectID,
		Action:       action,
		Result:       audit.ResultDenied,
		Reason:       reason,
		PartitionDay: clock.Day(now, time.UTC),
	}); err != nil {
		e.logf("audit append failed", "action", action, "error", err)
	}
}

// withTxIdempotency replays a stored transaction for a repeated key, and
// records the transaction id for fresh calls. Responses are keyed by
// scope so the same key cannot leak across wallets or operations.
func (e *Engine) withTxIdempotency(scope string, meta Meta, req any, fn func() (*Transaction, error)) (*Transaction, error) {
	if e.Idempotency == nil || meta.IdempotencyKey == "" {
		return fn()
	}
	hash := hashRequest(req)
	stored, ok, err := e.Idempotency.Check(scope, meta.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	if ok {
		if e.Metrics != nil {
			e.Metrics.IdempotentReplays.Inc()
		}
		return e.Journal.Get(string(stored))
	}
	tx, err := fn()
	if err != nil {
		return nil, err
	}
	e.Idempotency.Store(scope, meta.IdempotencyKey, hash, []byte(tx.ID))
	return tx, nil
}

// Deposit methods that settle out of band and stay pending until an
// operator approves them.
var pendingDepositMethods = map[string]bool{
	"bank":   true,
	"crypto": true,
	"card":   true,
	"mobile": true,
}

var instantDepositMethods = map[string]bool{
	"internal": true,
	"airtime":  true,
}

// Deposit credits a player wallet from operator cash. Out-of-band
// methods produce a pending transaction that moves no money until
// approved; internal methods post immediately.
func (e *Engine) Deposit(ctx context.Context, meta Meta, ownerID, tenantID string, amount Money, method string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if invalidAmount(amount) {
		return nil, validationf("deposit amount must be positive with a currency")
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if !pendingDepositMethods[method] && !instantDepositMethods[method] {
		return nil, validationf("unknown deposit method %q", method)
	}
	if !canActFor(actor, ownerID) {
		e.auditDenied(actor, tenantID, "wallet", ownerID, "deposit", "actor cannot deposit for owner")
		return nil, ErrUnauthorized
	}

	wallet := e.Wallets.GetOrCreate(ownerID, tenantID, amount.Currency)
	scope := idempotencyScope(wallet.ID, "deposit")
	req := struct {
		OwnerID string `json:"owner_id"`
		Amount  Money  `json:"amount"`
		Method  string `json:"method"`
	}{ownerID, amount, method}

	return e.withTxIdempotency(scope, meta, req, func() (*Transaction, error) {
		if instantDepositMethods[method] {
			_, txs, err := e.postEntry(ctx, actor, entrySpec{
				Kind:     TypeDeposit,
				TenantID: tenantID,
				Currency: amount.Currency,
				Method:   method,
				Sides: []PostingInput{
					{Account: SystemAccount(SystemOperatorCash, tenantID), Direction: DirectionDebit, Amount: amount.Amount},
					{Account: PlayerAccount(ownerID, tenantID), Direction: DirectionCredit, Amount: amount.Amount, Usage: UsageDeposit},
				},
			})
			if err != nil {
				return nil, err
			}
			return txs[0], nil
		}
		return e.createPendingTx(ctx, actor, wallet.ID, ownerID, tenantID, TypeDeposit, DirectionCredit, amount, method, UsageDeposit, meta.IdempotencyKey)
	})
}

// RequestWithdrawal moves the amount from available to locked and leaves
// a pending transaction for operator review.
func (e *Engine) RequestWithdrawal(ctx context.Context, meta Meta, ownerID, tenantID string, amount Money, method string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if invalidAmount(amount) {
		return nil, validationf("withdrawal amount must be positive with a currency")
	}
	if !canActFor(actor, ownerID) {
		e.auditDenied(actor, tenantID, "wallet", ownerID, "withdrawal_request", "actor cannot withdraw for owner")
		return nil, ErrUnauthorized
	}

	wallet := e.Wallets.GetOrCreate(ownerID, tenantID, amount.Currency)
	scope := idempotencyScope(wallet.ID, "withdrawal")
	req := struct {
		OwnerID string `json:"owner_id"`
		Amount  Money  `json:"amount"`
		Method  string `json:"method"`
	}{ownerID, amount, method}

	return e.withTxIdempotency(scope, meta, req, func() (*Transaction, error) {
		if _, err := e.Wallets.Hold(wallet.ID, amount.Amount); err != nil {
			return nil, err
		}
		tx, err := e.createPendingTx(ctx, actor, wallet.ID, ownerID, tenantID, TypeWithdrawal, DirectionDebit, amount, method, UsageWithdrawal, meta.IdempotencyKey)
		if err != nil {
			if _, rerr := e.Wallets.ReleaseHold(wallet.ID, amount.Amount); rerr != nil {
				e.logf("hold release rollback failed", "wallet", wallet.ID, "error", rerr)
			}
			return nil, err
		}
		return tx, nil
	})
}

// createPendingTx charges daily usage, records the pending journal row,
// audits, and persists. No balance movement happens here; withdrawal
// holds are the caller's responsibility.
func (e *Engine) createPendingTx(ctx context.Context, actor Actor, walletID, ownerID, tenantID string, kind TransactionType, dir Direction, amount Money, method string, usage UsageKind, idemKey string) (*Transaction, error) {
	if err := e.Wallets.RecordUsage(walletID, usage, amount.Amount); err != nil {
		return nil, err
	}
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	undo = append(undo, func() { _ = e.Wallets.RecordUsage(walletID, usage, amount.Amount.Neg()) })

	w, err := e.Wallets.Get(walletID)
	if err != nil {
		rollback()
		return nil, err
	}
	now := e.now()
	tx := &Transaction{
		ID:             e.newID("txn"),
		WalletID:       walletID,
		OwnerID:        ownerID,
		TenantID:       tenantID,
		Type:           kind,
		Direction:      dir,
		Amount:         amount.Amount,
		Currency:       amount.Currency,
		BalanceBefore:  w.Total(),
		BalanceAfter:   w.Total(),
		Status:         StatusPending,
		Method:         method,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.Journal.Append(tx)
	undo = append(undo, func() { e.Journal.Remove(tx.ID) })

	if e.Audit != nil {
		if _, err := e.Audit.Append(audit.Event{
			AuditID:      e.newID("aud"),
			OccurredAt:   now,
			RecordedAt:   now,
			TenantID:     tenantID,
			ActorID:      actor.ID,
			ActorType:    string(actor.Type),
			ObjectType:   "transaction",
			ObjectID:     tx.ID,
			Action:       string(kind) + "_requested",
			After:        audit.Snapshot(tx),
			Result:       audit.ResultSuccess,
			PartitionDay: clock.Day(now, time.UTC),
		}); err != nil {
			rollback()
			return nil, err
		}
	}

	if e.Persist != nil {
		if err := e.Persist.SaveTransaction(ctx, tx, w); err != nil {
			rollback()
			return nil, err
		}
	}

	if e.Metrics != nil {
		e.Metrics.TransactionsTotal.WithLabelValues(string(kind), string(StatusPending)).Inc()
	}
	return tx.clone(), nil
}

// ApproveTransaction completes a pending deposit or withdrawal. Deposits
// post against the live balance at approval time, not the balance seen
// when the request was made.
func (e *Engine) ApproveTransaction(ctx context.Context, meta Meta, txID string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		e.auditDenied(actor, "", "transaction", txID, "approve", "approval requires operator authority")
		return nil, ErrUnauthorized
	}
	tx, err := e.Journal.Get(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, ErrInvalidStateTransition
	}

	amount := tx.Amount
	switch tx.Type {
	case TypeDeposit:
		_, txs, err := e.postEntry(ctx, actor, entrySpec{
			Kind:     TypeDeposit,
			TenantID: tx.TenantID,
			Currency: tx.Currency,
			Method:   tx.Method,
			Sides: []PostingInput{
				{Account: SystemAccount(SystemOperatorCash, tx.TenantID), Direction: DirectionDebit, Amount: amount},
				{Account: PlayerAccount(tx.OwnerID, tx.TenantID), Direction: DirectionCredit, Amount: amount, ReuseTxID: tx.ID},
			},
		})
		if err != nil {
			return nil, err
		}
		return txs[0], nil
	case TypeWithdrawal:
		_, txs, err := e.postEntry(ctx, actor, entrySpec{
			Kind:     TypeWithdrawal,
			TenantID: tx.TenantID,
			Currency: tx.Currency,
			Method:   tx.Method,
			Sides: []PostingInput{
				{Account: PlayerAccount(tx.OwnerID, tx.TenantID), Direction: DirectionDebit, Amount: amount, ReuseTxID: tx.ID, FromHold: true},
				{Account: SystemAccount(SystemOperatorCash, tx.TenantID), Direction: DirectionCredit, Amount: amount},
			},
		})
		if err != nil {
			return nil, err
		}
		return txs[0], nil
	default:
		return nil, ErrInvalidStateTransition
	}
}

// RejectTransaction fails a pending transaction. Withdrawal holds are
// released and the daily usage charge is returned.
func (e *Engine) RejectTransaction(ctx context.Context, meta Meta, txID, reason string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		e.auditDenied(actor, "", "transaction", txID, "reject", "rejection requires operator authority")
		return nil, ErrUnauthorized
	}
	return e.closePending(ctx, actor, txID, StatusFailed, reason)
}

// CancelTransaction cancels a pending transaction on behalf of its owner.
func (e *Engine) CancelTransaction(ctx context.Context, meta Meta, txID string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	tx, err := e.Journal.Get(txID)
	if err != nil {
		return nil, err
	}
	if !canActFor(actor, tx.OwnerID) {
		e.auditDenied(actor, tx.TenantID, "transaction", txID, "cancel", "actor does not own the transaction")
		return nil, ErrUnauthorized
	}
	return e.closePending(ctx, actor, txID, StatusCancelled, "cancelled by owner")
}

func usageForType(kind TransactionType) UsageKind {
	switch kind {
	case TypeDeposit:
		return UsageDeposit
	case TypeWithdrawal:
		return UsageWithdrawal
	default:
		return ""
	}
}

func (e *Engine) closePending(ctx context.Context, actor Actor, txID string, to TransactionStatus, reason string) (*Transaction, error) {
	tx, err := e.Journal.Get(txID)
	if err != nil {
		return nil, err
	}

	// The conditional pending->terminal transition is the claim: exactly
	// one closer wins it, so the hold below is released at most once.
	updated, err := e.Journal.UpdateStatus(txID, to, func(t *Transaction) {
		t.Description = reason
		t.ProcessedBy = actor.ID
	})
	if err != nil {
		return nil, err
	}

	if tx.Type == TypeWithdrawal {
		if _, rerr := e.Wallets.ReleaseHold(tx.WalletID, tx.Amount); rerr != nil {
			e.logf("hold release on close failed", "transaction", txID, "error", rerr)
		}
	}
	if usage := usageForType(tx.Type); usage != "" {
		_ = e.Wallets.RecordUsage(tx.WalletID, usage, tx.Amount.Neg())
	}

	now := e.now()
	if e.Audit != nil {
		if _, aerr := e.Audit.Append(audit.Event{
			AuditID:      e.newID("aud"),
			OccurredAt:   now,
			RecordedAt:   now,
			TenantID:     tx.TenantID,
			ActorID:      actor.ID,
			ActorType:    string(actor.Type),
			ObjectType:   "transaction",
			ObjectID:     txID,
			Action:       string(tx.Type) + "_" + string(to),
			Before:       audit.Snapshot(tx),
			After:        audit.Snapshot(updated),
			Result:       audit.ResultSuccess,
			Reason:       reason,
			PartitionDay: clock.Day(now, time.UTC),
		}); aerr != nil {
			e.logf("audit append failed", "transaction", txID, "error", aerr)
		}
	}
	if e.Persist != nil {
		if w, werr := e.Wallets.Get(tx.WalletID); werr == nil {
			if perr := e.Persist.SaveTransaction(ctx, updated, w); perr != nil {
				e.logf("transaction write-through failed", "transaction", txID, "error", perr)
			}
		}
	}
	if e.Metrics != nil {
		e.Metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(to)).Inc()
	}
	return updated, nil
}

// ManualAdjustment posts an operator correction against the adjustments
// system account. Requires a reason; admin only.
func (e *Engine) ManualAdjustment(ctx context.Context, meta Meta, ownerID, tenantID string, amount Money, dir Direction, reason string) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin {
		e.auditDenied(actor, tenantID, "wallet", ownerID, "manual_adjustment", "adjustments require admin authority")
		return nil, ErrUnauthorized
	}
	if invalidAmount(amount) {
		return nil, validationf("adjustment amount must be positive with a currency")
	}
	if reason == "" {
		return nil, validationf("adjustment requires a reason")
	}
	if dir != DirectionCredit && dir != DirectionDebit {
		return nil, validationf("adjustment direction must be credit or debit")
	}

	wallet := e.Wallets.GetOrCreate(ownerID, tenantID, amount.Currency)
	scope := idempotencyScope(wallet.ID, "adjustment")
	req := struct {
		OwnerID   string    `json:"owner_id"`
		Amount    Money     `json:"amount"`
		Direction Direction `json:"direction"`
		Reason    string    `json:"reason"`
	}{ownerID, amount, dir, reason}

	return e.withTxIdempotency(scope, meta, req, func() (*Transaction, error) {
		account := PlayerAccount(ownerID, tenantID)
		if ownerID == "" {
			account = TenantAccount(tenantID)
		}
		ownerSide := PostingInput{Account: account, Direction: dir, Amount: amount.Amount}
		systemDir := DirectionDebit
		if dir == DirectionDebit {
			systemDir = DirectionCredit
		}
		systemSide := PostingInput{Account: SystemAccount(SystemAdjustments, tenantID), Direction: systemDir, Amount: amount.Amount}

		_, txs, err := e.postEntry(ctx, actor, entrySpec{
			Kind:        TypeAdjustment,
			TenantID:    tenantID,
			Currency:    amount.Currency,
			Description: reason,
			Provenance:  ManualAdjustmentNote{Reason: reason, AdjustedBy: actor.ID},
			Sides:       []PostingInput{systemSide, ownerSide},
		})
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if tx.WalletID == wallet.ID {
				return tx, nil
			}
		}
		return txs[0], nil
	})
}

// ReverseEntry posts a compensating entry with the sides swapped and
// links both entries. Original journal rows move to reversed.
func (e *Engine) ReverseEntry(ctx context.Context, meta Meta, entryID, reason string) (*LedgerEntry, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		e.auditDenied(actor, "", "ledger_entry", entryID, "reverse", "reversal requires operator authority")
		return nil, ErrUnauthorized
	}

	// Claim the entry before posting: ReversedBy doubles as the
	// reservation, so concurrent reversals lose here instead of each
	// posting a compensating entry.
	e.mu.Lock()
	orig, ok := e.entries[entryID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if orig.Kind == TypeReversal || orig.ReversedBy != "" {
		e.mu.Unlock()
		return nil, ErrNotReversible
	}
	orig.ReversedBy = reversalClaim
	origCopy := orig.clone()
	e.mu.Unlock()

	releaseClaim := func() {
		e.mu.Lock()
		if cur, ok := e.entries[entryID]; ok && cur.ReversedBy == reversalClaim {
			cur.ReversedBy = ""
		}
		e.mu.Unlock()
	}

	sides := make([]PostingInput, 0, len(origCopy.Sides))
	for _, s := range origCopy.Sides {
		dir := DirectionCredit
		if s.Direction == DirectionCredit {
			dir = DirectionDebit
		}
		sides = append(sides, PostingInput{Account: s.Account, Direction: dir, Amount: s.Amount})
	}

	reversal, _, err := e.postEntry(ctx, actor, entrySpec{
		Kind:        TypeReversal,
		TenantID:    origCopy.TenantID,
		Currency:    origCopy.Currency,
		Description: reason,
		Sides:       sides,
		Reverses:    origCopy.ID,
	})
	if err != nil {
		releaseClaim()
		return nil, err
	}

	e.mu.Lock()
	if cur, ok := e.entries[entryID]; ok {
		cur.ReversedBy = reversal.ID
	}
	e.mu.Unlock()

	for _, s := range origCopy.Sides {
		if s.Account.Type == AccountSystem {
			continue
		}
		if orig, found := e.Journal.FindByEntry(entryID, s.WalletID); found {
			if _, uerr := e.Journal.UpdateStatus(orig.ID, StatusReversed, func(t *Transaction) {
				t.Description = reason
			}); uerr != nil {
				e.logf("marking original transaction reversed failed", "transaction", orig.ID, "error", uerr)
			}
		}
	}

	if e.Metrics != nil {
		e.Metrics.ReversalsTotal.Inc()
	}
	e.publish(ctx, events.KindEntryReversed, origCopy.TenantID, map[string]any{
		"entry_id":    origCopy.ID,
		"reversal_id": reversal.ID,
		"reason":      reason,
	})
	return reversal, nil
}

func (e *Engine) GetEntry(entryID string) (*LedgerEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.clone(), nil
}

// Balance reads the wallet for (ownerID, tenantID, currency) without
// creating one.
func (e *Engine) Balance(ownerID, tenantID, currency string) (*Wallet, error) {
	w, ok := e.Wallets.Lookup(ownerID, tenantID, currency)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return w, nil
}

func (e *Engine) ListTransactions(walletID string, pageSize int, pageToken string) ([]*Transaction, string) {
	return e.Journal.ListByWallet(walletID, pageSize, pageToken)
}
