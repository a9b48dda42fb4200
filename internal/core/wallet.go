package core

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stakelane/betcore-go/internal/platform/clock"
)

// Wallet is one balance record per (ownerID, tenantID, currency).
// OwnerID is empty for the tenant's own wallet. Wallets are created
// lazily on the first financial event and never deleted, only zeroed.
type Wallet struct {
	ID       string
	OwnerID  string
	TenantID string
	Currency string

	Available decimal.Decimal
	Locked    decimal.Decimal
	Bonus     decimal.Decimal

	DailyDeposited decimal.Decimal
	DailyWithdrawn decimal.Decimal
	DailyWagered   decimal.Decimal
	LastResetDay   string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w *Wallet) clone() *Wallet {
	cp := *w
	return &cp
}

// Total is the wallet's full holding, available plus locked. Ledger entry
// snapshots record totals so pending-withdrawal holds do not distort the
// conservation check.
func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

type UsageKind string

const (
	UsageDeposit    UsageKind = "deposit"
	UsageWithdrawal UsageKind = "withdrawal"
	UsageWager      UsageKind = "wager"
)

// DailyLimits caps per-wallet daily usage per kind. A zero limit means
// unlimited.
type DailyLimits struct {
	Deposit    decimal.Decimal
	Withdrawal decimal.Decimal
	Wager      decimal.Decimal
}

type WalletStore struct {
	Clock clock.Clock

	mu      sync.Mutex
	loc     *time.Location
	byID    map[string]*Wallet
	idByKey map[string]string
	limits  DailyLimits
	nextID  int64
}

func NewWalletStore(clk clock.Clock) *WalletStore {
	return &WalletStore{
		Clock:   clk,
		loc:     time.UTC,
		byID:    make(map[string]*Wallet),
		idByKey: make(map[string]string),
	}
}

func (s *WalletStore) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// SetLocation sets the local timezone for daily-counter resets.
func (s *WalletStore) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loc = loc
}

func (s *WalletStore) SetDailyLimits(limits DailyLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = limits
}

func walletKey(ownerID, tenantID, currency string) string {
	return ownerID + "|" + tenantID + "|" + currency
}

func (s *WalletStore) nextIDLocked() string {
	s.nextID++
	return "wal-" + strconv.FormatInt(s.nextID, 10)
}

// resetIfNewDayLocked zeroes daily counters when the stored reset day is
// before the current local day. It runs inside the same locked mutation
// as the balance change so usage is never counted against a stale day.
func (s *WalletStore) resetIfNewDayLocked(w *Wallet) {
	day := clock.Day(s.now(), s.loc)
	if w.LastResetDay < day {
		w.DailyDeposited = decimal.Zero
		w.DailyWithdrawn = decimal.Zero
		w.DailyWagered = decimal.Zero
		w.LastResetDay = day
	}
}

func (s *WalletStore) getOrCreateLocked(ownerID, tenantID, currency string) *Wallet {
	key := walletKey(ownerID, tenantID, currency)
	if id, ok := s.idByKey[key]; ok {
		w := s.byID[id]
		s.resetIfNewDayLocked(w)
		return w
	}
	now := s.now()
	w := &Wallet{
		ID:           s.nextIDLocked(),
		OwnerID:      ownerID,
		TenantID:     tenantID,
		Currency:     currency,
		LastResetDay: clock.Day(now, s.loc),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[w.ID] = w
	s.idByKey[key] = w.ID
	return w
}

func (s *WalletStore) GetOrCreate(ownerID, tenantID, currency string) *Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(ownerID, tenantID, currency).clone()
}

func (s *WalletStore) Get(walletID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)
	return w.clone(), nil
}

func (s *WalletStore) Lookup(ownerID, tenantID, currency string) (*Wallet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idByKey[walletKey(ownerID, tenantID, currency)]
	if !ok {
		return nil, false
	}
	w := s.byID[id]
	s.resetIfNewDayLocked(w)
	return w.clone(), true
}

// ApplyDelta mutates availableBalance under optimistic concurrency: the
// caller states the balance it computed against, and the call fails with
// ErrConcurrentModification if the stored balance moved underneath it.
func (s *WalletStore) ApplyDelta(walletID string, delta, expectedBefore decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)
	if !w.Available.Equal(expectedBefore) {
		return nil, ErrConcurrentModification
	}
	next := w.Available.Add(delta)
	// System-owned contra accounts (operator cash, bet pool, agent
	// float) may run negative; real owners may not.
	if next.Sign() < 0 && !strings.HasPrefix(w.OwnerID, "sys:") {
		return nil, ErrInsufficientFunds
	}
	w.Available = next
	w.Version++
	w.UpdatedAt = s.now()
	return w.clone(), nil
}

// Hold moves amount from available to locked for a pending withdrawal.
func (s *WalletStore) Hold(walletID string, amount decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)
	if w.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	w.Available = w.Available.Sub(amount)
	w.Locked = w.Locked.Add(amount)
	w.Version++
	w.UpdatedAt = s.now()
	return w.clone(), nil
}

// ReleaseHold returns a held amount to available (reject/cancel).
func (s *WalletStore) ReleaseHold(walletID string, amount decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)
	if w.Locked.LessThan(amount) {
		return nil, ErrInvalidStateTransition
	}
	w.Locked = w.Locked.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.Version++
	w.UpdatedAt = s.now()
	return w.clone(), nil
}

// SettleHold clears a held amount out of the wallet (approved withdrawal).
func (s *WalletStore) SettleHold(walletID string, amount decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)
	if w.Locked.LessThan(amount) {
		return nil, ErrInvalidStateTransition
	}
	w.Locked = w.Locked.Sub(amount)
	w.Version++
	w.UpdatedAt = s.now()
	return w.clone(), nil
}

func (s *WalletStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// restoreHold puts a settled hold back, used only by compensating
// rollback when a later step of an approval fails.
func (s *WalletStore) restoreHold(walletID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return
	}
	w.Locked = w.Locked.Add(amount)
	w.Version++
	w.UpdatedAt = s.now()
}

// RecordUsage counts amount against the wallet's daily counter for kind.
// Negative amounts undo a previously recorded usage (compensation path)
// and are never limit-checked.
func (s *WalletStore) RecordUsage(walletID string, kind UsageKind, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[walletID]
	if !ok {
		return ErrAccountNotFound
	}
	s.resetIfNewDayLocked(w)

	var counter *decimal.Decimal
	var limit decimal.Decimal
	switch kind {
	case UsageDeposit:
		counter, limit = &w.DailyDeposited, s.limits.Deposit
	case UsageWithdrawal:
		counter, limit = &w.DailyWithdrawn, s.limits.Withdrawal
	case UsageWager:
		counter, limit = &w.DailyWagered, s.limits.Wager
	default:
		return validationf("unknown usage kind %q", kind)
	}

	next := counter.Add(amount)
	if next.Sign() < 0 {
		next = decimal.Zero
	}
	if amount.Sign() > 0 && limit.Sign() > 0 && next.GreaterThan(limit) {
		return ErrDailyLimitExceeded
	}
	*counter = next
	w.UpdatedAt = s.now()
	return nil
}
