package core

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type BetStatus string

const (
	BetOpen BetStatus = "open"
	BetWon  BetStatus = "won"
	BetLost BetStatus = "lost"
	BetVoid BetStatus = "void"
)

// Bet is a wagering record as the ledger sees it: stake out, payout in,
// settled exactly once. Odds, markets, and selections live upstream.
type Bet struct {
	ID       string
	PlayerID string
	TenantID string
	Currency string

	Stake  decimal.Decimal
	Payout decimal.Decimal

	Status  BetStatus
	EntryID string

	PlacedAt  time.Time
	SettledAt time.Time

	// settling reserves the bet while its closing entry posts, so only
	// one settle or void ever moves money for it.
	settling bool
}

func (b *Bet) clone() *Bet {
	cp := *b
	return &cp
}

// Terminal reports whether the bet's money movement is final. Void bets
// are terminal but excluded from revenue windows.
func (b *Bet) Terminal() bool {
	return b.Status != BetOpen
}

// BetBook records bets and drives their wallet postings through the
// engine: stake into the bet pool on placement, payout out on a win.
type BetBook struct {
	Engine *Engine

	mu    sync.Mutex
	byID  map[string]*Bet
	order []string
}

func NewBetBook(engine *Engine) *BetBook {
	return &BetBook{
		Engine: engine,
		byID:   make(map[string]*Bet),
	}
}

// withBetIdempotency mirrors the engine's transaction replay, storing the
// bet id instead.
func (b *BetBook) withBetIdempotency(scope string, meta Meta, req any, fn func() (*Bet, error)) (*Bet, error) {
	idem := b.Engine.Idempotency
	if idem == nil || meta.IdempotencyKey == "" {
		return fn()
	}
	hash := hashRequest(req)
	stored, ok, err := idem.Check(scope, meta.IdempotencyKey, hash)
	if err != nil {
		return nil, err
	}
	if ok {
		if b.Engine.Metrics != nil {
			b.Engine.Metrics.IdempotentReplays.Inc()
		}
		return b.Get(string(stored))
	}
	bet, err := fn()
	if err != nil {
		return nil, err
	}
	idem.Store(scope, meta.IdempotencyKey, hash, []byte(bet.ID))
	return bet, nil
}

// PlaceBet debits the player's wallet into the bet pool and opens the
// bet. The stake counts against the player's daily wager limit.
func (b *BetBook) PlaceBet(ctx context.Context, meta Meta, playerID, tenantID string, stake Money) (*Bet, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if invalidAmount(stake) {
		return nil, validationf("stake must be positive with a currency")
	}
	if !canActFor(actor, playerID) {
		b.Engine.auditDenied(actor, tenantID, "bet", playerID, "place_bet", "actor cannot wager for player")
		return nil, ErrUnauthorized
	}

	wallet := b.Engine.Wallets.GetOrCreate(playerID, tenantID, stake.Currency)
	scope := idempotencyScope(wallet.ID, "place_bet")
	req := struct {
		PlayerID string `json:"player_id"`
		Stake    Money  `json:"stake"`
	}{playerID, stake}

	return b.withBetIdempotency(scope, meta, req, func() (*Bet, error) {
		betID := b.Engine.newID("bet")
		entry, _, err := b.Engine.postEntry(ctx, actor, entrySpec{
			Kind:       TypeBetPlaced,
			TenantID:   tenantID,
			Currency:   stake.Currency,
			Provenance: BetLink{BetID: betID},
			Sides: []PostingInput{
				{Account: PlayerAccount(playerID, tenantID), Direction: DirectionDebit, Amount: stake.Amount, Usage: UsageWager},
				{Account: SystemAccount(SystemBetPool, tenantID), Direction: DirectionCredit, Amount: stake.Amount},
			},
		})
		if err != nil {
			return nil, err
		}

		bet := &Bet{
			ID:       betID,
			PlayerID: playerID,
			TenantID: tenantID,
			Currency: stake.Currency,
			Stake:    stake.Amount,
			Status:   BetOpen,
			EntryID:  entry.ID,
			PlacedAt: b.Engine.now(),
		}
		b.mu.Lock()
		b.byID[bet.ID] = bet
		b.order = append(b.order, bet.ID)
		b.mu.Unlock()
		return bet.clone(), nil
	})
}

// SettleBet finalizes an open bet. A win pays the player out of the bet
// pool; a loss moves no money but still leaves a journal row so the
// player's history is complete.
func (b *BetBook) SettleBet(ctx context.Context, meta Meta, betID string, status BetStatus, payout decimal.Decimal) (*Bet, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		b.Engine.auditDenied(actor, "", "bet", betID, "settle_bet", "settlement requires operator authority")
		return nil, ErrUnauthorized
	}
	if status != BetWon && status != BetLost {
		return nil, validationf("settlement status must be won or lost")
	}

	if status == BetWon && payout.Sign() <= 0 {
		return nil, validationf("winning settlement requires a positive payout")
	}

	betCopy, err := b.claimOpen(betID)
	if err != nil {
		return nil, err
	}

	switch status {
	case BetWon:
		if _, _, err := b.Engine.postEntry(ctx, actor, entrySpec{
			Kind:       TypeBetWon,
			TenantID:   betCopy.TenantID,
			Currency:   betCopy.Currency,
			Provenance: BetLink{BetID: betID},
			Sides: []PostingInput{
				{Account: SystemAccount(SystemBetPool, betCopy.TenantID), Direction: DirectionDebit, Amount: payout},
				{Account: PlayerAccount(betCopy.PlayerID, betCopy.TenantID), Direction: DirectionCredit, Amount: payout},
			},
		}); err != nil {
			b.releaseClaim(betID)
			return nil, err
		}
	case BetLost:
		payout = decimal.Zero
		b.recordLossRow(betCopy, actor)
	}

	return b.finalize(betID, status, payout), nil
}

// claimOpen reserves an open bet for closing. Exactly one settle or void
// wins the claim; everyone else sees the state error.
func (b *BetBook) claimOpen(betID string) (*Bet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bet, ok := b.byID[betID]
	if !ok {
		return nil, ErrNotFound
	}
	if bet.Terminal() || bet.settling {
		return nil, ErrInvalidStateTransition
	}
	bet.settling = true
	return bet.clone(), nil
}

// releaseClaim reopens a claimed bet after its posting failed.
func (b *BetBook) releaseClaim(betID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bet, ok := b.byID[betID]; ok {
		bet.settling = false
	}
}

func (b *BetBook) finalize(betID string, status BetStatus, payout decimal.Decimal) *Bet {
	b.mu.Lock()
	defer b.mu.Unlock()
	bet := b.byID[betID]
	bet.settling = false
	bet.Status = status
	bet.Payout = payout
	bet.SettledAt = b.Engine.now()
	return bet.clone()
}

// recordLossRow appends a zero-delta journal row for a lost bet: the
// stake already left on placement, so direction is none.
func (b *BetBook) recordLossRow(bet *Bet, actor Actor) {
	wallet := b.Engine.Wallets.GetOrCreate(bet.PlayerID, bet.TenantID, bet.Currency)
	now := b.Engine.now()
	total := decimal.Zero
	if w, err := b.Engine.Wallets.Get(wallet.ID); err == nil {
		total = w.Total()
	}
	b.Engine.Journal.Append(&Transaction{
		ID:            b.Engine.newID("txn"),
		WalletID:      wallet.ID,
		OwnerID:       bet.PlayerID,
		TenantID:      bet.TenantID,
		Type:          TypeBetLost,
		Direction:     DirectionNone,
		Amount:        bet.Stake,
		Currency:      bet.Currency,
		BalanceBefore: total,
		BalanceAfter:  total,
		Status:        StatusCompleted,
		ProcessedBy:   actor.ID,
		Provenance:    BetLink{BetID: bet.ID},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if b.Engine.Metrics != nil {
		b.Engine.Metrics.TransactionsTotal.WithLabelValues(string(TypeBetLost), string(StatusCompleted)).Inc()
	}
}

// VoidBet refunds the stake and closes the bet outside the win/lose
// outcomes. The wager usage charge is returned.
func (b *BetBook) VoidBet(ctx context.Context, meta Meta, betID, reason string) (*Bet, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		b.Engine.auditDenied(actor, "", "bet", betID, "void_bet", "voiding requires operator authority")
		return nil, ErrUnauthorized
	}

	betCopy, err := b.claimOpen(betID)
	if err != nil {
		return nil, err
	}

	if _, _, err := b.Engine.postEntry(ctx, actor, entrySpec{
		Kind:        TypeBetRefund,
		TenantID:    betCopy.TenantID,
		Currency:    betCopy.Currency,
		Description: reason,
		Provenance:  BetLink{BetID: betID},
		Sides: []PostingInput{
			{Account: SystemAccount(SystemBetPool, betCopy.TenantID), Direction: DirectionDebit, Amount: betCopy.Stake},
			{Account: PlayerAccount(betCopy.PlayerID, betCopy.TenantID), Direction: DirectionCredit, Amount: betCopy.Stake},
		},
	}); err != nil {
		b.releaseClaim(betID)
		return nil, err
	}

	wallet := b.Engine.Wallets.GetOrCreate(betCopy.PlayerID, betCopy.TenantID, betCopy.Currency)
	_ = b.Engine.Wallets.RecordUsage(wallet.ID, UsageWager, betCopy.Stake.Neg())

	return b.finalize(betID, BetVoid, decimal.Zero), nil
}

func (b *BetBook) Get(betID string) (*Bet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bet, ok := b.byID[betID]
	if !ok {
		return nil, ErrNotFound
	}
	return bet.clone(), nil
}

// SettledBetween returns won and lost bets whose settlement time falls
// inside the inclusive window, in placement order. Void bets never count
// toward revenue.
func (b *BetBook) SettledBetween(tenantID string, start, end time.Time) []*Bet {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Bet
	for _, id := range b.order {
		bet := b.byID[id]
		if bet.TenantID != tenantID {
			continue
		}
		if bet.Status != BetWon && bet.Status != BetLost {
			continue
		}
		if bet.SettledAt.Before(start) || bet.SettledAt.After(end) {
			continue
		}
		out = append(out, bet.clone())
	}
	return out
}
