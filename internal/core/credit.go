package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// Agent is a credit-selling intermediary: it distributes balance to its
// players against a credit line granted by the tenant.
type Agent struct {
	ID       string
	TenantID string

	CreditLimit decimal.Decimal
	UsedCredit  decimal.Decimal

	PlayerIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Agent) clone() *Agent {
	cp := *a
	cp.PlayerIDs = append([]string(nil), a.PlayerIDs...)
	return &cp
}

// AvailableCredit is the headroom left on the agent's credit line.
func (a *Agent) AvailableCredit() decimal.Decimal {
	return a.CreditLimit.Sub(a.UsedCredit)
}

// Player is the directory record the credit controller resolves sales
// against. Lazily provisioned players carry a bcrypt-hashed temporary
// credential until they log in and set their own.
type Player struct {
	ID       string
	TenantID string

	Phone    string
	Email    string
	Username string

	TempCredentialHash []byte
	Provisioned        bool

	CreatedAt time.Time
}

func (p *Player) clone() *Player {
	cp := *p
	cp.TempCredentialHash = append([]byte(nil), p.TempCredentialHash...)
	return &cp
}

// CreditSaleResult is what a sale returns: the player-side transaction,
// the resolved (possibly just provisioned) player, and the temporary
// credential when provisioning happened. The credential is returned
// exactly once and never stored in the clear.
type CreditSaleResult struct {
	Transaction    *Transaction
	Player         *Player
	TempCredential string
}

// CreditController owns the agent registry and the player directory, and
// gates credit sales on the agent's credit line. Wallet movement still
// goes through the engine; usedCredit is the controller's own book.
type CreditController struct {
	Engine *Engine
	Rates  RateProvider

	mu         sync.Mutex
	agents     map[string]*Agent
	players    map[string]*Player
	byPhone    map[string]string
	byEmail    map[string]string
	byUsername map[string]string
}

func NewCreditController(engine *Engine, rates RateProvider) *CreditController {
	return &CreditController{
		Engine:     engine,
		Rates:      rates,
		agents:     make(map[string]*Agent),
		players:    make(map[string]*Player),
		byPhone:    make(map[string]string),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
	}
}

func agentKey(tenantID, agentID string) string { return tenantID + "|" + agentID }

func playerKey(tenantID, playerID string) string { return tenantID + "|" + playerID }

func (c *CreditController) RegisterAgent(tenantID, agentID string, creditLimit decimal.Decimal) (*Agent, error) {
	if tenantID == "" || agentID == "" {
		return nil, validationf("agent registration needs tenant and agent ids")
	}
	if creditLimit.Sign() < 0 {
		return nil, validationf("credit limit cannot be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := agentKey(tenantID, agentID)
	if _, ok := c.agents[key]; ok {
		return nil, validationf("agent %q already registered", agentID)
	}
	now := c.Engine.now()
	agent := &Agent{
		ID:          agentID,
		TenantID:    tenantID,
		CreditLimit: creditLimit,
		UsedCredit:  decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.agents[key] = agent
	return agent.clone(), nil
}

func (c *CreditController) GetAgent(tenantID, agentID string) (*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentKey(tenantID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return agent.clone(), nil
}

func (c *CreditController) SetCreditLimit(tenantID, agentID string, limit decimal.Decimal) error {
	if limit.Sign() < 0 {
		return validationf("credit limit cannot be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentKey(tenantID, agentID)]
	if !ok {
		return ErrNotFound
	}
	agent.CreditLimit = limit
	agent.UpdatedAt = c.Engine.now()
	return nil
}

func (c *CreditController) RegisterPlayer(p Player) (*Player, error) {
	if p.TenantID == "" || p.ID == "" {
		return nil, validationf("player registration needs tenant and player ids")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := playerKey(p.TenantID, p.ID)
	if _, ok := c.players[key]; ok {
		return nil, validationf("player %q already registered", p.ID)
	}
	p.CreatedAt = c.Engine.now()
	stored := p.clone()
	c.players[key] = stored
	c.indexPlayerLocked(stored)
	return stored.clone(), nil
}

func (c *CreditController) indexPlayerLocked(p *Player) {
	if p.Phone != "" {
		c.byPhone[p.TenantID+"|"+normalizeRef(p.Phone)] = p.ID
	}
	if p.Email != "" {
		c.byEmail[p.TenantID+"|"+normalizeRef(p.Email)] = p.ID
	}
	if p.Username != "" {
		c.byUsername[p.TenantID+"|"+normalizeRef(p.Username)] = p.ID
	}
}

func normalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

// resolvePlayerLocked tries the reference as an id, then phone, then
// email, then username. Matching is case-insensitive.
func (c *CreditController) resolvePlayerLocked(tenantID, ref string) (*Player, bool) {
	if p, ok := c.players[playerKey(tenantID, ref)]; ok {
		return p, true
	}
	norm := normalizeRef(ref)
	for _, index := range []map[string]string{c.byPhone, c.byEmail, c.byUsername} {
		if id, ok := index[tenantID+"|"+norm]; ok {
			return c.players[playerKey(tenantID, id)], true
		}
	}
	return nil, false
}

func (c *CreditController) ResolvePlayer(tenantID, ref string) (*Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.resolvePlayerLocked(tenantID, ref)
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

// provisionPlayerLocked creates a directory record for an unknown sale
// reference, treating the reference as a phone number, with a one-time
// temporary credential.
func (c *CreditController) provisionPlayerLocked(tenantID, ref string) (*Player, string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	credential := hex.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	p := &Player{
		ID:                 c.Engine.newID("ply"),
		TenantID:           tenantID,
		Phone:              ref,
		TempCredentialHash: hash,
		Provisioned:        true,
		CreatedAt:          c.Engine.now(),
	}
	c.players[playerKey(tenantID, p.ID)] = p
	c.indexPlayerLocked(p)
	return p, credential, nil
}

// VerifyTempCredential checks a provisioned player's one-time credential.
func (c *CreditController) VerifyTempCredential(tenantID, playerID, credential string) bool {
	c.mu.Lock()
	p, ok := c.players[playerKey(tenantID, playerID)]
	if !ok || len(p.TempCredentialHash) == 0 {
		c.mu.Unlock()
		return false
	}
	hash := append([]byte(nil), p.TempCredentialHash...)
	c.mu.Unlock()
	return bcrypt.CompareHashAndPassword(hash, []byte(credential)) == nil
}

// SellCredit moves amount from the agent's float account into the
// player's wallet, consuming the agent's credit line. The commission the
// agent earns on the sale is computed here but recorded only in the
// transaction's provenance; paying it out is the settlement cycle's job.
func (c *CreditController) SellCredit(ctx context.Context, meta Meta, tenantID, agentID, playerRef string, amount Money) (*CreditSaleResult, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService && !(actor.Type == ActorAgent && actor.ID == agentID) {
		c.Engine.auditDenied(actor, tenantID, "agent", agentID, "sell_credit", "actor cannot sell for agent")
		return nil, ErrUnauthorized
	}
	if invalidAmount(amount) {
		return nil, validationf("sale amount must be positive with a currency")
	}
	if playerRef == "" {
		return nil, validationf("sale needs a player reference")
	}

	c.mu.Lock()
	agent, ok := c.agents[agentKey(tenantID, agentID)]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}

	var credential string
	player, found := c.resolvePlayerLocked(tenantID, playerRef)
	if !found {
		player, credential, err = c.provisionPlayerLocked(tenantID, playerRef)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.trackDownstreamLocked(agent, player.ID)
	playerCopy := player.clone()
	c.mu.Unlock()

	commission := decimal.Zero
	if c.Rates != nil {
		if terms, terr := c.Rates.Terms(ctx, tenantID, agentID); terr == nil {
			commission = amount.Amount.Mul(terms.Rate)
		}
	}

	wallet := c.Engine.Wallets.GetOrCreate(playerCopy.ID, tenantID, amount.Currency)
	scope := idempotencyScope(wallet.ID, "credit_sale")
	req := struct {
		AgentID   string `json:"agent_id"`
		PlayerRef string `json:"player_ref"`
		Amount    Money  `json:"amount"`
	}{agentID, playerRef, amount}

	// The credit-line claim lives inside the idempotency closure so a
	// replayed key returns the stored sale without consuming the line
	// again. Released if the posting fails.
	tx, err := c.Engine.withTxIdempotency(scope, meta, req, func() (*Transaction, error) {
		if err := c.claimCredit(tenantID, agentID, amount.Amount); err != nil {
			return nil, err
		}
		_, txs, perr := c.Engine.postEntry(ctx, actor, entrySpec{
			Kind:     TypeCreditSale,
			TenantID: tenantID,
			Currency: amount.Currency,
			Provenance: CreditSaleLink{
				AgentID:    agentID,
				PlayerID:   playerCopy.ID,
				Commission: commission,
			},
			Sides: []PostingInput{
				{Account: SystemAccount(AgentFloatAccount(agentID), tenantID), Direction: DirectionDebit, Amount: amount.Amount},
				{Account: PlayerAccount(playerCopy.ID, tenantID), Direction: DirectionCredit, Amount: amount.Amount},
			},
		})
		if perr != nil {
			c.releaseCredit(tenantID, agentID, amount.Amount)
			return nil, perr
		}
		return txs[0], nil
	})
	if err != nil {
		return nil, err
	}

	return &CreditSaleResult{
		Transaction:    tx,
		Player:         playerCopy,
		TempCredential: credential,
	}, nil
}

// claimCredit consumes headroom on the agent's credit line, failing the
// sale when the line cannot cover the amount.
func (c *CreditController) claimCredit(tenantID, agentID string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentKey(tenantID, agentID)]
	if !ok {
		return ErrNotFound
	}
	if agent.AvailableCredit().LessThan(amount) {
		return ErrInsufficientCredit
	}
	agent.UsedCredit = agent.UsedCredit.Add(amount)
	agent.UpdatedAt = c.Engine.now()
	return nil
}

// releaseCredit returns a claimed amount after a failed posting.
func (c *CreditController) releaseCredit(tenantID, agentID string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentKey(tenantID, agentID)]
	if !ok {
		return
	}
	agent.UsedCredit = agent.UsedCredit.Sub(amount)
	if agent.UsedCredit.Sign() < 0 {
		agent.UsedCredit = decimal.Zero
	}
	agent.UpdatedAt = c.Engine.now()
}

func (c *CreditController) trackDownstreamLocked(agent *Agent, playerID string) {
	for _, id := range agent.PlayerIDs {
		if id == playerID {
			return
		}
	}
	agent.PlayerIDs = append(agent.PlayerIDs, playerID)
}

// TopUpFloat settles the agent's debt: the tenant wallet pays the
// agent's float account, and the agent's credit line is restored, with
// usedCredit floored at zero.
func (c *CreditController) TopUpFloat(ctx context.Context, meta Meta, tenantID, agentID string, amount Money) (*Transaction, error) {
	actor, err := resolveActor(ctx, meta)
	if err != nil {
		return nil, err
	}
	if actor.Type != ActorAdmin && actor.Type != ActorService {
		c.Engine.auditDenied(actor, tenantID, "agent", agentID, "topup_float", "top-up requires operator authority")
		return nil, ErrUnauthorized
	}
	if invalidAmount(amount) {
		return nil, validationf("top-up amount must be positive with a currency")
	}

	c.mu.Lock()
	if _, ok := c.agents[agentKey(tenantID, agentID)]; !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	c.mu.Unlock()

	wallet := c.Engine.Wallets.GetOrCreate("", tenantID, amount.Currency)
	scope := idempotencyScope(wallet.ID, "topup_float:"+agentID)
	req := struct {
		AgentID string `json:"agent_id"`
		Amount  Money  `json:"amount"`
	}{agentID, amount}

	tx, err := c.Engine.withTxIdempotency(scope, meta, req, func() (*Transaction, error) {
		_, txs, perr := c.Engine.postEntry(ctx, actor, entrySpec{
			Kind:     TypeTenantTopup,
			TenantID: tenantID,
			Currency: amount.Currency,
			Sides: []PostingInput{
				{Account: TenantAccount(tenantID), Direction: DirectionDebit, Amount: amount.Amount},
				{Account: SystemAccount(AgentFloatAccount(agentID), tenantID), Direction: DirectionCredit, Amount: amount.Amount},
			},
		})
		if perr != nil {
			return nil, perr
		}
		tenantTx := txs[0]
		c.mu.Lock()
		if agent, ok := c.agents[agentKey(tenantID, agentID)]; ok {
			agent.UsedCredit = agent.UsedCredit.Sub(amount.Amount)
			if agent.UsedCredit.Sign() < 0 {
				agent.UsedCredit = decimal.Zero
			}
			agent.UpdatedAt = c.Engine.now()
		}
		c.mu.Unlock()
		return tenantTx, nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ResolveScope maps a settlement beneficiary to its revenue scope: an
// agent settles over its downstream players, the tenant over everything.
func (c *CreditController) ResolveScope(tenantID, beneficiaryID string) (Scope, error) {
	if beneficiaryID == "" {
		return Scope{TenantID: tenantID}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentKey(tenantID, beneficiaryID)]
	if !ok {
		return Scope{}, ErrNotFound
	}
	owners := append([]string(nil), agent.PlayerIDs...)
	if len(owners) == 0 {
		// an agent with no downstream settles over nothing
		owners = []string{"\x00none"}
	}
	return Scope{TenantID: tenantID, OwnerIDs: owners}, nil
}
