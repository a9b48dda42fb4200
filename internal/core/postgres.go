package core

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore writes committed state through to Postgres. The in-memory
// stores stay authoritative; each call here is one transaction, and a
// failure makes the engine compensate the in-memory mutation.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const upsertWalletSQL = `
INSERT INTO wallets (id, owner_id, tenant_id, currency, available, locked, bonus,
                     daily_deposited, daily_withdrawn, daily_wagered, last_reset_day,
                     version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
  available = EXCLUDED.available,
  locked = EXCLUDED.locked,
  bonus = EXCLUDED.bonus,
  daily_deposited = EXCLUDED.daily_deposited,
  daily_withdrawn = EXCLUDED.daily_withdrawn,
  daily_wagered = EXCLUDED.daily_wagered,
  last_reset_day = EXCLUDED.last_reset_day,
  version = EXCLUDED.version,
  updated_at = EXCLUDED.updated_at`

const upsertTransactionSQL = `
INSERT INTO transactions (id, wallet_id, owner_id, tenant_id, type, direction, amount,
                          currency, balance_before, balance_after, status, description,
                          processed_by, method, entry_id, provenance, idempotency_key,
                          created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
  balance_before = EXCLUDED.balance_before,
  balance_after = EXCLUDED.balance_after,
  status = EXCLUDED.status,
  description = EXCLUDED.description,
  processed_by = EXCLUDED.processed_by,
  entry_id = EXCLUDED.entry_id,
  updated_at = EXCLUDED.updated_at`

const insertEntrySQL = `
INSERT INTO ledger_entries (id, tenant_id, kind, currency, reverses, provenance, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`

const insertEntrySideSQL = `
INSERT INTO ledger_entry_sides (entry_id, position, wallet_id, account_type, account_owner,
                                account_name, direction, amount, balance_before, balance_after)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (entry_id, position) DO NOTHING`

func execWallet(ctx context.Context, tx *sql.Tx, w *Wallet) error {
	_, err := tx.ExecContext(ctx, upsertWalletSQL,
		w.ID, w.OwnerID, w.TenantID, w.Currency,
		w.Available.String(), w.Locked.String(), w.Bonus.String(),
		w.DailyDeposited.String(), w.DailyWithdrawn.String(), w.DailyWagered.String(),
		w.LastResetDay, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert wallet %s: %w", w.ID, err)
	}
	return nil
}

func execTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, upsertTransactionSQL,
		t.ID, t.WalletID, t.OwnerID, t.TenantID, string(t.Type), string(t.Direction),
		t.Amount.String(), t.Currency, t.BalanceBefore.String(), t.BalanceAfter.String(),
		string(t.Status), t.Description, t.ProcessedBy, t.Method, t.EntryID,
		marshalProvenance(t.Provenance), t.IdempotencyKey, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, entry *LedgerEntry, txs []*Transaction, wallets []*Wallet) error {
	dbtx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entry tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	for _, w := range wallets {
		if err := execWallet(ctx, dbtx, w); err != nil {
			return err
		}
	}

	if _, err := dbtx.ExecContext(ctx, insertEntrySQL,
		entry.ID, entry.TenantID, string(entry.Kind), entry.Currency,
		entry.Reverses, marshalProvenance(entry.Provenance), entry.CreatedAt); err != nil {
		return fmt.Errorf("insert entry %s: %w", entry.ID, err)
	}
	for i, side := range entry.Sides {
		if _, err := dbtx.ExecContext(ctx, insertEntrySideSQL,
			entry.ID, i, side.WalletID, string(side.Account.Type), side.Account.OwnerID,
			side.Account.Name, string(side.Direction), side.Amount.String(),
			side.BalanceBefore.String(), side.BalanceAfter.String()); err != nil {
			return fmt.Errorf("insert entry side %s/%d: %w", entry.ID, i, err)
		}
	}

	for _, t := range txs {
		if err := execTransaction(ctx, dbtx, t); err != nil {
			return err
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit entry tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTransaction(ctx context.Context, t *Transaction, w *Wallet) error {
	dbtx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction tx: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	if w != nil {
		if err := execWallet(ctx, dbtx, w); err != nil {
			return err
		}
	}
	if err := execTransaction(ctx, dbtx, t); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit transaction tx: %w", err)
	}
	return nil
}
