package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Postgres is a Ledger backed by PostgreSQL.
//
// The balance row carries a CHECK (balance >= 0) constraint and is only
// decremented by a conditional UPDATE, so concurrent debits serialize on the
// row lock and none can overdraw. The unique index on
// (reference_type, reference_id) makes a referenced debit happen at most once.
type Postgres struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ Ledger = (*Postgres)(nil)

// Option configures Postgres.
type Option func(*Postgres)

// WithTablePrefix sets the table name prefix (default none).
func WithTablePrefix(prefix string) Option {
	return func(p *Postgres) { p.tablePrefix = prefix }
}

func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	p := &Postgres{
		pool: pool,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Postgres) balancesTable() string     { return p.tablePrefix + "credit_balances" }
func (p *Postgres) transactionsTable() string { return p.tablePrefix + "credit_transactions" }

// EnsureSchema creates the ledger tables if they don't exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			organization_id     TEXT PRIMARY KEY,
			balance             BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			period_start        TIMESTAMPTZ NOT NULL,
			period_end          TIMESTAMPTZ NOT NULL,
			period_credits_used BIGINT NOT NULL DEFAULT 0,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id              UUID PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id         TEXT,
			type            TEXT NOT NULL,
			amount          BIGINT NOT NULL,
			balance_after   BIGINT NOT NULL,
			reference_type  TEXT,
			reference_id    TEXT,
			description     TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_reference_idx ON %[2]s (reference_type, reference_id);
		CREATE INDEX IF NOT EXISTS %[2]s_org_created_idx ON %[2]s (organization_id, created_at DESC);
	`, p.balancesTable(), p.transactionsTable())
	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) GetBalance(ctx context.Context, orgID string) (int64, error) {
	var balance int64
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE organization_id = $1`, p.balancesTable()),
		orgID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Persistence("get balance", err)
	}
	return balance, nil
}

func (p *Postgres) HasEnoughCredits(ctx context.Context, orgID string, amount int64) (bool, error) {
	balance, err := p.GetBalance(ctx, orgID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (p *Postgres) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := req.validate(); err != nil {
		return DebitResult{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return DebitResult{}, apperr.Persistence("debit: begin tx", err)
	}
	defer tx.Rollback(ctx)

	txID := uuid.New()
	now := p.now().UTC()

	// 1. Claim the reference. A conflict means this debit already happened.
	var inserted bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, organization_id, user_id, type, amount, balance_after, reference_type, reference_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)
			ON CONFLICT (reference_type, reference_id) DO NOTHING
			RETURNING true`, p.transactionsTable()),
		txID, req.OrganizationID, nullable(req.UserID), model.TransactionDebit, -req.Amount,
		nullable(req.ReferenceType), nullable(req.ReferenceID), req.Description, now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		balance, err := p.balanceTx(ctx, tx, req.OrganizationID)
		if err != nil {
			return DebitResult{}, apperr.Persistence("debit: read balance", err)
		}
		return DebitResult{Balance: balance, Duplicate: true}, nil
	}
	if err != nil {
		return DebitResult{}, apperr.Persistence("debit: insert transaction", err)
	}

	// 2. Lazy monthly period roll.
	start, end := model.MonthlyPeriod(now)
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET period_start = $1, period_end = $2, period_credits_used = 0
			WHERE organization_id = $3 AND period_end <= $4`, p.balancesTable()),
		start, end, req.OrganizationID, now,
	)
	if err != nil {
		return DebitResult{}, apperr.Persistence("debit: roll period", err)
	}

	// 3. Conditional decrement.
	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
			SET balance = balance - $1, period_credits_used = period_credits_used + $1, updated_at = $3
			WHERE organization_id = $2 AND balance >= $1
			RETURNING balance`, p.balancesTable()),
		req.Amount, req.OrganizationID, now,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		available, err := p.balanceTx(ctx, tx, req.OrganizationID)
		if err != nil {
			return DebitResult{}, apperr.Persistence("debit: read balance", err)
		}
		return DebitResult{}, &apperr.InsufficientCreditsError{Required: req.Amount, Available: available}
	}
	if err != nil {
		return DebitResult{}, apperr.Persistence("debit: decrement", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance_after = $1 WHERE id = $2`, p.transactionsTable()),
		balance, txID,
	)
	if err != nil {
		return DebitResult{}, apperr.Persistence("debit: finalize transaction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DebitResult{}, apperr.Persistence("debit: commit", err)
	}
	return DebitResult{Balance: balance}, nil
}

func (p *Postgres) Credit(ctx context.Context, orgID string, amount int64, txType model.TransactionType, description string) (int64, error) {
	if err := validateCredit(orgID, amount, txType); err != nil {
		return 0, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Persistence("credit: begin tx", err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	start, end := model.MonthlyPeriod(now)

	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, balance, period_start, period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (organization_id) DO UPDATE
			SET balance = %[1]s.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			RETURNING balance`, p.balancesTable()),
		orgID, amount, start, end, now,
	).Scan(&balance)
	if err != nil {
		return 0, apperr.Persistence("credit: upsert balance", err)
	}

	if err := p.insertTx(ctx, tx, model.CreditTransaction{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           txType,
		Amount:         amount,
		BalanceAfter:   balance,
		Description:    description,
		CreatedAt:      now,
	}); err != nil {
		return 0, apperr.Persistence("credit: insert transaction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Persistence("credit: commit", err)
	}
	return balance, nil
}

func (p *Postgres) InitializeBalance(ctx context.Context, orgID string, initialCredits int64) error {
	if orgID == "" {
		return apperr.Validation("organizationId", "is required")
	}
	if initialCredits < 0 {
		return apperr.Validation("initialCredits", "must not be negative")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence("initialize balance: begin tx", err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	start, end := model.MonthlyPeriod(now)

	var created bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (organization_id, balance, period_start, period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (organization_id) DO NOTHING
			RETURNING true`, p.balancesTable()),
		orgID, initialCredits, start, end, now,
	).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("initialize balance", err)
	}

	if initialCredits > 0 {
		if err := p.insertTx(ctx, tx, model.CreditTransaction{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			Type:           model.TransactionSubscription,
			Amount:         initialCredits,
			BalanceAfter:   initialCredits,
			Description:    "initial balance",
			CreatedAt:      now,
		}); err != nil {
			return apperr.Persistence("initialize balance: insert transaction", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("initialize balance: commit", err)
	}
	return nil
}

func (p *Postgres) Transactions(ctx context.Context, orgID string, limit int) ([]model.CreditTransaction, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT id::text, organization_id, COALESCE(user_id, ''), type, amount, balance_after,
				COALESCE(reference_type, ''), COALESCE(reference_id, ''), COALESCE(description, ''), created_at
			FROM %s WHERE organization_id = $1
			ORDER BY created_at DESC LIMIT $2`, p.transactionsTable()),
		orgID, clampLimit(limit),
	)
	if err != nil {
		return nil, apperr.Persistence("list transactions", err)
	}
	defer rows.Close()

	var out []model.CreditTransaction
	for rows.Next() {
		var t model.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter,
			&t.ReferenceType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, apperr.Persistence("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list transactions", err)
	}
	return out, nil
}

func (p *Postgres) balanceTx(ctx context.Context, tx pgx.Tx, orgID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE organization_id = $1`, p.balancesTable()),
		orgID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (p *Postgres) insertTx(ctx context.Context, tx pgx.Tx, t model.CreditTransaction) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, organization_id, user_id, type, amount, balance_after, reference_type, reference_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, p.transactionsTable()),
		t.ID, t.OrganizationID, nullable(t.UserID), t.Type, t.Amount, t.BalanceAfter,
		nullable(t.ReferenceType), nullable(t.ReferenceID), t.Description, t.CreatedAt,
	)
	return err
}

// nullable maps "" to SQL NULL so unreferenced transactions never collide on
// the reference index.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
