// Package ledger holds organization credit balances and their append-only
// transaction log.
//
// Every mutation is a single atomic check-write-append unit. Debits tied to
// a reference (for example a job id) are idempotent: a repeated debit with
// the same (referenceType, referenceID) is a no-op that reports the current
// balance.
package ledger

import (
	"context"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Ledger is the credit balance store.
type Ledger interface {
	GetBalance(ctx context.Context, orgID string) (int64, error)
	HasEnoughCredits(ctx context.Context, orgID string, amount int64) (bool, error)
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Credit(ctx context.Context, orgID string, amount int64, txType model.TransactionType, description string) (int64, error)
	InitializeBalance(ctx context.Context, orgID string, initialCredits int64) error
	Transactions(ctx context.Context, orgID string, limit int) ([]model.CreditTransaction, error)
}

// DebitRequest describes one charge.
type DebitRequest struct {
	OrganizationID string
	UserID         string
	Amount         int64
	ReferenceType  string
	ReferenceID    string
	Description    string
}

// DebitResult reports the balance after a debit. Duplicate is set when the
// reference had already been charged and nothing changed.
type DebitResult struct {
	Balance   int64
	Duplicate bool
}

const defaultTransactionLimit = 50

func (r DebitRequest) validate() error {
	if r.OrganizationID == "" {
		return apperr.Validation("organizationId", "is required")
	}
	if r.Amount <= 0 {
		return apperr.Validation("amount", "must be positive, got %d", r.Amount)
	}
	if (r.ReferenceType == "") != (r.ReferenceID == "") {
		return apperr.Validation("reference", "type and id must be set together")
	}
	return nil
}

func validateCredit(orgID string, amount int64, txType model.TransactionType) error {
	if orgID == "" {
		return apperr.Validation("organizationId", "is required")
	}
	if amount <= 0 {
		return apperr.Validation("amount", "must be positive, got %d", amount)
	}
	if !txType.Valid() || txType == model.TransactionDebit {
		return apperr.Validation("type", "invalid credit transaction type %q", txType)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultTransactionLimit
	}
	return limit
}
