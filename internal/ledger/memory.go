package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// Memory is an in-process Ledger for tests and single-process development.
type Memory struct {
	mu           sync.Mutex
	balances     map[string]*model.CreditBalance
	transactions map[string][]model.CreditTransaction
	references   map[string]struct{}
	now          func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[string]*model.CreditBalance),
		transactions: make(map[string][]model.CreditTransaction),
		references:   make(map[string]struct{}),
		now:          time.Now,
	}
}

func referenceKey(refType, refID string) string {
	return refType + "\x00" + refID
}

func (m *Memory) GetBalance(_ context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[orgID]; ok {
		return b.Balance, nil
	}
	return 0, nil
}

func (m *Memory) HasEnoughCredits(ctx context.Context, orgID string, amount int64) (bool, error) {
	balance, err := m.GetBalance(ctx, orgID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (m *Memory) Debit(_ context.Context, req DebitRequest) (DebitResult, error) {
	if err := req.validate(); err != nil {
		return DebitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var balance int64
	b, ok := m.balances[req.OrganizationID]
	if ok {
		balance = b.Balance
	}

	if req.ReferenceID != "" {
		if _, dup := m.references[referenceKey(req.ReferenceType, req.ReferenceID)]; dup {
			return DebitResult{Balance: balance, Duplicate: true}, nil
		}
	}
	if !ok || b.Balance < req.Amount {
		return DebitResult{}, &apperr.InsufficientCreditsError{Required: req.Amount, Available: balance}
	}

	now := m.now().UTC()
	if !now.Before(b.PeriodEnd) {
		b.PeriodStart, b.PeriodEnd = model.MonthlyPeriod(now)
		b.PeriodCreditsUsed = 0
	}
	b.Balance -= req.Amount
	b.PeriodCreditsUsed += req.Amount
	b.UpdatedAt = now

	if req.ReferenceID != "" {
		m.references[referenceKey(req.ReferenceType, req.ReferenceID)] = struct{}{}
	}
	m.appendLocked(model.CreditTransaction{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           model.TransactionDebit,
		Amount:         -req.Amount,
		BalanceAfter:   b.Balance,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		Description:    req.Description,
	})
	return DebitResult{Balance: b.Balance}, nil
}

func (m *Memory) Credit(_ context.Context, orgID string, amount int64, txType model.TransactionType, description string) (int64, error) {
	if err := validateCredit(orgID, amount, txType); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.ensureLocked(orgID)
	b.Balance += amount
	b.UpdatedAt = m.now().UTC()
	m.appendLocked(model.CreditTransaction{
		OrganizationID: orgID,
		Type:           txType,
		Amount:         amount,
		BalanceAfter:   b.Balance,
		Description:    description,
	})
	return b.Balance, nil
}

func (m *Memory) InitializeBalance(_ context.Context, orgID string, initialCredits int64) error {
	if orgID == "" {
		return apperr.Validation("organizationId", "is required")
	}
	if initialCredits < 0 {
		return apperr.Validation("initialCredits", "must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[orgID]; ok {
		return nil
	}
	b := m.ensureLocked(orgID)
	if initialCredits > 0 {
		b.Balance = initialCredits
		m.appendLocked(model.CreditTransaction{
			OrganizationID: orgID,
			Type:           model.TransactionSubscription,
			Amount:         initialCredits,
			BalanceAfter:   initialCredits,
			Description:    "initial balance",
		})
	}
	return nil
}

// Transactions returns the newest transactions first.
func (m *Memory) Transactions(_ context.Context, orgID string, limit int) ([]model.CreditTransaction, error) {
	limit = clampLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.transactions[orgID]
	out := make([]model.CreditTransaction, 0, min(limit, len(txs)))
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out, nil
}

func (m *Memory) ensureLocked(orgID string) *model.CreditBalance {
	if b, ok := m.balances[orgID]; ok {
		return b
	}
	now := m.now().UTC()
	start, end := model.MonthlyPeriod(now)
	b := &model.CreditBalance{
		OrganizationID: orgID,
		PeriodStart:    start,
		PeriodEnd:      end,
		UpdatedAt:      now,
	}
	m.balances[orgID] = b
	return b
}

func (m *Memory) appendLocked(tx model.CreditTransaction) {
	tx.ID = uuid.New().String()
	tx.CreatedAt = m.now().UTC()
	m.transactions[tx.OrganizationID] = append(m.transactions[tx.OrganizationID], tx)
}
