package service

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/ledger"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// CreditService exposes organization balances and grants
type CreditService struct {
	ledger       ledger.Ledger
	initialGrant int64
}

// NewCreditService creates a credit service. Organizations seen for the first
// time receive initialGrant credits when it is positive.
func NewCreditService(l ledger.Ledger, initialGrant int64) *CreditService {
	return &CreditService{
		ledger:       l,
		initialGrant: initialGrant,
	}
}

// BalanceResponse is the balance view of an organization
type BalanceResponse struct {
	OrganizationID string `json:"organizationId"`
	Balance        int64  `json:"balance"`
}

// EnsureAccount creates the balance row of orgID if it is missing.
func (s *CreditService) EnsureAccount(ctx context.Context, orgID string) error {
	if s.initialGrant <= 0 {
		return nil
	}
	return s.ledger.InitializeBalance(ctx, orgID, s.initialGrant)
}

func (s *CreditService) Balance(ctx context.Context, orgID string) (*BalanceResponse, error) {
	if err := s.EnsureAccount(ctx, orgID); err != nil {
		return nil, err
	}
	balance, err := s.ledger.GetBalance(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{OrganizationID: orgID, Balance: balance}, nil
}

// HasEnough reports whether orgID can cover amount, with the balance seen.
func (s *CreditService) HasEnough(ctx context.Context, orgID string, amount int64) (bool, int64, error) {
	if err := s.EnsureAccount(ctx, orgID); err != nil {
		return false, 0, err
	}
	ok, err := s.ledger.HasEnoughCredits(ctx, orgID, amount)
	if err != nil || ok {
		return ok, 0, err
	}
	balance, err := s.ledger.GetBalance(ctx, orgID)
	return false, balance, err
}

func (s *CreditService) Transactions(ctx context.Context, orgID string, limit int) ([]model.CreditTransaction, error) {
	return s.ledger.Transactions(ctx, orgID, limit)
}

// Grant adds credits of the given transaction type.
func (s *CreditService) Grant(ctx context.Context, orgID string, amount int64, txType model.TransactionType, description string) (int64, error) {
	balance, err := s.ledger.Credit(ctx, orgID, amount, txType, description)
	if err != nil {
		return 0, err
	}
	log.Infof("[Credits] granted %d %s credits to %s, balance %d", amount, txType, orgID, balance)
	return balance, nil
}
