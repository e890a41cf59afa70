package model

import "time"

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TransactionDebit        TransactionType = "debit"
	TransactionCredit       TransactionType = "credit"
	TransactionAdjustment   TransactionType = "adjustment"
	TransactionRefund       TransactionType = "refund"
	TransactionPurchase     TransactionType = "purchase"
	TransactionSubscription TransactionType = "subscription"
	TransactionBonus        TransactionType = "bonus"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDebit, TransactionCredit, TransactionAdjustment, TransactionRefund,
		TransactionPurchase, TransactionSubscription, TransactionBonus:
		return true
	}
	return false
}

// ReferenceTypeJob is the reference type used for job settlement debits.
const ReferenceTypeJob = "ai_job"

// CreditBalance is the single balance row owned by an organization.
type CreditBalance struct {
	OrganizationID    string    `json:"organizationId"`
	Balance           int64     `json:"balance"`
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	PeriodCreditsUsed int64     `json:"periodCreditsUsed"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CreditTransaction is an immutable ledger entry. Debits carry a negative amount.
type CreditTransaction struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balanceAfter"`
	ReferenceType  string          `json:"referenceType,omitempty"`
	ReferenceID    string          `json:"referenceId,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MonthlyPeriod returns the calendar month window containing t, in UTC.
func MonthlyPeriod(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
