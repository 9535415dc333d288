package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account types.
const (
	AccountDepository = "depository"
	AccountCredit     = "credit"
	AccountLoan       = "loan"
)

// Transaction categories the extractors look at. Anything else is ordinary spend.
const (
	CategoryIncome      = "INCOME"
	CategoryTransferIn  = "TRANSFER_IN"
	CategoryTransferOut = "TRANSFER_OUT"
	CategoryInterest    = "INTEREST"
)

// AccountHistory is one user's materialised ledger for a single pipeline run.
// It is handed to the pipeline read-only.
type AccountHistory struct {
	UserID         string            `json:"user_id"`
	ConsentGranted bool              `json:"consent_granted"`
	AsOf           time.Time         `json:"as_of"`
	Accounts       []AccountSnapshot `json:"accounts"`
	Transactions   []Transaction     `json:"transactions"`
}

// AccountSnapshot is the state of one account at a point in time.
type AccountSnapshot struct {
	AccountID        string          `json:"account_id"`
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	Mask             string          `json:"mask"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CreditLimit      decimal.Decimal `json:"credit_limit"`
	IsOverdue        bool            `json:"is_overdue"`
	AsOf             time.Time       `json:"as_of"`
}

// Transaction is a single posted ledger line. A positive Amount leaves the
// account, a negative Amount arrives in it.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	MerchantName  string          `json:"merchant_name"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Pending       bool            `json:"pending"`
}

// IsInflow reports whether money arrived in the account.
func (t Transaction) IsInflow() bool {
	return t.Amount.IsNegative()
}

// Counterparty returns the merchant name, falling back to the raw description.
func (t Transaction) Counterparty() string {
	if t.MerchantName != "" {
		return t.MerchantName
	}
	return t.Name
}

// EffectiveAsOf returns the explicit as-of date or, failing that, the latest
// transaction or snapshot date in the history.
func (h AccountHistory) EffectiveAsOf() time.Time {
	if !h.AsOf.IsZero() {
		return h.AsOf
	}
	var latest time.Time
	for _, txn := range h.Transactions {
		if txn.Date.After(latest) {
			latest = txn.Date
		}
	}
	for _, snap := range h.Accounts {
		if snap.AsOf.After(latest) {
			latest = snap.AsOf
		}
	}
	return latest
}

// LatestSnapshots returns the most recent snapshot of every account, in the
// order accounts first appear in the history.
func (h AccountHistory) LatestSnapshots() []AccountSnapshot {
	index := make(map[string]int)
	out := make([]AccountSnapshot, 0, len(h.Accounts))
	for _, snap := range h.Accounts {
		i, seen := index[snap.AccountID]
		if !seen {
			index[snap.AccountID] = len(out)
			out = append(out, snap)
			continue
		}
		if !snap.AsOf.Before(out[i].AsOf) {
			out[i] = snap
		}
	}
	return out
}

// Validate rejects histories the extractors cannot interpret.
func (h AccountHistory) Validate() error {
	if h.UserID == "" {
		return errors.New("history: user_id is required")
	}
	known := make(map[string]bool, len(h.Accounts))
	for _, snap := range h.Accounts {
		if snap.AccountID == "" {
			return errors.New("history: account snapshot without account_id")
		}
		known[snap.AccountID] = true
	}
	for _, txn := range h.Transactions {
		if txn.Date.IsZero() {
			return fmt.Errorf("history: transaction %s has no date", txn.TransactionID)
		}
		if txn.AccountID != "" && !known[txn.AccountID] {
			return fmt.Errorf("history: transaction %s references unknown account %s", txn.TransactionID, txn.AccountID)
		}
	}
	return nil
}
