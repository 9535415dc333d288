package signals

import (
	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

// ExtractCredit computes per-card and aggregate utilization. Cards without a
// positive limit have undefined utilization and do not count towards the total.
func ExtractCredit(h model.AccountHistory, opts Options) model.CreditSignal {
	opts = opts.normalised()
	txns := windowed(h, opts)

	overdue := make(map[string]bool)
	for _, snap := range h.Accounts {
		if snap.IsOverdue {
			overdue[snap.AccountID] = true
		}
	}
	interest := make(map[string]bool)
	for _, txn := range txns {
		if txn.Category == model.CategoryInterest && txn.Amount.IsPositive() {
			interest[txn.AccountID] = true
		}
	}

	sig := model.CreditSignal{
		Accounts:         []model.CreditAccount{},
		InsufficientData: []string{},
	}

	balances := decimal.Zero
	limits := decimal.Zero
	for _, snap := range h.LatestSnapshots() {
		if snap.Type != model.AccountCredit {
			continue
		}
		balance := snap.CurrentBalance
		if balance.IsNegative() {
			balance = decimal.Zero
		}
		acct := model.CreditAccount{
			AccountID:       snap.AccountID,
			Mask:            snap.Mask,
			Balance:         balance,
			Limit:           snap.CreditLimit,
			InterestCharged: interest[snap.AccountID],
			Overdue:         overdue[snap.AccountID],
		}
		if snap.CreditLimit.IsPositive() {
			u := clampUnit(balance.Div(snap.CreditLimit).InexactFloat64())
			u = round(u, 4)
			acct.Utilization = &u
			balances = balances.Add(balance)
			limits = limits.Add(snap.CreditLimit)
		}
		sig.Accounts = append(sig.Accounts, acct)
	}

	if limits.IsPositive() {
		sig.TotalUtilization = round(clampUnit(balances.Div(limits).InexactFloat64()), 4)
	} else {
		sig.InsufficientData = append(sig.InsufficientData, "total_utilization")
	}
	return sig
}

// MaxUtilization returns the account with the highest defined utilization.
// Ties keep the earlier account.
func MaxUtilization(sig model.CreditSignal) (model.CreditAccount, bool) {
	var best model.CreditAccount
	found := false
	for _, acct := range sig.Accounts {
		if acct.Utilization == nil {
			continue
		}
		if !found || *acct.Utilization > *best.Utilization {
			best = acct
			found = true
		}
	}
	return best, found
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
