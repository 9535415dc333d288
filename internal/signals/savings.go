package signals

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

var savingsSubtypes = []string{"savings", "money market", "hsa", "cd", "cash management"}

func isSavingsAccount(snap model.AccountSnapshot) bool {
	return snap.Type == model.AccountDepository && slices.Contains(savingsSubtypes, strings.ToLower(snap.Subtype))
}

// ExtractSavings measures savings-account inflow, growth and emergency runway.
func ExtractSavings(h model.AccountHistory, opts Options) model.SavingsSignal {
	opts = opts.normalised()
	txns := windowed(h, opts)
	accounts := accountTypes(h)

	sig := model.SavingsSignal{
		NetInflow:        decimal.Zero,
		LiquidBalance:    decimal.Zero,
		InsufficientData: []string{},
	}

	savingsBalance := decimal.Zero
	hasSavings := false
	hasDepository := false
	for _, snap := range h.LatestSnapshots() {
		if snap.Type != model.AccountDepository {
			continue
		}
		hasDepository = true
		sig.LiquidBalance = sig.LiquidBalance.Add(snap.CurrentBalance)
		if isSavingsAccount(snap) {
			hasSavings = true
			savingsBalance = savingsBalance.Add(snap.CurrentBalance)
		}
	}

	monthly := make(map[string]decimal.Decimal)
	for _, txn := range txns {
		acct, ok := accounts[txn.AccountID]
		if !ok || acct.Type != model.AccountDepository {
			continue
		}
		if isSavingsAccount(acct) {
			sig.NetInflow = sig.NetInflow.Sub(txn.Amount)
		}
		if txn.Amount.IsPositive() && !isTransfer(txn) {
			key := txn.Date.UTC().Format("2006-01")
			monthly[key] = monthly[key].Add(txn.Amount)
		}
	}

	if !hasSavings {
		sig.InsufficientData = append(sig.InsufficientData, "net_inflow", "growth_rate")
	} else {
		start := savingsBalance.Sub(sig.NetInflow)
		if start.IsPositive() {
			sig.GrowthRate = round(sig.NetInflow.Div(start).InexactFloat64(), 4)
		} else {
			sig.InsufficientData = append(sig.InsufficientData, "growth_rate")
		}
	}

	if !hasDepository {
		sig.InsufficientData = append(sig.InsufficientData, "liquid_balance", "emergency_fund_months")
		return sig
	}

	spend := make([]decimal.Decimal, 0, len(monthly))
	for _, v := range monthly {
		spend = append(spend, v)
	}
	essential := medianDecimal(spend)
	if !essential.IsPositive() {
		sig.InsufficientData = append(sig.InsufficientData, "emergency_fund_months")
		return sig
	}
	months := sig.LiquidBalance.Div(essential).InexactFloat64()
	if months < 0 {
		months = 0
	}
	sig.EmergencyFundMonths = round(months, 2)
	return sig
}
