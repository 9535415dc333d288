// Package signals derives behavioural signals from a user's account history.
//
// The four extractors are pure functions of the history and share no state,
// so Extract runs them concurrently. Extractors never fail on thin data: a
// field they cannot compute is listed in the sub-record's InsufficientData
// marker and is reported as undefined by Fields.
package signals

import (
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

// Options tune the extractors.
type Options struct {
	WindowDays           int     `mapstructure:"window_days"`
	AmountTolerance      float64 `mapstructure:"amount_tolerance"`
	MinIncomeHistoryDays int     `mapstructure:"min_income_history_days"`
	MinRecurringCharges  int     `mapstructure:"min_recurring_charges"`
}

// DefaultOptions returns the production extractor settings.
func DefaultOptions() Options {
	return Options{
		WindowDays:           180,
		AmountTolerance:      0.10,
		MinIncomeHistoryDays: 30,
		MinRecurringCharges:  2,
	}
}

func (o Options) normalised() Options {
	def := DefaultOptions()
	if o.WindowDays <= 0 {
		o.WindowDays = def.WindowDays
	}
	if o.AmountTolerance <= 0 {
		o.AmountTolerance = def.AmountTolerance
	}
	if o.MinIncomeHistoryDays <= 0 {
		o.MinIncomeHistoryDays = def.MinIncomeHistoryDays
	}
	if o.MinRecurringCharges < 2 {
		o.MinRecurringCharges = def.MinRecurringCharges
	}
	return o
}

// windowed returns the posted transactions inside the look-back window,
// sorted by date then id. The history itself is left untouched.
func windowed(h model.AccountHistory, opts Options) []model.Transaction {
	asOf := h.EffectiveAsOf()
	start := asOf.AddDate(0, 0, -opts.WindowDays)

	out := make([]model.Transaction, 0, len(h.Transactions))
	for _, txn := range h.Transactions {
		if txn.Pending {
			continue
		}
		if txn.Date.After(asOf) || !txn.Date.After(start) {
			continue
		}
		out = append(out, txn)
	}
	slices.SortStableFunc(out, func(a, b model.Transaction) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		switch {
		case a.TransactionID < b.TransactionID:
			return -1
		case a.TransactionID > b.TransactionID:
			return 1
		}
		return 0
	})
	return out
}

func accountTypes(h model.AccountHistory) map[string]model.AccountSnapshot {
	out := make(map[string]model.AccountSnapshot, len(h.Accounts))
	for _, snap := range h.LatestSnapshots() {
		out[snap.AccountID] = snap
	}
	return out
}

func isTransfer(txn model.Transaction) bool {
	return txn.Category == model.CategoryTransferIn || txn.Category == model.CategoryTransferOut
}

func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

func medianInts(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return int(math.Round(float64(sorted[mid-1]+sorted[mid]) / 2))
}

func medianDecimal(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
