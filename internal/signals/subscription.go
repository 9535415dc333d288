package signals

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

// cadence is a band of inter-charge gaps and the factor converting one charge
// into a monthly equivalent.
type cadence struct {
	name    string
	minDays int
	maxDays int
	monthly decimal.Decimal
}

// The annual band needs window_days of at least 350 to see two charges; the
// default 180-day window only detects weekly and monthly subscriptions.
var cadences = []cadence{
	{name: "weekly", minDays: 6, maxDays: 8, monthly: decimal.NewFromInt(52).Div(decimal.NewFromInt(12))},
	{name: "monthly", minDays: 27, maxDays: 33, monthly: decimal.NewFromInt(1)},
	{name: "annual", minDays: 350, maxDays: 380, monthly: decimal.NewFromInt(1).Div(decimal.NewFromInt(12))},
}

var minTolerance = decimal.NewFromInt(1)

// ExtractSubscription finds merchants charging the same amount on a regular cadence.
func ExtractSubscription(h model.AccountHistory, opts Options) model.SubscriptionSignal {
	opts = opts.normalised()
	txns := windowed(h, opts)

	type merchantCharges struct {
		display string
		charges []model.Transaction
	}
	groups := make(map[string]*merchantCharges)
	totalSpend := decimal.Zero
	spendCount := 0
	var first, last model.Transaction

	for _, txn := range txns {
		if !txn.Amount.IsPositive() || isTransfer(txn) || txn.Category == model.CategoryInterest {
			continue
		}
		if spendCount == 0 {
			first = txn
		}
		spendCount++
		last = txn
		totalSpend = totalSpend.Add(txn.Amount)

		key := normaliseMerchant(txn.Counterparty())
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &merchantCharges{display: strings.TrimSpace(txn.Counterparty())}
			groups[key] = g
		}
		g.charges = append(g.charges, txn)
	}

	sig := model.SubscriptionSignal{
		RecurringMerchants: []string{},
		MonthlyTotal:       decimal.Zero,
		InsufficientData:   []string{},
	}
	if spendCount == 0 {
		sig.InsufficientData = []string{"recurring_merchants", "monthly_total", "recurring_count", "share_of_spend"}
		return sig
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	monthly := decimal.Zero
	for _, k := range keys {
		g := groups[k]
		equivalent, ok := recurringMonthly(g.charges, opts)
		if !ok {
			continue
		}
		sig.RecurringMerchants = append(sig.RecurringMerchants, g.display)
		monthly = monthly.Add(equivalent)
	}
	slices.Sort(sig.RecurringMerchants)
	sig.RecurringCount = len(sig.RecurringMerchants)
	sig.MonthlyTotal = monthly.Round(2)

	spanDays := daysBetween(first.Date, last.Date)
	if spanDays < 30 {
		spanDays = 30
	}
	monthlySpend := totalSpend.Div(decimal.NewFromInt(int64(spanDays))).Mul(decimal.NewFromInt(30))
	if monthlySpend.IsPositive() {
		share := sig.MonthlyTotal.Div(monthlySpend).InexactFloat64()
		if share > 1 {
			share = 1
		}
		sig.ShareOfSpend = round(share, 4)
	}
	return sig
}

// recurringMonthly reports whether charges form a subscription and, if so,
// their monthly-equivalent cost.
func recurringMonthly(charges []model.Transaction, opts Options) (decimal.Decimal, bool) {
	if len(charges) < opts.MinRecurringCharges {
		return decimal.Zero, false
	}

	amounts := make([]decimal.Decimal, len(charges))
	for i, c := range charges {
		amounts[i] = c.Amount
	}
	median := medianDecimal(amounts)
	tolerance := median.Mul(decimal.NewFromFloat(opts.AmountTolerance))
	if tolerance.LessThan(minTolerance) {
		tolerance = minTolerance
	}
	for _, a := range amounts {
		if a.Sub(median).Abs().GreaterThan(tolerance) {
			return decimal.Zero, false
		}
	}

	var band *cadence
	for i := 1; i < len(charges); i++ {
		gap := daysBetween(charges[i-1].Date, charges[i].Date)
		if band == nil {
			band = matchCadence(gap)
			if band == nil {
				return decimal.Zero, false
			}
			continue
		}
		if gap < band.minDays || gap > band.maxDays {
			return decimal.Zero, false
		}
	}
	return median.Mul(band.monthly), true
}

func matchCadence(gap int) *cadence {
	for i := range cadences {
		if gap >= cadences[i].minDays && gap <= cadences[i].maxDays {
			return &cadences[i]
		}
	}
	return nil
}

func normaliseMerchant(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	return strings.Join(fields, " ")
}
