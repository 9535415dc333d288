package signals

import (
	"math"
	"regexp"

	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

var payrollPattern = regexp.MustCompile(`(?i)\b(payroll|direct\s*dep(osit)?|salary|paycheck|wages)\b`)

// frequencyBands map a median deposit gap to a payment frequency.
var frequencyBands = []struct {
	frequency model.IncomeFrequency
	minDays   int
	maxDays   int
}{
	{model.FrequencyWeekly, 5, 9},
	{model.FrequencyBiWeekly, 10, 17},
	{model.FrequencyMonthly, 26, 35},
}

// ExtractIncome detects payroll-like deposits and their cadence.
func ExtractIncome(h model.AccountHistory, opts Options) model.IncomeSignal {
	opts = opts.normalised()
	txns := windowed(h, opts)
	accounts := accountTypes(h)

	sig := model.IncomeSignal{
		Frequency:        model.FrequencyIrregular,
		AverageDeposit:   decimal.Zero,
		InsufficientData: []string{},
	}

	var deposits []model.Transaction
	for _, txn := range txns {
		if !txn.IsInflow() || isTransfer(txn) {
			continue
		}
		if acct, ok := accounts[txn.AccountID]; ok && acct.Type != model.AccountDepository {
			continue
		}
		if txn.Category == model.CategoryIncome || payrollPattern.MatchString(txn.Counterparty()) {
			deposits = append(deposits, txn)
		}
	}
	sig.DepositCount = len(deposits)

	if len(deposits) == 0 {
		sig.InsufficientData = []string{"frequency", "median_gap_days", "variability", "average_deposit"}
		return sig
	}

	amounts := make([]float64, len(deposits))
	total := decimal.Zero
	for i, d := range deposits {
		amt := d.Amount.Neg()
		total = total.Add(amt)
		amounts[i] = amt.InexactFloat64()
	}
	sig.AverageDeposit = total.Div(decimal.NewFromInt(int64(len(deposits)))).Round(2)

	historyDays := 0
	if len(txns) > 0 {
		historyDays = daysBetween(txns[0].Date, txns[len(txns)-1].Date)
	}
	if len(deposits) < 2 || historyDays < opts.MinIncomeHistoryDays {
		sig.InsufficientData = []string{"frequency", "median_gap_days", "variability"}
		return sig
	}

	gaps := make([]int, 0, len(deposits)-1)
	for i := 1; i < len(deposits); i++ {
		gaps = append(gaps, daysBetween(deposits[i-1].Date, deposits[i].Date))
	}
	sig.MedianGapDays = medianInts(gaps)
	for _, band := range frequencyBands {
		if sig.MedianGapDays >= band.minDays && sig.MedianGapDays <= band.maxDays {
			sig.Frequency = band.frequency
			break
		}
	}
	sig.Variability = round(coefficientOfVariation(amounts), 4)
	return sig
}

func coefficientOfVariation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(values))) / mean
}
