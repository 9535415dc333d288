package signals

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

// Kind tells how a field value is compared and rendered.
type Kind int

const (
	KindNumber Kind = iota
	KindMoney
	KindPercent
	KindMonths
	KindText
	KindLabel
	KindBool
)

// Value is one resolved signal field.
type Value struct {
	Kind  Kind
	Num   float64
	Money decimal.Decimal
	Text  string
	Bool  bool
}

// Number returns the numeric view of v, if it has one.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case KindNumber, KindPercent, KindMonths:
		return v.Num, true
	case KindMoney:
		return v.Money.InexactFloat64(), true
	}
	return 0, false
}

// Render is the canonical text used when the value is cited in a rationale.
func (v Value) Render() string {
	switch v.Kind {
	case KindMoney:
		if v.Money.IsNegative() {
			return "-$" + v.Money.Abs().StringFixed(2)
		}
		return "$" + v.Money.StringFixed(2)
	case KindPercent:
		return strconv.FormatFloat(math.Round(v.Num*100), 'f', 0, 64) + "%"
	case KindMonths:
		return strconv.FormatFloat(v.Num, 'f', 1, 64)
	case KindNumber:
		if v.Num == math.Trunc(v.Num) {
			return strconv.FormatFloat(v.Num, 'f', 0, 64)
		}
		return strconv.FormatFloat(v.Num, 'f', 2, 64)
	case KindLabel:
		return strings.ReplaceAll(v.Text, "_", "-")
	case KindBool:
		if v.Bool {
			return "yes"
		}
		return "no"
	}
	return v.Text
}

// FieldSet holds every defined signal field of one bundle.
type FieldSet map[string]Value

// Lookup returns the field value. Undefined and insufficient fields report false.
func (fs FieldSet) Lookup(path string) (Value, bool) {
	v, ok := fs[path]
	return v, ok
}

type fieldSpec struct {
	path    string
	kind    Kind
	resolve func(b model.BehavioralSignals) (Value, bool)
}

func number(n float64) Value       { return Value{Kind: KindNumber, Num: n} }
func money(d decimal.Decimal) Value { return Value{Kind: KindMoney, Money: d} }
func percent(f float64) Value       { return Value{Kind: KindPercent, Num: f} }
func text(s string) Value           { return Value{Kind: KindText, Text: s} }
func flag(b bool) Value             { return Value{Kind: KindBool, Bool: b} }

var fieldTable = []fieldSpec{
	{"subscription.recurring_count", KindNumber, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Subscription
		return number(float64(s.RecurringCount)), !model.Missing(s.InsufficientData, "recurring_count")
	}},
	{"subscription.monthly_total", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Subscription
		return money(s.MonthlyTotal), !model.Missing(s.InsufficientData, "monthly_total")
	}},
	{"subscription.merchants", KindText, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Subscription
		return text(strings.Join(s.RecurringMerchants, ", ")), len(s.RecurringMerchants) > 0
	}},
	{"subscription.share_of_spend", KindPercent, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Subscription
		return percent(s.ShareOfSpend), !model.Missing(s.InsufficientData, "share_of_spend")
	}},
	{"savings.net_inflow", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Savings
		return money(s.NetInflow), !model.Missing(s.InsufficientData, "net_inflow")
	}},
	{"savings.growth_rate", KindPercent, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Savings
		return percent(s.GrowthRate), !model.Missing(s.InsufficientData, "growth_rate")
	}},
	{"savings.emergency_fund_months", KindMonths, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Savings
		return Value{Kind: KindMonths, Num: s.EmergencyFundMonths}, !model.Missing(s.InsufficientData, "emergency_fund_months")
	}},
	{"savings.liquid_balance", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		s := b.Savings
		return money(s.LiquidBalance), !model.Missing(s.InsufficientData, "liquid_balance")
	}},
	{"credit.total_utilization", KindPercent, func(b model.BehavioralSignals) (Value, bool) {
		c := b.Credit
		return percent(c.TotalUtilization), !model.Missing(c.InsufficientData, "total_utilization")
	}},
	{"credit.max_utilization", KindPercent, func(b model.BehavioralSignals) (Value, bool) {
		acct, ok := MaxUtilization(b.Credit)
		if !ok {
			return Value{}, false
		}
		return percent(*acct.Utilization), true
	}},
	{"credit.max_account.mask", KindText, func(b model.BehavioralSignals) (Value, bool) {
		acct, ok := MaxUtilization(b.Credit)
		return text(acct.Mask), ok && acct.Mask != ""
	}},
	{"credit.max_account.balance", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		acct, ok := MaxUtilization(b.Credit)
		return money(acct.Balance), ok
	}},
	{"credit.max_account.limit", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		acct, ok := MaxUtilization(b.Credit)
		return money(acct.Limit), ok
	}},
	{"credit.interest_account.mask", KindText, func(b model.BehavioralSignals) (Value, bool) {
		for _, acct := range b.Credit.Accounts {
			if acct.InterestCharged && acct.Mask != "" {
				return text(acct.Mask), true
			}
		}
		return Value{}, false
	}},
	{"credit.interest_charged", KindBool, func(b model.BehavioralSignals) (Value, bool) {
		for _, acct := range b.Credit.Accounts {
			if acct.InterestCharged {
				return flag(true), true
			}
		}
		return flag(false), true
	}},
	{"credit.overdue", KindBool, func(b model.BehavioralSignals) (Value, bool) {
		for _, acct := range b.Credit.Accounts {
			if acct.Overdue {
				return flag(true), true
			}
		}
		return flag(false), true
	}},
	{"credit.account_count", KindNumber, func(b model.BehavioralSignals) (Value, bool) {
		n := len(b.Credit.Accounts)
		return number(float64(n)), n > 0
	}},
	{"income.frequency", KindLabel, func(b model.BehavioralSignals) (Value, bool) {
		i := b.Income
		return Value{Kind: KindLabel, Text: string(i.Frequency)}, !model.Missing(i.InsufficientData, "frequency")
	}},
	{"income.median_gap_days", KindNumber, func(b model.BehavioralSignals) (Value, bool) {
		i := b.Income
		return number(float64(i.MedianGapDays)), !model.Missing(i.InsufficientData, "median_gap_days")
	}},
	{"income.variability", KindPercent, func(b model.BehavioralSignals) (Value, bool) {
		i := b.Income
		return percent(i.Variability), !model.Missing(i.InsufficientData, "variability")
	}},
	{"income.average_deposit", KindMoney, func(b model.BehavioralSignals) (Value, bool) {
		i := b.Income
		return money(i.AverageDeposit), !model.Missing(i.InsufficientData, "average_deposit")
	}},
	{"income.deposit_count", KindNumber, func(b model.BehavioralSignals) (Value, bool) {
		n := b.Income.DepositCount
		return number(float64(n)), n > 0
	}},
}

// Fields resolves every defined field of b.
func Fields(b model.BehavioralSignals) FieldSet {
	fs := make(FieldSet, len(fieldTable))
	for _, spec := range fieldTable {
		if v, ok := spec.resolve(b); ok {
			fs[spec.path] = v
		}
	}
	return fs
}

// KnownFields lists every field path a rule or template may reference.
func KnownFields() []string {
	out := make([]string, 0, len(fieldTable))
	for _, spec := range fieldTable {
		out = append(out, spec.path)
	}
	slices.Sort(out)
	return out
}

// FieldKind returns the kind of a known field.
func FieldKind(path string) (Kind, error) {
	for _, spec := range fieldTable {
		if spec.path == path {
			return spec.kind, nil
		}
	}
	return 0, fmt.Errorf("unknown signal field %q", path)
}
