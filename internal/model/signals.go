package model

import (
	"slices"

	"github.com/shopspring/decimal"
)

// IncomeFrequency classifies the cadence of payroll-like deposits.
type IncomeFrequency string

const (
	FrequencyWeekly    IncomeFrequency = "weekly"
	FrequencyBiWeekly  IncomeFrequency = "bi_weekly"
	FrequencyMonthly   IncomeFrequency = "monthly"
	FrequencyIrregular IncomeFrequency = "irregular"
)

// BehavioralSignals is the per-run snapshot consumed by every later stage.
type BehavioralSignals struct {
	Subscription SubscriptionSignal `json:"subscription"`
	Savings      SavingsSignal      `json:"savings"`
	Credit       CreditSignal       `json:"credit"`
	Income       IncomeSignal       `json:"income"`
}

// SubscriptionSignal summarises recurring merchant charges.
type SubscriptionSignal struct {
	RecurringMerchants []string        `json:"recurring_merchants"`
	MonthlyTotal       decimal.Decimal `json:"monthly_total"`
	RecurringCount     int             `json:"recurring_count"`
	ShareOfSpend       float64         `json:"share_of_spend"`
	InsufficientData   []string        `json:"insufficient_data"`
}

// SavingsSignal summarises savings-account movement and runway.
type SavingsSignal struct {
	NetInflow           decimal.Decimal `json:"net_inflow"`
	GrowthRate          float64         `json:"growth_rate"`
	EmergencyFundMonths float64         `json:"emergency_fund_months"`
	LiquidBalance       decimal.Decimal `json:"liquid_balance"`
	InsufficientData    []string        `json:"insufficient_data"`
}

// CreditAccount is the per-card view inside CreditSignal. Utilization is nil
// when the account has no usable limit.
type CreditAccount struct {
	AccountID       string          `json:"account_id"`
	Mask            string          `json:"mask"`
	Utilization     *float64        `json:"utilization"`
	Balance         decimal.Decimal `json:"balance"`
	Limit           decimal.Decimal `json:"limit"`
	InterestCharged bool            `json:"interest_charged"`
	Overdue         bool            `json:"overdue"`
}

// CreditSignal summarises revolving credit usage.
type CreditSignal struct {
	Accounts         []CreditAccount `json:"accounts"`
	TotalUtilization float64         `json:"total_utilization"`
	InsufficientData []string        `json:"insufficient_data"`
}

// IncomeSignal summarises payroll-like deposits.
type IncomeSignal struct {
	Frequency        IncomeFrequency `json:"frequency"`
	MedianGapDays    int             `json:"median_gap_days"`
	Variability      float64         `json:"variability"`
	AverageDeposit   decimal.Decimal `json:"average_deposit"`
	DepositCount     int             `json:"deposit_count"`
	InsufficientData []string        `json:"insufficient_data"`
}

// Missing reports whether field is marked insufficient in markers.
func Missing(markers []string, field string) bool {
	return slices.Contains(markers, field)
}
