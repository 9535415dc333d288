package signals

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/model"
)

var asOf = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func txn(id, account string, at time.Time, amount, merchant string) model.Transaction {
	return model.Transaction{
		TransactionID: id,
		AccountID:     account,
		Date:          at,
		Amount:        decimal.RequireFromString(amount),
		MerchantName:  merchant,
	}
}

func checking(balance int64) model.AccountSnapshot {
	return model.AccountSnapshot{
		AccountID:      "chk-1",
		Type:           model.AccountDepository,
		Subtype:        "checking",
		CurrentBalance: decimal.NewFromInt(balance),
		AsOf:           asOf,
	}
}

func TestExtractSubscriptionFindsMonthlyCharges(t *testing.T) {
	h := model.AccountHistory{
		UserID:   "u1",
		AsOf:     asOf,
		Accounts: []model.AccountSnapshot{checking(1000)},
		Transactions: []model.Transaction{
			txn("n1", "chk-1", day(2024, 12, 3), "15.99", "Netflix"),
			txn("n2", "chk-1", day(2025, 1, 3), "15.99", "NETFLIX "),
			txn("n3", "chk-1", day(2025, 2, 3), "15.99", "netflix"),
			txn("s1", "chk-1", day(2024, 12, 10), "10.99", "Spotify"),
			txn("s2", "chk-1", day(2025, 1, 10), "11.49", "Spotify"),
			// irregular gap: not a subscription
			txn("c1", "chk-1", day(2024, 12, 1), "40.00", "Corner Cafe"),
			txn("c2", "chk-1", day(2024, 12, 19), "40.00", "Corner Cafe"),
			// refunds and transfers are not spend
			txn("r1", "chk-1", day(2025, 1, 15), "-15.99", "Netflix"),
			{TransactionID: "t1", AccountID: "chk-1", Date: day(2025, 1, 20), Amount: decimal.NewFromInt(500), Category: model.CategoryTransferOut, Name: "To savings"},
		},
	}

	sig := ExtractSubscription(h, DefaultOptions())
	assert.Equal(t, []string{"Netflix", "Spotify"}, sig.RecurringMerchants)
	assert.Equal(t, 2, sig.RecurringCount)
	assert.True(t, sig.MonthlyTotal.Equal(decimal.RequireFromString("27.23")), "got %s", sig.MonthlyTotal)
	assert.Greater(t, sig.ShareOfSpend, 0.0)
	assert.LessOrEqual(t, sig.ShareOfSpend, 1.0)
	assert.Empty(t, sig.InsufficientData)
}

func TestExtractSubscriptionAnnualNeedsLongWindow(t *testing.T) {
	h := model.AccountHistory{
		UserID:   "u1",
		AsOf:     asOf,
		Accounts: []model.AccountSnapshot{checking(1000)},
		Transactions: []model.Transaction{
			txn("a1", "chk-1", day(2024, 3, 5), "120.00", "Cloud Backup"),
			txn("a2", "chk-1", day(2025, 2, 27), "120.00", "Cloud Backup"),
		},
	}

	short := ExtractSubscription(h, DefaultOptions())
	assert.Empty(t, short.RecurringMerchants, "默认窗口看不到年度扣费")

	opts := DefaultOptions()
	opts.WindowDays = 400
	long := ExtractSubscription(h, opts)
	assert.Equal(t, []string{"Cloud Backup"}, long.RecurringMerchants)
	assert.True(t, long.MonthlyTotal.Equal(decimal.NewFromInt(10)), "got %s", long.MonthlyTotal)
}

func TestExtractSubscriptionWithoutSpend(t *testing.T) {
	sig := ExtractSubscription(model.AccountHistory{UserID: "u1", AsOf: asOf}, DefaultOptions())
	assert.Equal(t, []string{"recurring_merchants", "monthly_total", "recurring_count", "share_of_spend"}, sig.InsufficientData)
	assert.NotNil(t, sig.RecurringMerchants)

	fs := Fields(model.BehavioralSignals{Subscription: sig})
	_, ok := fs.Lookup("subscription.recurring_count")
	assert.False(t, ok, "数据不足时字段应视为未定义")
}

func TestExtractCredit(t *testing.T) {
	h := model.AccountHistory{
		UserID: "u1",
		AsOf:   asOf,
		Accounts: []model.AccountSnapshot{
			{AccountID: "card-1", Type: model.AccountCredit, Mask: "1111", CurrentBalance: decimal.NewFromInt(500), CreditLimit: decimal.NewFromInt(1000), AsOf: day(2025, 1, 1)},
			{AccountID: "card-2", Type: model.AccountCredit, Mask: "4523", CurrentBalance: decimal.NewFromInt(3400), CreditLimit: decimal.NewFromInt(5000), AsOf: asOf, IsOverdue: true},
			// later snapshot of card-1 supersedes the first
			{AccountID: "card-1", Type: model.AccountCredit, Mask: "1111", CurrentBalance: decimal.NewFromInt(100), CreditLimit: decimal.NewFromInt(1000), AsOf: asOf},
			{AccountID: "card-3", Type: model.AccountCredit, Mask: "9999", CurrentBalance: decimal.NewFromInt(50), AsOf: asOf},
		},
		Transactions: []model.Transaction{
			{TransactionID: "i1", AccountID: "card-1", Date: day(2025, 2, 15), Amount: decimal.RequireFromString("12.50"), Category: model.CategoryInterest},
		},
	}

	sig := ExtractCredit(h, DefaultOptions())
	require.Len(t, sig.Accounts, 3)
	assert.InDelta(t, 0.1, *sig.Accounts[0].Utilization, 1e-9)
	assert.True(t, sig.Accounts[0].InterestCharged)
	assert.InDelta(t, 0.68, *sig.Accounts[1].Utilization, 1e-9)
	assert.True(t, sig.Accounts[1].Overdue)
	assert.Nil(t, sig.Accounts[2].Utilization, "无额度的卡利用率未定义")
	assert.InDelta(t, 0.5833, sig.TotalUtilization, 1e-9)

	fs := Fields(model.BehavioralSignals{Credit: sig})
	mask, ok := fs.Lookup("credit.max_account.mask")
	require.True(t, ok)
	assert.Equal(t, "4523", mask.Render())
	util, ok := fs.Lookup("credit.max_utilization")
	require.True(t, ok)
	assert.Equal(t, "68%", util.Render())
	interest, ok := fs.Lookup("credit.interest_account.mask")
	require.True(t, ok)
	assert.Equal(t, "1111", interest.Render())
}

func TestExtractCreditWithoutCards(t *testing.T) {
	sig := ExtractCredit(model.AccountHistory{UserID: "u1", AsOf: asOf, Accounts: []model.AccountSnapshot{checking(10)}}, DefaultOptions())
	assert.Empty(t, sig.Accounts)
	assert.Equal(t, []string{"total_utilization"}, sig.InsufficientData)

	fs := Fields(model.BehavioralSignals{Credit: sig})
	_, ok := fs.Lookup("credit.max_utilization")
	assert.False(t, ok)
	_, ok = fs.Lookup("credit.account_count")
	assert.False(t, ok, "没有信用账户时计数不应作为证据")
}

func TestExtractSavings(t *testing.T) {
	savings := model.AccountSnapshot{
		AccountID:      "sav-1",
		Type:           model.AccountDepository,
		Subtype:        "Savings",
		CurrentBalance: decimal.NewFromInt(5200),
		AsOf:           asOf,
	}
	h := model.AccountHistory{
		UserID:   "u1",
		AsOf:     asOf,
		Accounts: []model.AccountSnapshot{checking(1800), savings},
		Transactions: []model.Transaction{
			{TransactionID: "d1", AccountID: "sav-1", Date: day(2025, 1, 5), Amount: decimal.NewFromInt(-100), Category: model.CategoryTransferIn},
			{TransactionID: "d2", AccountID: "sav-1", Date: day(2025, 2, 5), Amount: decimal.NewFromInt(-100), Category: model.CategoryTransferIn},
			txn("rent1", "chk-1", day(2025, 1, 1), "1500", "Landlord"),
			txn("rent2", "chk-1", day(2025, 2, 1), "1500", "Landlord"),
		},
	}

	sig := ExtractSavings(h, DefaultOptions())
	assert.True(t, sig.NetInflow.Equal(decimal.NewFromInt(200)))
	assert.InDelta(t, 0.04, sig.GrowthRate, 1e-9)
	assert.True(t, sig.LiquidBalance.Equal(decimal.NewFromInt(7000)))
	assert.InDelta(t, 4.67, sig.EmergencyFundMonths, 1e-9)
	assert.Empty(t, sig.InsufficientData)

	fs := Fields(model.BehavioralSignals{Savings: sig})
	growth, _ := fs.Lookup("savings.growth_rate")
	assert.Equal(t, "4%", growth.Render())
	months, _ := fs.Lookup("savings.emergency_fund_months")
	assert.Equal(t, "4.7", months.Render())
	liquid, _ := fs.Lookup("savings.liquid_balance")
	assert.Equal(t, "$7000.00", liquid.Render())
}

func TestExtractSavingsWithoutSavingsAccount(t *testing.T) {
	sig := ExtractSavings(model.AccountHistory{UserID: "u1", AsOf: asOf, Accounts: []model.AccountSnapshot{checking(300)}}, DefaultOptions())
	assert.Equal(t, []string{"net_inflow", "growth_rate", "emergency_fund_months"}, sig.InsufficientData)
	assert.True(t, sig.LiquidBalance.Equal(decimal.NewFromInt(300)))
}

func TestExtractIncome(t *testing.T) {
	h := model.AccountHistory{UserID: "u1", AsOf: asOf, Accounts: []model.AccountSnapshot{checking(900)}}
	for i, d := 0, day(2024, 12, 6); !d.After(asOf); i, d = i+1, d.AddDate(0, 0, 14) {
		h.Transactions = append(h.Transactions, model.Transaction{
			TransactionID: "p" + string(rune('a'+i)),
			AccountID:     "chk-1",
			Date:          d,
			Amount:        decimal.NewFromInt(-2000),
			Name:          "ACME Direct Deposit",
		})
	}

	sig := ExtractIncome(h, DefaultOptions())
	assert.Equal(t, model.FrequencyBiWeekly, sig.Frequency)
	assert.Equal(t, 14, sig.MedianGapDays)
	assert.Equal(t, 7, sig.DepositCount)
	assert.True(t, sig.AverageDeposit.Equal(decimal.NewFromInt(2000)))
	assert.Zero(t, sig.Variability)
	assert.Empty(t, sig.InsufficientData)

	fs := Fields(model.BehavioralSignals{Income: sig})
	freq, _ := fs.Lookup("income.frequency")
	assert.Equal(t, "bi-weekly", freq.Render())
}

func TestExtractIncomeThinHistory(t *testing.T) {
	h := model.AccountHistory{
		UserID:   "u1",
		AsOf:     asOf,
		Accounts: []model.AccountSnapshot{checking(900)},
		Transactions: []model.Transaction{
			{TransactionID: "p1", AccountID: "chk-1", Date: day(2025, 2, 20), Amount: decimal.NewFromInt(-1500), Category: model.CategoryIncome},
		},
	}
	sig := ExtractIncome(h, DefaultOptions())
	assert.Equal(t, 1, sig.DepositCount)
	assert.Equal(t, []string{"frequency", "median_gap_days", "variability"}, sig.InsufficientData)
	assert.True(t, sig.AverageDeposit.Equal(decimal.NewFromInt(1500)))
}

func TestExtractIsPureAndConcurrent(t *testing.T) {
	h := model.AccountHistory{
		UserID:   "u1",
		AsOf:     asOf,
		Accounts: []model.AccountSnapshot{checking(1000)},
		Transactions: []model.Transaction{
			txn("b", "chk-1", day(2025, 2, 3), "15.99", "Netflix"),
			txn("a", "chk-1", day(2025, 1, 3), "15.99", "Netflix"),
		},
	}
	before := h.Transactions[0].TransactionID

	first, err := Extract(context.Background(), h, DefaultOptions())
	require.NoError(t, err)
	second, err := Extract(context.Background(), h, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, h.Transactions[0].TransactionID, "提取不应修改输入历史")
	assert.Equal(t, 1, first.Subscription.RecurringCount)
}

func TestExtractHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Extract(ctx, model.AccountHistory{UserID: "u1", AsOf: asOf}, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRender(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"金额", money(decimal.RequireFromString("3400")), "$3400.00"},
		{"负金额", money(decimal.RequireFromString("-12.5")), "-$12.50"},
		{"百分比", percent(0.6849), "68%"},
		{"整数", number(3), "3"},
		{"小数", number(2.5), "2.50"},
		{"月数", Value{Kind: KindMonths, Num: 0.5}, "0.5"},
		{"标签", Value{Kind: KindLabel, Text: "bi_weekly"}, "bi-weekly"},
		{"布尔", flag(true), "yes"},
		{"文本", text("Netflix, Spotify"), "Netflix, Spotify"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.v.Render())
		})
	}
}

func TestFieldKind(t *testing.T) {
	kind, err := FieldKind("savings.liquid_balance")
	require.NoError(t, err)
	assert.Equal(t, KindMoney, kind)

	_, err = FieldKind("savings.nope")
	assert.Error(t, err)
	assert.Contains(t, KnownFields(), "credit.max_utilization")
}
