package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"spendsense/internal/model"
)

// Statement is the account data carried by one OFX/QFX file.
type Statement struct {
	Accounts     []model.AccountSnapshot
	Transactions []model.Transaction
}

var (
	severityPattern = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)`)
	openTagPattern  = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// normaliseOFX fixes formatting quirks some banks emit.
func normaliseOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityPattern.ReplaceAllStringFunc(content, strings.ToUpper)
	return openTagPattern.ReplaceAllString(content, "$1>")
}

// ParseStatement converts an OFX/QFX document. OFX signs amounts from the
// account holder's view (debits negative); they are flipped so that a
// positive amount leaves the account.
func ParseStatement(data []byte) (Statement, error) {
	resp, err := ofxgo.ParseResponse(bytes.NewReader([]byte(normaliseOFX(string(data)))))
	if err != nil {
		return Statement{}, fmt.Errorf("parse ofx: %w", err)
	}

	var out Statement
	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			continue
		}
		accountID := string(stmt.BankAcctFrom.AcctID)
		snap := model.AccountSnapshot{
			AccountID:      accountID,
			Type:           model.AccountDepository,
			Subtype:        strings.ToLower(stmt.BankAcctFrom.AcctType.String()),
			Mask:           mask(accountID),
			CurrentBalance: toDecimal(&stmt.BalAmt.Rat),
			AsOf:           stmt.DtAsOf.Time.UTC(),
		}
		if stmt.AvailBalAmt != nil {
			snap.AvailableBalance = toDecimal(&stmt.AvailBalAmt.Rat)
		}
		out.Accounts = append(out.Accounts, snap)
		if stmt.BankTranList != nil {
			for _, tx := range stmt.BankTranList.Transactions {
				out.Transactions = append(out.Transactions, convert(tx, accountID, false))
			}
		}
	}

	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			continue
		}
		accountID := string(stmt.CCAcctFrom.AcctID)
		// card ledger balances are negative when money is owed
		owed := toDecimal(&stmt.BalAmt.Rat).Neg()
		snap := model.AccountSnapshot{
			AccountID:      accountID,
			Type:           model.AccountCredit,
			Subtype:        "credit card",
			Mask:           mask(accountID),
			CurrentBalance: owed,
			AsOf:           stmt.DtAsOf.Time.UTC(),
		}
		if stmt.AvailBalAmt != nil {
			available := toDecimal(&stmt.AvailBalAmt.Rat)
			snap.AvailableBalance = available
			snap.CreditLimit = owed.Add(available)
		}
		out.Accounts = append(out.Accounts, snap)
		if stmt.BankTranList != nil {
			for _, tx := range stmt.BankTranList.Transactions {
				out.Transactions = append(out.Transactions, convert(tx, accountID, true))
			}
		}
	}

	if len(out.Accounts) == 0 {
		return Statement{}, fmt.Errorf("parse ofx: no bank or card statement found")
	}
	return out, nil
}

func convert(tx ofxgo.Transaction, accountID string, card bool) model.Transaction {
	amount := toDecimal(&tx.TrnAmt.Rat).Neg()
	txn := model.Transaction{
		TransactionID: string(tx.FiTID),
		AccountID:     accountID,
		Date:          day(tx.DtPosted.Time),
		Amount:        amount,
		MerchantName:  merchant(tx),
		Name:          strings.TrimSpace(string(tx.Name)),
	}

	switch tx.TrnType {
	case ofxgo.TrnTypeInt:
		// interest on a card is a charge; on a deposit account it is earned
		if card && amount.IsPositive() {
			txn.Category = model.CategoryInterest
		}
	case ofxgo.TrnTypeDirectDep:
		if !card {
			txn.Category = model.CategoryIncome
		}
	case ofxgo.TrnTypeXfer:
		if amount.IsNegative() {
			txn.Category = model.CategoryTransferIn
		} else {
			txn.Category = model.CategoryTransferOut
		}
	}
	return txn
}

func merchant(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}
	return strings.TrimSpace(string(tx.Name))
}

func toDecimal(r *big.Rat) decimal.Decimal {
	d, err := decimal.NewFromString(r.FloatString(4))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mask(accountID string) string {
	if len(accountID) <= 4 {
		return accountID
	}
	return accountID[len(accountID)-4:]
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
