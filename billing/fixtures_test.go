package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	testKey = LineKey{CustomerID: "cust-1", InvoiceID: "inv-1", LineID: "line-1"}
	march10 = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
)

func amt(s string) decimal.Decimal { return MustAmount(s) }

func ref(n int, basis Basis) *InsuranceRef {
	id := string(rune('0' + n))
	return &InsuranceRef{
		CustomerInsuranceID: "cins-" + id,
		InsuranceCompanyID:  "co-" + id,
		Basis:               basis,
	}
}

// fourPayerDoc has all four insurance slots populated, billable basis.
func fourPayerDoc() BillingDocument {
	return BillingDocument{
		CustomerID: testKey.CustomerID,
		InvoiceID:  testKey.InvoiceID,
		Insurances: [4]*InsuranceRef{
			ref(1, BasisBillable), ref(2, BasisBillable), ref(3, BasisBillable), ref(4, BasisBillable),
		},
	}
}

// newLine bills the line to the given insurances.
func newLine(billable, allowable string, bill ...Payer) BillingLine {
	line := BillingLine{
		Key:             testKey,
		BillableAmount:  amt(billable),
		AllowableAmount: amt(allowable),
	}
	for _, p := range bill {
		line.BillIns[p.Slot()] = true
	}
	return line
}

func allFour(billable string) BillingLine {
	return newLine(billable, billable, PayerInsurance1, PayerInsurance2, PayerInsurance3, PayerInsurance4)
}

func tx(kind TransactionKind, owner Payer, amount string) Transaction {
	return Transaction{Line: testKey, Kind: kind, Owner: owner, Amount: amt(amount), Date: march10}
}

// ledger numbers transactions the way a store would.
func ledger(txs ...Transaction) History {
	for i := range txs {
		txs[i].Seq = int64(i + 1)
		if txs[i].ID == "" {
			txs[i].ID = TransactionID("tx-" + string(rune('a'+i)))
		}
	}
	return History(txs)
}

func paid(s string) *decimal.Decimal { return AmountPtr(s) }

func kinds(txs []Transaction) []TransactionKind {
	out := make([]TransactionKind, len(txs))
	for i, t := range txs {
		out[i] = t.Kind
	}
	return out
}
