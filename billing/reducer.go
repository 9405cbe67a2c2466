/*
reducer.go - Fold a line's ledger into aggregate state

PURPOSE:
  Reduce walks a line's transactions in Seq order once and produces the
  per-payer aggregates every other procedure depends on. There is no stored
  balance that can drift from the ledger: callers reduce, then Resolve.

RULES (per transaction kind):
  Writeoff, Contractual Writeoff  add to the write-off total
  Submit, Auto Submit             owner joins Submits, submit date recorded
  Voided Submission               owner leaves Submits, submit date cleared
  Pending Submission              owner joins Pendings
  Change Current Payee            ProposedPayer = owner, if owner still covers the line
  Payment                         owner bucket += amount; |amount| < 0.01 marks
                                  a zero payment, anything else clears it; a
                                  non-negative payment by the proposed payer
                                  clears the override
  Deductible (Insurance-1 only)   last write wins
  Denied, Adjust Allowable        no aggregate effect

ORDER MATTERS:
  Reordering the ledger can change ZeroPayments, Submits and ProposedPayer,
  so the input must be in Seq order. Reducing the same list twice always
  yields the same state.
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState is the output of Reduce.
type LedgerState struct {
	// Payments per payer, indexed by Payer (index 0 unused).
	Payments      [6]decimal.Decimal
	Writeoffs     decimal.Decimal
	Deductible    decimal.Decimal
	Pendings      PayerSet
	Submits       PayerSet
	ZeroPayments  PayerSet
	ProposedPayer Payer
	SubmitDates   [6]*time.Time
}

// PaidBy returns the running payment total of a payer.
func (s LedgerState) PaidBy(p Payer) decimal.Decimal {
	if !p.Valid() {
		return decimal.Zero
	}
	return s.Payments[p]
}

// TotalPaid sums every payer bucket.
func (s LedgerState) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for _, p := range AllPayers {
		total = total.Add(s.Payments[p])
	}
	return total
}

// SubmittedOn returns the date of the payer's live submission, if any.
func (s LedgerState) SubmittedOn(p Payer) *time.Time {
	if !p.Valid() {
		return nil
	}
	return s.SubmitDates[p]
}

// Reduce folds txs (ordered by Seq) for one line. The line and document are
// only consulted to decide whether a payer override still applies.
func Reduce(line BillingLine, doc BillingDocument, txs []Transaction) LedgerState {
	var st LedgerState
	for i := range st.Payments {
		st.Payments[i] = decimal.Zero
	}
	st.Writeoffs = decimal.Zero
	st.Deductible = decimal.Zero

	for _, tx := range txs {
		owner := tx.Owner
		if !owner.Valid() {
			continue
		}

		switch tx.Kind {
		case KindWriteoff, KindContractualWriteoff:
			st.Writeoffs = st.Writeoffs.Add(tx.Amount)

		case KindSubmit, KindAutoSubmit:
			st.Submits = st.Submits.With(owner)
			date := tx.Date
			st.SubmitDates[owner] = &date

		case KindVoidedSubmission:
			st.Submits = st.Submits.Without(owner)
			st.SubmitDates[owner] = nil

		case KindPendingSubmission:
			st.Pendings = st.Pendings.With(owner)

		case KindChangeCurrentPayee:
			if line.Covers(doc, owner) {
				st.ProposedPayer = owner
			}

		case KindPayment:
			st.Payments[owner] = st.Payments[owner].Add(tx.Amount)
			if Negligible(tx.Amount) {
				st.ZeroPayments = st.ZeroPayments.With(owner)
			} else {
				st.ZeroPayments = st.ZeroPayments.Without(owner)
			}
			if owner == st.ProposedPayer && !tx.Amount.IsNegative() {
				st.ProposedPayer = PayerNone
			}

		case KindDeductible:
			if owner == PayerInsurance1 {
				st.Deductible = tx.Amount
			}
		}
	}
	return st
}
