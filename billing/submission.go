package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUBMISSION ADVANCEMENT
// =============================================================================
//
// After every ledger change the line either still owes money, in which case
// whoever is responsible must have a claim queued, or it is settled, in which
// case claims still open against payers that never paid are voided.
//
//   balance >= 0.01, payer has no pending/submit bit -> Pending Submission
//                                                       (or Auto Submit)
//   balance >= 0.01, payer already queued            -> nothing
//   balance <  0.01                                  -> Voided Submission for
//                                                       each open unpaid claim

// AdvancePlan is the outcome of PlanAdvance. Both fields may be empty.
type AdvancePlan struct {
	Submission *Transaction
	Voided     []Transaction
	Snapshot   LineSnapshot
}

// Transactions returns everything the plan appends, submission first.
func (p AdvancePlan) Transactions() []Transaction {
	var out []Transaction
	if p.Submission != nil {
		out = append(out, *p.Submission)
	}
	return append(out, p.Voided...)
}

// Empty reports whether the plan appends nothing.
func (p AdvancePlan) Empty() bool { return p.Submission == nil && len(p.Voided) == 0 }

// PlanAdvance decides the follow-on submission transactions for a line.
func PlanAdvance(line BillingLine, doc BillingDocument, history History, now time.Time) AdvancePlan {
	_, snap := Recompute(line, doc, history)
	plan := AdvancePlan{Snapshot: snap}

	if snap.Settled() {
		for _, p := range snap.Submits.Difference(snap.Payments).Payers() {
			plan.Voided = append(plan.Voided, Transaction{
				Line:      line.Key,
				Kind:      KindVoidedSubmission,
				Owner:     p,
				Amount:    decimal.Zero,
				Date:      now,
				Comment:   "line settled",
				CreatedAt: now,
			})
		}
	} else {
		payer := snap.CurrentPayer
		if snap.Pendings.Has(payer) || snap.Submits.Has(payer) {
			return plan
		}
		first := line.FirstInsurance(doc)

		kind := KindPendingSubmission
		if ref := doc.Insurance(payer); ref != nil && ref.AutoSubmit && first != PayerNone && payer > first {
			kind = KindAutoSubmit
		}
		amount := snap.Balance
		if payer == first {
			amount = line.BillableAmount
		}
		plan.Submission = &Transaction{
			Line:      line.Key,
			Kind:      kind,
			Owner:     payer,
			Amount:    Round2(amount),
			Date:      now,
			CreatedAt: now,
		}
	}

	if !plan.Empty() {
		_, plan.Snapshot = Recompute(line, doc, history.With(plan.Transactions()...))
	}
	return plan
}
