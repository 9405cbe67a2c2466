/*
payment.go - Payment ingestion

PURPOSE:
  Turns a remittance instruction (an EOB line, a patient payment, a denial)
  into the transactions it implies, with every duplicate guard evaluated
  against the line's ledger. Planning is pure; the Engine persists the plan
  under the line lock.

STEPS:
  1. Validate the instruction
  2. Check-number conflict, then idempotent replay
  3. Allowable adjustment (first insurance, once per payer)
  4. Payment, or Denied for a zero remittance with PostDenied
  5. Sequestration write-off; contractual write-off (first insurance, once)
  6. Deductible (Insurance-1 as first insurance, once)
  7. Reduce + Resolve
  8. Balance write-off for hardship patients or WriteoffBalance

IDEMPOTENCY:
  The token travels on the Payment/Denied transaction only. Re-posting with
  the same token appends nothing. Re-posting without a token is a new
  remittance: only the once-per-payer guards of steps 3, 5 and 6 apply.
  A token is matched per line, not per payer or amount: reusing it under
  another payer or a different paid amount replays the first post.

SEE ALSO:
  - ledger.go:     History duplicate queries
  - submission.go: what happens to the line after the payment
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INSTRUCTION
// =============================================================================

type PaymentOption string

const (
	OptionAdjustAllowable PaymentOption = "adjust-allowable"
	OptionPostDenied      PaymentOption = "post-denied"
	OptionWriteoffBalance PaymentOption = "writeoff-balance"
)

func (o PaymentOption) Valid() bool {
	switch o {
	case OptionAdjustAllowable, OptionPostDenied, OptionWriteoffBalance:
		return true
	}
	return false
}

// PaymentInstruction is one remittance against one line. Nil amounts are
// absent; Paid is required.
type PaymentInstruction struct {
	Payer               Payer
	Paid                *decimal.Decimal
	Allowable           *decimal.Decimal
	Deductible          *decimal.Decimal
	Sequestration       *decimal.Decimal
	ContractualWriteoff *decimal.Decimal

	CheckNumber      string
	IdempotencyToken string
	Comment          string

	// Date is the remittance date. Zero means "now".
	Date    time.Time
	Options []PaymentOption
}

func (in PaymentInstruction) Has(opt PaymentOption) bool {
	for _, o := range in.Options {
		if o == opt {
			return true
		}
	}
	return false
}

func (in PaymentInstruction) validate(line BillingLine, doc BillingDocument) error {
	if in.Paid == nil {
		return invalid("paid", "amount is required")
	}
	if !in.Payer.Valid() {
		return invalid("payer", "unknown payer %d", in.Payer)
	}
	if !line.Covers(doc, in.Payer) {
		return invalid("payer", "%s is not billed on line %s", in.Payer, line.Key)
	}
	optional := []struct {
		field  string
		amount *decimal.Decimal
	}{
		{"allowable", in.Allowable},
		{"deductible", in.Deductible},
		{"sequestration", in.Sequestration},
		{"contractual_writeoff", in.ContractualWriteoff},
	}
	for _, o := range optional {
		if o.amount != nil && o.amount.IsNegative() {
			return invalid(o.field, "must not be negative, got %s", o.amount.StringFixed(2))
		}
	}
	for _, o := range in.Options {
		if !o.Valid() {
			return invalid("options", "unknown option %q", o)
		}
	}
	return nil
}

// =============================================================================
// PLAN
// =============================================================================

// PaymentPlan is what PostPayment will persist.
type PaymentPlan struct {
	// Line is the line after the plan, including any allowable update.
	Line             BillingLine
	AllowableChanged bool
	Transactions     []Transaction
	Snapshot         LineSnapshot

	// Replay is set when the token was already posted; nothing is appended.
	Replay   bool
	Original *Transaction
}

// PlanPayment evaluates an instruction against a line's history. It never
// reads a clock: now stamps the planned transactions.
func PlanPayment(
	line BillingLine,
	doc BillingDocument,
	history History,
	in PaymentInstruction,
	now time.Time,
) (*PaymentPlan, error) {
	if err := in.validate(line, doc); err != nil {
		return nil, err
	}

	// 2. Conflicting reuse of a check number beats a replay.
	if prior := history.ConflictingCheck(in.Payer, in.CheckNumber, in.IdempotencyToken); prior != nil {
		return nil, &DuplicatePaymentError{
			Line:         line.Key,
			Payer:        in.Payer,
			CheckNumber:  in.CheckNumber,
			ExistingTxID: prior.ID,
		}
	}
	if prior := history.ByToken(in.IdempotencyToken); prior != nil {
		_, snap := Recompute(line, doc, history)
		return &PaymentPlan{Line: line, Snapshot: snap, Replay: true, Original: prior}, nil
	}

	date := in.Date
	if date.IsZero() {
		date = now
	}
	plan := &PaymentPlan{Line: line}
	add := func(kind TransactionKind, owner Payer, amount decimal.Decimal) *Transaction {
		plan.Transactions = append(plan.Transactions, Transaction{
			Line:      line.Key,
			Kind:      kind,
			Owner:     owner,
			Amount:    Round2(amount),
			Date:      date,
			Comment:   in.Comment,
			CreatedAt: now,
		})
		return &plan.Transactions[len(plan.Transactions)-1]
	}

	payer := in.Payer
	first := payer == line.FirstInsurance(doc)

	// 3. Allowable adjustment.
	if in.Has(OptionAdjustAllowable) && first && in.Allowable != nil &&
		Differs(*in.Allowable, line.AllowableAmount) &&
		!history.Has(KindAdjustAllowable, payer) {
		add(KindAdjustAllowable, payer, *in.Allowable)
		plan.Line.AllowableAmount = Round2(*in.Allowable)
		plan.AllowableChanged = true
	}

	// 4. Remittance.
	kind := KindPayment
	if in.Has(OptionPostDenied) && Negligible(*in.Paid) {
		kind = KindDenied
	}
	remit := add(kind, payer, *in.Paid)
	remit.CheckNumber = in.CheckNumber
	remit.IdempotencyToken = in.IdempotencyToken

	// 5. Write-offs.
	if in.Sequestration != nil && AtLeastCent(*in.Sequestration) {
		add(KindWriteoff, payer, *in.Sequestration)
	}
	if first && !history.Has(KindContractualWriteoff, payer) {
		if amount, ok := contractualWriteoff(plan.Line, doc.Insurance(payer), in.ContractualWriteoff); ok {
			add(KindContractualWriteoff, payer, amount)
		}
	}

	// 6. Deductible. Only Insurance-1 carries one; the reducer ignores others.
	if first && payer == PayerInsurance1 && in.Deductible != nil && AtLeastCent(*in.Deductible) &&
		!history.Has(KindDeductible, payer) {
		add(KindDeductible, payer, *in.Deductible)
	}

	// 7. Resolve with the planned transactions in place.
	_, snap := Recompute(plan.Line, doc, history.With(plan.Transactions...))

	// 8. Balance write-off.
	hardship := plan.Line.Hardship && snap.CurrentPayer == PayerPatient
	if AtLeastCent(snap.Balance) && (hardship || in.Has(OptionWriteoffBalance)) {
		add(KindWriteoff, snap.CurrentPayer, snap.Balance)
		_, snap = Recompute(plan.Line, doc, history.With(plan.Transactions...))
	}

	plan.Snapshot = snap
	return plan, nil
}

// contractualWriteoff picks the explicit amount, or billable - allowable when
// the insurance pays against the allowed amount.
func contractualWriteoff(line BillingLine, ref *InsuranceRef, explicit *decimal.Decimal) (decimal.Decimal, bool) {
	if explicit != nil {
		return *explicit, AtLeastCent(*explicit)
	}
	if ref == nil || ref.Basis != BasisAllowed {
		return decimal.Zero, false
	}
	amount := line.BillableAmount.Sub(line.AllowableAmount)
	return amount, AtLeastCent(amount)
}
