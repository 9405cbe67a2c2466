package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// REDUCER RULES
// =============================================================================

func TestReduce_EmptyLedger(t *testing.T) {
	st := Reduce(allFour("100.00"), fourPayerDoc(), nil)

	assert.True(t, st.TotalPaid().IsZero())
	assert.True(t, st.Writeoffs.IsZero())
	assert.True(t, st.Submits.IsEmpty())
	assert.Equal(t, PayerNone, st.ProposedPayer)
}

func TestReduce_WriteoffsAccumulate(t *testing.T) {
	h := ledger(
		tx(KindWriteoff, PayerInsurance1, "2.00"),
		tx(KindContractualWriteoff, PayerInsurance1, "30.00"),
		tx(KindWriteoff, PayerPatient, "5.50"),
	)

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	assert.Equal(t, "37.5", st.Writeoffs.String())
}

func TestReduce_SubmitThenVoid_ClearsBitAndDate(t *testing.T) {
	// GIVEN: Ins1 submitted, Ins2 submitted then voided
	h := ledger(
		tx(KindSubmit, PayerInsurance1, "100.00"),
		tx(KindAutoSubmit, PayerInsurance2, "40.00"),
		tx(KindVoidedSubmission, PayerInsurance2, "0"),
	)

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	// THEN: only Ins1 keeps its bit and date
	assert.Equal(t, NewPayerSet(PayerInsurance1), st.Submits)
	require.NotNil(t, st.SubmittedOn(PayerInsurance1))
	assert.Equal(t, march10, *st.SubmittedOn(PayerInsurance1))
	assert.Nil(t, st.SubmittedOn(PayerInsurance2))
}

func TestReduce_PendingSubmissionSetsBit(t *testing.T) {
	h := ledger(tx(KindPendingSubmission, PayerInsurance3, "10.00"))

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	assert.Equal(t, NewPayerSet(PayerInsurance3), st.Pendings)
	assert.True(t, st.Submits.IsEmpty())
}

func TestReduce_PaymentBucketsAndZeroPayments(t *testing.T) {
	// GIVEN: Ins1 pays 0, then Ins2 pays 0 and later 10
	h := ledger(
		tx(KindPayment, PayerInsurance1, "0.00"),
		tx(KindPayment, PayerInsurance2, "0.004"),
		tx(KindPayment, PayerInsurance2, "10.00"),
	)

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	// THEN: Ins1 stays flagged as zero payer, Ins2's real payment clears the flag
	assert.Equal(t, NewPayerSet(PayerInsurance1), st.ZeroPayments)
	assert.Equal(t, "10.004", st.PaidBy(PayerInsurance2).String())
	assert.True(t, st.PaidBy(PayerInsurance1).IsZero())
}

func TestReduce_DeductibleIsLastWriteWins_Insurance1Only(t *testing.T) {
	h := ledger(
		tx(KindDeductible, PayerInsurance1, "20.00"),
		tx(KindDeductible, PayerInsurance1, "15.00"),
		tx(KindDeductible, PayerInsurance2, "99.00"),
	)

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	assert.Equal(t, "15", st.Deductible.String())
}

func TestReduce_ChangePayee_IgnoredForUnbilledInsurance(t *testing.T) {
	// GIVEN: line billed to Ins1 only
	line := newLine("100.00", "100.00", PayerInsurance1)
	h := ledger(tx(KindChangeCurrentPayee, PayerInsurance3, "0"))

	st := Reduce(line, fourPayerDoc(), h)

	// THEN: the override does not apply
	assert.Equal(t, PayerNone, st.ProposedPayer)

	st = Reduce(line, fourPayerDoc(), ledger(tx(KindChangeCurrentPayee, PayerPatient, "0")))
	assert.Equal(t, PayerPatient, st.ProposedPayer)
}

func TestReduce_ChangePayee_ClearedByNonNegativePayment(t *testing.T) {
	doc := fourPayerDoc()
	line := allFour("100.00")

	// GIVEN: override to Ins2, then a negative Ins2 adjustment
	h := ledger(
		tx(KindChangeCurrentPayee, PayerInsurance2, "0"),
		tx(KindPayment, PayerInsurance2, "-5.00"),
	)
	assert.Equal(t, PayerInsurance2, Reduce(line, doc, h).ProposedPayer, "negative payments keep the override")

	// WHEN: Ins2 pays a non-negative amount
	h = ledger(
		tx(KindChangeCurrentPayee, PayerInsurance2, "0"),
		tx(KindPayment, PayerInsurance2, "0.00"),
	)
	assert.Equal(t, PayerNone, Reduce(line, doc, h).ProposedPayer)
}

func TestReduce_DeniedAndAdjustAllowableHaveNoAggregateEffect(t *testing.T) {
	h := ledger(
		tx(KindDenied, PayerInsurance1, "0"),
		tx(KindAdjustAllowable, PayerInsurance1, "80.00"),
	)

	st := Reduce(allFour("100.00"), fourPayerDoc(), h)

	assert.Equal(t, Reduce(allFour("100.00"), fourPayerDoc(), nil), st)
}

// =============================================================================
// DETERMINISM
// =============================================================================

func TestReduce_IsDeterministic(t *testing.T) {
	h := ledger(
		tx(KindSubmit, PayerInsurance1, "100.00"),
		tx(KindPayment, PayerInsurance1, "60.00"),
		tx(KindChangeCurrentPayee, PayerPatient, "0"),
		tx(KindWriteoff, PayerInsurance1, "5.00"),
		tx(KindDeductible, PayerInsurance1, "10.00"),
	)
	line, doc := allFour("100.00"), fourPayerDoc()

	assert.Equal(t, Reduce(line, doc, h), Reduce(line, doc, h))
}

func TestReduce_OrderMatters(t *testing.T) {
	line, doc := allFour("100.00"), fourPayerDoc()
	override := tx(KindChangeCurrentPayee, PayerPatient, "0")
	payment := tx(KindPayment, PayerPatient, "10.00")

	before := Reduce(line, doc, ledger(override, payment))
	after := Reduce(line, doc, ledger(payment, override))

	assert.Equal(t, PayerNone, before.ProposedPayer)
	assert.Equal(t, PayerPatient, after.ProposedPayer)
}
