package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, time.April, 2, 9, 30, 0, 0, time.UTC)

// =============================================================================
// VALIDATION
// =============================================================================

func TestPlanPayment_RequiresPaid(t *testing.T) {
	_, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, PaymentInstruction{Payer: PayerInsurance1}, now)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "paid", verr.Field)
	assert.True(t, IsClientError(err))
}

func TestPlanPayment_RejectsNegativeOptionalAmounts(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("10.00"), Deductible: paid("-1.00")}

	_, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlanPayment_RejectsPayerNotBilled(t *testing.T) {
	line := newLine("100.00", "100.00", PayerInsurance1)
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("10.00")}

	_, err := PlanPayment(line, fourPayerDoc(), nil, in, now)

	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlanPayment_RejectsUnknownOption(t *testing.T) {
	in := PaymentInstruction{Payer: PayerPatient, Paid: paid("10.00"), Options: []PaymentOption{"refund"}}

	_, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	assert.ErrorIs(t, err, ErrValidation)
}

// =============================================================================
// DUPLICATE GUARDS
// =============================================================================

func remittance(owner Payer, amount, check, token string) Transaction {
	t := tx(KindPayment, owner, amount)
	t.CheckNumber = check
	t.IdempotencyToken = token
	return t
}

func TestPlanPayment_SameCheckDifferentToken_IsDuplicate(t *testing.T) {
	// GIVEN: check 1001 already posted for Ins1 under token A
	h := ledger(remittance(PayerInsurance1, "60.00", "1001", "tok-A"))
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("60.00"), CheckNumber: "1001", IdempotencyToken: "tok-B"}

	// WHEN: the same check arrives under token B
	_, err := PlanPayment(allFour("100.00"), fourPayerDoc(), h, in, now)

	// THEN: conflict
	var dup *DuplicatePaymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, h[0].ID, dup.ExistingTxID)
	assert.True(t, IsConflict(err))
}

func TestPlanPayment_SameCheckOtherPayer_IsNotDuplicate(t *testing.T) {
	h := ledger(remittance(PayerInsurance1, "60.00", "1001", "tok-A"))
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("40.00"), CheckNumber: "1001", IdempotencyToken: "tok-B"}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), h, in, now)

	require.NoError(t, err)
	assert.Len(t, plan.Transactions, 1)
}

func TestPlanPayment_SameToken_IsReplay(t *testing.T) {
	h := ledger(remittance(PayerInsurance1, "60.00", "1001", "tok-A"))
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("60.00"), CheckNumber: "1001", IdempotencyToken: "tok-A"}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), h, in, now)

	require.NoError(t, err)
	assert.True(t, plan.Replay)
	assert.Empty(t, plan.Transactions)
	assert.Equal(t, "40", plan.Snapshot.Balance.String())
	require.NotNil(t, plan.Original)
	assert.Equal(t, h[0].ID, plan.Original.ID)
}

func TestPlanPayment_SameToken_OtherPayerAndAmount_IsReplay(t *testing.T) {
	// GIVEN: Ins1 posted 60 under tok-A
	h := ledger(remittance(PayerInsurance1, "60.00", "1001", "tok-A"))

	// WHEN: Ins2 posts a different amount reusing tok-A
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("25.00"), CheckNumber: "2002", IdempotencyToken: "tok-A"}
	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), h, in, now)

	// THEN: the token is matched per line, the first post is replayed
	require.NoError(t, err)
	assert.True(t, plan.Replay)
	assert.Empty(t, plan.Transactions)
	require.NotNil(t, plan.Original)
	assert.Equal(t, PayerInsurance1, plan.Original.Owner)
	assert.Equal(t, "40", plan.Snapshot.Balance.String())
}

func TestPlanPayment_NoToken_NoDuplicateProtection(t *testing.T) {
	// GIVEN: a payment without token already posted
	h := ledger(remittance(PayerPatient, "10.00", "1001", ""))
	in := PaymentInstruction{Payer: PayerPatient, Paid: paid("10.00"), CheckNumber: "1001"}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), h, in, now)

	// THEN: treated as a second remittance
	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
}

// =============================================================================
// POSTING STEPS
// =============================================================================

func TestPlanPayment_PostsPaymentWithCheckAndToken(t *testing.T) {
	in := PaymentInstruction{
		Payer: PayerInsurance1, Paid: paid("60.00"),
		CheckNumber: "1001", IdempotencyToken: "tok-A", Comment: "EOB 42",
	}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	require.Len(t, plan.Transactions, 1)
	p := plan.Transactions[0]
	assert.Equal(t, KindPayment, p.Kind)
	assert.Equal(t, PayerInsurance1, p.Owner)
	assert.Equal(t, "1001", p.CheckNumber)
	assert.Equal(t, "tok-A", p.IdempotencyToken)
	assert.Equal(t, now, p.Date, "missing date defaults to now")
	assert.Equal(t, PayerInsurance2, plan.Snapshot.CurrentPayer)
}

func TestPlanPayment_AdjustAllowable_FirstInsuranceOnce(t *testing.T) {
	line := allFour("100.00")
	line.AllowableAmount = amt("100.00")
	in := PaymentInstruction{
		Payer: PayerInsurance1, Paid: paid("50.00"), Allowable: paid("80.00"),
		Options: []PaymentOption{OptionAdjustAllowable},
	}

	plan, err := PlanPayment(line, fourPayerDoc(), nil, in, now)
	require.NoError(t, err)

	assert.Equal(t, []TransactionKind{KindAdjustAllowable, KindPayment}, kinds(plan.Transactions))
	assert.True(t, plan.AllowableChanged)
	assert.Equal(t, "80", plan.Line.AllowableAmount.String())

	// WHEN: a second adjustment arrives after the first was posted
	h := ledger(plan.Transactions...)
	in.Allowable = paid("70.00")
	plan, err = PlanPayment(plan.Line, fourPayerDoc(), h, in, now)
	require.NoError(t, err)

	// THEN: no second adjustment
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
	assert.False(t, plan.AllowableChanged)
}

func TestPlanPayment_AdjustAllowable_IgnoredForSecondaryAndSubCentChanges(t *testing.T) {
	line := allFour("100.00")

	in := PaymentInstruction{
		Payer: PayerInsurance2, Paid: paid("10.00"), Allowable: paid("80.00"),
		Options: []PaymentOption{OptionAdjustAllowable},
	}
	plan, err := PlanPayment(line, fourPayerDoc(), nil, in, now)
	require.NoError(t, err)
	assert.False(t, plan.AllowableChanged, "only the first insurance adjusts")

	in.Payer = PayerInsurance1
	in.Allowable = paid("99.995")
	plan, err = PlanPayment(line, fourPayerDoc(), nil, in, now)
	require.NoError(t, err)
	assert.False(t, plan.AllowableChanged, "sub-cent difference")
}

func TestPlanPayment_PostDenied(t *testing.T) {
	in := PaymentInstruction{
		Payer: PayerInsurance1, Paid: paid("0"), IdempotencyToken: "tok-D",
		Options: []PaymentOption{OptionPostDenied},
	}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindDenied}, kinds(plan.Transactions))
	assert.Equal(t, "tok-D", plan.Transactions[0].IdempotencyToken)
	// A denial is not a payment: Ins1 stays responsible.
	assert.Equal(t, PayerInsurance1, plan.Snapshot.CurrentPayer)
}

func TestPlanPayment_PostDenied_WithNonZeroPaidPostsPayment(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("5.00"), Options: []PaymentOption{OptionPostDenied}}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
}

func TestPlanPayment_Sequestration(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("30.00"), Sequestration: paid("0.60")}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment, KindWriteoff}, kinds(plan.Transactions))
	assert.Equal(t, "69.4", plan.Snapshot.Balance.String())
}

func TestPlanPayment_ContractualWriteoff_Explicit(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("60.00"), ContractualWriteoff: paid("20.00")}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment, KindContractualWriteoff}, kinds(plan.Transactions))
	assert.Equal(t, "20", plan.Snapshot.Balance.String())
}

func TestPlanPayment_ContractualWriteoff_AllowedBasis(t *testing.T) {
	// GIVEN: Ins1 pays against the allowed amount
	doc := fourPayerDoc()
	doc.Insurances[0].Basis = BasisAllowed
	line := newLine("100.00", "75.00", PayerInsurance1, PayerInsurance2)

	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("60.00")}
	plan, err := PlanPayment(line, doc, nil, in, now)
	require.NoError(t, err)

	// THEN: billable - allowable is written off automatically
	require.Equal(t, []TransactionKind{KindPayment, KindContractualWriteoff}, kinds(plan.Transactions))
	assert.Equal(t, "25", plan.Transactions[1].Amount.String())
	assert.Equal(t, "15", plan.Snapshot.Balance.String())
	assert.Equal(t, PayerInsurance2, plan.Snapshot.CurrentPayer)
}

func TestPlanPayment_ContractualWriteoff_UsesAdjustedAllowable(t *testing.T) {
	doc := fourPayerDoc()
	doc.Insurances[0].Basis = BasisAllowed
	line := newLine("100.00", "75.00", PayerInsurance1)

	in := PaymentInstruction{
		Payer: PayerInsurance1, Paid: paid("60.00"), Allowable: paid("70.00"),
		Options: []PaymentOption{OptionAdjustAllowable},
	}
	plan, err := PlanPayment(line, doc, nil, in, now)
	require.NoError(t, err)

	require.Len(t, plan.Transactions, 3)
	assert.Equal(t, "30", plan.Transactions[2].Amount.String())
}

func TestPlanPayment_ContractualWriteoff_DuplicateGuard(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("10.00"), ContractualWriteoff: paid("20.00")}
	line, doc := allFour("100.00"), fourPayerDoc()

	first, err := PlanPayment(line, doc, nil, in, now)
	require.NoError(t, err)

	second, err := PlanPayment(line, doc, ledger(first.Transactions...), in, now)
	require.NoError(t, err)

	all := History(first.Transactions).With(second.Transactions...)
	assert.Equal(t, 1, all.Count(KindContractualWriteoff))
	assert.Equal(t, 2, all.Count(KindPayment))
}

func TestPlanPayment_ContractualWriteoff_NotForSecondary(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("10.00"), ContractualWriteoff: paid("20.00")}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
}

func TestPlanPayment_Deductible_FirstInsuranceOnce(t *testing.T) {
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("40.00"), Deductible: paid("20.00")}
	line, doc := allFour("100.00"), fourPayerDoc()

	first, err := PlanPayment(line, doc, nil, in, now)
	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment, KindDeductible}, kinds(first.Transactions))
	assert.Equal(t, "20", first.Snapshot.DeductibleAmount.String())

	second, err := PlanPayment(line, doc, ledger(first.Transactions...), in, now)
	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(second.Transactions))
}

func TestPlanPayment_Deductible_NotPostedWhenIns1NotBilled(t *testing.T) {
	// GIVEN: a line billed to Ins2 only, so Ins2 is the first insurance
	line := newLine("100.00", "100.00", PayerInsurance2)
	in := PaymentInstruction{Payer: PayerInsurance2, Paid: paid("50.00"), Deductible: paid("10.00")}

	// WHEN: Ins2 remits with a deductible
	plan, err := PlanPayment(line, fourPayerDoc(), nil, in, now)
	require.NoError(t, err)

	// THEN: no Deductible is appended that the reducer would ignore
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
	assert.True(t, plan.Snapshot.DeductibleAmount.IsZero())
}

// =============================================================================
// BALANCE WRITE-OFF
// =============================================================================

func TestPlanPayment_HardshipPatient_WritesOffBalance(t *testing.T) {
	// GIVEN: hardship line billed to Ins1 only
	line := newLine("100.00", "100.00", PayerInsurance1)
	line.Hardship = true

	// WHEN: Ins1 pays 70, leaving the patient responsible
	in := PaymentInstruction{Payer: PayerInsurance1, Paid: paid("70.00")}
	plan, err := PlanPayment(line, fourPayerDoc(), nil, in, now)
	require.NoError(t, err)

	// THEN: the patient's 30 is written off
	require.Equal(t, []TransactionKind{KindPayment, KindWriteoff}, kinds(plan.Transactions))
	assert.Equal(t, PayerPatient, plan.Transactions[1].Owner)
	assert.Equal(t, "30", plan.Transactions[1].Amount.String())
	assert.True(t, plan.Snapshot.Settled())
}

func TestPlanPayment_Hardship_NotWhileInsuranceResponsible(t *testing.T) {
	line := allFour("100.00")
	line.Hardship = true

	plan, err := PlanPayment(line, fourPayerDoc(), nil, PaymentInstruction{Payer: PayerInsurance1, Paid: paid("70.00")}, now)

	require.NoError(t, err)
	assert.Equal(t, []TransactionKind{KindPayment}, kinds(plan.Transactions))
	assert.Equal(t, PayerInsurance2, plan.Snapshot.CurrentPayer)
}

func TestPlanPayment_WriteoffBalance_OwnedByCurrentPayer(t *testing.T) {
	in := PaymentInstruction{
		Payer: PayerInsurance1, Paid: paid("70.00"),
		Options: []PaymentOption{OptionWriteoffBalance},
	}

	plan, err := PlanPayment(allFour("100.00"), fourPayerDoc(), nil, in, now)

	require.NoError(t, err)
	require.Len(t, plan.Transactions, 2)
	assert.Equal(t, PayerInsurance2, plan.Transactions[1].Owner)
	assert.Equal(t, "30", plan.Transactions[1].Amount.String())
	assert.True(t, plan.Snapshot.Balance.IsZero())
}
