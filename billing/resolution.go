package billing

// =============================================================================
// PAYER RESOLUTION - LedgerState -> LineSnapshot
// =============================================================================

// Resolve turns reduced state into the line's derived view.
//
// Order of precedence for CurrentPayer:
//  1. balance < 0.01            -> PayerNone
//  2. a proposed payer override -> that payer, if it still covers the line
//  3. first covering insurance with no payment and no zero payment
//  4. the patient
func Resolve(line BillingLine, doc BillingDocument, st LedgerState) LineSnapshot {
	paid := st.TotalPaid()
	balance := line.BillableAmount.Sub(paid).Sub(st.Writeoffs)

	snap := LineSnapshot{
		Key:              line.Key,
		BillableAmount:   line.BillableAmount,
		AllowableAmount:  line.AllowableAmount,
		Balance:          NonNegative(balance),
		PaymentAmount:    paid,
		WriteoffAmount:   st.Writeoffs,
		DeductibleAmount: st.Deductible,
		ProposedPayer:    st.ProposedPayer,
		Pendings:         st.Pendings,
		Submits:          st.Submits,
		Payments:         paymentSet(st),
	}

	if BelowCent(balance) {
		snap.CurrentPayer = PayerNone
		return snap
	}

	snap.CurrentPayer = currentPayer(line, doc, st)
	snap.SubmittedDate = st.SubmittedOn(snap.CurrentPayer)
	if ref := doc.Insurance(snap.CurrentPayer); ref != nil {
		company, insurance := ref.InsuranceCompanyID, ref.CustomerInsuranceID
		snap.CurrentInsuranceCompanyID = &company
		snap.CurrentCustomerInsuranceID = &insurance
	}
	return snap
}

func currentPayer(line BillingLine, doc BillingDocument, st LedgerState) Payer {
	if st.ProposedPayer.Valid() && line.Covers(doc, st.ProposedPayer) {
		return st.ProposedPayer
	}
	for _, p := range InsurancePayers {
		if !line.Covers(doc, p) {
			continue
		}
		if BelowCent(st.Payments[p]) && !st.ZeroPayments.Has(p) {
			return p
		}
	}
	return PayerPatient
}

func paymentSet(st LedgerState) PayerSet {
	var s PayerSet
	for _, p := range AllPayers {
		if AtLeastCent(st.Payments[p]) || st.ZeroPayments.Has(p) {
			s = s.With(p)
		}
	}
	return s
}

// Recompute is Reduce followed by Resolve.
func Recompute(line BillingLine, doc BillingDocument, txs []Transaction) (LedgerState, LineSnapshot) {
	st := Reduce(line, doc, txs)
	return st, Resolve(line, doc, st)
}
