package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

const medicareAARP = `{
	"customer_id": "cust-1",
	"invoice_id": "inv-1",
	"insurances": [
		{"slot": 1, "customer_insurance_id": "cins-1", "insurance_company_id": "medicare", "basis": "allowed"},
		{"slot": 2, "customer_insurance_id": "cins-2", "insurance_company_id": "aarp", "auto_submit": true}
	],
	"lines": [
		{"line_id": "1", "billable_amount": "100.00", "allowable_amount": "80.00", "bill_ins": [1, 2]},
		{"line_id": "2", "billable_amount": 25.555, "allowable_amount": 20, "hardship": true}
	]
}`

func TestParseDocument(t *testing.T) {
	f := NewDocumentFactory()

	doc, lines, err := f.ParseDocument([]byte(medicareAARP))

	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceKey{CustomerID: "cust-1", InvoiceID: "inv-1"}, doc.Key())
	require.NotNil(t, doc.Insurances[0])
	assert.Equal(t, billing.BasisAllowed, doc.Insurances[0].Basis)
	require.NotNil(t, doc.Insurances[1])
	assert.Equal(t, billing.BasisBillable, doc.Insurances[1].Basis, "basis defaults to billable")
	assert.True(t, doc.Insurances[1].AutoSubmit)
	assert.Nil(t, doc.Insurances[2])

	require.Len(t, lines, 2)
	assert.Equal(t, "1", lines[0].Key.LineID)
	assert.Equal(t, [4]bool{true, true, false, false}, lines[0].BillIns)
	assert.True(t, lines[1].BillableAmount.Equal(billing.MustAmount("25.56")), "amounts are rounded to cents")
	assert.True(t, lines[1].Hardship)
	assert.Equal(t, billing.PayerNone, lines[1].FirstInsurance(doc), "line 2 is patient-only")
}

func TestParseDocument_Validation(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"malformed", `{`, ""},
		{"no customer", `{"invoice_id": "i"}`, "customer_id"},
		{"no invoice", `{"customer_id": "c"}`, "invoice_id"},
		{"slot out of range", `{"customer_id": "c", "invoice_id": "i",
			"insurances": [{"slot": 5, "customer_insurance_id": "a", "insurance_company_id": "b"}]}`, "insurances[0].slot"},
		{"slot twice", `{"customer_id": "c", "invoice_id": "i", "insurances": [
			{"slot": 1, "customer_insurance_id": "a", "insurance_company_id": "b"},
			{"slot": 1, "customer_insurance_id": "a", "insurance_company_id": "b"}]}`, "insurances[1].slot"},
		{"bad basis", `{"customer_id": "c", "invoice_id": "i",
			"insurances": [{"slot": 1, "customer_insurance_id": "a", "insurance_company_id": "b", "basis": "usual"}]}`, "insurances[0].basis"},
		{"missing line id", `{"customer_id": "c", "invoice_id": "i",
			"lines": [{"billable_amount": "1", "allowable_amount": "1"}]}`, "lines[0].line_id"},
		{"duplicate line", `{"customer_id": "c", "invoice_id": "i", "lines": [
			{"line_id": "1", "billable_amount": "1", "allowable_amount": "1"},
			{"line_id": "1", "billable_amount": "1", "allowable_amount": "1"}]}`, "lines[1].line_id"},
		{"negative billable", `{"customer_id": "c", "invoice_id": "i",
			"lines": [{"line_id": "1", "billable_amount": "-1", "allowable_amount": "1"}]}`, "lines[0].billable_amount"},
		{"bill_ins empty slot", `{"customer_id": "c", "invoice_id": "i",
			"lines": [{"line_id": "1", "billable_amount": "1", "allowable_amount": "1", "bill_ins": [2]}]}`, "lines[0].bill_ins"},
	}

	f := NewDocumentFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.ParseDocument([]byte(tt.json))

			require.ErrorIs(t, err, billing.ErrValidation)
			var ve *billing.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewDocumentFactory()
	doc, lines, err := f.ParseDocument([]byte(medicareAARP))
	require.NoError(t, err)

	doc2, lines2, err := f.FromJSON(f.ToJSON(doc, lines))

	require.NoError(t, err)
	assert.Equal(t, doc, doc2)
	require.Len(t, lines2, len(lines))
	for i := range lines {
		assert.Equal(t, lines[i].Key, lines2[i].Key)
		assert.Equal(t, lines[i].BillIns, lines2[i].BillIns)
		assert.True(t, lines[i].BillableAmount.Equal(lines2[i].BillableAmount))
	}
}
