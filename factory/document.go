/*
Package factory converts JSON billing documents into domain records.

PURPOSE:
  Invoices and their lines are created upstream (order entry) and handed to
  the engine as JSON. The factory validates the document once, at the edge,
  so the reducer can trust every line it reads.

JSON SCHEMA:
  {
    "customer_id": "cust-1",
    "invoice_id": "inv-1",
    "insurances": [
      {"slot": 1, "customer_insurance_id": "cins-1", "insurance_company_id": "medicare",
       "basis": "allowed"},
      {"slot": 2, "customer_insurance_id": "cins-2", "insurance_company_id": "aarp",
       "auto_submit": true}
    ],
    "lines": [
      {"line_id": "1", "billable_amount": "100.00", "allowable_amount": "80.00",
       "bill_ins": [1, 2], "hardship": false}
    ]
  }

VALIDATION:
  - customer_id, invoice_id and every line_id are required; line ids unique
  - slots are 1..4 and unique; basis is billable (default) or allowed
  - amounts are non-negative, rounded to cents
  - bill_ins may only name populated slots

USAGE:
  f := factory.NewDocumentFactory()
  doc, lines, err := f.ParseDocument(body)
  store.SaveDocument(ctx, doc)
  for _, l := range lines { store.SaveLine(ctx, l) }

SEE ALSO:
  - billing/types.go: BillingDocument, BillingLine
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type DocumentJSON struct {
	CustomerID string          `json:"customer_id"`
	InvoiceID  string          `json:"invoice_id"`
	Insurances []InsuranceJSON `json:"insurances,omitempty"`
	Lines      []LineJSON      `json:"lines"`
}

type InsuranceJSON struct {
	Slot                int    `json:"slot"`
	CustomerInsuranceID string `json:"customer_insurance_id"`
	InsuranceCompanyID  string `json:"insurance_company_id"`
	Basis               string `json:"basis,omitempty"`
	AutoSubmit          bool   `json:"auto_submit,omitempty"`
}

type LineJSON struct {
	LineID          string          `json:"line_id"`
	BillableAmount  decimal.Decimal `json:"billable_amount"`
	AllowableAmount decimal.Decimal `json:"allowable_amount"`
	BillIns         []int           `json:"bill_ins,omitempty"`
	Hardship        bool            `json:"hardship,omitempty"`
}

// =============================================================================
// DOCUMENT FACTORY
// =============================================================================

type DocumentFactory struct{}

func NewDocumentFactory() *DocumentFactory {
	return &DocumentFactory{}
}

// ParseDocument parses and validates a JSON document.
func (f *DocumentFactory) ParseDocument(data []byte) (billing.BillingDocument, []billing.BillingLine, error) {
	var dj DocumentJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return billing.BillingDocument{}, nil, &billing.ValidationError{
			Reason: fmt.Sprintf("failed to parse document JSON: %v", err),
		}
	}
	return f.FromJSON(dj)
}

// FromJSON validates dj and builds the document and its lines.
func (f *DocumentFactory) FromJSON(dj DocumentJSON) (billing.BillingDocument, []billing.BillingLine, error) {
	if dj.CustomerID == "" {
		return billing.BillingDocument{}, nil, invalid("customer_id", "is required")
	}
	if dj.InvoiceID == "" {
		return billing.BillingDocument{}, nil, invalid("invoice_id", "is required")
	}

	doc := billing.BillingDocument{CustomerID: dj.CustomerID, InvoiceID: dj.InvoiceID}
	for i, ij := range dj.Insurances {
		field := fmt.Sprintf("insurances[%d]", i)
		if ij.Slot < 1 || ij.Slot > 4 {
			return billing.BillingDocument{}, nil, invalid(field+".slot", "must be 1..4, got %d", ij.Slot)
		}
		if doc.Insurances[ij.Slot-1] != nil {
			return billing.BillingDocument{}, nil, invalid(field+".slot", "slot %d listed twice", ij.Slot)
		}
		if ij.CustomerInsuranceID == "" || ij.InsuranceCompanyID == "" {
			return billing.BillingDocument{}, nil, invalid(field, "customer_insurance_id and insurance_company_id are required")
		}
		basis, err := parseBasis(ij.Basis)
		if err != nil {
			return billing.BillingDocument{}, nil, invalid(field+".basis", "%v", err)
		}
		doc.Insurances[ij.Slot-1] = &billing.InsuranceRef{
			CustomerInsuranceID: ij.CustomerInsuranceID,
			InsuranceCompanyID:  ij.InsuranceCompanyID,
			Basis:               basis,
			AutoSubmit:          ij.AutoSubmit,
		}
	}

	seen := make(map[string]bool, len(dj.Lines))
	lines := make([]billing.BillingLine, 0, len(dj.Lines))
	for i, lj := range dj.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if lj.LineID == "" {
			return billing.BillingDocument{}, nil, invalid(field+".line_id", "is required")
		}
		if seen[lj.LineID] {
			return billing.BillingDocument{}, nil, invalid(field+".line_id", "duplicate line %q", lj.LineID)
		}
		seen[lj.LineID] = true

		line, err := parseLine(doc, lj, field)
		if err != nil {
			return billing.BillingDocument{}, nil, err
		}
		lines = append(lines, line)
	}
	return doc, lines, nil
}

// ToJSON converts a document and its lines back to the wire shape.
func (f *DocumentFactory) ToJSON(doc billing.BillingDocument, lines []billing.BillingLine) DocumentJSON {
	dj := DocumentJSON{CustomerID: doc.CustomerID, InvoiceID: doc.InvoiceID}
	for i, ref := range doc.Insurances {
		if ref == nil {
			continue
		}
		dj.Insurances = append(dj.Insurances, InsuranceJSON{
			Slot:                i + 1,
			CustomerInsuranceID: ref.CustomerInsuranceID,
			InsuranceCompanyID:  ref.InsuranceCompanyID,
			Basis:               string(ref.Basis),
			AutoSubmit:          ref.AutoSubmit,
		})
	}
	for _, l := range lines {
		lj := LineJSON{
			LineID:          l.Key.LineID,
			BillableAmount:  l.BillableAmount,
			AllowableAmount: l.AllowableAmount,
			Hardship:        l.Hardship,
		}
		for i, on := range l.BillIns {
			if on {
				lj.BillIns = append(lj.BillIns, i+1)
			}
		}
		dj.Lines = append(dj.Lines, lj)
	}
	return dj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseLine(doc billing.BillingDocument, lj LineJSON, field string) (billing.BillingLine, error) {
	if lj.BillableAmount.IsNegative() {
		return billing.BillingLine{}, invalid(field+".billable_amount", "must not be negative")
	}
	if lj.AllowableAmount.IsNegative() {
		return billing.BillingLine{}, invalid(field+".allowable_amount", "must not be negative")
	}

	line := billing.BillingLine{
		Key: billing.LineKey{
			CustomerID: doc.CustomerID,
			InvoiceID:  doc.InvoiceID,
			LineID:     lj.LineID,
		},
		BillableAmount:  billing.Round2(lj.BillableAmount),
		AllowableAmount: billing.Round2(lj.AllowableAmount),
		Hardship:        lj.Hardship,
	}
	for _, slot := range lj.BillIns {
		if slot < 1 || slot > 4 {
			return billing.BillingLine{}, invalid(field+".bill_ins", "slot must be 1..4, got %d", slot)
		}
		if doc.Insurances[slot-1] == nil {
			return billing.BillingLine{}, invalid(field+".bill_ins", "slot %d has no insurance on the document", slot)
		}
		line.BillIns[slot-1] = true
	}
	return line, nil
}

func parseBasis(s string) (billing.Basis, error) {
	switch s {
	case "", string(billing.BasisBillable):
		return billing.BasisBillable, nil
	case string(billing.BasisAllowed):
		return billing.BasisAllowed, nil
	default:
		return "", fmt.Errorf("unknown basis %q", s)
	}
}

func invalid(field, format string, args ...any) error {
	return &billing.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
