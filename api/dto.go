/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: payers travel as names
  ("ins1", "patient"), payer sets as name lists, money as fixed two-decimal
  strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request shapes are checked in handlers (toInstruction, parseDate). Business
  rules live in the billing package and surface as ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/document.go: DocumentJSON, the document upload body
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// LINES
// =============================================================================

// LineDTO is the derived view of one billing line.
type LineDTO struct {
	CustomerID string `json:"customer_id"`
	InvoiceID  string `json:"invoice_id"`
	LineID     string `json:"line_id"`

	BillableAmount   string `json:"billable_amount"`
	AllowableAmount  string `json:"allowable_amount"`
	Balance          string `json:"balance"`
	PaymentAmount    string `json:"payment_amount"`
	WriteoffAmount   string `json:"writeoff_amount"`
	DeductibleAmount string `json:"deductible_amount"`

	CurrentPayer               string  `json:"current_payer"`
	CurrentInsuranceCompanyID  *string `json:"current_insurance_company_id,omitempty"`
	CurrentCustomerInsuranceID *string `json:"current_customer_insurance_id,omitempty"`
	SubmittedDate              *string `json:"submitted_date,omitempty"`
	ProposedPayer              string  `json:"proposed_payer,omitempty"`

	Pendings []string `json:"pendings"`
	Submits  []string `json:"submits"`
	Payments []string `json:"payments"`
}

func toLineDTO(s billing.LineSnapshot) LineDTO {
	dto := LineDTO{
		CustomerID:                 s.Key.CustomerID,
		InvoiceID:                  s.Key.InvoiceID,
		LineID:                     s.Key.LineID,
		BillableAmount:             money(s.BillableAmount),
		AllowableAmount:            money(s.AllowableAmount),
		Balance:                    money(s.Balance),
		PaymentAmount:              money(s.PaymentAmount),
		WriteoffAmount:             money(s.WriteoffAmount),
		DeductibleAmount:           money(s.DeductibleAmount),
		CurrentPayer:               payerName(s.CurrentPayer),
		CurrentInsuranceCompanyID:  s.CurrentInsuranceCompanyID,
		CurrentCustomerInsuranceID: s.CurrentCustomerInsuranceID,
		Pendings:                   payerNames(s.Pendings),
		Submits:                    payerNames(s.Submits),
		Payments:                   payerNames(s.Payments),
	}
	if s.ProposedPayer != billing.PayerNone {
		dto.ProposedPayer = payerName(s.ProposedPayer)
	}
	if s.SubmittedDate != nil {
		d := s.SubmittedDate.Format(dateLayout)
		dto.SubmittedDate = &d
	}
	return dto
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID               string `json:"id"`
	Seq              int64  `json:"seq"`
	Kind             string `json:"kind"`
	Owner            string `json:"owner"`
	Amount           string `json:"amount"`
	Date             string `json:"date"`
	CheckNumber      string `json:"check_number,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	Comment          string `json:"comment,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toTransactionDTO(tx billing.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		Seq:              tx.Seq,
		Kind:             string(tx.Kind),
		Owner:            payerName(tx.Owner),
		Amount:           money(tx.Amount),
		Date:             tx.Date.Format(dateLayout),
		CheckNumber:      tx.CheckNumber,
		IdempotencyToken: tx.IdempotencyToken,
		Comment:          tx.Comment,
		CreatedAt:        tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []billing.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type DocumentDTO struct {
	CustomerID string    `json:"customer_id"`
	InvoiceID  string    `json:"invoice_id"`
	Lines      []LineDTO `json:"lines"`
}

type InvoiceKeyDTO struct {
	CustomerID string `json:"customer_id"`
	InvoiceID  string `json:"invoice_id"`
}

// =============================================================================
// COMMANDS
// =============================================================================

// PostPaymentRequest is one remittance. Amounts accept JSON numbers or
// strings; omitted amounts are absent, not zero.
type PostPaymentRequest struct {
	Payer               string           `json:"payer"`
	Paid                *decimal.Decimal `json:"paid"`
	Allowable           *decimal.Decimal `json:"allowable,omitempty"`
	Deductible          *decimal.Decimal `json:"deductible,omitempty"`
	Sequestration       *decimal.Decimal `json:"sequestration,omitempty"`
	ContractualWriteoff *decimal.Decimal `json:"contractual_writeoff,omitempty"`
	CheckNumber         string           `json:"check_number,omitempty"`
	IdempotencyToken    string           `json:"idempotency_token,omitempty"`
	Comment             string           `json:"comment,omitempty"`
	Date                string           `json:"date,omitempty"` // YYYY-MM-DD
	Options             []string         `json:"options,omitempty"`
}

func (r PostPaymentRequest) toInstruction() (billing.PaymentInstruction, error) {
	payer, err := billing.ParsePayer(r.Payer)
	if err != nil {
		return billing.PaymentInstruction{}, &billing.ValidationError{Field: "payer", Reason: err.Error()}
	}
	date, err := parseDate("date", r.Date)
	if err != nil {
		return billing.PaymentInstruction{}, err
	}
	in := billing.PaymentInstruction{
		Payer:               payer,
		Paid:                r.Paid,
		Allowable:           r.Allowable,
		Deductible:          r.Deductible,
		Sequestration:       r.Sequestration,
		ContractualWriteoff: r.ContractualWriteoff,
		CheckNumber:         r.CheckNumber,
		IdempotencyToken:    r.IdempotencyToken,
		Comment:             r.Comment,
		Date:                date,
	}
	for _, o := range r.Options {
		in.Options = append(in.Options, billing.PaymentOption(o))
	}
	return in, nil
}

type ChangePayeeRequest struct {
	Payer   string `json:"payer"`
	Comment string `json:"comment,omitempty"`
}

type RecordSubmissionRequest struct {
	Payer string `json:"payer"`
	Date  string `json:"date,omitempty"` // YYYY-MM-DD, default today
}

type VoidSubmissionRequest struct {
	Payer   string `json:"payer"`
	Comment string `json:"comment,omitempty"`
}

type AdvanceResponse struct {
	Submission *TransactionDTO  `json:"submission"`
	Voided     []TransactionDTO `json:"voided"`
	Line       LineDTO          `json:"line"`
}

// SweepRequest restricts a sweep to one invoice when both ids are set.
type SweepRequest struct {
	CustomerID string `json:"customer_id,omitempty"`
	InvoiceID  string `json:"invoice_id,omitempty"`
}

type SweepResponse struct {
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

func toSweepResponse(res *billing.BatchResult) SweepResponse {
	out := SweepResponse{Succeeded: res.Succeeded, Failed: make(map[string]string, len(res.Failed))}
	for k, err := range res.Failed {
		out.Failed[k.String()] = err.Error()
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func payerName(p billing.Payer) string { return strings.ToLower(p.String()) }

func payerNames(s billing.PayerSet) []string {
	names := []string{}
	for _, p := range s.Payers() {
		names = append(names, payerName(p))
	}
	return names
}

// parseDate accepts YYYY-MM-DD; empty means zero (the engine defaults it).
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field, Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}
