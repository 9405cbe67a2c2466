/*
Package billing is the multi-payer reconciliation engine for billed service lines.

PURPOSE:
  A billing line is billed to up to four ordered insurance payers and then the
  patient. Every financial event against the line (payments, write-offs,
  deductibles, claim submissions, payer overrides) is an immutable
  Transaction appended to the line's ledger. The line's balance and the party
  currently responsible for it are never stored as facts: they are recomputed
  by replaying the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - LineKey:         (customer, invoice, line) identity of a billing line
  - BillingLine:     billed/allowed amounts and bill-to-insurance flags
  - BillingDocument: the invoice holding the ordered insurance references
  - Transaction:     immutable ledger entry owned by exactly one payer
  - LineSnapshot:    derived view of a line, produced only by Resolve

DESIGN PRINCIPLES:
  1. Append-only: corrections are new transactions (e.g. Voided Submission)
  2. Precision: decimal.Decimal with a one-cent comparison tolerance
  3. Determinism: Reduce and Resolve are pure, no clock reads
  4. Explicit order: transactions carry a per-line Seq assigned on append

SEE ALSO:
  - reducer.go:    ledger fold into LedgerState
  - resolution.go: LedgerState -> LineSnapshot
  - payment.go:    payment ingestion
  - submission.go: submission advancement
  - engine.go:     the service wiring stores, locks and events together
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string

// InvoiceKey identifies a billing document.
type InvoiceKey struct {
	CustomerID string
	InvoiceID  string
}

func (k InvoiceKey) String() string { return k.CustomerID + "/" + k.InvoiceID }

// LineKey identifies a billing line.
type LineKey struct {
	CustomerID string
	InvoiceID  string
	LineID     string
}

func (k LineKey) Invoice() InvoiceKey {
	return InvoiceKey{CustomerID: k.CustomerID, InvoiceID: k.InvoiceID}
}

func (k LineKey) String() string {
	return k.CustomerID + "/" + k.InvoiceID + "/" + k.LineID
}

// =============================================================================
// BILLING DOCUMENT - Invoice with ordered insurance references
// =============================================================================

// Basis says which amount an insurance pays against.
type Basis string

const (
	BasisBillable Basis = "billable"
	BasisAllowed  Basis = "allowed"
)

// InsuranceRef is one populated insurance slot on a document.
type InsuranceRef struct {
	CustomerInsuranceID string
	InsuranceCompanyID  string
	Basis               Basis
	// AutoSubmit marks payers that receive claims by crossover, so the
	// engine records an Auto Submit instead of a Pending Submission.
	AutoSubmit bool
}

// BillingDocument is read-only to the engine.
type BillingDocument struct {
	CustomerID string
	InvoiceID  string
	Insurances [4]*InsuranceRef
}

func (d BillingDocument) Key() InvoiceKey {
	return InvoiceKey{CustomerID: d.CustomerID, InvoiceID: d.InvoiceID}
}

// Insurance returns the reference for an insurance payer, nil otherwise.
func (d BillingDocument) Insurance(p Payer) *InsuranceRef {
	if !p.IsInsurance() {
		return nil
	}
	return d.Insurances[p.Slot()]
}

// =============================================================================
// BILLING LINE
// =============================================================================

// BillingLine holds the hand-maintained fields of a line. Everything derived
// from the ledger lives in LineSnapshot.
type BillingLine struct {
	Key             LineKey
	BillableAmount  decimal.Decimal
	AllowableAmount decimal.Decimal
	BillIns         [4]bool
	Hardship        bool
}

// Covers reports whether payer p can be responsible for the line: the patient
// always can, an insurance only when its slot is populated on the document
// and the line is billed to it.
func (l BillingLine) Covers(doc BillingDocument, p Payer) bool {
	if p == PayerPatient {
		return true
	}
	if !p.IsInsurance() {
		return false
	}
	return doc.Insurances[p.Slot()] != nil && l.BillIns[p.Slot()]
}

// FirstInsurance returns the highest-priority insurance covering the line,
// or PayerNone when the line is patient-only.
func (l BillingLine) FirstInsurance(doc BillingDocument) Payer {
	for _, p := range InsurancePayers {
		if l.Covers(doc, p) {
			return p
		}
	}
	return PayerNone
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionKind string

const (
	KindPayment             TransactionKind = "Payment"
	KindWriteoff            TransactionKind = "Writeoff"
	KindContractualWriteoff TransactionKind = "Contractual Writeoff"
	KindDeductible          TransactionKind = "Deductible"
	KindSubmit              TransactionKind = "Submit"
	KindAutoSubmit          TransactionKind = "Auto Submit"
	KindVoidedSubmission    TransactionKind = "Voided Submission"
	KindPendingSubmission   TransactionKind = "Pending Submission"
	KindChangeCurrentPayee  TransactionKind = "Change Current Payee"
	KindDenied              TransactionKind = "Denied"
	KindAdjustAllowable     TransactionKind = "Adjust Allowable"
)

var transactionKinds = map[TransactionKind]bool{
	KindPayment: true, KindWriteoff: true, KindContractualWriteoff: true,
	KindDeductible: true, KindSubmit: true, KindAutoSubmit: true,
	KindVoidedSubmission: true, KindPendingSubmission: true,
	KindChangeCurrentPayee: true, KindDenied: true, KindAdjustAllowable: true,
}

func (k TransactionKind) Valid() bool { return transactionKinds[k] }

// ParseKind validates a stored kind.
func ParseKind(s string) (TransactionKind, error) {
	k := TransactionKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown transaction kind %q", s)
	}
	return k, nil
}

// Transaction is never edited once appended. Seq is assigned by the store
// and is the only ordering the reducer relies on.
type Transaction struct {
	ID     TransactionID
	Seq    int64
	Line   LineKey
	Kind   TransactionKind
	Owner  Payer
	Amount decimal.Decimal
	Date   time.Time

	CheckNumber      string
	IdempotencyToken string
	Comment          string

	CreatedAt time.Time
}

// =============================================================================
// LINE SNAPSHOT - Derived view of a line
// =============================================================================

// LineSnapshot is the cached/derived state of a line. Resolve (or Recompute)
// is its only constructor in the engine; the fields are exported so stores
// can persist and reload it. A stored snapshot is never fed back into the
// reducer, and every engine write overwrites it from the ledger, so a
// hand-built snapshot passed to SaveSnapshot lasts until the next write.
type LineSnapshot struct {
	Key             LineKey
	BillableAmount  decimal.Decimal
	AllowableAmount decimal.Decimal

	Balance          decimal.Decimal
	PaymentAmount    decimal.Decimal
	WriteoffAmount   decimal.Decimal
	DeductibleAmount decimal.Decimal

	CurrentPayer               Payer
	CurrentInsuranceCompanyID  *string
	CurrentCustomerInsuranceID *string
	SubmittedDate              *time.Time
	ProposedPayer              Payer

	Pendings PayerSet
	Submits  PayerSet
	Payments PayerSet
}

// Settled reports whether nobody owes anything on the line.
func (s LineSnapshot) Settled() bool { return s.CurrentPayer == PayerNone }
