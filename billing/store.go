/*
store.go - Persistence interface for billing lines and their ledgers

PURPOSE:
  Defines the boundary between the reconciliation logic and the database.
  The engine never talks to a driver: it loads a line, its document and its
  ledger, plans in memory, then appends and writes the derived snapshot.

APPEND-ONLY CONTRACT:
  - AppendBatch(): atomic multi-transaction write, assigns per-line Seq
  - NO Update() or Delete() for transactions
  - SetAllowable() and SaveSnapshot() touch the line record only

SEQUENCE:
  Seq is max(Seq)+1 for the line, assigned inside the append. Load returns
  transactions ordered by Seq, never by timestamp or row id.

IDEMPOTENCY:
  A Payment/Denied token is unique per line. A second append carrying a
  known token fails with ErrDuplicateIdempotencyKey and writes nothing.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory for tests and demos
  - store/sqlite:            SQLite
  - store/postgres:          PostgreSQL via pgx
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Lines, documents and append-only ledgers
// =============================================================================

type Store interface {
	// Line returns the line record or a NotFoundError.
	Line(ctx context.Context, key LineKey) (BillingLine, error)

	// Document returns the invoice or a NotFoundError.
	Document(ctx context.Context, key InvoiceKey) (BillingDocument, error)

	// LineKeys lists lines, optionally restricted to one invoice.
	LineKeys(ctx context.Context, invoice *InvoiceKey) ([]LineKey, error)

	// Load returns the line's transactions ordered by Seq.
	Load(ctx context.Context, key LineKey) ([]Transaction, error)

	// AppendBatch persists txs atomically and returns them with Seq set.
	AppendBatch(ctx context.Context, txs []Transaction) ([]Transaction, error)

	// SetAllowable updates the stored allowable amount of a line.
	SetAllowable(ctx context.Context, key LineKey, amount decimal.Decimal) error

	// SaveSnapshot writes the derived fields of a line.
	SaveSnapshot(ctx context.Context, snap LineSnapshot) error

	// Snapshot returns the last written snapshot, if any.
	Snapshot(ctx context.Context, key LineKey) (*LineSnapshot, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error, every write made through the inner Store is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// DocumentWriter is implemented by stores that accept new billing documents.
// The engine itself never writes documents or lines.
type DocumentWriter interface {
	SaveDocument(ctx context.Context, doc BillingDocument) error
	SaveLine(ctx context.Context, line BillingLine) error
}
