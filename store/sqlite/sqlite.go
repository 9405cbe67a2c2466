/*
Package sqlite provides a SQLite-backed billing.TxStore.

PURPOSE:
  Persists billing documents, lines, their append-only transaction ledgers
  and the derived line fields written after each recompute. The same schema
  is used by store/postgres with the dialect differences noted there.

INTERFACES IMPLEMENTED:
  billing.Store:          lines, documents, ledger, snapshots
  billing.TxStore:        WithTx over a database transaction
  billing.DocumentWriter: SaveDocument / SaveLine

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table (Reset aside)
  - Corrections are new transactions (Voided Submission, reversals)

KEY TABLES:
  documents:           invoices
  document_insurances: ordered insurance slots 1..4 of an invoice
  lines:               billed amounts, bill-to flags and cached derived fields
  transactions:        immutable ledger, per-line seq

INDEXES:
  - idx_transactions_line_seq:   ordered ledger reads (hot path), unique
  - idx_transactions_line_token: one Payment/Denied per idempotency token

SEQUENCE:
  seq is assigned as MAX(seq)+1 for the line inside the append's database
  transaction. The unique (line, seq) index turns a lost race into an error
  instead of a silently reordered ledger.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite has a single writer anyway.
  ":memory:" databases are pinned to one connection so every query sees the
  same database.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store)

SEE ALSO:
  - billing/store.go:        interface definitions
  - billing/store/memory.go: in-memory implementation for testing
  - store/postgres:          PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		customer_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (customer_id, invoice_id)
	);

	CREATE TABLE IF NOT EXISTS document_insurances (
		customer_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		slot INTEGER NOT NULL CHECK (slot BETWEEN 1 AND 4),
		customer_insurance_id TEXT NOT NULL,
		insurance_company_id TEXT NOT NULL,
		basis TEXT NOT NULL DEFAULT 'billable',
		auto_submit INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (customer_id, invoice_id, slot),
		FOREIGN KEY (customer_id, invoice_id) REFERENCES documents(customer_id, invoice_id)
	);

	-- Lines: hand-maintained fields plus cached derived fields.
	-- The derived columns are only written by SaveSnapshot.
	CREATE TABLE IF NOT EXISTS lines (
		customer_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		line_id TEXT NOT NULL,
		billable_amount TEXT NOT NULL,
		allowable_amount TEXT NOT NULL,
		bill_ins1 INTEGER NOT NULL DEFAULT 0,
		bill_ins2 INTEGER NOT NULL DEFAULT 0,
		bill_ins3 INTEGER NOT NULL DEFAULT 0,
		bill_ins4 INTEGER NOT NULL DEFAULT 0,
		hardship INTEGER NOT NULL DEFAULT 0,

		balance TEXT,
		payment_amount TEXT,
		writeoff_amount TEXT,
		deductible_amount TEXT,
		current_payer INTEGER,
		current_insurance_company_id TEXT,
		current_customer_insurance_id TEXT,
		submitted_date TEXT,
		proposed_payer INTEGER,
		pendings INTEGER,
		submits INTEGER,
		payments INTEGER,
		recalculated_at TEXT,

		PRIMARY KEY (customer_id, invoice_id, line_id),
		FOREIGN KEY (customer_id, invoice_id) REFERENCES documents(customer_id, invoice_id)
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		line_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		owner INTEGER NOT NULL,
		amount TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		check_number TEXT,
		idempotency_token TEXT,
		comment TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (customer_id, invoice_id, line_id) REFERENCES lines(customer_id, invoice_id, line_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_line_seq
		ON transactions(customer_id, invoice_id, line_id, seq);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_line_token
		ON transactions(customer_id, invoice_id, line_id, idempotency_token)
		WHERE idempotency_token IS NOT NULL;

	-- For check-number audits
	CREATE INDEX IF NOT EXISTS idx_transactions_check
		ON transactions(check_number) WHERE check_number IS NOT NULL;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// billing.Store - locked entry points over *sql.DB
// =============================================================================

func (s *Store) Line(ctx context.Context, key billing.LineKey) (billing.BillingLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{s.db}.Line(ctx, key)
}

func (s *Store) Document(ctx context.Context, key billing.InvoiceKey) (billing.BillingDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{s.db}.Document(ctx, key)
}

func (s *Store) LineKeys(ctx context.Context, invoice *billing.InvoiceKey) ([]billing.LineKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{s.db}.LineKeys(ctx, invoice)
}

// Load returns the line's transactions ordered by seq.
func (s *Store) Load(ctx context.Context, key billing.LineKey) ([]billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{s.db}.Load(ctx, key)
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	out, err := ops{sqlTx}.AppendBatch(ctx, txs)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return out, nil
}

func (s *Store) SetAllowable(ctx context.Context, key billing.LineKey, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ops{s.db}.SetAllowable(ctx, key, amount)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap billing.LineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ops{s.db}.SaveSnapshot(ctx, snap)
}

func (s *Store) Snapshot(ctx context.Context, key billing.LineKey) (*billing.LineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{s.db}.Snapshot(ctx, key)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Every read and
// write made through the Store handed to fn goes through the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ops{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// DOCUMENTS AND LINES (billing.DocumentWriter)
// =============================================================================

// SaveDocument upserts an invoice and replaces its insurance slots.
func (s *Store) SaveDocument(ctx context.Context, doc billing.BillingDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO documents (customer_id, invoice_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(customer_id, invoice_id) DO NOTHING
	`, doc.CustomerID, doc.InvoiceID, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx,
		`DELETE FROM document_insurances WHERE customer_id = ? AND invoice_id = ?`,
		doc.CustomerID, doc.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to clear insurances: %w", err)
	}

	for i, ref := range doc.Insurances {
		if ref == nil {
			continue
		}
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO document_insurances
			(customer_id, invoice_id, slot, customer_insurance_id, insurance_company_id, basis, auto_submit)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, doc.CustomerID, doc.InvoiceID, i+1, ref.CustomerInsuranceID, ref.InsuranceCompanyID,
			string(ref.Basis), boolInt(ref.AutoSubmit))
		if err != nil {
			return fmt.Errorf("failed to save insurance slot %d: %w", i+1, err)
		}
	}

	return sqlTx.Commit()
}

// SaveLine upserts the hand-maintained fields of a line. Cached derived
// fields are left alone.
func (s *Store) SaveLine(ctx context.Context, line billing.BillingLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE customer_id = ? AND invoice_id = ?`,
		line.Key.CustomerID, line.Key.InvoiceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if exists == 0 {
		return billing.InvoiceNotFound(line.Key.Invoice())
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lines (customer_id, invoice_id, line_id, billable_amount, allowable_amount,
			bill_ins1, bill_ins2, bill_ins3, bill_ins4, hardship)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, invoice_id, line_id) DO UPDATE SET
			billable_amount = excluded.billable_amount,
			allowable_amount = excluded.allowable_amount,
			bill_ins1 = excluded.bill_ins1,
			bill_ins2 = excluded.bill_ins2,
			bill_ins3 = excluded.bill_ins3,
			bill_ins4 = excluded.bill_ins4,
			hardship = excluded.hardship
	`, line.Key.CustomerID, line.Key.InvoiceID, line.Key.LineID,
		line.BillableAmount.String(), line.AllowableAmount.String(),
		boolInt(line.BillIns[0]), boolInt(line.BillIns[1]), boolInt(line.BillIns[2]), boolInt(line.BillIns[3]),
		boolInt(line.Hardship))
	if err != nil {
		return fmt.Errorf("failed to save line: %w", err)
	}
	return nil
}

// Documents lists every invoice key.
func (s *Store) Documents(ctx context.Context) ([]billing.InvoiceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, invoice_id FROM documents ORDER BY customer_id, invoice_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var keys []billing.InvoiceKey
	for rows.Next() {
		var k billing.InvoiceKey
		if err := rows.Scan(&k.CustomerID, &k.InvoiceID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "lines", "document_insurances", "documents"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// OPS - billing.Store over a querier
// =============================================================================

type ops struct {
	q querier
}

const lineColumns = `
	customer_id, invoice_id, line_id, billable_amount, allowable_amount,
	bill_ins1, bill_ins2, bill_ins3, bill_ins4, hardship`

func (o ops) Line(ctx context.Context, key billing.LineKey) (billing.BillingLine, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM lines
		WHERE customer_id = ? AND invoice_id = ? AND line_id = ?`,
		key.CustomerID, key.InvoiceID, key.LineID)

	var (
		line                 billing.BillingLine
		billable, allowable  string
		b1, b2, b3, b4, hard int
	)
	err := row.Scan(&line.Key.CustomerID, &line.Key.InvoiceID, &line.Key.LineID,
		&billable, &allowable, &b1, &b2, &b3, &b4, &hard)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.BillingLine{}, billing.LineNotFound(key)
	}
	if err != nil {
		return billing.BillingLine{}, fmt.Errorf("failed to scan line: %w", err)
	}

	if line.BillableAmount, err = decimal.NewFromString(billable); err != nil {
		return billing.BillingLine{}, fmt.Errorf("line %s billable amount: %w", key, err)
	}
	if line.AllowableAmount, err = decimal.NewFromString(allowable); err != nil {
		return billing.BillingLine{}, fmt.Errorf("line %s allowable amount: %w", key, err)
	}
	line.BillIns = [4]bool{b1 != 0, b2 != 0, b3 != 0, b4 != 0}
	line.Hardship = hard != 0
	return line, nil
}

func (o ops) Document(ctx context.Context, key billing.InvoiceKey) (billing.BillingDocument, error) {
	var n int
	err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE customer_id = ? AND invoice_id = ?`,
		key.CustomerID, key.InvoiceID).Scan(&n)
	if err != nil {
		return billing.BillingDocument{}, fmt.Errorf("failed to query document: %w", err)
	}
	if n == 0 {
		return billing.BillingDocument{}, billing.InvoiceNotFound(key)
	}

	rows, err := o.q.QueryContext(ctx, `
		SELECT slot, customer_insurance_id, insurance_company_id, basis, auto_submit
		FROM document_insurances
		WHERE customer_id = ? AND invoice_id = ?
		ORDER BY slot
	`, key.CustomerID, key.InvoiceID)
	if err != nil {
		return billing.BillingDocument{}, fmt.Errorf("failed to query insurances: %w", err)
	}
	defer rows.Close()

	doc := billing.BillingDocument{CustomerID: key.CustomerID, InvoiceID: key.InvoiceID}
	for rows.Next() {
		var (
			slot, auto int
			basis      string
			ref        billing.InsuranceRef
		)
		if err := rows.Scan(&slot, &ref.CustomerInsuranceID, &ref.InsuranceCompanyID, &basis, &auto); err != nil {
			return billing.BillingDocument{}, fmt.Errorf("failed to scan insurance: %w", err)
		}
		ref.Basis = billing.Basis(basis)
		ref.AutoSubmit = auto != 0
		doc.Insurances[slot-1] = &ref
	}
	return doc, rows.Err()
}

func (o ops) LineKeys(ctx context.Context, invoice *billing.InvoiceKey) ([]billing.LineKey, error) {
	query := `SELECT customer_id, invoice_id, line_id FROM lines`
	var args []any
	if invoice != nil {
		query += ` WHERE customer_id = ? AND invoice_id = ?`
		args = append(args, invoice.CustomerID, invoice.InvoiceID)
	}
	query += ` ORDER BY customer_id, invoice_id, line_id`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var keys []billing.LineKey
	for rows.Next() {
		var k billing.LineKey
		if err := rows.Scan(&k.CustomerID, &k.InvoiceID, &k.LineID); err != nil {
			return nil, fmt.Errorf("failed to scan line key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (o ops) Load(ctx context.Context, key billing.LineKey) ([]billing.Transaction, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, customer_id, invoice_id, line_id, seq, kind, owner, amount, tx_date,
		       check_number, idempotency_token, comment, created_at
		FROM transactions
		WHERE customer_id = ? AND invoice_id = ? AND line_id = ?
		ORDER BY seq ASC
	`, key.CustomerID, key.InvoiceID, key.LineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []billing.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (billing.Transaction, error) {
	var (
		tx                          billing.Transaction
		kind, amount, date, created string
		owner                       int
		check, token, comment       sql.NullString
	)

	err := rows.Scan(
		&tx.ID, &tx.Line.CustomerID, &tx.Line.InvoiceID, &tx.Line.LineID, &tx.Seq,
		&kind, &owner, &amount, &date, &check, &token, &comment, &created,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Kind, err = billing.ParseKind(kind); err != nil {
		return tx, err
	}
	if tx.Owner, err = billing.PayerFromBit(owner); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
	}
	tx.Date = parseTime(date)
	tx.CreatedAt = parseTime(created)
	tx.CheckNumber = check.String
	tx.IdempotencyToken = token.String
	tx.Comment = comment.String
	return tx, nil
}

// AppendBatch must run inside a database transaction: seq allocation reads
// and writes the same rows.
func (o ops) AppendBatch(ctx context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	out := make([]billing.Transaction, 0, len(txs))
	for _, tx := range txs {
		if _, err := o.Line(ctx, tx.Line); err != nil {
			return nil, err
		}

		err := o.q.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions
			WHERE customer_id = ? AND invoice_id = ? AND line_id = ?
		`, tx.Line.CustomerID, tx.Line.InvoiceID, tx.Line.LineID).Scan(&tx.Seq)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate seq: %w", err)
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = time.Now().UTC()
		}

		_, err = o.q.ExecContext(ctx, `
			INSERT INTO transactions
			(id, customer_id, invoice_id, line_id, seq, kind, owner, amount, tx_date,
			 check_number, idempotency_token, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(tx.ID), tx.Line.CustomerID, tx.Line.InvoiceID, tx.Line.LineID, tx.Seq,
			string(tx.Kind), tx.Owner.Bit(), tx.Amount.StringFixed(2), formatTime(tx.Date),
			nullString(tx.CheckNumber), nullString(tx.IdempotencyToken), nullString(tx.Comment),
			formatTime(tx.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_token") {
				return nil, billing.ErrDuplicateIdempotencyKey
			}
			return nil, fmt.Errorf("failed to append transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (o ops) SetAllowable(ctx context.Context, key billing.LineKey, amount decimal.Decimal) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE lines SET allowable_amount = ?
		WHERE customer_id = ? AND invoice_id = ? AND line_id = ?
	`, amount.String(), key.CustomerID, key.InvoiceID, key.LineID)
	return checkUpdated(res, err, key)
}

func (o ops) SaveSnapshot(ctx context.Context, snap billing.LineSnapshot) error {
	var submitted *string
	if snap.SubmittedDate != nil {
		v := formatTime(*snap.SubmittedDate)
		submitted = &v
	}
	res, err := o.q.ExecContext(ctx, `
		UPDATE lines SET
			balance = ?, payment_amount = ?, writeoff_amount = ?, deductible_amount = ?,
			current_payer = ?, current_insurance_company_id = ?, current_customer_insurance_id = ?,
			submitted_date = ?, proposed_payer = ?, pendings = ?, submits = ?, payments = ?,
			recalculated_at = ?
		WHERE customer_id = ? AND invoice_id = ? AND line_id = ?
	`,
		snap.Balance.StringFixed(2), snap.PaymentAmount.StringFixed(2),
		snap.WriteoffAmount.StringFixed(2), snap.DeductibleAmount.StringFixed(2),
		snap.CurrentPayer.Bit(), snap.CurrentInsuranceCompanyID, snap.CurrentCustomerInsuranceID,
		submitted, snap.ProposedPayer.Bit(),
		snap.Pendings.Bits(), snap.Submits.Bits(), snap.Payments.Bits(),
		formatTime(time.Now().UTC()),
		snap.Key.CustomerID, snap.Key.InvoiceID, snap.Key.LineID,
	)
	return checkUpdated(res, err, snap.Key)
}

func (o ops) Snapshot(ctx context.Context, key billing.LineKey) (*billing.LineSnapshot, error) {
	var (
		billable, allowable                    string
		balance, payment, writeoff, deductible sql.NullString
		current, proposed                      sql.NullInt64
		pendings, submits, payments            sql.NullInt64
		company, insurance, submitted          sql.NullString
		recalculated                           sql.NullString
	)
	err := o.q.QueryRowContext(ctx, `
		SELECT billable_amount, allowable_amount, balance, payment_amount, writeoff_amount,
		       deductible_amount, current_payer, current_insurance_company_id,
		       current_customer_insurance_id, submitted_date, proposed_payer,
		       pendings, submits, payments, recalculated_at
		FROM lines
		WHERE customer_id = ? AND invoice_id = ? AND line_id = ?
	`, key.CustomerID, key.InvoiceID, key.LineID).Scan(
		&billable, &allowable, &balance, &payment, &writeoff, &deductible,
		&current, &company, &insurance, &submitted, &proposed,
		&pendings, &submits, &payments, &recalculated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.LineNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	if !recalculated.Valid {
		return nil, nil
	}

	snap := &billing.LineSnapshot{
		Key:              key,
		BillableAmount:   parseDecimal(billable),
		AllowableAmount:  parseDecimal(allowable),
		Balance:          parseDecimal(balance.String),
		PaymentAmount:    parseDecimal(payment.String),
		WriteoffAmount:   parseDecimal(writeoff.String),
		DeductibleAmount: parseDecimal(deductible.String),
		CurrentPayer:     payerFromBit(current.Int64),
		ProposedPayer:    payerFromBit(proposed.Int64),
		Pendings:         billing.PayerSetFromBits(int(pendings.Int64)),
		Submits:          billing.PayerSetFromBits(int(submits.Int64)),
		Payments:         billing.PayerSetFromBits(int(payments.Int64)),
	}
	if company.Valid {
		snap.CurrentInsuranceCompanyID = &company.String
	}
	if insurance.Valid {
		snap.CurrentCustomerInsuranceID = &insurance.String
	}
	if submitted.Valid {
		t := parseTime(submitted.String)
		snap.SubmittedDate = &t
	}
	return snap, nil
}

// Helper functions

func checkUpdated(res sql.Result, err error, key billing.LineKey) error {
	if err != nil {
		return fmt.Errorf("failed to update line %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.LineNotFound(key)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// parseDecimal reads a cached column; empty or malformed values read as zero.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func payerFromBit(bit int64) billing.Payer {
	p, err := billing.PayerFromBit(int(bit))
	if err != nil {
		return billing.PayerNone
	}
	return p
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
