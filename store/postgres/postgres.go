/*
Package postgres provides a PostgreSQL-backed billing.TxStore using pgx.

PURPOSE:
  Production persistence for multi-process deployments. Mirrors the SQLite
  schema with native types: NUMERIC(12,2) amounts (decoded straight into
  decimal.Decimal by pgx-shopspring-decimal), TIMESTAMPTZ dates and SMALLINT
  payer bits.

SEQUENCE:
  AppendBatch locks the line row (SELECT ... FOR UPDATE) before reading
  MAX(seq), so two processes appending to the same line queue up on the row
  lock instead of racing for the same seq.

USAGE:
  pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL})
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// POOL
// =============================================================================

type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// NewPool opens a pgx pool with the decimal codec registered on every
// connection.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// NUMERIC <-> shopspring/decimal on all pool connections.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return pool, nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// STORE
// =============================================================================

// Store implements billing.TxStore and billing.DocumentWriter.
type Store struct {
	pool *pgxpool.Pool
	ops
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, ops: ops{q: pool}}
}

func (s *Store) Close() { s.pool.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS billing_documents (
	customer_id TEXT NOT NULL,
	invoice_id  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (customer_id, invoice_id)
);

CREATE TABLE IF NOT EXISTS billing_document_insurances (
	customer_id           TEXT NOT NULL,
	invoice_id            TEXT NOT NULL,
	slot                  SMALLINT NOT NULL CHECK (slot BETWEEN 1 AND 4),
	customer_insurance_id TEXT NOT NULL,
	insurance_company_id  TEXT NOT NULL,
	basis                 TEXT NOT NULL DEFAULT 'billable',
	auto_submit           BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (customer_id, invoice_id, slot),
	FOREIGN KEY (customer_id, invoice_id) REFERENCES billing_documents (customer_id, invoice_id)
);

CREATE TABLE IF NOT EXISTS billing_lines (
	customer_id      TEXT NOT NULL,
	invoice_id       TEXT NOT NULL,
	line_id          TEXT NOT NULL,
	billable_amount  NUMERIC(12,2) NOT NULL,
	allowable_amount NUMERIC(12,2) NOT NULL,
	bill_ins         BOOLEAN[4] NOT NULL DEFAULT '{f,f,f,f}',
	hardship         BOOLEAN NOT NULL DEFAULT false,

	balance                       NUMERIC(12,2),
	payment_amount                NUMERIC(12,2),
	writeoff_amount               NUMERIC(12,2),
	deductible_amount             NUMERIC(12,2),
	current_payer                 SMALLINT,
	current_insurance_company_id  TEXT,
	current_customer_insurance_id TEXT,
	submitted_date                TIMESTAMPTZ,
	proposed_payer                SMALLINT,
	pendings                      SMALLINT,
	submits                       SMALLINT,
	payments                      SMALLINT,
	recalculated_at               TIMESTAMPTZ,

	PRIMARY KEY (customer_id, invoice_id, line_id),
	FOREIGN KEY (customer_id, invoice_id) REFERENCES billing_documents (customer_id, invoice_id)
);

CREATE TABLE IF NOT EXISTS billing_transactions (
	id                TEXT PRIMARY KEY,
	customer_id       TEXT NOT NULL,
	invoice_id        TEXT NOT NULL,
	line_id           TEXT NOT NULL,
	seq               BIGINT NOT NULL,
	kind              TEXT NOT NULL,
	owner             SMALLINT NOT NULL,
	amount            NUMERIC(12,2) NOT NULL,
	tx_date           TIMESTAMPTZ NOT NULL,
	check_number      TEXT,
	idempotency_token TEXT,
	comment           TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	FOREIGN KEY (customer_id, invoice_id, line_id) REFERENCES billing_lines (customer_id, invoice_id, line_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_transactions_line_seq
	ON billing_transactions (customer_id, invoice_id, line_id, seq);

CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_transactions_line_token
	ON billing_transactions (customer_id, invoice_id, line_id, idempotency_token)
	WHERE idempotency_token IS NOT NULL;
`

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithTx runs fn with a Store bound to one pgx transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ops{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendBatch wraps the append in its own transaction when called outside
// WithTx.
func (s *Store) AppendBatch(ctx context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	var out []billing.Transaction
	err := s.WithTx(ctx, func(st billing.Store) error {
		var err error
		out, err = st.AppendBatch(ctx, txs)
		return err
	})
	return out, err
}

// SaveDocument upserts an invoice and replaces its insurance slots.
func (s *Store) SaveDocument(ctx context.Context, doc billing.BillingDocument) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		q := st.(ops).q
		_, err := q.Exec(ctx, `
			INSERT INTO billing_documents (customer_id, invoice_id) VALUES ($1, $2)
			ON CONFLICT (customer_id, invoice_id) DO NOTHING`,
			doc.CustomerID, doc.InvoiceID)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		_, err = q.Exec(ctx,
			`DELETE FROM billing_document_insurances WHERE customer_id = $1 AND invoice_id = $2`,
			doc.CustomerID, doc.InvoiceID)
		if err != nil {
			return fmt.Errorf("clear insurances: %w", err)
		}
		for i, ref := range doc.Insurances {
			if ref == nil {
				continue
			}
			_, err = q.Exec(ctx, `
				INSERT INTO billing_document_insurances
				(customer_id, invoice_id, slot, customer_insurance_id, insurance_company_id, basis, auto_submit)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				doc.CustomerID, doc.InvoiceID, i+1, ref.CustomerInsuranceID, ref.InsuranceCompanyID,
				string(ref.Basis), ref.AutoSubmit)
			if err != nil {
				return fmt.Errorf("insert insurance slot %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// SaveLine upserts the hand-maintained fields of a line.
func (s *Store) SaveLine(ctx context.Context, line billing.BillingLine) error {
	if _, err := s.Document(ctx, line.Key.Invoice()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_lines (customer_id, invoice_id, line_id, billable_amount, allowable_amount, bill_ins, hardship)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (customer_id, invoice_id, line_id) DO UPDATE SET
			billable_amount  = EXCLUDED.billable_amount,
			allowable_amount = EXCLUDED.allowable_amount,
			bill_ins         = EXCLUDED.bill_ins,
			hardship         = EXCLUDED.hardship`,
		line.Key.CustomerID, line.Key.InvoiceID, line.Key.LineID,
		line.BillableAmount, line.AllowableAmount, line.BillIns[:], line.Hardship)
	if err != nil {
		return fmt.Errorf("upsert line: %w", err)
	}
	return nil
}

// Documents lists every invoice key.
func (s *Store) Documents(ctx context.Context) ([]billing.InvoiceKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT customer_id, invoice_id FROM billing_documents ORDER BY customer_id, invoice_id`)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var keys []billing.InvoiceKey
	for rows.Next() {
		var k billing.InvoiceKey
		if err := rows.Scan(&k.CustomerID, &k.InvoiceID); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Reset clears all billing tables (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE billing_transactions, billing_lines, billing_document_insurances, billing_documents`)
	return err
}

// =============================================================================
// OPS - billing.Store over a Querier
// =============================================================================

type ops struct {
	q Querier
}

func (o ops) Line(ctx context.Context, key billing.LineKey) (billing.BillingLine, error) {
	line := billing.BillingLine{Key: key}
	var billIns []bool
	err := o.q.QueryRow(ctx, `
		SELECT billable_amount, allowable_amount, bill_ins, hardship
		FROM billing_lines
		WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3`,
		key.CustomerID, key.InvoiceID, key.LineID,
	).Scan(&line.BillableAmount, &line.AllowableAmount, &billIns, &line.Hardship)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.BillingLine{}, billing.LineNotFound(key)
	}
	if err != nil {
		return billing.BillingLine{}, fmt.Errorf("select line: %w", err)
	}
	copy(line.BillIns[:], billIns)
	return line, nil
}

func (o ops) Document(ctx context.Context, key billing.InvoiceKey) (billing.BillingDocument, error) {
	var exists bool
	err := o.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_documents WHERE customer_id = $1 AND invoice_id = $2)`,
		key.CustomerID, key.InvoiceID).Scan(&exists)
	if err != nil {
		return billing.BillingDocument{}, fmt.Errorf("select document: %w", err)
	}
	if !exists {
		return billing.BillingDocument{}, billing.InvoiceNotFound(key)
	}

	rows, err := o.q.Query(ctx, `
		SELECT slot, customer_insurance_id, insurance_company_id, basis, auto_submit
		FROM billing_document_insurances
		WHERE customer_id = $1 AND invoice_id = $2
		ORDER BY slot`, key.CustomerID, key.InvoiceID)
	if err != nil {
		return billing.BillingDocument{}, fmt.Errorf("select insurances: %w", err)
	}
	defer rows.Close()

	doc := billing.BillingDocument{CustomerID: key.CustomerID, InvoiceID: key.InvoiceID}
	for rows.Next() {
		var (
			slot  int16
			basis string
			ref   billing.InsuranceRef
		)
		if err := rows.Scan(&slot, &ref.CustomerInsuranceID, &ref.InsuranceCompanyID, &basis, &ref.AutoSubmit); err != nil {
			return billing.BillingDocument{}, fmt.Errorf("scan insurance: %w", err)
		}
		ref.Basis = billing.Basis(basis)
		doc.Insurances[slot-1] = &ref
	}
	return doc, rows.Err()
}

func (o ops) LineKeys(ctx context.Context, invoice *billing.InvoiceKey) ([]billing.LineKey, error) {
	query := `SELECT customer_id, invoice_id, line_id FROM billing_lines`
	var args []any
	if invoice != nil {
		query += ` WHERE customer_id = $1 AND invoice_id = $2`
		args = append(args, invoice.CustomerID, invoice.InvoiceID)
	}
	query += ` ORDER BY customer_id, invoice_id, line_id`

	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	defer rows.Close()

	var keys []billing.LineKey
	for rows.Next() {
		var k billing.LineKey
		if err := rows.Scan(&k.CustomerID, &k.InvoiceID, &k.LineID); err != nil {
			return nil, fmt.Errorf("scan line key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (o ops) Load(ctx context.Context, key billing.LineKey) ([]billing.Transaction, error) {
	rows, err := o.q.Query(ctx, `
		SELECT id, seq, kind, owner, amount, tx_date, check_number, idempotency_token, comment, created_at
		FROM billing_transactions
		WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3
		ORDER BY seq`, key.CustomerID, key.InvoiceID, key.LineID)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var txs []billing.Transaction
	for rows.Next() {
		var (
			tx                    billing.Transaction
			id, kind              string
			owner                 int16
			check, token, comment *string
		)
		if err := rows.Scan(&id, &tx.Seq, &kind, &owner, &tx.Amount, &tx.Date,
			&check, &token, &comment, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.ID = billing.TransactionID(id)
		tx.Line = key
		if tx.Kind, err = billing.ParseKind(kind); err != nil {
			return nil, err
		}
		if tx.Owner, err = billing.PayerFromBit(int(owner)); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", id, err)
		}
		tx.CheckNumber = deref(check)
		tx.IdempotencyToken = deref(token)
		tx.Comment = deref(comment)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// AppendBatch must run on a pgx.Tx.
func (o ops) AppendBatch(ctx context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	out := make([]billing.Transaction, 0, len(txs))
	for _, tx := range txs {
		var locked int
		err := o.q.QueryRow(ctx, `
			SELECT 1 FROM billing_lines
			WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3
			FOR UPDATE`,
			tx.Line.CustomerID, tx.Line.InvoiceID, tx.Line.LineID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.LineNotFound(tx.Line)
		}
		if err != nil {
			return nil, fmt.Errorf("lock line: %w", err)
		}

		err = o.q.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM billing_transactions
			WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3`,
			tx.Line.CustomerID, tx.Line.InvoiceID, tx.Line.LineID).Scan(&tx.Seq)
		if err != nil {
			return nil, fmt.Errorf("allocate seq: %w", err)
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = time.Now().UTC()
		}

		_, err = o.q.Exec(ctx, `
			INSERT INTO billing_transactions
			(id, customer_id, invoice_id, line_id, seq, kind, owner, amount, tx_date,
			 check_number, idempotency_token, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			string(tx.ID), tx.Line.CustomerID, tx.Line.InvoiceID, tx.Line.LineID, tx.Seq,
			string(tx.Kind), int16(tx.Owner.Bit()), tx.Amount, tx.Date,
			nullIfEmpty(tx.CheckNumber), nullIfEmpty(tx.IdempotencyToken), nullIfEmpty(tx.Comment),
			tx.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "idx_billing_transactions_line_token") {
				return nil, billing.ErrDuplicateIdempotencyKey
			}
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (o ops) SetAllowable(ctx context.Context, key billing.LineKey, amount decimal.Decimal) error {
	tag, err := o.q.Exec(ctx, `
		UPDATE billing_lines SET allowable_amount = $4
		WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3`,
		key.CustomerID, key.InvoiceID, key.LineID, amount)
	return checkUpdated(tag, err, key)
}

func (o ops) SaveSnapshot(ctx context.Context, snap billing.LineSnapshot) error {
	k := snap.Key
	tag, err := o.q.Exec(ctx, `
		UPDATE billing_lines SET
			balance = $4, payment_amount = $5, writeoff_amount = $6, deductible_amount = $7,
			current_payer = $8, current_insurance_company_id = $9, current_customer_insurance_id = $10,
			submitted_date = $11, proposed_payer = $12, pendings = $13, submits = $14, payments = $15,
			recalculated_at = now()
		WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3`,
		k.CustomerID, k.InvoiceID, k.LineID,
		snap.Balance, snap.PaymentAmount, snap.WriteoffAmount, snap.DeductibleAmount,
		int16(snap.CurrentPayer.Bit()), snap.CurrentInsuranceCompanyID, snap.CurrentCustomerInsuranceID,
		snap.SubmittedDate, int16(snap.ProposedPayer.Bit()),
		int16(snap.Pendings.Bits()), int16(snap.Submits.Bits()), int16(snap.Payments.Bits()))
	return checkUpdated(tag, err, k)
}

func (o ops) Snapshot(ctx context.Context, key billing.LineKey) (*billing.LineSnapshot, error) {
	var (
		snap                                   = billing.LineSnapshot{Key: key}
		balance, payment, writeoff, deductible decimal.NullDecimal
		current, proposed                      *int16
		pendings, submits, payments            *int16
		recalculated                           *time.Time
	)
	err := o.q.QueryRow(ctx, `
		SELECT billable_amount, allowable_amount, balance, payment_amount, writeoff_amount,
		       deductible_amount, current_payer, current_insurance_company_id,
		       current_customer_insurance_id, submitted_date, proposed_payer,
		       pendings, submits, payments, recalculated_at
		FROM billing_lines
		WHERE customer_id = $1 AND invoice_id = $2 AND line_id = $3`,
		key.CustomerID, key.InvoiceID, key.LineID,
	).Scan(
		&snap.BillableAmount, &snap.AllowableAmount, &balance, &payment, &writeoff, &deductible,
		&current, &snap.CurrentInsuranceCompanyID, &snap.CurrentCustomerInsuranceID,
		&snap.SubmittedDate, &proposed, &pendings, &submits, &payments, &recalculated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.LineNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	if recalculated == nil {
		return nil, nil
	}

	snap.Balance = balance.Decimal
	snap.PaymentAmount = payment.Decimal
	snap.WriteoffAmount = writeoff.Decimal
	snap.DeductibleAmount = deductible.Decimal
	snap.CurrentPayer = payerFromBit(current)
	snap.ProposedPayer = payerFromBit(proposed)
	snap.Pendings = billing.PayerSetFromBits(bits(pendings))
	snap.Submits = billing.PayerSetFromBits(bits(submits))
	snap.Payments = billing.PayerSetFromBits(bits(payments))
	return &snap, nil
}

// Helper functions

func checkUpdated(tag pgconn.CommandTag, err error, key billing.LineKey) error {
	if err != nil {
		return fmt.Errorf("update line %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return billing.LineNotFound(key)
	}
	return nil
}

// isUniqueViolation reports a unique_violation (23505), optionally on a
// specific constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return strings.Contains(err.Error(), "23505")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func bits(v *int16) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

func payerFromBit(v *int16) billing.Payer {
	p, err := billing.PayerFromBit(bits(v))
	if err != nil {
		return billing.PayerNone
	}
	return p
}
