/*
engine.go - The reconciliation service

PURPOSE:
  Engine is the only entry point that writes ledgers. Every operation follows
  the same shape:

    lock line ─▶ WithTx { load ─▶ plan ─▶ append ─▶ save snapshot } ─▶ unlock ─▶ publish

  Planning (PlanPayment, PlanAdvance) is pure; the engine adds IDs, the lock,
  the store transaction and the event.

OPERATIONS:
  Recalculate              recompute and persist the snapshot, no appends
  PostPayment              payment ingestion (optionally followed by advancement)
  AdvanceSubmission        queue or void submissions for one line
  SweepPendingSubmissions  AdvanceSubmission over many lines, failures isolated
  ChangePayee              append a Change Current Payee override
  RecordSubmission         append a Submit once a claim actually went out
  VoidSubmission           append a Voided Submission for an open claim

ERRORS:
  Domain errors (validation, duplicate payment, not found) pass through.
  Everything else is wrapped in *PersistenceError and is safe to retry with
  the same idempotency token.
*/
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventPaymentPosted      EventType = "payment.posted"
	EventSubmissionAdvanced EventType = "submission.advanced"
	EventLedgerCommand      EventType = "ledger.command"
)

// LedgerEvent describes one committed append.
type LedgerEvent struct {
	Type         EventType
	Line         LineKey
	Transactions []Transaction
	Snapshot     LineSnapshot
	OccurredAt   time.Time
}

// Publisher receives committed ledger events. Failures are logged, never
// returned to the caller: the ledger is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e LedgerEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, LedgerEvent) error { return nil }

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store       TxStore
	locker      LineLocker
	publisher   Publisher
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
	workers     int
	autoAdvance bool
}

type Option func(*Engine)

func WithLocker(l LineLocker) Option { return func(e *Engine) { e.locker = l } }
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// WithWorkers bounds sweep concurrency. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithAutoAdvance makes PostPayment run submission advancement in the same
// locked section.
func WithAutoAdvance(on bool) Option { return func(e *Engine) { e.autoAdvance = on } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		locker:    NewLocalLocker(),
		publisher: nopPublisher{},
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		workers:   4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lineState is everything loaded for one line inside a store transaction.
type lineState struct {
	line    BillingLine
	doc     BillingDocument
	history History
}

func loadLine(ctx context.Context, s Store, key LineKey) (*lineState, error) {
	line, err := s.Line(ctx, key)
	if err != nil {
		return nil, err
	}
	doc, err := s.Document(ctx, key.Invoice())
	if err != nil {
		return nil, err
	}
	txs, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	SortBySeq(txs)
	return &lineState{line: line, doc: doc, history: History(txs)}, nil
}

// withLine runs fn under the line lock and inside one store transaction.
func (e *Engine) withLine(ctx context.Context, op string, key LineKey, fn func(Store, *lineState) error) error {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return persistence(op+": lock "+key.String(), err)
	}
	defer unlock()

	err = e.store.WithTx(ctx, func(s Store) error {
		ls, err := loadLine(ctx, s, key)
		if err != nil {
			return err
		}
		return fn(s, ls)
	})
	if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return persistence(op, err)
	}
	return err
}

func (e *Engine) append(ctx context.Context, s Store, txs []Transaction) ([]Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	for i := range txs {
		if txs[i].ID == "" {
			txs[i].ID = TransactionID(e.newID())
		}
	}
	return s.AppendBatch(ctx, txs)
}

func (e *Engine) publish(ctx context.Context, typ EventType, key LineKey, txs []Transaction, snap LineSnapshot) {
	if len(txs) == 0 {
		return
	}
	ev := LedgerEvent{Type: typ, Line: key, Transactions: txs, Snapshot: snap, OccurredAt: e.now()}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("line", key.String()).Str("event", string(typ)).Msg("publish ledger event")
	}
}

// =============================================================================
// RECALCULATE
// =============================================================================

// Recalculate recomputes the line from its ledger and persists the snapshot.
func (e *Engine) Recalculate(ctx context.Context, key LineKey) (*LineSnapshot, error) {
	var snap LineSnapshot
	err := e.withLine(ctx, "recalculate", key, func(s Store, ls *lineState) error {
		_, snap = Recompute(ls.line, ls.doc, ls.history)
		return s.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PostPayment ingests a remittance. A replayed idempotency token returns the
// current snapshot without appending.
func (e *Engine) PostPayment(ctx context.Context, key LineKey, in PaymentInstruction) (*LineSnapshot, error) {
	var (
		snap     LineSnapshot
		appended []Transaction
		replay   bool
	)
	now := e.now()

	err := e.withLine(ctx, "post payment", key, func(s Store, ls *lineState) error {
		plan, err := PlanPayment(ls.line, ls.doc, ls.history, in, now)
		if err != nil {
			return err
		}
		snap = plan.Snapshot
		if plan.Replay {
			replay = true
			return nil
		}

		if appended, err = e.append(ctx, s, plan.Transactions); err != nil {
			return err
		}
		if plan.AllowableChanged {
			if err := s.SetAllowable(ctx, key, plan.Line.AllowableAmount); err != nil {
				return err
			}
		}

		if e.autoAdvance {
			adv := PlanAdvance(plan.Line, ls.doc, ls.history.With(appended...), now)
			more, err := e.append(ctx, s, adv.Transactions())
			if err != nil {
				return err
			}
			appended = append(appended, more...)
			snap = adv.Snapshot
		}
		return s.SaveSnapshot(ctx, snap)
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Another writer committed the same token first.
		e.log.Info().Str("line", key.String()).Str("token", in.IdempotencyToken).Msg("payment token already stored, replaying")
		return e.Recalculate(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if replay {
		e.log.Info().Str("line", key.String()).Str("token", in.IdempotencyToken).Msg("payment replayed")
		return &snap, nil
	}
	e.log.Info().
		Str("line", key.String()).
		Str("payer", in.Payer.String()).
		Int("appended", len(appended)).
		Str("balance", snap.Balance.StringFixed(2)).
		Str("current_payer", snap.CurrentPayer.String()).
		Msg("payment posted")
	e.publish(ctx, EventPaymentPosted, key, appended, snap)
	return &snap, nil
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

// AdvanceOutcome reports what AdvanceSubmission appended.
type AdvanceOutcome struct {
	// Submission is the queued Pending Submission/Auto Submit, nil when none.
	Submission *Transaction
	Voided     []Transaction
	Snapshot   LineSnapshot
}

func (e *Engine) AdvanceSubmission(ctx context.Context, key LineKey) (*AdvanceOutcome, error) {
	out := &AdvanceOutcome{}
	var appended []Transaction
	err := e.withLine(ctx, "advance submission", key, func(s Store, ls *lineState) error {
		plan := PlanAdvance(ls.line, ls.doc, ls.history, e.now())
		var err error
		if appended, err = e.append(ctx, s, plan.Transactions()); err != nil {
			return err
		}
		out.Snapshot = plan.Snapshot
		for i := range appended {
			tx := appended[i]
			if tx.Kind == KindVoidedSubmission {
				out.Voided = append(out.Voided, tx)
			} else {
				out.Submission = &tx
			}
		}
		return s.SaveSnapshot(ctx, plan.Snapshot)
	})
	if err != nil {
		return nil, err
	}
	if len(appended) > 0 {
		e.log.Debug().Str("line", key.String()).Int("appended", len(appended)).Msg("submission advanced")
	}
	e.publish(ctx, EventSubmissionAdvanced, key, appended, out.Snapshot)
	return out, nil
}

// BatchResult collects per-line outcomes of a sweep.
type BatchResult struct {
	Succeeded int
	Failed    map[LineKey]error
}

// SweepPendingSubmissions advances every line of one invoice, or of every
// invoice when invoice is nil.
func (e *Engine) SweepPendingSubmissions(ctx context.Context, invoice *InvoiceKey) (*BatchResult, error) {
	if invoice != nil {
		if _, err := e.store.Document(ctx, *invoice); err != nil {
			return nil, persistence("sweep: load invoice", err)
		}
	}
	keys, err := e.store.LineKeys(ctx, invoice)
	if err != nil {
		return nil, persistence("sweep: list lines", err)
	}
	return e.SweepLines(ctx, keys), nil
}

// SweepLines runs AdvanceSubmission for each key on a bounded pool. A line
// failure is recorded and never stops the others.
func (e *Engine) SweepLines(ctx context.Context, keys []LineKey) *BatchResult {
	res := &BatchResult{Failed: make(map[LineKey]error)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := e.AdvanceSubmission(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[key] = err
			} else {
				res.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	ev := e.log.Info()
	if len(res.Failed) > 0 {
		ev = e.log.Warn()
	}
	ev.Int("lines", len(keys)).Int("succeeded", res.Succeeded).Int("failed", len(res.Failed)).Msg("submission sweep")
	return res
}

// =============================================================================
// LEDGER COMMANDS
// =============================================================================

func (e *Engine) command(
	ctx context.Context,
	op string,
	key LineKey,
	build func(ls *lineState, snap LineSnapshot) (Transaction, error),
) (*LineSnapshot, error) {
	var (
		snap     LineSnapshot
		appended []Transaction
	)
	err := e.withLine(ctx, op, key, func(s Store, ls *lineState) error {
		_, current := Recompute(ls.line, ls.doc, ls.history)
		tx, err := build(ls, current)
		if err != nil {
			return err
		}
		tx.Line = key
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = e.now()
		}
		if tx.Date.IsZero() {
			tx.Date = tx.CreatedAt
		}
		if appended, err = e.append(ctx, s, []Transaction{tx}); err != nil {
			return err
		}
		_, snap = Recompute(ls.line, ls.doc, ls.history.With(appended...))
		return s.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("line", key.String()).Str("kind", string(appended[0].Kind)).
		Str("payer", appended[0].Owner.String()).Msg("ledger command")
	e.publish(ctx, EventLedgerCommand, key, appended, snap)
	return &snap, nil
}

func requireCovered(ls *lineState, payer Payer) error {
	if !payer.Valid() {
		return invalid("payer", "unknown payer %d", payer)
	}
	if !ls.line.Covers(ls.doc, payer) {
		return invalid("payer", "%s is not billed on line %s", payer, ls.line.Key)
	}
	return nil
}

// ChangePayee overrides the resolved payer until that payer posts a
// non-negative payment.
func (e *Engine) ChangePayee(ctx context.Context, key LineKey, payer Payer, comment string) (*LineSnapshot, error) {
	return e.command(ctx, "change payee", key, func(ls *lineState, _ LineSnapshot) (Transaction, error) {
		if err := requireCovered(ls, payer); err != nil {
			return Transaction{}, err
		}
		return Transaction{Kind: KindChangeCurrentPayee, Owner: payer, Comment: comment}, nil
	})
}

// RecordSubmission records that a claim for the payer was sent on date.
func (e *Engine) RecordSubmission(ctx context.Context, key LineKey, payer Payer, date time.Time) (*LineSnapshot, error) {
	return e.command(ctx, "record submission", key, func(ls *lineState, snap LineSnapshot) (Transaction, error) {
		if err := requireCovered(ls, payer); err != nil {
			return Transaction{}, err
		}
		if snap.Submits.Has(payer) {
			return Transaction{}, invalid("payer", "%s already has an open submission", payer)
		}
		amount := snap.Balance
		if payer == ls.line.FirstInsurance(ls.doc) {
			amount = ls.line.BillableAmount
		}
		return Transaction{Kind: KindSubmit, Owner: payer, Amount: Round2(amount), Date: date}, nil
	})
}

// VoidSubmission closes the payer's open submission.
func (e *Engine) VoidSubmission(ctx context.Context, key LineKey, payer Payer, comment string) (*LineSnapshot, error) {
	return e.command(ctx, "void submission", key, func(ls *lineState, snap LineSnapshot) (Transaction, error) {
		if !payer.Valid() {
			return Transaction{}, invalid("payer", "unknown payer %d", payer)
		}
		if !snap.Submits.Has(payer) {
			return Transaction{}, invalid("payer", "%s has no open submission", payer)
		}
		return Transaction{Kind: KindVoidedSubmission, Owner: payer, Comment: comment}, nil
	})
}
