/*
Package events delivers committed ledger events outside the engine.

PURPOSE:
  The engine publishes one Event per committed append (payment posted,
  submission advanced, ledger command). Publishers here turn those into log
  lines or AMQP messages. Delivery is best-effort: the ledger is the source
  of truth and consumers can always re-read a line.

SEE ALSO:
  - billing/engine.go: where events are emitted
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
)

type Event = billing.LedgerEvent

// =============================================================================
// WIRE FORMAT
// =============================================================================

type Message struct {
	Type         string               `json:"type"`
	CustomerID   string               `json:"customer_id"`
	InvoiceID    string               `json:"invoice_id"`
	LineID       string               `json:"line_id"`
	Transactions []TransactionMessage `json:"transactions"`
	Balance      string               `json:"balance"`
	CurrentPayer string               `json:"current_payer"`
	OccurredAt   time.Time            `json:"occurred_at"`
}

type TransactionMessage struct {
	ID               string    `json:"id"`
	Seq              int64     `json:"seq"`
	Kind             string    `json:"kind"`
	Owner            string    `json:"owner"`
	Amount           string    `json:"amount"`
	Date             time.Time `json:"date"`
	CheckNumber      string    `json:"check_number,omitempty"`
	IdempotencyToken string    `json:"idempotency_token,omitempty"`
}

func NewMessage(e Event) Message {
	msg := Message{
		Type:         string(e.Type),
		CustomerID:   e.Line.CustomerID,
		InvoiceID:    e.Line.InvoiceID,
		LineID:       e.Line.LineID,
		Transactions: make([]TransactionMessage, 0, len(e.Transactions)),
		Balance:      e.Snapshot.Balance.StringFixed(2),
		CurrentPayer: e.Snapshot.CurrentPayer.String(),
		OccurredAt:   e.OccurredAt,
	}
	for _, tx := range e.Transactions {
		msg.Transactions = append(msg.Transactions, TransactionMessage{
			ID:               string(tx.ID),
			Seq:              tx.Seq,
			Kind:             string(tx.Kind),
			Owner:            tx.Owner.String(),
			Amount:           tx.Amount.StringFixed(2),
			Date:             tx.Date,
			CheckNumber:      tx.CheckNumber,
			IdempotencyToken: tx.IdempotencyToken,
		})
	}
	return msg
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(NewMessage(e))
}

// =============================================================================
// PUBLISHERS
// =============================================================================

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(l zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: l.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	kinds := make([]string, len(e.Transactions))
	for i, tx := range e.Transactions {
		kinds[i] = string(tx.Kind)
	}
	p.log.Info().
		Str("type", string(e.Type)).
		Stringer("line", e.Line).
		Strs("kinds", kinds).
		Str("balance", e.Snapshot.Balance.StringFixed(2)).
		Stringer("current_payer", e.Snapshot.CurrentPayer).
		Msg("ledger event")
	return nil
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []billing.Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ billing.Publisher = (*LogPublisher)(nil)
	_ billing.Publisher = Multi(nil)
)
