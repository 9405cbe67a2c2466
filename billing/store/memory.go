// Package store provides an in-memory billing.TxStore.
//
// Memory is a development and test backend. WithTx holds the store-wide
// write lock and clones the whole state for rollback, so every engine
// operation costs O(store size) and line operations never overlap: a sweep's
// worker pool advances one line at a time. Use store/sqlite or store/postgres
// where lines must be processed in parallel.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type tokenKey struct {
	Line  billing.LineKey
	Token string
}

type memoryState struct {
	documents    map[billing.InvoiceKey]billing.BillingDocument
	lines        map[billing.LineKey]billing.BillingLine
	transactions map[billing.LineKey][]billing.Transaction
	tokens       map[tokenKey]bool
	snapshots    map[billing.LineKey]billing.LineSnapshot
}

func newMemoryState() memoryState {
	return memoryState{
		documents:    make(map[billing.InvoiceKey]billing.BillingDocument),
		lines:        make(map[billing.LineKey]billing.BillingLine),
		transactions: make(map[billing.LineKey][]billing.Transaction),
		tokens:       make(map[tokenKey]bool),
		snapshots:    make(map[billing.LineKey]billing.LineSnapshot),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// =============================================================================
// DOCUMENTS AND LINES
// =============================================================================

func (m *Memory) SaveDocument(_ context.Context, doc billing.BillingDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.documents[doc.Key()] = doc
	return nil
}

// Documents lists every invoice key.
func (m *Memory) Documents(_ context.Context) ([]billing.InvoiceKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]billing.InvoiceKey, 0, len(m.state.documents))
	for k := range m.state.documents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Reset drops everything.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// SaveLine requires the line's document to exist.
func (m *Memory) SaveLine(_ context.Context, line billing.BillingLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.documents[line.Key.Invoice()]; !ok {
		return billing.InvoiceNotFound(line.Key.Invoice())
	}
	m.state.lines[line.Key] = line
	return nil
}

func (m *Memory) Line(_ context.Context, key billing.LineKey) (billing.BillingLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.line(key)
}

func (m *Memory) Document(_ context.Context, key billing.InvoiceKey) (billing.BillingDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.document(key)
}

func (m *Memory) LineKeys(_ context.Context, invoice *billing.InvoiceKey) ([]billing.LineKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lineKeys(invoice), nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) Load(_ context.Context, key billing.LineKey) ([]billing.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.load(key), nil
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(_ context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendBatch(txs)
}

func (m *Memory) SetAllowable(_ context.Context, key billing.LineKey, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.setAllowable(key, amount)
}

func (m *Memory) SaveSnapshot(_ context.Context, snap billing.LineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.snapshots[snap.Key] = snap
	return nil
}

func (m *Memory) Snapshot(_ context.Context, key billing.LineKey) (*billing.LineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.snapshot(key), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a copy of the state plus restore on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

// txView is the Store handed to WithTx callbacks. The parent lock is already
// held, so it works on the state directly.
type txView struct {
	state *memoryState
}

func (v *txView) Line(_ context.Context, key billing.LineKey) (billing.BillingLine, error) {
	return v.state.line(key)
}

func (v *txView) Document(_ context.Context, key billing.InvoiceKey) (billing.BillingDocument, error) {
	return v.state.document(key)
}

func (v *txView) LineKeys(_ context.Context, invoice *billing.InvoiceKey) ([]billing.LineKey, error) {
	return v.state.lineKeys(invoice), nil
}

func (v *txView) Load(_ context.Context, key billing.LineKey) ([]billing.Transaction, error) {
	return v.state.load(key), nil
}

func (v *txView) AppendBatch(_ context.Context, txs []billing.Transaction) ([]billing.Transaction, error) {
	return v.state.appendBatch(txs)
}

func (v *txView) SetAllowable(_ context.Context, key billing.LineKey, amount decimal.Decimal) error {
	return v.state.setAllowable(key, amount)
}

func (v *txView) SaveSnapshot(_ context.Context, snap billing.LineSnapshot) error {
	v.state.snapshots[snap.Key] = snap
	return nil
}

func (v *txView) Snapshot(_ context.Context, key billing.LineKey) (*billing.LineSnapshot, error) {
	return v.state.snapshot(key), nil
}

// =============================================================================
// STATE - callers hold the lock
// =============================================================================

func (s *memoryState) line(key billing.LineKey) (billing.BillingLine, error) {
	line, ok := s.lines[key]
	if !ok {
		return billing.BillingLine{}, billing.LineNotFound(key)
	}
	return line, nil
}

func (s *memoryState) document(key billing.InvoiceKey) (billing.BillingDocument, error) {
	doc, ok := s.documents[key]
	if !ok {
		return billing.BillingDocument{}, billing.InvoiceNotFound(key)
	}
	return doc, nil
}

func (s *memoryState) lineKeys(invoice *billing.InvoiceKey) []billing.LineKey {
	keys := make([]billing.LineKey, 0, len(s.lines))
	for k := range s.lines {
		if invoice == nil || k.Invoice() == *invoice {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (s *memoryState) load(key billing.LineKey) []billing.Transaction {
	result := make([]billing.Transaction, len(s.transactions[key]))
	copy(result, s.transactions[key])
	return result
}

func (s *memoryState) appendBatch(txs []billing.Transaction) ([]billing.Transaction, error) {
	// Check every line and token first so a failure writes nothing.
	seen := make(map[tokenKey]bool)
	for _, tx := range txs {
		if _, ok := s.lines[tx.Line]; !ok {
			return nil, billing.LineNotFound(tx.Line)
		}
		if tx.IdempotencyToken == "" {
			continue
		}
		k := tokenKey{Line: tx.Line, Token: tx.IdempotencyToken}
		if s.tokens[k] || seen[k] {
			return nil, billing.ErrDuplicateIdempotencyKey
		}
		seen[k] = true
	}

	out := make([]billing.Transaction, len(txs))
	for i, tx := range txs {
		existing := s.transactions[tx.Line]
		tx.Seq = 1
		if n := len(existing); n > 0 {
			tx.Seq = existing[n-1].Seq + 1
		}
		s.transactions[tx.Line] = append(existing, tx)
		if tx.IdempotencyToken != "" {
			s.tokens[tokenKey{Line: tx.Line, Token: tx.IdempotencyToken}] = true
		}
		out[i] = tx
	}
	return out, nil
}

func (s *memoryState) setAllowable(key billing.LineKey, amount decimal.Decimal) error {
	line, ok := s.lines[key]
	if !ok {
		return billing.LineNotFound(key)
	}
	line.AllowableAmount = amount
	s.lines[key] = line
	return nil
}

func (s *memoryState) snapshot(key billing.LineKey) *billing.LineSnapshot {
	snap, ok := s.snapshots[key]
	if !ok {
		return nil
	}
	return &snap
}

func (s *memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.documents {
		c.documents[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]billing.Transaction(nil), v...)
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	return c
}
