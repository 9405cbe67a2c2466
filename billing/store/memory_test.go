package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

var (
	invoice = billing.InvoiceKey{CustomerID: "cust-1", InvoiceID: "inv-1"}
	lineKey = billing.LineKey{CustomerID: "cust-1", InvoiceID: "inv-1", LineID: "1"}
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()
	doc := billing.BillingDocument{CustomerID: invoice.CustomerID, InvoiceID: invoice.InvoiceID}
	doc.Insurances[0] = &billing.InsuranceRef{CustomerInsuranceID: "cins-1", InsuranceCompanyID: "co-1"}
	require.NoError(t, m.SaveDocument(ctx, doc))
	require.NoError(t, m.SaveLine(ctx, billing.BillingLine{
		Key:             lineKey,
		BillableAmount:  billing.MustAmount("100"),
		AllowableAmount: billing.MustAmount("80"),
		BillIns:         [4]bool{true},
	}))
	return m
}

func payment(token string, amount string) billing.Transaction {
	return billing.Transaction{
		ID:               billing.TransactionID("tx-" + token),
		Line:             lineKey,
		Kind:             billing.KindPayment,
		Owner:            billing.PayerInsurance1,
		Amount:           billing.MustAmount(amount),
		IdempotencyToken: token,
	}
}

func TestMemory_SaveLineRequiresDocument(t *testing.T) {
	m := NewMemory()

	err := m.SaveLine(context.Background(), billing.BillingLine{Key: lineKey})

	assert.True(t, billing.IsNotFound(err))
}

func TestMemory_AppendAssignsSeq(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	first, err := m.AppendBatch(ctx, []billing.Transaction{payment("a", "10"), payment("", "5")})
	require.NoError(t, err)
	second, err := m.AppendBatch(ctx, []billing.Transaction{payment("b", "1")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first[0].Seq)
	assert.Equal(t, int64(2), first[1].Seq)
	assert.Equal(t, int64(3), second[0].Seq)

	txs, err := m.Load(ctx, lineKey)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestMemory_DuplicateTokenWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	_, err := m.AppendBatch(ctx, []billing.Transaction{payment("a", "10")})
	require.NoError(t, err)

	// GIVEN: a batch whose second entry reuses a stored token
	_, err = m.AppendBatch(ctx, []billing.Transaction{payment("b", "1"), payment("a", "2")})

	// THEN: the whole batch is rejected
	assert.True(t, errors.Is(err, billing.ErrDuplicateIdempotencyKey))
	txs, _ := m.Load(ctx, lineKey)
	assert.Len(t, txs, 1)
}

func TestMemory_AppendUnknownLine(t *testing.T) {
	m := seeded(t)
	tx := payment("a", "1")
	tx.Line.LineID = "nope"

	_, err := m.AppendBatch(context.Background(), []billing.Transaction{tx})

	assert.True(t, billing.IsNotFound(err))
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s billing.Store) error {
		if _, err := s.AppendBatch(ctx, []billing.Transaction{payment("a", "10")}); err != nil {
			return err
		}
		if err := s.SetAllowable(ctx, lineKey, billing.MustAmount("50")); err != nil {
			return err
		}
		return boom
	})

	require.ErrorIs(t, err, boom)
	txs, _ := m.Load(ctx, lineKey)
	assert.Empty(t, txs)
	line, err := m.Line(ctx, lineKey)
	require.NoError(t, err)
	assert.Equal(t, "80.00", line.AllowableAmount.StringFixed(2))
}

func TestMemory_SnapshotAndReset(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	snap, err := m.Snapshot(ctx, lineKey)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, m.SaveSnapshot(ctx, billing.LineSnapshot{Key: lineKey, CurrentPayer: billing.PayerInsurance1}))
	snap, err = m.Snapshot(ctx, lineKey)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, billing.PayerInsurance1, snap.CurrentPayer)

	docs, err := m.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.InvoiceKey{invoice}, docs)

	require.NoError(t, m.Reset(ctx))
	docs, _ = m.Documents(ctx)
	assert.Empty(t, docs)
	_, err = m.Line(ctx, lineKey)
	assert.True(t, billing.IsNotFound(err))
}

func TestMemory_LineKeysByInvoice(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	other := billing.BillingDocument{CustomerID: "cust-2", InvoiceID: "inv-9"}
	require.NoError(t, m.SaveDocument(ctx, other))
	require.NoError(t, m.SaveLine(ctx, billing.BillingLine{Key: billing.LineKey{CustomerID: "cust-2", InvoiceID: "inv-9", LineID: "1"}}))

	all, err := m.LineKeys(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := m.LineKeys(ctx, &invoice)
	require.NoError(t, err)
	assert.Equal(t, []billing.LineKey{lineKey}, one)
}

func TestMemory_WithTxExcludesOtherCalls(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	inTx := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	loaded := make(chan struct{})

	// GIVEN: a transaction that is still open
	go func() {
		txDone <- m.WithTx(ctx, func(s billing.Store) error {
			close(inTx)
			<-release
			_, err := s.AppendBatch(ctx, []billing.Transaction{payment("a", "10")})
			return err
		})
	}()
	<-inTx

	// WHEN: another caller reads the ledger
	go func() {
		_, _ = m.Load(ctx, lineKey)
		close(loaded)
	}()

	// THEN: the read waits for the transaction to finish
	select {
	case <-loaded:
		t.Fatal("Load ran while WithTx held the store")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-txDone)
	select {
	case <-loaded:
	case <-time.After(time.Second):
		t.Fatal("Load never resumed")
	}
}
