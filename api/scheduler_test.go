package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) SweepPendingSubmissions(_ context.Context, invoice *billing.InvoiceKey) (*billing.BatchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.BatchResult{
		Succeeded: 2,
		Failed:    map[billing.LineKey]error{{CustomerID: "c", InvoiceID: "i", LineID: "3"}: errors.New("locked")},
	}, nil
}

func TestScheduler_RunNowKeepsLastResult(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSubmissionScheduler(sweeper, time.Hour, zerolog.Nop())

	at, res := s.LastResult()
	assert.True(t, at.IsZero())
	assert.Nil(t, res)

	s.RunNow(context.Background())

	at, res = s.LastResult()
	assert.False(t, at.IsZero())
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, res.Failed, 1)
}

func TestScheduler_FailedSweepKeepsPreviousResult(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSubmissionScheduler(sweeper, time.Hour, zerolog.Nop())
	s.RunNow(context.Background())
	first, _ := s.LastResult()

	sweeper.err = errors.New("store down")
	s.RunNow(context.Background())

	again, res := s.LastResult()
	assert.Equal(t, first, again)
	assert.NotNil(t, res)
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestScheduler_StartSweepsImmediately(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSubmissionScheduler(sweeper, time.Hour, zerolog.Nop())

	s.Start()
	s.Start() // no second goroutine
	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSubmissionScheduler(sweeper, time.Hour, zerolog.Nop())
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Equal(t, int32(0), sweeper.calls.Load())
}
