package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/token"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_SerializesSubmitAndQuery(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.fund(ledger.AccountID(id), 1_000)
	}

	r := core.NewRunner(h.ledger, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.Submit(ctx, &event.Stake{Header: hdr(ledger.AccountID(id)), Amount: fpmath.U(1_000)})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	available, err := core.Query(ctx, r, func(l *core.Ledger) (fpmath.Amount, error) {
		return l.AvailableCapital(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4_000), available.Uint64())

	view, err := core.Query(ctx, r, func(l *core.Ledger) (core.ProviderView, error) {
		return l.Provider("c")
	})
	require.NoError(t, err)
	assert.Equal(t, "1000", view.Provider.STokenAmount.String())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	_, err = r.Submit(context.Background(), &event.Exit{Header: hdr("a")})
	assert.ErrorIs(t, err, core.ErrRunnerStopped)
}

func TestRunner_CallerCancelledMidCommandStillGetsReceipt(t *testing.T) {
	var hooked *onTransfer
	h := newHarnessWith(t, func(s token.Service) token.Service {
		hooked = &onTransfer{Service: s}
		return hooked
	})
	h.fund("alice", 1_000)
	h.must(&event.Stake{Header: hdr("alice"), Amount: fpmath.U(1_000)})

	r := core.NewRunner(h.ledger, 1, zerolog.Nop())
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = r.Run(runCtx) }()

	ctx, cancel := context.WithCancel(context.Background())
	hooked.hook = func() {
		cancel()
		time.Sleep(20 * time.Millisecond)
	}

	receipt, err := r.Submit(ctx, &event.Exit{Header: hdr("alice")})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, int64(1), receipt.Sequence)
	assert.Equal(t, uint64(1_000), h.balance("alice"))
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")

	assert.False(t, lru.Contains("a"))
	assert.True(t, lru.Contains("b"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())

	// Contains refreshes recency
	lru.Contains("b")
	lru.Add("d")
	assert.Equal(t, []string{"b", "d"}, lru.GetAllKeys())
}
