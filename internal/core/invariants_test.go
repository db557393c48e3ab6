package core_test

import (
	"fmt"
	"testing"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRandomOperations_HoldInvariants drives the ledger with a seeded random
// mix of operations. Accepted operations must keep the pool consistent and
// rejected ones must leave it untouched.
func TestRandomOperations_HoldInvariants(t *testing.T) {
	for _, seed := range []uint64{1, 7, 42, 2026} {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			runRandomOperations(t, gofakeit.New(seed), 400)
		})
	}
}

func runRandomOperations(t *testing.T, f *gofakeit.Faker, steps int) {
	h := newHarness(t)

	users := make([]ledger.AccountID, 0, 6)
	seen := map[ledger.AccountID]bool{}
	for len(users) < cap(users) {
		id := ledger.AccountID("u-" + f.Username())
		if !seen[id] {
			seen[id] = true
			users = append(users, id)
			h.fund(id, 5_000_000)
		}
	}
	h.fund(accounts.RiskReserve, 200_000)

	pick := func() ledger.AccountID { return users[f.IntRange(0, len(users)-1)] }
	policyID := func() uint64 { return uint64(f.IntRange(0, 20)) }

	applied := 0
	for i := 0; i < steps; i++ {
		var cmd event.Command
		switch f.IntRange(0, 9) {
		case 0, 1:
			cmd = &event.Stake{Header: hdr(pick()), Amount: fpmath.U(uint64(f.IntRange(1, 1_000_000)))}
		case 2, 3:
			cmd = &event.BuyCover{Header: hdr(pick()), Coverage: fpmath.U(uint64(f.IntRange(1, 60_000)))}
		case 4:
			cmd = &event.Exit{Header: hdr(pick())}
		case 5:
			cmd = &event.Unfreeze{Header: hdr(pick())}
		case 6:
			cmd = &event.WithdrawReward{Header: hdr(pick())}
		case 7:
			cmd = &event.CancelPolicy{Header: hdr(pick()), PolicyID: policyID()}
		case 8:
			cmd = &event.ApplyClaim{Header: hdr(pick()), PolicyID: policyID()}
		default:
			if f.Bool() {
				cmd = &event.AcceptClaim{Header: hdr("judge"), PolicyID: policyID()}
			} else {
				cmd = &event.RefuseClaim{Header: hdr("judge"), PolicyID: policyID()}
			}
		}

		before := h.stateJSON()
		seq := h.ledger.GetSequence()
		_, err := h.do(cmd)
		if err != nil {
			require.Equal(t, before, h.stateJSON(), "step %d: rejected %s changed state: %v", i, cmd.EventType(), err)
			require.Equal(t, seq, h.ledger.GetSequence())
		} else {
			applied++
		}
		checkPoolInvariants(t, h, i)

		h.clock.Advance(time.Duration(f.IntRange(0, 240)) * time.Hour)
	}
	assert.Positive(t, applied)
}

func checkPoolInvariants(t *testing.T, h *harness, step int) {
	t.Helper()
	snap := h.ledger.CreateSnapshotState()

	shares := fpmath.Zero()
	for _, p := range snap.Providers {
		shares = shares.Add(fpmath.OrZero(p.STokenAmount))
	}
	require.True(t, shares.Equal(snap.Globals.STokenSupply), "step %d: share sum %s, supply %s", step, shares, snap.Globals.STokenSupply)

	open := fpmath.Zero()
	for _, p := range snap.Policies {
		if !p.IsCanceled {
			open = open.Add(p.Coverage)
		}
	}
	require.True(t, open.Equal(snap.Globals.TotalCoverage), "step %d: open coverage %s, total %s", step, open, snap.Globals.TotalCoverage)

	require.True(t, snap.Globals.ExchangeRate.LTE(fpmath.U(fpmath.InitialExchangeRate)), "step %d: exchange rate grew", step)

	tracker := h.tokens.Tracker()
	require.True(t, tracker.ComputeTotalBalance().Equal(tracker.Minted()), "step %d: token supply not conserved", step)
}
