package cli

import (
	"context"
	"testing"

	"CoverLedger/internal/config"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTransfer struct {
	from, to ledger.AccountID
	amount   uint64
}

type fakeHistory []recordedTransfer

func (h fakeHistory) ReplayTransfers(_ context.Context, fn func(from, to ledger.AccountID, amount fpmath.Amount) error) (int, error) {
	for i, t := range h {
		if err := fn(t.from, t.to, fpmath.U(t.amount)); err != nil {
			return i, err
		}
	}
	return len(h), nil
}

func devPool() config.PoolConfig {
	return config.PoolConfig{
		InitialFee:       2000,
		MinFee:           2000,
		VirtualLiquidity: 1_000_000,
		Judge:            "judge",
		Official:         "official",
		Accounts:         config.AccountsConfig{Pool: "pool", RiskReserve: "reserve", Team: "team"},
		DevMode:          true,
		DevBalances:      map[string]uint64{"alice": 1000, "bob": 500},
	}
}

func TestDevTokens_RequiresDevMode(t *testing.T) {
	pool := devPool()
	pool.DevMode = false
	_, err := devTokens(context.Background(), pool, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestDevTokens_ReplaysHistory(t *testing.T) {
	ctx := context.Background()
	history := fakeHistory{
		{from: "alice", to: "pool", amount: 300},
		{from: "pool", to: "reserve", amount: 100},
	}

	tokens, err := devTokens(ctx, devPool(), zerolog.Nop(), history)
	require.NoError(t, err)

	for account, want := range map[ledger.AccountID]uint64{"alice": 700, "bob": 500, "pool": 200, "reserve": 100} {
		got, err := tokens.BalanceOf(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, fpmath.U(want).String(), got.String(), account.String())
	}

	// Allowances cover the whole supply, not just the opening balance.
	require.NoError(t, tokens.TransferFrom(ctx, "alice", "pool", fpmath.U(700)))
	require.NoError(t, tokens.TransferFrom(ctx, "reserve", "pool", fpmath.U(100)))
}
