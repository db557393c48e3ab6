package cli

import (
	"context"
	"errors"
	"sort"

	"CoverLedger/internal/config"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/token"

	"github.com/rs/zerolog"
)

// transferReplayer is satisfied by *persistence.Store.
type transferReplayer interface {
	ReplayTransfers(ctx context.Context, fn func(from, to ledger.AccountID, amount fpmath.Amount) error) (int, error)
}

// devTokens builds the in-process token ledger: dev balances are minted,
// every transfer already in the event log is replayed on top, and each
// funded account plus the risk reserve approves the pool for the whole
// supply.
func devTokens(ctx context.Context, pool config.PoolConfig, log zerolog.Logger, history transferReplayer) (*token.MemoryService, error) {
	if !pool.DevMode {
		return nil, errors.New("no token service configured: set pool.dev_mode to settle against the in-process ledger")
	}

	params := pool.Params()
	tokens := token.NewMemoryService(params.Accounts.Pool)

	owners := make([]string, 0, len(pool.DevBalances))
	for owner := range pool.DevBalances {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	supply := fpmath.Zero()
	for _, owner := range owners {
		amount := fpmath.U(pool.DevBalances[owner])
		if err := tokens.Mint(ledger.AccountID(owner), amount); err != nil {
			return nil, err
		}
		supply = supply.Add(amount)
	}

	replayed := 0
	if history != nil {
		var err error
		replayed, err = history.ReplayTransfers(ctx, tokens.Replay)
		if err != nil {
			return nil, err
		}
	}

	for _, owner := range owners {
		tokens.Approve(ledger.AccountID(owner), supply)
	}
	tokens.Approve(params.Accounts.RiskReserve, supply)

	log.Info().
		Int("accounts", len(owners)).
		Str("supply", supply.String()).
		Int("replayed_transfers", replayed).
		Msg("dev token ledger ready")
	return tokens, nil
}
