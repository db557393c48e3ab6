package persistence

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"
	"CoverLedger/internal/testutil"
	"CoverLedger/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accounts = ledger.SystemAccounts{Pool: "pool", RiskReserve: "reserve", Team: "team"}

func TestRowsFromOutput(t *testing.T) {
	batch := ledger.NewBatch("buy_cover:1", 4, 1_700_000_000_000_000)
	batch.
		Pull(ledger.JournalTypePremiumCollect, "carol", "pool", fpmath.U(400)).
		Pull(ledger.JournalTypeDepositCollect, "carol", "pool", fpmath.U(20))

	env := &event.EventEnvelope{
		Sequence:  4,
		RequestID: uuid.New(),
		EventType: event.EventTypeBuyCover,
		Caller:    "carol",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   []byte(`{}`),
		StateHash: [32]byte{1},
		PrevHash:  [32]byte{2},
	}

	ev, transfers := RowsFromOutput(core.CoreOutput{Envelope: env, Batch: batch, Delta: &core.StateDelta{}})
	assert.Equal(t, int64(4), ev.Sequence)
	assert.Equal(t, "buy_cover", ev.EventType)
	assert.Equal(t, "carol", ev.Caller)
	assert.Len(t, ev.StateHash, 32)
	assert.Equal(t, byte(1), ev.StateHash[0])

	require.Len(t, transfers, 2)
	assert.Equal(t, "premium_collect", transfers[0].JournalType)
	assert.Equal(t, "deposit_collect", transfers[1].JournalType)
	assert.Equal(t, "transfer_from", transfers[0].Leg)
	assert.Equal(t, "400", transfers[0].Amount)
	assert.Equal(t, batch.BatchID, transfers[1].BatchID)
}

func TestMigrator_OrdersFilesByVersion(t *testing.T) {
	source := fstest.MapFS{}
	for _, name := range []string{
		"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "README.md",
	} {
		source[name] = &fstest.MapFile{Data: []byte("-- noop")}
	}

	m := NewMigrator(nil, source, zerolog.Nop())
	files, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, files)
	assert.Equal(t, "000002", extractVersion(files[1]))
}

func TestMigrations_ArePaired(t *testing.T) {
	m := NewMigrator(nil, MigrationSource(""), zerolog.Nop())
	ups, err := m.listMigrationFiles(".up.sql")
	require.NoError(t, err)
	downs, err := m.listMigrationFiles(".down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, extractVersion(ups[i]), extractVersion(downs[i]))
	}
}

// TestPersistAndLoad_RoundTrip writes real ledger output through the worker
// and restores a fresh ledger from the keyed tables.
func TestPersistAndLoad_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, NewMigrator(db, MigrationSource(""), zerolog.Nop()).Up(ctx))

	params := state.DefaultPoolParams("judge", "official", accounts, 1_000_000)
	tokens := token.NewMemoryService(accounts.Pool)
	for id, amount := range map[ledger.AccountID]uint64{"alice": 1_000_000, "carol": 1_000} {
		require.NoError(t, tokens.Mint(id, fpmath.U(amount)))
		tokens.Approve(id, fpmath.U(amount))
	}

	persist := make(chan core.CoreOutput, 16)
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := core.NewLedger(core.Config{Params: params, Token: tokens, Clock: clock, PersistChan: persist, Logger: zerolog.Nop()})
	require.NoError(t, err)

	stake := &event.Stake{Header: event.Header{RequestID: uuid.New(), Caller: "alice"}, Amount: fpmath.U(1_000_000)}
	for _, cmd := range []event.Command{
		stake,
		&event.BuyCover{Header: event.Header{RequestID: uuid.New(), Caller: "carol"}, Coverage: fpmath.U(20_000)},
		&event.Exit{Header: event.Header{RequestID: uuid.New(), Caller: "alice"}},
		&event.ManageMiningProxy{Header: event.Header{RequestID: uuid.New(), Caller: "official"}, Proxy: "miner", Enabled: true},
	} {
		_, err := l.Process(ctx, cmd)
		require.NoError(t, err)
	}
	close(persist)

	worker := NewPersistenceWorker(db, persist, 2, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	store := NewStore(db, zerolog.Nop())
	latest, err := store.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	snap, err := store.LoadState(ctx, state.Authorities{Judge: "judge", Official: "official"}, 100)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, l.GetStateHash(), snap.StateHash)
	assert.Equal(t, []ledger.AccountID{"miner"}, snap.Authorities.MiningProxies)
	assert.Len(t, snap.IdempotencyKeys, 4)

	restored, err := core.NewLedger(core.Config{Params: params, Token: tokens, Logger: zerolog.Nop(), DBChecker: NewPostgresIdempotencyChecker(db)})
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, int64(4), restored.GetSequence())

	want, err := l.Summary()
	require.NoError(t, err)
	got, err := restored.Summary()
	require.NoError(t, err)
	assert.Equal(t, want.Globals.TokenFrozen.String(), got.Globals.TokenFrozen.String())
	assert.Equal(t, want.Globals.PricingConstant.String(), got.Globals.PricingConstant.String())

	_, err = restored.Process(ctx, stake)
	assert.ErrorIs(t, err, core.ErrDuplicateRequest)

	dup, err := NewPostgresIdempotencyChecker(db).IsDuplicate(ctx, "stake", stake.RequestID)
	require.NoError(t, err)
	assert.True(t, dup)
}
