package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ErrStateMismatch means the keyed state tables do not match the tip of the
// event log. Recovery needs an operator.
var ErrStateMismatch = errors.New("ledger state does not match event log")

// Store loads the ledger state written by the persistence worker. The
// keyed tables are updated in the same transaction as the event log, so
// they are always a consistent snapshot at ledger.globals.sequence.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// LoadState assembles a core snapshot. It returns nil for an empty
// database. defaults are used until governance has been changed once.
func (s *Store) LoadState(ctx context.Context, defaults state.Authorities, recentKeys int) (*core.SnapshotState, error) {
	var (
		seq       int64
		hash      []byte
		globalsJS []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash, data FROM ledger.globals WHERE id = 1`,
	).Scan(&seq, &hash, &globalsJS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load globals: %w", err)
	}

	snap := &core.SnapshotState{Sequence: seq}
	copy(snap.StateHash[:], hash)
	if err := json.Unmarshal(globalsJS, &snap.Globals); err != nil {
		return nil, fmt.Errorf("decode globals: %w", err)
	}
	snap.Globals.Normalize()

	if err := s.verifyTip(ctx, seq, snap.StateHash); err != nil {
		return nil, err
	}
	if snap.Providers, err = s.loadProviders(ctx); err != nil {
		return nil, err
	}
	if snap.Historical, err = s.loadHistorical(ctx); err != nil {
		return nil, err
	}
	if snap.Policies, err = s.loadPolicies(ctx); err != nil {
		return nil, err
	}
	if snap.Authorities, err = s.loadAuthorities(ctx, defaults); err != nil {
		return nil, err
	}
	if snap.IdempotencyKeys, err = s.RecentRequestKeys(ctx, recentKeys); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("sequence", seq).
		Int("providers", len(snap.Providers)).
		Int("policies", len(snap.Policies)).
		Msg("ledger state loaded")
	return snap, nil
}

func (s *Store) verifyTip(ctx context.Context, seq int64, hash [32]byte) error {
	var (
		tipSeq  int64
		tipHash []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&tipSeq, &tipHash)
	if err != nil {
		return fmt.Errorf("load event log tip: %w", err)
	}
	if tipSeq != seq || string(tipHash) != string(hash[:]) {
		observability.Critical(&s.log).
			Int64("state_sequence", seq).
			Int64("log_sequence", tipSeq).
			Msg("state tables out of step with event log")
		return fmt.Errorf("%w: state at %d, log at %d", ErrStateMismatch, seq, tipSeq)
	}
	return nil
}

func (s *Store) loadProviders(ctx context.Context) ([]state.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, provider_index, participation_time,
		       stoken_amount::TEXT, reward_debt::TEXT, shadow_debt::TEXT
		FROM ledger.providers
		ORDER BY provider_index
	`)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	var out []state.Provider
	for rows.Next() {
		var (
			p                     state.Provider
			id                    string
			idx                   int64
			shares, reward, shade string
		)
		if err := rows.Scan(&id, &idx, &p.ParticipationTime, &shares, &reward, &shade); err != nil {
			return nil, err
		}
		p.Identity = ledger.AccountID(id)
		p.Index = uint64(idx)
		p.ParticipationTime = p.ParticipationTime.UTC()
		if err := parseAmounts(
			amountField{shares, &p.STokenAmount},
			amountField{reward, &p.RewardDebt},
			amountField{shade, &p.ShadowDebt},
		); err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadHistorical(ctx context.Context) ([]state.HistoricalProvider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, index_before, stoken_amount_before::TEXT, frozen_shares::TEXT,
		       shadow_acc_at_exit::TEXT, shadow_debt_before::TEXT, exit_time
		FROM ledger.historical_providers
		ORDER BY identity
	`)
	if err != nil {
		return nil, fmt.Errorf("load historical providers: %w", err)
	}
	defer rows.Close()

	var out []state.HistoricalProvider
	for rows.Next() {
		var (
			h                           state.HistoricalProvider
			id                          string
			idx                         int64
			before, frozen, acc, shadow string
		)
		if err := rows.Scan(&id, &idx, &before, &frozen, &acc, &shadow, &h.ExitTime); err != nil {
			return nil, err
		}
		h.Identity = ledger.AccountID(id)
		h.IndexBefore = uint64(idx)
		h.ExitTime = h.ExitTime.UTC()
		if err := parseAmounts(
			amountField{before, &h.STokenAmountBefore},
			amountField{frozen, &h.FrozenShares},
			amountField{acc, &h.ShadowAccAtExit},
			amountField{shadow, &h.ShadowDebtBefore},
		); err != nil {
			return nil, fmt.Errorf("historical %s: %w", id, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) loadPolicies(ctx context.Context) ([]state.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, beneficiary, coverage::TEXT, premium::TEXT, deposit::TEXT,
		       start_time, effective_until, latest_provider_index, delta_shadow::TEXT,
		       is_claimed, in_claim_applying, is_canceled
		FROM ledger.policies
		ORDER BY policy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var out []state.Policy
	for rows.Next() {
		var (
			p                                  state.Policy
			id, latest                         int64
			beneficiary                        string
			coverage, premium, deposit, shadow string
		)
		if err := rows.Scan(&id, &beneficiary, &coverage, &premium, &deposit,
			&p.StartTime, &p.EffectiveUntil, &latest, &shadow,
			&p.IsClaimed, &p.InClaimApplying, &p.IsCanceled); err != nil {
			return nil, err
		}
		p.ID = uint64(id)
		p.Beneficiary = ledger.AccountID(beneficiary)
		p.LatestProviderIndex = uint64(latest)
		p.StartTime = p.StartTime.UTC()
		p.EffectiveUntil = p.EffectiveUntil.UTC()
		if err := parseAmounts(
			amountField{coverage, &p.Coverage},
			amountField{premium, &p.Premium},
			amountField{deposit, &p.Deposit},
			amountField{shadow, &p.DeltaShadow},
		); err != nil {
			return nil, fmt.Errorf("policy %d: %w", id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadAuthorities(ctx context.Context, defaults state.Authorities) (state.Authorities, error) {
	var (
		judge, official string
		proxies         []string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT judge, official, mining_proxies FROM ledger.authorities WHERE id = 1`,
	).Scan(&judge, &official, pq.Array(&proxies))
	if errors.Is(err, sql.ErrNoRows) {
		return defaults, nil
	}
	if err != nil {
		return state.Authorities{}, fmt.Errorf("load authorities: %w", err)
	}

	a := state.Authorities{
		Judge:         ledger.AccountID(judge),
		Official:      ledger.AccountID(official),
		MiningProxies: make([]ledger.AccountID, 0, len(proxies)),
	}
	for _, p := range proxies {
		a.MiningProxies = append(a.MiningProxies, ledger.AccountID(p))
	}
	return a, nil
}

// RecentRequestKeys returns the idempotency keys of the last n events,
// oldest first, for warming the LRU.
func (s *Store) RecentRequestKeys(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, request_id FROM (
			SELECT sequence, event_type, request_id
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("load recent request keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, n)
	for rows.Next() {
		var (
			et string
			id uuid.UUID
		)
		if err := rows.Scan(&et, &id); err != nil {
			return nil, err
		}
		keys = append(keys, core.IdempotencyKey(et, id))
	}
	return keys, rows.Err()
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for
// projection rebuilds.
func (s *Store) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, request_id, event_type, caller, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.EventEnvelope
	for rows.Next() {
		var (
			env              event.EventEnvelope
			et, caller       string
			stateHash, prevH []byte
			ts               time.Time
		)
		if err := rows.Scan(&env.Sequence, &env.RequestID, &et, &caller,
			&env.Payload, &stateHash, &prevH, &ts); err != nil {
			return nil, err
		}
		if env.EventType, err = event.ParseEventType(et); err != nil {
			return nil, fmt.Errorf("event %d: %w", env.Sequence, err)
		}
		env.Caller = ledger.AccountID(caller)
		env.Timestamp = ts.UTC()
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevH)
		events = append(events, &env)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1.
func (s *Store) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

type amountField struct {
	raw string
	dst *fpmath.Amount
}

func parseAmounts(fields ...amountField) error {
	for _, f := range fields {
		a, err := fpmath.Parse(f.raw)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", f.raw, err)
		}
		*f.dst = a
	}
	return nil
}

// ReplayTransfers calls fn for every settled transfer in log order. Dev
// mode uses it to rebuild the in-process token balances after a restart.
func (s *Store) ReplayTransfers(ctx context.Context, fn func(from, to ledger.AccountID, amount fpmath.Amount) error) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_account, to_account, amount::TEXT
		FROM event_log.transfers
		ORDER BY sequence ASC, leg <> 'transfer_from', journal_id ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("load transfers: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var from, to, raw string
		if err := rows.Scan(&from, &to, &raw); err != nil {
			return n, err
		}
		amount, err := fpmath.Parse(raw)
		if err != nil {
			return n, fmt.Errorf("transfer amount %q: %w", raw, err)
		}
		if err := fn(ledger.AccountID(from), ledger.AccountID(to), amount); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}
