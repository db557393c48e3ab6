package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventLogWriter writes applied operations to Postgres using multi-row
// inserts. All writes of one flush share a transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	RequestID uuid.UUID
	EventType string
	Caller    string
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// TransferRow represents a row in event_log.transfers
type TransferRow struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	Sequence    int64
	JournalType string
	Leg         string
	FromAccount string
	ToAccount   string
	Amount      string
	Timestamp   int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one core output into log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []TransferRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:  env.Sequence,
		RequestID: env.RequestID,
		EventType: env.EventType.String(),
		Caller:    env.Caller.String(),
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp,
	}

	if out.Batch == nil {
		return ev, nil
	}
	transfers := make([]TransferRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		transfers = append(transfers, TransferRow{
			JournalID:   j.JournalID,
			BatchID:     j.BatchID,
			Sequence:    env.Sequence,
			JournalType: j.JournalType.String(),
			Leg:         j.Leg.String(),
			FromAccount: j.From.String(),
			ToAccount:   j.To.String(),
			Amount:      j.Amount.String(),
			Timestamp:   j.Timestamp,
		})
	}
	return ev, transfers
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, request_id, event_type, caller, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.RequestID, e.EventType, e.Caller,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes the settled transfer legs to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, tx *sql.Tx, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.transfers
		(journal_id, batch_id, sequence, journal_type, leg, from_account, to_account, amount, timestamp)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]interface{}, 0, len(transfers)*9)

	for i, t := range transfers {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::NUMERIC, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			t.JournalID, t.BatchID, t.Sequence, t.JournalType, t.Leg,
			t.FromAccount, t.ToAccount, t.Amount, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteStateDeltas upserts the entities changed by outputs, in order, and
// moves the globals row to the last output.
func (w *EventLogWriter) WriteStateDeltas(ctx context.Context, tx *sql.Tx, outputs []core.CoreOutput) error {
	if len(outputs) == 0 {
		return nil
	}

	for _, out := range outputs {
		seq := out.Envelope.Sequence
		d := out.Delta
		for _, p := range d.Providers {
			if err := upsertProvider(ctx, tx, seq, p); err != nil {
				return fmt.Errorf("provider %s: %w", p.Identity, err)
			}
		}
		for _, h := range d.Historical {
			if err := upsertHistorical(ctx, tx, seq, h); err != nil {
				return fmt.Errorf("historical %s: %w", h.Identity, err)
			}
		}
		for _, id := range d.RetiredHistorical {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ledger.historical_providers WHERE identity = $1`, id.String(),
			); err != nil {
				return fmt.Errorf("retire %s: %w", id, err)
			}
		}
		for _, p := range d.Policies {
			if err := upsertPolicy(ctx, tx, seq, p); err != nil {
				return fmt.Errorf("policy %d: %w", p.ID, err)
			}
		}
		if d.Authorities != nil {
			if err := upsertAuthorities(ctx, tx, *d.Authorities); err != nil {
				return fmt.Errorf("authorities: %w", err)
			}
		}
	}

	last := outputs[len(outputs)-1]
	data, err := json.Marshal(last.Delta.Globals)
	if err != nil {
		return fmt.Errorf("marshal globals: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.globals (id, sequence, state_hash, data, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET sequence = $1, state_hash = $2, data = $3, updated_at = NOW()
	`, last.Envelope.Sequence, last.Envelope.StateHash[:], data)
	return err
}

// EnsureAuthorities seeds the authorities row on first start.
func (w *EventLogWriter) EnsureAuthorities(ctx context.Context, a state.Authorities) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO ledger.authorities (id, judge, official, mining_proxies)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, a.Judge.String(), a.Official.String(), pq.Array(accountStrings(a.MiningProxies)))
	return err
}

func upsertProvider(ctx context.Context, tx *sql.Tx, seq int64, p state.Provider) error {
	p.Normalize()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.providers
			(identity, provider_index, participation_time, stoken_amount, reward_debt, shadow_debt, updated_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		ON CONFLICT (identity) DO UPDATE SET
			provider_index = $2, participation_time = $3, stoken_amount = $4::NUMERIC,
			reward_debt = $5::NUMERIC, shadow_debt = $6::NUMERIC, updated_sequence = $7
	`, p.Identity.String(), int64(p.Index), p.ParticipationTime,
		p.STokenAmount.String(), p.RewardDebt.String(), p.ShadowDebt.String(), seq)
	return err
}

func upsertHistorical(ctx context.Context, tx *sql.Tx, seq int64, h state.HistoricalProvider) error {
	h.Normalize()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.historical_providers
			(identity, index_before, stoken_amount_before, frozen_shares, shadow_acc_at_exit,
			 shadow_debt_before, exit_time, updated_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		ON CONFLICT (identity) DO UPDATE SET
			index_before = $2, stoken_amount_before = $3::NUMERIC, frozen_shares = $4::NUMERIC,
			shadow_acc_at_exit = $5::NUMERIC, shadow_debt_before = $6::NUMERIC,
			exit_time = $7, updated_sequence = $8
	`, h.Identity.String(), int64(h.IndexBefore), h.STokenAmountBefore.String(),
		h.FrozenShares.String(), h.ShadowAccAtExit.String(), h.ShadowDebtBefore.String(),
		h.ExitTime, seq)
	return err
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, seq int64, p state.Policy) error {
	p.Normalize()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.policies
			(policy_id, beneficiary, coverage, premium, deposit, start_time, effective_until,
			 latest_provider_index, delta_shadow, is_claimed, in_claim_applying, is_canceled, updated_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11, $12, $13)
		ON CONFLICT (policy_id) DO UPDATE SET
			is_claimed = $10, in_claim_applying = $11, is_canceled = $12, updated_sequence = $13
	`, int64(p.ID), p.Beneficiary.String(), p.Coverage.String(), p.Premium.String(),
		p.Deposit.String(), p.StartTime, p.EffectiveUntil, int64(p.LatestProviderIndex),
		p.DeltaShadow.String(), p.IsClaimed, p.InClaimApplying, p.IsCanceled, seq)
	return err
}

func upsertAuthorities(ctx context.Context, tx *sql.Tx, a state.Authorities) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.authorities (id, judge, official, mining_proxies, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET judge = $1, official = $2, mining_proxies = $3, updated_at = NOW()
	`, a.Judge.String(), a.Official.String(), pq.Array(accountStrings(a.MiningProxies)))
	return err
}

func accountStrings(ids []ledger.AccountID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
