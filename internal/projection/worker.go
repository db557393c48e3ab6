package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const claimHistoryName = "claim_history"

// ProjectionWorker updates projection tables from applied operations.
// The projection channel is non-blocking with drop; a projection that
// falls behind is rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq > pw.lastSeq+1 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap, rebuild required")
			}
			if err := pw.processOutput(ctx, output.Envelope, TransfersFromBatch(output.Batch)); err != nil {
				// Eventually consistent; rebuildable from the event log.
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, env *event.EventEnvelope, transfers []Transfer) error {
	entry, ok, err := ClaimEntryFromEvent(env, transfers)
	if err != nil || !ok {
		return err
	}

	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := entry.insert(ctx, tx); err != nil {
		return err
	}
	if err := updateWatermark(ctx, tx, claimHistoryName, env.Sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(claimHistoryName).Observe(time.Since(start).Seconds())
	}
	return nil
}

func updateWatermark(ctx context.Context, tx *sql.Tx, name string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.projection_watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.projection_watermark.last_sequence, $2), updated_at = NOW()
	`, name, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, store *persistence.Store, log zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.claim_history`,
		`DELETE FROM projections.projection_watermark WHERE projection_name = 'claim_history'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const page = 1000
	var (
		from    int64
		entries int
	)
	for {
		events, err := store.LoadEventsFrom(ctx, from, page)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, env := range events {
			var transfers []Transfer
			if env.EventType == event.EventTypeAcceptClaim {
				if transfers, err = loadTransfers(ctx, tx, env.Sequence); err != nil {
					tx.Rollback()
					return err
				}
			}
			entry, ok, err := ClaimEntryFromEvent(env, transfers)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("event %d: %w", env.Sequence, err)
			}
			if !ok {
				continue
			}
			if err := entry.insert(ctx, tx); err != nil {
				tx.Rollback()
				return err
			}
			entries++
		}
		last := events[len(events)-1].Sequence
		if err := updateWatermark(ctx, tx, claimHistoryName, last); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		from = last + 1
	}

	log.Info().Int("claim_entries", entries).Int64("through", from-1).Msg("projection rebuild complete")
	return nil
}

func loadTransfers(ctx context.Context, tx *sql.Tx, seq int64) ([]Transfer, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT journal_type, to_account, amount::TEXT
		FROM event_log.transfers
		WHERE sequence = $1
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("load transfers %d: %w", seq, err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var jt, to, raw string
		if err := rows.Scan(&jt, &to, &raw); err != nil {
			return nil, err
		}
		amount, err := fpmath.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Transfer{JournalType: jt, To: ledger.AccountID(to), Amount: amount})
	}
	return out, rows.Err()
}
