package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultLimit and MaxLimit bound history page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// QueryService provides read-only access to the event log and projection
// tables. Live pool state is read from the core instead. Responses carry
// as_of_sequence for freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ClampLimit maps a requested page size onto [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// GetClaimHistory returns the claim steps of one policy, oldest first.
func (qs *QueryService) GetClaimHistory(ctx context.Context, policyID uint64) ([]ClaimHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx, "claim_history")
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, policy_id, action, actor, beneficiary, coverage, from_reserve, paid, timestamp
		FROM projections.claim_history
		WHERE policy_id = $1
		ORDER BY sequence ASC
	`, int64(policyID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ClaimHistoryResponse
	for rows.Next() {
		var (
			h                       ClaimHistoryResponse
			id                      int64
			beneficiary             sql.NullString
			coverage, reserve, paid decimal.NullDecimal
		)
		if err := rows.Scan(&h.Sequence, &id, &h.Action, &h.Actor, &beneficiary,
			&coverage, &reserve, &paid, &h.Timestamp); err != nil {
			return nil, err
		}
		h.PolicyID = uint64(id)
		h.Beneficiary = beneficiary.String
		h.Coverage = decimalPtr(coverage)
		h.FromReserve = decimalPtr(reserve)
		h.Paid = decimalPtr(paid)
		h.AsOfSequence = asOfSeq
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetTransferHistory returns transfers touching account, newest first,
// with cursor pagination on sequence.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]TransferHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, sequence, journal_type, leg,
		       from_account, to_account, amount, timestamp
		FROM event_log.transfers
		WHERE (from_account = $1 OR to_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, ClampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TransferHistoryEntry
	for rows.Next() {
		var e TransferHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Sequence, &e.JournalType, &e.Leg,
			&e.From, &e.To, &e.Amount, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEvents returns event log entries issued by caller, newest first.
func (qs *QueryService) GetEvents(ctx context.Context, caller string, limit int, beforeSequence *int64) ([]EventSummary, error) {
	query := `
		SELECT sequence, request_id, event_type, caller, state_hash, timestamp
		FROM event_log.events
		WHERE caller = $1
	`
	args := []interface{}{caller}
	argIdx := 2
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, ClampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventSummary
	for rows.Next() {
		var (
			e    EventSummary
			hash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.RequestID, &e.EventType, &e.Caller, &hash, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(hash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, sequence gaps, and that the
// keyed state tables are at the log tip.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	if report.LatestSequence, err = qs.latestSequence(ctx); err != nil {
		return nil, err
	}
	err = qs.db.QueryRowContext(ctx, `SELECT sequence FROM ledger.globals WHERE id = 1`).Scan(&report.StateSequence)
	if errors.Is(err, sql.ErrNoRows) {
		report.StateSequence = -1
	} else if err != nil {
		return nil, err
	}
	report.StateBehindLog = report.StateSequence != report.LatestSequence

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		!report.StateBehindLog
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, projection string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.projection_watermark WHERE projection_name = $1
	`, projection).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) latestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
