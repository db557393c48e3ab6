package ledger

import (
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a transfer leg
type JournalType int32

const (
	JournalTypeStakeDeposit JournalType = iota
	JournalTypePremiumCollect
	JournalTypeRewardPayout
	JournalTypeCapitalWithdraw
	JournalTypeFrozenRelease
	JournalTypeDepositRefund
	JournalTypeReserveDraw
	JournalTypeClaimPayout
	JournalTypeCompensation
	JournalTypeTeamReward
	JournalTypeIdleCapitalDeploy
	JournalTypeDepositCollect
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeStakeDeposit:
		return "stake_deposit"
	case JournalTypePremiumCollect:
		return "premium_collect"
	case JournalTypeRewardPayout:
		return "reward_payout"
	case JournalTypeCapitalWithdraw:
		return "capital_withdraw"
	case JournalTypeFrozenRelease:
		return "frozen_release"
	case JournalTypeDepositRefund:
		return "deposit_refund"
	case JournalTypeReserveDraw:
		return "reserve_draw"
	case JournalTypeClaimPayout:
		return "claim_payout"
	case JournalTypeCompensation:
		return "compensation"
	case JournalTypeTeamReward:
		return "team_reward"
	case JournalTypeIdleCapitalDeploy:
		return "idle_capital_deploy"
	case JournalTypeDepositCollect:
		return "deposit_collect"
	default:
		return "unknown"
	}
}

// LegKind selects the token-service call that settles a journal.
type LegKind uint8

const (
	// LegTransfer moves funds out of the pool's own account.
	LegTransfer LegKind = iota
	// LegTransferFrom moves funds the pool was approved to spend.
	LegTransferFrom
)

func (k LegKind) String() string {
	if k == LegTransferFrom {
		return "transfer_from"
	}
	return "transfer"
}

// Journal is a single transfer instruction. Amount is always positive.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string
	Sequence    int64
	From        AccountID
	To          AccountID
	Amount      fpmath.Amount
	JournalType JournalType
	Leg         LegKind
	Timestamp   int64 // epoch microseconds
}

// Batch holds the ordered transfer legs of one ledger operation.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for the operation identified by eventRef.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

func (b *Batch) add(jt JournalType, leg LegKind, from, to AccountID, amount fpmath.Amount) *Batch {
	amount = fpmath.OrZero(amount)
	if amount.IsZero() {
		return b
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     b.BatchID,
		EventRef:    b.EventRef,
		Sequence:    b.Sequence,
		From:        from,
		To:          to,
		Amount:      amount,
		JournalType: jt,
		Leg:         leg,
		Timestamp:   b.Timestamp,
	})
	return b
}

// Pull appends a transfer_from leg. Zero amounts are skipped.
func (b *Batch) Pull(jt JournalType, from, to AccountID, amount fpmath.Amount) *Batch {
	return b.add(jt, LegTransferFrom, from, to, amount)
}

// Pay appends a transfer leg out of the pool. Zero amounts are skipped.
func (b *Batch) Pay(jt JournalType, pool, to AccountID, amount fpmath.Amount) *Batch {
	return b.add(jt, LegTransfer, pool, to, amount)
}

// IsEmpty reports whether the operation moves no funds.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}

// Total sums the journal amounts of type jt.
func (b *Batch) Total(jt JournalType) fpmath.Amount {
	total := fpmath.Zero()
	if b == nil {
		return total
	}
	for _, j := range b.Journals {
		if j.JournalType == jt {
			total = total.Add(j.Amount)
		}
	}
	return total
}

// Validate ensures the batch is well-formed. An empty batch is valid:
// state-only operations such as apply_claim settle nothing.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsNil() || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.From == j.To {
			return fmt.Errorf("journal %s has same source and destination account", j.JournalID)
		}

		if j.From.IsZero() || j.To.IsZero() {
			return fmt.Errorf("journal %s has an empty account", j.JournalID)
		}
	}

	return nil
}
