package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"
	"CoverLedger/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrInvalidCommand   = errors.New("invalid command")
)

// globalCheckInterval is how often the O(n) entity sums are reconciled
// against the pool totals.
const globalCheckInterval = 1000

// Config wires a Ledger to its collaborators. Nil channels are skipped.
type Config struct {
	Params state.PoolParams
	Token  token.Service
	Clock  Clock

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	PublishChan    chan<- CoreOutput

	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Ledger is the single-threaded operation processor of the pool. Every
// operation runs to completion: compute on a scratch copy, settle the
// transfers, then commit. Callers on other goroutines go through a Runner.
type Ledger struct {
	sequence  int64
	hasher    *StateHasher
	accounts  ledger.SystemAccounts
	validator *ledger.InvariantValidator

	globals      state.Globals
	underwriters *state.UnderwriterLedger
	policies     *state.PolicyBook
	governance   *state.Governance
	reserve      *state.RiskReserve

	guard       OperationGuard
	clock       monotonicClock
	token       token.Service
	idempotency *IdempotencyChecker

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewLedger(cfg Config) (*Ledger, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("pool params: %w", err)
	}
	if cfg.Token == nil {
		return nil, errors.New("token service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	accounts := cfg.Params.Accounts
	return &Ledger{
		hasher:         NewStateHasher(),
		accounts:       accounts,
		validator:      ledger.NewInvariantValidator(nil, accounts),
		globals:        state.NewGlobals(cfg.Params),
		underwriters:   state.NewUnderwriterLedger(),
		policies:       state.NewPolicyBook(),
		governance:     state.NewGovernance(cfg.Params.Judge, cfg.Params.Official),
		reserve:        state.NewRiskReserve(accounts.RiskReserve),
		clock:          monotonicClock{src: clock},
		token:          cfg.Token,
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		publishChan:    cfg.PublishChan,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
	}, nil
}

// Receipt describes an applied operation.
type Receipt struct {
	Sequence  int64
	EventType event.EventType
	StateHash [32]byte
	Timestamp time.Time

	// PolicyID is set by buy_cover.
	PolicyID *uint64

	// Transfers are the token-service calls that settled the operation.
	Transfers []token.Call
}

// effect accumulates the outcome of a handler. Nothing in it touches live
// state until commit.
type effect struct {
	g        state.Globals
	batch    *ledger.Batch
	delta    StateDelta
	commits  []func()
	releases []func()
	receipt  Receipt
	after    func()
}

func (e *effect) onCommit(fn func()) {
	e.commits = append(e.commits, fn)
}

func (e *effect) hold(release func()) {
	e.releases = append(e.releases, release)
}

func (e *effect) releaseAll() {
	for i := len(e.releases) - 1; i >= 0; i-- {
		e.releases[i]()
	}
}

// Process applies one command.
//
// A failing command leaves globals, entities, latches and the sequence
// exactly as before. Transfers of a failed settlement are compensated by
// token.Settle; when that is impossible the error wraps
// token.ErrUnrecoverable. A command issued while another is settling fails
// with state.ErrOperationInProgress.
func (l *Ledger) Process(ctx context.Context, cmd event.Command) (*Receipt, error) {
	start := time.Now()
	meta := cmd.Meta()
	et := cmd.EventType()
	op := et.String()

	release, err := l.guard.Acquire(LatchOperation)
	if err != nil {
		return nil, l.reject(op, l.reentryError(cmd, err))
	}
	defer release()

	if meta.RequestID == uuid.Nil {
		return nil, l.reject(op, fmt.Errorf("%w: missing request id", ErrInvalidCommand))
	}
	if meta.Caller.IsZero() {
		return nil, l.reject(op, fmt.Errorf("%w: missing caller identity", ErrInvalidCommand))
	}

	if l.idempotency.IsDuplicate(ctx, op, meta.RequestID) {
		return nil, l.reject(op, fmt.Errorf("%w: %s %s", ErrDuplicateRequest, op, meta.RequestID))
	}

	now := l.clock.sample()
	eff := &effect{
		g:     l.globals,
		batch: ledger.NewBatch(meta.RequestID.String(), l.sequence, now.UnixMicro()),
	}
	defer eff.releaseAll()

	if err := l.dispatch(ctx, cmd, now, eff); err != nil {
		return nil, l.reject(op, err)
	}

	if err := l.validator.ValidateBatch(eff.batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", op, err))
	}

	if err := token.Settle(ctx, l.token, eff.batch); err != nil {
		if errors.Is(err, token.ErrUnrecoverable) {
			observability.Critical(&l.log).Err(err).
				Str("op", op).
				Str("request_id", meta.RequestID.String()).
				Msg("settlement failed and could not be compensated")
			l.countSettleFailure("unrecoverable")
		} else {
			l.countSettleFailure("compensated")
		}
		return nil, l.reject(op, err)
	}

	prev := l.globals
	l.globals = eff.g
	for _, fn := range eff.commits {
		fn()
	}
	if err := l.postCheckInvariants(prev); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op, err))
	}

	receipt, err := l.emit(cmd, now, eff)
	if err != nil {
		// State is committed and settled; losing the log entry is fatal.
		panic(fmt.Sprintf("FATAL: cannot emit output for %s: %v", op, err))
	}
	l.idempotency.MarkProcessed(op, meta.RequestID)

	if eff.after != nil {
		eff.after()
	}
	l.recordApplied(op, start, eff.batch)
	return receipt, nil
}

// reentryError names the latch a nested exit or unfreeze would have hit,
// alongside the operation-wide rejection.
func (l *Ledger) reentryError(cmd event.Command, err error) error {
	switch cmd.(type) {
	case *event.Exit:
		if l.guard.Held(LatchProviderLeaving) {
			return fmt.Errorf("%w: %w", state.ErrProviderLeavingInProgress, err)
		}
	case *event.Unfreeze:
		if l.guard.Held(LatchHistoricalLeaving) {
			return fmt.Errorf("%w: %w", state.ErrHistoricalProviderLeavingInProgress, err)
		}
	}
	return fmt.Errorf("%s: %w", cmd.EventType(), err)
}

func (l *Ledger) dispatch(ctx context.Context, cmd event.Command, now time.Time, eff *effect) error {
	switch c := cmd.(type) {
	case *event.Stake:
		return l.handleStake(c, now, eff)
	case *event.WithdrawReward:
		return l.handleWithdrawReward(c, eff)
	case *event.Exit:
		return l.handleExit(c, now, eff)
	case *event.Unfreeze:
		return l.handleUnfreeze(c, eff)
	case *event.BuyCover:
		return l.handleBuyCover(c, now, eff)
	case *event.CancelPolicy:
		return l.handleCancelPolicy(c, now, eff)
	case *event.ApplyClaim:
		return l.handleApplyClaim(c, now, eff)
	case *event.RefuseClaim:
		return l.handleRefuseClaim(c, eff)
	case *event.AcceptClaim:
		return l.handleAcceptClaim(ctx, c, eff)
	case *event.TransferJudge:
		return l.handleTransferJudge(c, eff)
	case *event.TransferOfficial:
		return l.handleTransferOfficial(c, eff)
	case *event.ManageMiningProxy:
		return l.handleManageMiningProxy(c, eff)
	case *event.DeployIdleCapital:
		return l.handleDeployIdleCapital(c, eff)
	case *event.ClaimTeamReward:
		return l.handleClaimTeamReward(c, eff)
	default:
		return fmt.Errorf("%w: unknown command type %T", ErrInvalidCommand, cmd)
	}
}

// emit assigns the sequence, extends the hash chain and hands the output
// to the workers.
func (l *Ledger) emit(cmd event.Command, now time.Time, eff *effect) (*Receipt, error) {
	meta := cmd.Meta()
	payload, err := event.Encode(cmd)
	if err != nil {
		return nil, err
	}

	eff.delta.Globals = l.globals
	hashStart := time.Now()
	digest, err := eff.delta.Digest()
	if err != nil {
		return nil, err
	}
	prevHash := l.hasher.GetPrevHash()
	stateHash := l.hasher.ComputeHash(l.sequence, digest)
	if l.metrics != nil {
		l.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:  l.sequence,
		RequestID: meta.RequestID,
		EventType: cmd.EventType(),
		Caller:    meta.Caller,
		Timestamp: now,
		Payload:   payload,
		StateHash: stateHash,
		PrevHash:  prevHash,
	}
	output := CoreOutput{
		Envelope: envelope,
		Batch:    eff.batch,
		Delta:    &eff.delta,
	}

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no applied operation is lost.
	if l.persistChan != nil {
		select {
		case l.persistChan <- output:
		default:
			if l.metrics != nil {
				l.metrics.PersistBackpressure.Inc()
			}
			l.log.Warn().Int64("sequence", l.sequence).Msg("persist channel full, core blocked")
			l.persistChan <- output
		}
	}

	// Projections and the event publisher: non-blocking, drop on full.
	// Both can rebuild from the event log.
	if l.projectionChan != nil {
		select {
		case l.projectionChan <- output:
		default:
			if l.metrics != nil {
				l.metrics.ProjectionDrops.WithLabelValues("claim_history").Inc()
			}
		}
	}
	if l.publishChan != nil {
		select {
		case l.publishChan <- output:
		default:
			if l.metrics != nil {
				l.metrics.PublishDrops.Inc()
			}
		}
	}

	receipt := eff.receipt
	receipt.Sequence = l.sequence
	receipt.EventType = cmd.EventType()
	receipt.StateHash = stateHash
	receipt.Timestamp = now
	receipt.Transfers = token.Plan(eff.batch)

	l.sequence++
	return &receipt, nil
}

// postCheckInvariants compares the committed globals with their values
// before the operation.
func (l *Ledger) postCheckInvariants(prev state.Globals) error {
	g := &l.globals
	switch {
	case g.AccRewardPerShare.LT(prev.AccRewardPerShare):
		return fmt.Errorf("acc_reward_per_share decreased: %s -> %s", prev.AccRewardPerShare, g.AccRewardPerShare)
	case g.AccShadowPerShare.LT(prev.AccShadowPerShare):
		return fmt.Errorf("acc_shadow_per_share decreased: %s -> %s", prev.AccShadowPerShare, g.AccShadowPerShare)
	case g.AccShadowRolledBack.LT(prev.AccShadowRolledBack):
		return fmt.Errorf("acc_shadow_rolled_back decreased: %s -> %s", prev.AccShadowRolledBack, g.AccShadowRolledBack)
	case g.AccShadowRolledBack.GT(g.AccShadowPerShare):
		return fmt.Errorf("acc_shadow_rolled_back %s exceeds acc_shadow_per_share %s", g.AccShadowRolledBack, g.AccShadowPerShare)
	case g.LatestUnfrozenIndex < prev.LatestUnfrozenIndex:
		return fmt.Errorf("latest_unfrozen_index decreased: %d -> %d", prev.LatestUnfrozenIndex, g.LatestUnfrozenIndex)
	}

	if l.sequence > 0 && l.sequence%globalCheckInterval == 0 {
		return l.checkEntitySums()
	}
	return nil
}

// checkEntitySums reconciles entity records with the pool totals.
func (l *Ledger) checkEntitySums() error {
	if sum := l.underwriters.SumSTokens(); !sum.Equal(l.globals.STokenSupply) {
		return fmt.Errorf("stoken supply %s, providers hold %s", l.globals.STokenSupply, sum)
	}
	if open := l.policies.OpenCoverage(); !open.Equal(l.globals.TotalCoverage) {
		return fmt.Errorf("total coverage %s, open policies cover %s", l.globals.TotalCoverage, open)
	}
	if l.policies.Len() != l.globals.PolicyCount {
		return fmt.Errorf("policy count %d, book holds %d", l.globals.PolicyCount, l.policies.Len())
	}
	return nil
}

func (l *Ledger) reject(op string, err error) error {
	if l.metrics != nil {
		l.metrics.CoreOpsRejected.WithLabelValues(op, RejectReason(err)).Inc()
	}
	l.log.Debug().Err(err).Str("op", op).Msg("operation rejected")
	return err
}

func (l *Ledger) countSettleFailure(outcome string) {
	if l.metrics != nil {
		l.metrics.SettleFailures.WithLabelValues(outcome).Inc()
	}
}

func (l *Ledger) recordApplied(op string, start time.Time, batch *ledger.Batch) {
	if l.metrics == nil {
		return
	}
	l.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
	l.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	l.metrics.CoreSequence.Set(float64(l.sequence))
	for _, j := range batch.Journals {
		l.metrics.CoreTransfers.WithLabelValues(j.JournalType.String()).Inc()
	}

	g := &l.globals
	fee, _ := state.FeeRate(g)
	for field, v := range map[string]fpmath.Amount{
		"token_staked":   g.TokenStaked,
		"stoken_supply":  g.STokenSupply,
		"token_frozen":   g.TokenFrozen,
		"total_coverage": g.TotalCoverage,
		"exchange_rate":  g.ExchangeRate,
		"fee_rate":       fee,
	} {
		l.metrics.PoolState.WithLabelValues(field).Set(fpmath.ToFloat(v))
	}
	l.metrics.PoolState.WithLabelValues("provider_count").Set(float64(g.ProviderCount))
	l.metrics.PoolState.WithLabelValues("policy_count").Set(float64(g.PolicyCount))
}

// RejectReason classifies err for metrics labels and logs.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, token.ErrUnrecoverable):
		return "unrecoverable"
	case token.IsTransferError(err):
		return "transfer"
	case fpmath.IsArithmetic(err):
		return "arithmetic"
	case state.IsAuthorization(err):
		return "authorization"
	case state.IsNotFound(err):
		return "not_found"
	case state.IsInProgress(err):
		return "in_progress"
	default:
		return "precondition"
	}
}

// GetSequence returns the next sequence to assign.
func (l *Ledger) GetSequence() int64 {
	return l.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (l *Ledger) GetStateHash() [32]byte {
	return l.hasher.GetPrevHash()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (l *Ledger) WarmLRU(keys []string) {
	l.idempotency.lru.WarmFromKeys(keys)
}
