package core

import (
	"context"
	"fmt"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"
	"CoverLedger/internal/token"
)

// --- Underwriting ---

func (l *Ledger) handleStake(c *event.Stake, now time.Time, eff *effect) error {
	p, err := l.underwriters.PlanStake(&eff.g, c.Caller, c.Amount, now)
	if err != nil {
		return err
	}

	eff.batch.Pull(ledger.JournalTypeStakeDeposit, c.Caller, l.accounts.Pool, c.Amount)
	eff.delta.Providers = append(eff.delta.Providers, p)
	eff.onCommit(func() { l.underwriters.PutProvider(p) })
	return nil
}

func (l *Ledger) requireProvider(caller ledger.AccountID) error {
	if _, ok := l.underwriters.Provider(caller); !ok {
		return fmt.Errorf("%s: %w", caller, state.ErrNotUnderwriter)
	}
	return nil
}

func (l *Ledger) handleWithdrawReward(c *event.WithdrawReward, eff *effect) error {
	if err := l.requireProvider(c.Caller); err != nil {
		return err
	}
	p, reward, err := l.underwriters.PlanWithdrawReward(&eff.g, c.Caller)
	if err != nil {
		return err
	}

	eff.batch.Pay(ledger.JournalTypeRewardPayout, l.accounts.Pool, c.Caller, reward)
	eff.delta.Providers = append(eff.delta.Providers, p)
	eff.onCommit(func() { l.underwriters.PutProvider(p) })
	return nil
}

func (l *Ledger) handleExit(c *event.Exit, now time.Time, eff *effect) error {
	if err := l.requireProvider(c.Caller); err != nil {
		return err
	}
	release, err := l.guard.Acquire(LatchProviderLeaving)
	if err != nil {
		return err
	}
	eff.hold(release)

	plan, err := l.underwriters.PlanExit(&eff.g, c.Caller, now)
	if err != nil {
		return err
	}

	eff.batch.
		Pay(ledger.JournalTypeCapitalWithdraw, l.accounts.Pool, c.Caller, plan.Withdrawable).
		Pay(ledger.JournalTypeRewardPayout, l.accounts.Pool, c.Caller, plan.Reward)
	eff.delta.Providers = append(eff.delta.Providers, plan.Provider)
	if plan.Historical != nil {
		eff.delta.Historical = append(eff.delta.Historical, *plan.Historical)
	}
	eff.onCommit(func() { l.underwriters.ApplyExit(plan) })
	return nil
}

func (l *Ledger) handleUnfreeze(c *event.Unfreeze, eff *effect) error {
	if _, ok := l.underwriters.Historical(c.Caller); !ok {
		return fmt.Errorf("%s: %w", c.Caller, state.ErrNotHistoricalUnderwriter)
	}
	release, err := l.guard.Acquire(LatchHistoricalLeaving)
	if err != nil {
		return err
	}
	eff.hold(release)

	plan, err := l.underwriters.PlanUnfreeze(&eff.g, c.Caller)
	if err != nil {
		return err
	}

	eff.batch.Pay(ledger.JournalTypeFrozenRelease, l.accounts.Pool, c.Caller, plan.Released)
	if plan.Retired {
		eff.delta.RetiredHistorical = append(eff.delta.RetiredHistorical, c.Caller)
	} else {
		eff.delta.Historical = append(eff.delta.Historical, plan.Historical)
	}
	eff.onCommit(func() { l.underwriters.ApplyUnfreeze(plan) })
	return nil
}

// --- Policies and claims ---

func (l *Ledger) handleBuyCover(c *event.BuyCover, now time.Time, eff *effect) error {
	plan, err := l.policies.PlanBuy(&eff.g, c.Caller, c.Coverage, now)
	if err != nil {
		return err
	}
	if plan.Policy.ID != l.policies.Len() {
		return fmt.Errorf("policy count %d out of step with book length %d", plan.Policy.ID, l.policies.Len())
	}

	eff.batch.
		Pull(ledger.JournalTypePremiumCollect, c.Caller, l.accounts.Pool, plan.Split.Premium).
		Pull(ledger.JournalTypeDepositCollect, c.Caller, l.accounts.Pool, plan.Split.Deposit)
	eff.delta.Policies = append(eff.delta.Policies, plan.Policy)
	id := plan.Policy.ID
	eff.receipt.PolicyID = &id
	eff.onCommit(func() {
		if err := l.policies.ApplyBuy(plan); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
	})
	return nil
}

func (l *Ledger) handleCancelPolicy(c *event.CancelPolicy, now time.Time, eff *effect) error {
	p, err := l.policies.PlanCancel(&eff.g, c.PolicyID, c.Caller, now)
	if err != nil {
		return err
	}

	eff.batch.Pay(ledger.JournalTypeDepositRefund, l.accounts.Pool, c.Caller, p.Deposit)
	l.putPolicy(p, eff)
	return nil
}

func (l *Ledger) handleApplyClaim(c *event.ApplyClaim, now time.Time, eff *effect) error {
	p, err := l.policies.PlanApplyClaim(c.PolicyID, c.Caller, now)
	if err != nil {
		return err
	}
	l.putPolicy(p, eff)
	return nil
}

func (l *Ledger) handleRefuseClaim(c *event.RefuseClaim, eff *effect) error {
	if err := l.governance.RequireJudge(c.Caller); err != nil {
		return err
	}
	p, err := l.policies.PlanRefuseClaim(c.PolicyID)
	if err != nil {
		return err
	}
	l.putPolicy(p, eff)
	return nil
}

// handleAcceptClaim pays the beneficiary through the pool: the reserve's
// share is pulled in first, then the full coverage goes out. Whatever the
// reserve cannot cover devalues every share.
func (l *Ledger) handleAcceptClaim(ctx context.Context, c *event.AcceptClaim, eff *effect) error {
	if err := l.governance.RequireJudge(c.Caller); err != nil {
		return err
	}
	p, err := l.policies.PlanAcceptClaim(c.PolicyID)
	if err != nil {
		return err
	}

	balance, err := l.token.BalanceOf(ctx, l.reserve.Account)
	if err != nil {
		return fmt.Errorf("risk reserve balance: %w", token.Normalize(err))
	}
	fromReserve, shortfall := l.reserve.ComputeCoverage(fpmath.OrZero(balance), p.Coverage)
	if err := state.AbsorbShortfall(&eff.g, shortfall); err != nil {
		return err
	}

	eff.batch.
		Pull(ledger.JournalTypeReserveDraw, l.reserve.Account, l.accounts.Pool, fromReserve).
		Pay(ledger.JournalTypeClaimPayout, l.accounts.Pool, p.Beneficiary, p.Coverage)
	l.putPolicy(p, eff)

	eff.after = func() {
		if l.metrics != nil {
			l.metrics.ClaimsPaid.Inc()
			l.metrics.ClaimShortfall.Add(fpmath.ToFloat(shortfall))
		}
		if !shortfall.IsZero() {
			l.log.Warn().
				Uint64("policy_id", p.ID).
				Str("shortfall", shortfall.String()).
				Str("exchange_rate", l.globals.ExchangeRate.String()).
				Msg("risk reserve short, shortfall absorbed by pool capital")
		}
	}
	return nil
}

func (l *Ledger) putPolicy(p state.Policy, eff *effect) {
	eff.delta.Policies = append(eff.delta.Policies, p)
	eff.onCommit(func() { l.policies.Put(p) })
}

// --- Governance ---

func (l *Ledger) handleTransferJudge(c *event.TransferJudge, eff *effect) error {
	if err := l.governance.RequireJudge(c.Caller); err != nil {
		return err
	}
	if c.NewJudge.IsZero() {
		return fmt.Errorf("%w: new judge is empty", ErrInvalidCommand)
	}
	l.putAuthorities(eff, func(a *state.Authorities) { a.Judge = c.NewJudge })
	eff.onCommit(func() { l.governance.Judge = c.NewJudge })
	return nil
}

func (l *Ledger) handleTransferOfficial(c *event.TransferOfficial, eff *effect) error {
	if err := l.governance.RequireOfficial(c.Caller); err != nil {
		return err
	}
	if c.NewOfficial.IsZero() {
		return fmt.Errorf("%w: new official is empty", ErrInvalidCommand)
	}
	l.putAuthorities(eff, func(a *state.Authorities) { a.Official = c.NewOfficial })
	eff.onCommit(func() { l.governance.Official = c.NewOfficial })
	return nil
}

func (l *Ledger) handleManageMiningProxy(c *event.ManageMiningProxy, eff *effect) error {
	if err := l.governance.RequireOfficial(c.Caller); err != nil {
		return err
	}
	if c.Proxy.IsZero() || l.accounts.RoleOf(c.Proxy) != ledger.RoleUser {
		return fmt.Errorf("%w: %q cannot be a mining proxy", ErrInvalidCommand, c.Proxy)
	}
	l.putAuthorities(eff, func(a *state.Authorities) {
		proxies := a.MiningProxies[:0]
		for _, p := range a.MiningProxies {
			if p != c.Proxy {
				proxies = append(proxies, p)
			}
		}
		if c.Enabled {
			proxies = append(proxies, c.Proxy)
		}
		a.MiningProxies = proxies
	})
	eff.onCommit(func() { l.governance.SetMiningProxy(c.Proxy, c.Enabled) })
	return nil
}

// handleDeployIdleCapital moves unpromised capital to a mining proxy. Pool
// accounting is unchanged and nothing records what is already deployed, so
// the available-capital cap bounds each call, not the running total. The
// capital and its yield come back through the proxy, outside the ledger.
func (l *Ledger) handleDeployIdleCapital(c *event.DeployIdleCapital, eff *effect) error {
	if err := l.governance.RequireJudge(c.Caller); err != nil {
		return err
	}
	if !l.governance.IsMiningProxy(c.Proxy) {
		return fmt.Errorf("%s: %w", c.Proxy, state.ErrNotValidMiningProxy)
	}
	if c.Amount.IsNil() || c.Amount.IsZero() {
		return state.ErrInvalidAmount
	}
	if available := state.AvailableCapital(&eff.g); c.Amount.GT(available) {
		return fmt.Errorf("deploy %s, available %s: %w", c.Amount, available, state.ErrInsufficientIdleCapital)
	}

	eff.batch.Pay(ledger.JournalTypeIdleCapitalDeploy, l.accounts.Pool, c.Proxy, c.Amount)
	return nil
}

func (l *Ledger) handleClaimTeamReward(c *event.ClaimTeamReward, eff *effect) error {
	if err := l.governance.RequireOfficial(c.Caller); err != nil {
		return err
	}
	reward := eff.g.TeamClaimableReward
	eff.g.TeamClaimableReward = fpmath.Zero()

	eff.batch.Pay(ledger.JournalTypeTeamReward, l.accounts.Pool, l.accounts.Team, reward)
	return nil
}

// putAuthorities records the post-operation authorities in the delta.
func (l *Ledger) putAuthorities(eff *effect, edit func(a *state.Authorities)) {
	a := l.governance.Snapshot()
	edit(&a)
	eff.delta.Authorities = &a
}
