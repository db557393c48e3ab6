package state

import (
	"fmt"
	"sort"

	"CoverLedger/internal/ledger"
)

// Governance holds the judge and official identities and the registry of
// mining proxies that may receive idle capital.
type Governance struct {
	Judge         ledger.AccountID
	Official      ledger.AccountID
	miningProxies map[ledger.AccountID]bool
}

func NewGovernance(judge, official ledger.AccountID) *Governance {
	return &Governance{
		Judge:         judge,
		Official:      official,
		miningProxies: make(map[ledger.AccountID]bool),
	}
}

func (gv *Governance) RequireJudge(caller ledger.AccountID) error {
	if caller != gv.Judge {
		return fmt.Errorf("%s: %w", caller, ErrNotJudger)
	}
	return nil
}

func (gv *Governance) RequireOfficial(caller ledger.AccountID) error {
	if caller != gv.Official {
		return fmt.Errorf("%s: %w", caller, ErrNotOfficial)
	}
	return nil
}

func (gv *Governance) IsMiningProxy(a ledger.AccountID) bool {
	return gv.miningProxies[a]
}

func (gv *Governance) SetMiningProxy(a ledger.AccountID, enabled bool) {
	if enabled {
		gv.miningProxies[a] = true
		return
	}
	delete(gv.miningProxies, a)
}

// Authorities is the persisted form of Governance.
type Authorities struct {
	Judge         ledger.AccountID   `json:"judge"`
	Official      ledger.AccountID   `json:"official"`
	MiningProxies []ledger.AccountID `json:"mining_proxies"`
}

// Snapshot returns the authorities with proxies in sorted order.
func (gv *Governance) Snapshot() Authorities {
	proxies := make([]ledger.AccountID, 0, len(gv.miningProxies))
	for a := range gv.miningProxies {
		proxies = append(proxies, a)
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i] < proxies[j] })
	return Authorities{Judge: gv.Judge, Official: gv.Official, MiningProxies: proxies}
}

func (gv *Governance) Restore(a Authorities) {
	gv.Judge = a.Judge
	gv.Official = a.Official
	gv.miningProxies = make(map[ledger.AccountID]bool, len(a.MiningProxies))
	for _, p := range a.MiningProxies {
		gv.miningProxies[p] = true
	}
}
