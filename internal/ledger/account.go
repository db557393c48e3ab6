package ledger

import (
	"errors"
	"fmt"
)

// AccountID is a verified identity on the external token ledger. Providers,
// purchasers, the judge and the system accounts all share this namespace.
type AccountID string

func (a AccountID) String() string {
	return string(a)
}

func (a AccountID) IsZero() bool {
	return a == ""
}

// AccountRole classifies an account for journal paths and metrics labels.
type AccountRole uint8

const (
	RoleUser AccountRole = iota
	RolePool
	RoleRiskReserve
	RoleTeam
	RoleMiningProxy
)

func (r AccountRole) String() string {
	switch r {
	case RolePool:
		return "pool"
	case RoleRiskReserve:
		return "risk_reserve"
	case RoleTeam:
		return "team"
	case RoleMiningProxy:
		return "mining_proxy"
	default:
		return "user"
	}
}

// SystemAccounts names the accounts the pool settles against.
type SystemAccounts struct {
	Pool        AccountID
	RiskReserve AccountID
	Team        AccountID
}

func (s SystemAccounts) Validate() error {
	if s.Pool.IsZero() {
		return errors.New("pool account is required")
	}
	if s.RiskReserve.IsZero() {
		return errors.New("risk reserve account is required")
	}
	if s.Team.IsZero() {
		return errors.New("team account is required")
	}
	if s.Pool == s.RiskReserve || s.Pool == s.Team {
		return fmt.Errorf("pool account %s must differ from reserve and team", s.Pool)
	}
	return nil
}

// RoleOf classifies a. Mining proxies are registered at runtime and are
// not known here.
func (s SystemAccounts) RoleOf(a AccountID) AccountRole {
	switch a {
	case s.Pool:
		return RolePool
	case s.RiskReserve:
		return RoleRiskReserve
	case s.Team:
		return RoleTeam
	default:
		return RoleUser
	}
}

// AccountPath returns the string representation for storage/logging.
func (s SystemAccounts) AccountPath(a AccountID) string {
	return fmt.Sprintf("%s:%s", s.RoleOf(a), a)
}
