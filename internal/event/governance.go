package event

import (
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

type TransferJudge struct {
	Header
	NewJudge ledger.AccountID `json:"new_judge"`
}

func (t *TransferJudge) EventType() EventType {
	return EventTypeTransferJudge
}

type TransferOfficial struct {
	Header
	NewOfficial ledger.AccountID `json:"new_official"`
}

func (t *TransferOfficial) EventType() EventType {
	return EventTypeTransferOfficial
}

// ManageMiningProxy registers or disables a proxy that may receive idle
// capital.
type ManageMiningProxy struct {
	Header
	Proxy   ledger.AccountID `json:"proxy"`
	Enabled bool             `json:"enabled"`
}

func (m *ManageMiningProxy) EventType() EventType {
	return EventTypeManageMiningProxy
}

type DeployIdleCapital struct {
	Header
	Proxy  ledger.AccountID `json:"proxy"`
	Amount fpmath.Amount    `json:"amount"`
}

func (d *DeployIdleCapital) EventType() EventType {
	return EventTypeDeployIdleCapital
}

type ClaimTeamReward struct {
	Header
}

func (c *ClaimTeamReward) EventType() EventType {
	return EventTypeClaimTeamReward
}
