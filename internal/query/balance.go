package query

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountFlowResponse sums the settled transfers touching one account.
// For the pool account, Net is the ledger-driven part of its balance.
type AccountFlowResponse struct {
	Account      string          `json:"account"`
	TotalIn      decimal.Decimal `json:"total_in"`
	TotalOut     decimal.Decimal `json:"total_out"`
	Net          decimal.Decimal `json:"net"`
	Transfers    int64           `json:"transfers"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// GetAccountFlow returns the settled inflow and outflow of account.
func (qs *QueryService) GetAccountFlow(ctx context.Context, account string) (*AccountFlowResponse, error) {
	asOfSeq, err := qs.latestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}

	resp := &AccountFlowResponse{Account: account, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE to_account = $1), 0),
			COALESCE(SUM(amount) FILTER (WHERE from_account = $1), 0),
			COUNT(*)
		FROM event_log.transfers
		WHERE to_account = $1 OR from_account = $1
	`, account).Scan(&resp.TotalIn, &resp.TotalOut, &resp.Transfers)
	if err != nil {
		return nil, err
	}
	resp.Net = resp.TotalIn.Sub(resp.TotalOut)
	return resp, nil
}
