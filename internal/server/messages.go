package server

import (
	"time"

	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"
)

// Messages of poolledger.v1.PoolService. They travel as JSON over gRPC
// and HTTP alike; amounts are decimal strings, rates are basis points.

type InvestRequest struct {
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id,omitempty"`
}

type InvestResponse struct {
	Index           int       `json:"index"`
	Amount          string    `json:"amount"`
	EstimatedReturn string    `json:"estimated_return"`
	DepositTime     time.Time `json:"deposit_time"`
	MaturityTime    time.Time `json:"maturity_time"`
	Sequence        int64     `json:"sequence"`
}

type WithdrawRequest struct {
	Account string `json:"account"`
	Index   int    `json:"index"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type WithdrawResponse struct {
	Indices   []int  `json:"indices"`
	Principal string `json:"principal"`
	Payout    string `json:"payout"`
	Fee       string `json:"fee"`
	Sequence  int64  `json:"sequence"`
}

type GetInvestmentRequest struct {
	Account string `json:"account"`
	Index   int    `json:"index"`
}

type Investment struct {
	Index           int        `json:"index"`
	Amount          string     `json:"amount"`
	DepositTime     time.Time  `json:"deposit_time"`
	MaturityTime    time.Time  `json:"maturity_time"`
	Withdrawn       bool       `json:"withdrawn"`
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`
	Matured         bool       `json:"matured"`
	EstimatedReturn string     `json:"estimated_return"`
	EstimatedFee    string     `json:"estimated_fee"`
}

type ListInvestmentsResponse struct {
	Account     string       `json:"account"`
	Investments []Investment `json:"investments"`
}

type AccountSummary struct {
	Account                  string `json:"account"`
	TotalCount               int    `json:"total_count"`
	ActiveCount              int    `json:"active_count"`
	TotalInvestedAmount      string `json:"total_invested_amount"`
	TotalAvailableToWithdraw string `json:"total_available_to_withdraw"`
}

type Empty struct{}

type PoolStats struct {
	TotalInvested          string `json:"total_invested"`
	TotalActiveInvestments int64  `json:"total_active_investments"`
	InterestRateBps        int64  `json:"interest_rate_bps"`
	PlatformFeeBps         int64  `json:"platform_fee_bps"`
	CurrentBalance         string `json:"current_balance"`
	FeeRecipient           string `json:"fee_recipient"`
	Owner                  string `json:"owner"`
	Paused                 bool   `json:"paused"`
	Sequence               int64  `json:"sequence"`
	MinInvestment          string `json:"min_investment"`
	InvestmentPeriod       string `json:"investment_period"`
}

type BalanceResponse struct {
	Balance string `json:"balance"`
}

type DepositFundsRequest struct {
	Amount string `json:"amount"`
}

type SetInterestRateRequest struct {
	Bps int64 `json:"bps"`
}

type SetPlatformFeeRequest struct {
	Bps       int64  `json:"bps"`
	Recipient string `json:"recipient"`
}

type TransferOwnershipRequest struct {
	NewOwner string `json:"new_owner"`
}

func investmentMessage(v core.InvestmentView) Investment {
	m := Investment{
		Index:           v.Index,
		Amount:          fpmath.FormatAmount(v.Amount),
		DepositTime:     v.DepositTime,
		MaturityTime:    v.MaturityTime,
		Withdrawn:       v.Withdrawn,
		Matured:         v.Matured,
		EstimatedReturn: fpmath.FormatAmount(v.EstimatedReturn),
		EstimatedFee:    fpmath.FormatAmount(v.EstimatedFee),
	}
	if v.Withdrawn {
		at := v.WithdrawnAt
		m.WithdrawnAt = &at
	}
	return m
}

func withdrawMessage(r core.WithdrawResult) *WithdrawResponse {
	return &WithdrawResponse{
		Indices:   r.Indices,
		Principal: fpmath.FormatAmount(r.Principal),
		Payout:    fpmath.FormatAmount(r.Payout),
		Fee:       fpmath.FormatAmount(r.Fee),
		Sequence:  r.Sequence,
	}
}
