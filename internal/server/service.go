package server

import (
	"context"
	"errors"
	"strings"

	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CallerMetadataKey carries the acting address of admin and funding calls
const CallerMetadataKey = "x-pool-caller"

// PoolService implements PoolServiceServer on top of the vault
type PoolService struct {
	vault *core.Vault
	log   zerolog.Logger
}

func NewPoolService(vault *core.Vault, log zerolog.Logger) *PoolService {
	return &PoolService{vault: vault, log: log}
}

func (s *PoolService) Invest(ctx context.Context, req *InvestRequest) (*InvestResponse, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	res, err := s.vault.Invest(ctx, core.InvestRequest{
		Account:   account,
		Amount:    amount,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &InvestResponse{
		Index:           res.Index,
		Amount:          fpmath.FormatAmount(res.Amount),
		EstimatedReturn: fpmath.FormatAmount(res.EstimatedReturn),
		DepositTime:     res.DepositTime,
		MaturityTime:    res.MaturityTime,
		Sequence:        res.Sequence,
	}, nil
}

func (s *PoolService) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	if req.Index < 0 {
		return nil, status.Error(codes.InvalidArgument, "index must not be negative")
	}

	res, err := s.vault.Withdraw(ctx, account, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return withdrawMessage(res), nil
}

func (s *PoolService) WithdrawAll(ctx context.Context, req *AccountRequest) (*WithdrawResponse, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}

	res, err := s.vault.WithdrawAll(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return withdrawMessage(res), nil
}

func (s *PoolService) DepositFunds(ctx context.Context, req *DepositFundsRequest) (*BalanceResponse, error) {
	funder, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	balance, err := s.vault.DepositFunds(ctx, funder, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{Balance: fpmath.FormatAmount(balance)}, nil
}

func (s *PoolService) SetInterestRate(ctx context.Context, req *SetInterestRateRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vault.SetInterestRate(ctx, caller, req.Bps); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info().Str("caller", caller.Hex()).Int64("bps", req.Bps).Msg("interest rate updated")
	return &Empty{}, nil
}

func (s *PoolService) SetPlatformFee(ctx context.Context, req *SetPlatformFeeRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		return nil, err
	}
	if err := s.vault.SetPlatformFee(ctx, caller, req.Bps, recipient); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info().Str("caller", caller.Hex()).Int64("bps", req.Bps).
		Str("recipient", recipient.Hex()).Msg("platform fee updated")
	return &Empty{}, nil
}

func (s *PoolService) Pause(ctx context.Context, _ *Empty) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Pause(ctx, caller); err != nil {
		return nil, toStatus(err)
	}
	s.log.Warn().Str("caller", caller.Hex()).Msg("pool paused")
	return &Empty{}, nil
}

func (s *PoolService) Unpause(ctx context.Context, _ *Empty) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Unpause(ctx, caller); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info().Str("caller", caller.Hex()).Msg("pool unpaused")
	return &Empty{}, nil
}

func (s *PoolService) TransferOwnership(ctx context.Context, req *TransferOwnershipRequest) (*Empty, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	newOwner, err := parseAddress("new_owner", req.NewOwner)
	if err != nil {
		return nil, err
	}
	if err := s.vault.TransferOwnership(ctx, caller, newOwner); err != nil {
		return nil, toStatus(err)
	}
	s.log.Warn().Str("from", caller.Hex()).Str("to", newOwner.Hex()).Msg("ownership transferred")
	return &Empty{}, nil
}

func (s *PoolService) GetInvestment(ctx context.Context, req *GetInvestmentRequest) (*Investment, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	v, err := s.vault.GetInvestment(ctx, account, req.Index)
	if err != nil {
		if errors.Is(err, core.ErrInvalidIndex) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, toStatus(err)
	}
	m := investmentMessage(v)
	return &m, nil
}

func (s *PoolService) ListInvestments(ctx context.Context, req *AccountRequest) (*ListInvestmentsResponse, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	views := s.vault.ListInvestments(ctx, account)
	resp := &ListInvestmentsResponse{
		Account:     strings.ToLower(account.Hex()),
		Investments: make([]Investment, len(views)),
	}
	for i, v := range views {
		resp.Investments[i] = investmentMessage(v)
	}
	return resp, nil
}

func (s *PoolService) GetUserInvestments(ctx context.Context, req *AccountRequest) (*AccountSummary, error) {
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return nil, err
	}
	sum := s.vault.GetUserInvestments(ctx, account)
	return &AccountSummary{
		Account:                  strings.ToLower(account.Hex()),
		TotalCount:               sum.TotalCount,
		ActiveCount:              sum.ActiveCount,
		TotalInvestedAmount:      fpmath.FormatAmount(sum.TotalInvestedAmount),
		TotalAvailableToWithdraw: fpmath.FormatAmount(sum.TotalAvailableToWithdraw),
	}, nil
}

func (s *PoolService) GetPoolStats(ctx context.Context, _ *Empty) (*PoolStats, error) {
	st := s.vault.GetPoolStats(ctx)
	return &PoolStats{
		TotalInvested:          fpmath.FormatAmount(st.TotalInvested),
		TotalActiveInvestments: st.TotalActiveInvestments,
		InterestRateBps:        st.InterestRateBps,
		PlatformFeeBps:         st.PlatformFeeBps,
		CurrentBalance:         fpmath.FormatAmount(st.CurrentBalance),
		FeeRecipient:           st.FeeRecipient.Hex(),
		Owner:                  st.Owner.Hex(),
		Paused:                 st.Paused,
		Sequence:               st.Sequence,
		MinInvestment:          fpmath.FormatAmount(st.MinInvestment),
		InvestmentPeriod:       st.InvestmentPeriod.String(),
	}, nil
}

func (s *PoolService) GetBalance(ctx context.Context, _ *Empty) (*BalanceResponse, error) {
	return &BalanceResponse{Balance: fpmath.FormatAmount(s.vault.GetBalance(ctx))}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, status.Error(codes.InvalidArgument, "amount is required")
	}
	amount, err := fpmath.ParseAmount(s)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return amount, nil
}

// toStatus maps a vault rejection to its gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var code codes.Code
	switch core.KindOf(err) {
	case core.KindValidation:
		code = codes.InvalidArgument
	case core.KindAuthorization:
		code = codes.PermissionDenied
	case core.KindState:
		code = codes.FailedPrecondition
	case core.KindResource:
		code = codes.ResourceExhausted
	case core.KindTransfer:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
