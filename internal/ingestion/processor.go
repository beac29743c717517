package ingestion

import (
	"context"
	"fmt"
	"strings"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Vault is the part of core.Vault reachable from inbound commands
type Vault interface {
	Invest(ctx context.Context, req core.InvestRequest) (core.InvestResult, error)
	Withdraw(ctx context.Context, account common.Address, index int) (core.WithdrawResult, error)
	WithdrawAll(ctx context.Context, account common.Address) (core.WithdrawResult, error)
	DepositFunds(ctx context.Context, funder common.Address, amount int64) (int64, error)
}

// CommandProcessor executes inbound commands against the vault. A message
// is acked only after its command ran; a rejected command is acked and
// logged, never redelivered.
type CommandProcessor struct {
	vault    Vault
	subjects []SubjectConfig
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewCommandProcessor(vault Vault, subjects []SubjectConfig, metrics *observability.Metrics, log zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{
		vault:    vault,
		subjects: subjects,
		metrics:  metrics,
		log:      log,
	}
}

// Run handles commands until rawChan closes or ctx is cancelled
func (p *CommandProcessor) Run(ctx context.Context, rawChan <-chan RawCommand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				raw.NakFunc()
				return ctx.Err()
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle parses, executes and acks one message
func (p *CommandProcessor) Handle(ctx context.Context, raw RawCommand) {
	cfg, ok := p.resolve(raw.Subject)
	if !ok {
		p.log.Warn().Str("subject", raw.Subject).Msg("unknown command subject")
		p.count("unknown", "invalid")
		raw.AckFunc()
		return
	}

	cmd, err := ParseRawCommand(raw, cfg.Kind, cfg.Prefix())
	if err != nil {
		p.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		p.count(string(cfg.Kind), "invalid")
		raw.AckFunc()
		return
	}

	err = Execute(ctx, p.vault, cmd)
	raw.AckFunc()
	if err != nil {
		p.log.Warn().
			Err(err).
			Str("kind", string(cmd.Kind)).
			Str("account", cmd.Account.Hex()).
			Str("error_kind", core.KindOf(err).String()).
			Msg("command rejected")
		p.count(string(cmd.Kind), "rejected")
		return
	}

	p.log.Debug().Str("kind", string(cmd.Kind)).Str("account", cmd.Account.Hex()).Msg("command applied")
	p.count(string(cmd.Kind), "applied")
}

// resolve finds the subject config with the longest matching prefix
func (p *CommandProcessor) resolve(subject string) (SubjectConfig, bool) {
	var best SubjectConfig
	found := false
	for _, cfg := range p.subjects {
		prefix := cfg.Prefix()
		if subject != prefix && !strings.HasPrefix(subject, prefix+".") {
			continue
		}
		if !found || len(prefix) > len(best.Prefix()) {
			best = cfg
			found = true
		}
	}
	return best, found
}

func (p *CommandProcessor) count(kind, result string) {
	if p.metrics != nil {
		p.metrics.CommandsReceived.WithLabelValues(kind, result).Inc()
	}
}

// Execute runs one command against the vault
func Execute(ctx context.Context, v Vault, cmd Command) error {
	var err error
	switch cmd.Kind {
	case CommandInvest:
		_, err = v.Invest(ctx, core.InvestRequest{Account: cmd.Account, Amount: cmd.Amount, RequestID: cmd.RequestID})
	case CommandWithdraw:
		_, err = v.Withdraw(ctx, cmd.Account, cmd.Index)
	case CommandWithdrawAll:
		_, err = v.WithdrawAll(ctx, cmd.Account)
	case CommandFund:
		_, err = v.DepositFunds(ctx, cmd.Account, cmd.Amount)
	default:
		err = fmt.Errorf("unknown command kind: %s", cmd.Kind)
	}
	return err
}
