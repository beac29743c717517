package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// CommandKind identifies an inbound command
type CommandKind string

const (
	CommandInvest      CommandKind = "invest"
	CommandWithdraw    CommandKind = "withdraw"
	CommandWithdrawAll CommandKind = "withdraw_all"
	CommandFund        CommandKind = "fund"
)

// Command is a parsed, validated command ready for the vault
type Command struct {
	Kind      CommandKind
	Account   common.Address
	Amount    int64
	Index     int
	RequestID string
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings ("0.01").

type investJSON struct {
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id"`
}

type withdrawJSON struct {
	Account string `json:"account"`
	Index   *int   `json:"index"`
}

type withdrawAllJSON struct {
	Account string `json:"account"`
}

type fundJSON struct {
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

var errMissingField = errors.New("missing field")

// ParseRawCommand converts a NATS message into a Command. For invest
// commands without a request_id, the subject token after the command
// prefix is used as the request ID.
func ParseRawCommand(raw RawCommand, kind CommandKind, subjectPrefix string) (Command, error) {
	cmd, err := ParseCommand(kind, raw.Data)
	if err != nil {
		return Command{}, err
	}
	if kind == CommandInvest && cmd.RequestID == "" {
		cmd.RequestID = subjectTail(raw.Subject, subjectPrefix)
	}
	return cmd, nil
}

// ParseCommand decodes the JSON payload of a command
func ParseCommand(kind CommandKind, data []byte) (Command, error) {
	switch kind {
	case CommandInvest:
		return parseInvest(data)
	case CommandWithdraw:
		return parseWithdraw(data)
	case CommandWithdrawAll:
		return parseWithdrawAll(data)
	case CommandFund:
		return parseFund(data)
	default:
		return Command{}, fmt.Errorf("unknown command kind: %s", kind)
	}
}

func parseInvest(data []byte) (Command, error) {
	var j investJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("unmarshal invest: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return Command{}, err
	}
	amount, err := parsePositiveAmount(j.Amount)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandInvest, Account: account, Amount: amount, RequestID: strings.TrimSpace(j.RequestID)}, nil
}

func parseWithdraw(data []byte) (Command, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("unmarshal withdraw: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return Command{}, err
	}
	if j.Index == nil {
		return Command{}, fmt.Errorf("index: %w", errMissingField)
	}
	if *j.Index < 0 {
		return Command{}, fmt.Errorf("index %d is negative", *j.Index)
	}
	return Command{Kind: CommandWithdraw, Account: account, Index: *j.Index}, nil
}

func parseWithdrawAll(data []byte) (Command, error) {
	var j withdrawAllJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("unmarshal withdraw_all: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandWithdrawAll, Account: account}, nil
}

func parseFund(data []byte) (Command, error) {
	var j fundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("unmarshal fund: %w", err)
	}
	funder, err := parseAddress("funder", j.Funder)
	if err != nil {
		return Command{}, err
	}
	amount, err := parsePositiveAmount(j.Amount)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandFund, Account: funder, Amount: amount}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s: %w", field, errMissingField)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parsePositiveAmount(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("amount: %w", errMissingField)
	}
	amount, err := fpmath.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, fmt.Errorf("amount %q must be positive", s)
	}
	return amount, nil
}

// subjectTail returns what follows prefix in subject, e.g. "req-1" for
// "pool.commands.invest.req-1" and prefix "pool.commands.invest".
func subjectTail(subject, prefix string) string {
	if prefix == "" || !strings.HasPrefix(subject, prefix+".") {
		return ""
	}
	return subject[len(prefix)+1:]
}
