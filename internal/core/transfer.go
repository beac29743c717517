package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TransferKind labels a payout leg
type TransferKind string

const (
	TransferPayout      TransferKind = "payout"
	TransferPlatformFee TransferKind = "platform_fee"
)

// Transfer is one outbound value movement
type Transfer struct {
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
	Kind   TransferKind   `json:"kind"`
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %d -> %s", t.Kind, t.Amount, t.To.Hex())
}

// Payer is the value-transfer substrate. Pay must be all-or-nothing across
// legs: on error, no leg may have been delivered. The context passed in
// carries the in-flight operation, so a Payer that calls back into the
// vault with it is treated as a reentrant call.
type Payer interface {
	Pay(ctx context.Context, ref string, legs []Transfer) error
}
