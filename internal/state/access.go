package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccessControl holds the single privileged identity of the pool.
// The owner is an explicit value set at construction, never derived from
// whoever happens to call first.
type AccessControl struct {
	owner common.Address
}

func NewAccessControl(owner common.Address) (*AccessControl, error) {
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("owner: %w", ErrZeroAddress)
	}
	return &AccessControl{owner: owner}, nil
}

func (ac *AccessControl) Owner() common.Address {
	return ac.owner
}

// RequireOwner returns ErrNotOwner unless caller is the owner
func (ac *AccessControl) RequireOwner(caller common.Address) error {
	if caller != ac.owner {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrNotOwner)
	}
	return nil
}

// TransferOwnership hands the owner role to newOwner and returns the
// previous owner.
func (ac *AccessControl) TransferOwnership(caller, newOwner common.Address) (common.Address, error) {
	if err := ac.RequireOwner(caller); err != nil {
		return common.Address{}, err
	}
	if newOwner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("new owner: %w", ErrZeroAddress)
	}
	prev := ac.owner
	ac.owner = newOwner
	return prev, nil
}

// SetOwner overwrites the owner (snapshot restore and replay only)
func (ac *AccessControl) SetOwner(owner common.Address) {
	ac.owner = owner
}
