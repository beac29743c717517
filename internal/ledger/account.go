package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeAccount AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Per-address sub-types
	SubTypePayouts AccountSubType = iota
	SubTypeFees

	// System sub-types
	SubTypeSystemPool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalFunding
)

// AssetID maps asset strings to numeric IDs
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"ETH":  1,
		"USDT": 2,
		"USDC": 3,
		"NHB":  4,
	}
	idToAsset = map[AssetID]string{
		1: "ETH",
		2: "USDT",
		3: "USDC",
		4: "NHB",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[strings.ToUpper(asset)]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // wallet address; zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewAddressAccountKey creates a key for a wallet-owned account
func NewAddressAccountKey(addr common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeAccount,
		EntityID: addr,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// PoolAccountKey is the account holding the pool's current balance
func PoolAccountKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey(SubTypeSystemPool, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeAccount:
		return fmt.Sprintf("account:%s:%s:%s", strings.ToLower(k.EntityID.Hex()), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	var subType, asset string

	switch {
	case len(parts) == 4 && parts[0] == "account":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: invalid address", path)
		}
		key.Scope = AccountScopeAccount
		key.EntityID = common.HexToAddress(parts[1])
		subType, asset = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		subType, asset = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		subType, asset = parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("account path %q: unrecognised layout", path)
	}

	st, ok := subTypeByName[subType]
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, subType)
	}
	assetID, ok := GetAssetID(asset)
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, asset)
	}
	key.SubType = st
	key.AssetID = assetID
	return key, nil
}

var subTypeByName = map[string]AccountSubType{
	"payouts":  SubTypePayouts,
	"fees":     SubTypeFees,
	"pool":     SubTypeSystemPool,
	"deposits": SubTypeExternalDeposits,
	"funding":  SubTypeExternalFunding,
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePayouts:
		return "payouts"
	case SubTypeFees:
		return "fees"
	case SubTypeSystemPool:
		return "pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalFunding:
		return "funding"
	default:
		return "unknown"
	}
}
