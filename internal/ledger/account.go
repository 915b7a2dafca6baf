package ledger

import (
	"RaffleLedger/internal/state"
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types: funds held by the raffle
	SubTypePrizePool AccountSubType = iota
	SubTypePendingFees
	SubTypeAccumulatedFees
	SubTypeSurplus

	// External sub-types: boundary accounts, one per counterparty
	SubTypeExternalPayments
	SubTypeExternalPrizes
	SubTypeExternalFeeWithdrawals
	SubTypeExternalDrift
)

var subTypeNames = map[AccountSubType]string{
	SubTypePrizePool:              "prize_pool",
	SubTypePendingFees:            "pending_fees",
	SubTypeAccumulatedFees:        "accumulated_fees",
	SubTypeSurplus:                "surplus",
	SubTypeExternalPayments:       "payments",
	SubTypeExternalPrizes:         "prizes",
	SubTypeExternalFeeWithdrawals: "fee_withdrawals",
	SubTypeExternalDrift:          "drift",
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	Entity  state.Principal // Counterparty for external accounts, empty for system accounts
}

// NewSystemAccountKey creates a key for an account held by the raffle
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// NewExternalAccountKey creates a key for a boundary account of a counterparty
func NewExternalAccountKey(subType AccountSubType, entity state.Principal) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Entity: entity}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		if k.Entity.IsZero() {
			return fmt.Sprintf("external:%s", k.subTypeName())
		}
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Entity)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) < 2 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var scope AccountScope
	switch parts[0] {
	case "system":
		scope = AccountScopeSystem
	case "external":
		scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
	}

	subType, ok := lookupSubType(parts[1])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}

	key := AccountKey{Scope: scope, SubType: subType}
	if len(parts) == 3 {
		if scope == AccountScopeSystem {
			return AccountKey{}, fmt.Errorf("system account path %q has an entity", path)
		}
		key.Entity = state.Principal(parts[2])
	}
	return key, nil
}

func lookupSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}
