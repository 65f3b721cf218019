package tranche

import (
	"fmt"
	"strings"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// HaltFlags disables operations for everyone.
type HaltFlags uint16

const (
	HaltDeposits  HaltFlags = 1 << 0
	HaltRefreshes HaltFlags = 1 << 1
	HaltRedeems   HaltFlags = 1 << 2
	HaltAll                 = HaltDeposits | HaltRefreshes | HaltRedeems
)

// ParseHaltFlags validates raw bits.
func ParseHaltFlags(bits uint16) (HaltFlags, error) {
	if bits&^uint16(HaltAll) != 0 {
		return 0, fmt.Errorf("%w: %#x", errcode.ErrInvalidTrancheHaltFlags, bits)
	}
	return HaltFlags(bits), nil
}

// Contains reports whether every bit of o is set.
func (f HaltFlags) Contains(o HaltFlags) bool { return f&o == o }

func (f HaltFlags) String() string { return flagNames(uint16(f)) }

// OwnerRestrictedIxFlags restricts operations to the tranche owner.
type OwnerRestrictedIxFlags uint16

const (
	RestrictDeposits  OwnerRestrictedIxFlags = 1 << 0
	RestrictRefreshes OwnerRestrictedIxFlags = 1 << 1
	RestrictRedeems   OwnerRestrictedIxFlags = 1 << 2
	RestrictAll                              = RestrictDeposits | RestrictRefreshes | RestrictRedeems
)

// ParseOwnerRestrictedIxFlags validates raw bits.
func ParseOwnerRestrictedIxFlags(bits uint16) (OwnerRestrictedIxFlags, error) {
	if bits&^uint16(RestrictAll) != 0 {
		return 0, fmt.Errorf("%w: %#x", errcode.ErrInvalidOwnerRestrictedIxFlags, bits)
	}
	return OwnerRestrictedIxFlags(bits), nil
}

// Contains reports whether every bit of o is set.
func (f OwnerRestrictedIxFlags) Contains(o OwnerRestrictedIxFlags) bool { return f&o == o }

func (f OwnerRestrictedIxFlags) String() string { return flagNames(uint16(f)) }

// UpdateMask selects the fields an UpdateInput changes.
type UpdateMask uint16

const (
	UpdateHaltFlags UpdateMask = 1 << iota
	UpdateOwnerRestrictedIxs
	UpdateReserveStaleThreshold
	UpdateTrancheStaleThreshold
	updateMaskAll = UpdateHaltFlags | UpdateOwnerRestrictedIxs | UpdateReserveStaleThreshold | UpdateTrancheStaleThreshold
)

// Contains reports whether every bit of o is set.
func (m UpdateMask) Contains(o UpdateMask) bool { return m&o == o }

var opNames = []string{"deposits", "refreshes", "redeems"}

func flagNames(bits uint16) string {
	if bits == 0 {
		return "none"
	}
	var parts []string
	for i, name := range opNames {
		if bits&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFlagNames turns names such as "deposits,redeems" or "all" into bits.
// "none" and "" are zero.
func ParseFlagNames(names []string) (uint16, error) {
	var bits uint16
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			switch name = strings.ToLower(strings.TrimSpace(name)); name {
			case "", "none":
			case "all":
				bits |= uint16(HaltAll)
			default:
				idx := -1
				for i, op := range opNames {
					if op == name {
						idx = i
					}
				}
				if idx < 0 {
					return 0, fmt.Errorf("%w: unknown operation %q", errcode.ErrInvalidInput, name)
				}
				bits |= 1 << idx
			}
		}
	}
	return bits, nil
}
