// Package firewall is the enforcement side: installing and clearing the drop
// rules for sources the admission logic has given up on.
package firewall

import (
	"context"
	"errors"
	"net/netip"
)

const (
	TableName = "peerguard"
	SetV4     = "block_v4"
	SetV6     = "block_v6"
)

var ErrInvalidAddr = errors.New("invalid address")

type BlockedEntry struct {
	IP      netip.Addr
	Comment string
}

// Enforcer is what the admission loop needs. Block must be idempotent and
// ResetAll only removes blocks this system installed.
type Enforcer interface {
	Block(ctx context.Context, addr netip.Addr) error
	ResetAll(ctx context.Context) error
}

// Backend is an Enforcer that can also prepare its ruleset and list what it
// has blocked (operator commands).
type Backend interface {
	Enforcer
	EnsureBase(ctx context.Context) error
	ListBlocks(ctx context.Context) ([]BlockedEntry, error)
}

// SetFor picks the block set matching the address family.
func SetFor(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return SetV4
	}
	return SetV6
}
