//go:build !linux

package netlink

import (
	"context"
	"errors"
	"net/netip"

	"github.com/charmbracelet/log"

	"peerguard/internal/firewall"
)

var errUnsupported = errors.New("nftables netlink backend requires linux")

type Backend struct{}

func New(string, *log.Logger) (*Backend, error) { return nil, errUnsupported }

func (*Backend) EnsureBase(context.Context) error { return errUnsupported }

func (*Backend) Block(context.Context, netip.Addr) error { return errUnsupported }

func (*Backend) ResetAll(context.Context) error { return errUnsupported }

func (*Backend) ListBlocks(context.Context) ([]firewall.BlockedEntry, error) {
	return nil, errUnsupported
}
