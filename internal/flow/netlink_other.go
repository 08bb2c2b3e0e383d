//go:build !linux

package flow

import (
	"context"
	"net/netip"
)

type NetlinkSource struct{}

func NewNetlinkSource(netip.Addr, string) (*NetlinkSource, error) { return nil, ErrUnsupported }

func (*NetlinkSource) Flows(context.Context) ([]string, error) { return nil, ErrUnsupported }
