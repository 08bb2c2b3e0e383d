//go:build linux

package flow

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/ti-mo/conntrack"
)

// NetlinkSource dumps the conntrack table over netlink and renders each
// matching flow in conntrack(8) line format, so SourceAddr is the only decoder.
type NetlinkSource struct {
	host  netip.Addr
	proto uint8
	dump  func() ([]conntrack.Flow, error)
}

func NewNetlinkSource(host netip.Addr, proto string) (*NetlinkSource, error) {
	p, ok := ProtoNumber(proto)
	if !ok {
		return nil, fmt.Errorf("unknown proto %q", proto)
	}
	return &NetlinkSource{host: host, proto: p, dump: dumpKernel}, nil
}

func dumpKernel() ([]conntrack.Flow, error) {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("conntrack dial: %w", err)
	}
	defer c.Close()
	return c.Dump(nil)
}

func (s *NetlinkSource) Flows(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flows, err := s.dump()
	if err != nil {
		return nil, fmt.Errorf("conntrack dump: %w", err)
	}
	var out []string
	for _, f := range flows {
		if f.TupleOrig.Proto.Protocol != s.proto || !touches(f, s.host) {
			continue
		}
		out = append(out, FormatFlow(f))
	}
	return out, nil
}

func touches(f conntrack.Flow, host netip.Addr) bool {
	for _, a := range []netip.Addr{
		f.TupleOrig.IP.SourceAddress, f.TupleOrig.IP.DestinationAddress,
		f.TupleReply.IP.SourceAddress, f.TupleReply.IP.DestinationAddress,
	} {
		if a.Unmap() == host {
			return true
		}
	}
	return false
}

// FormatFlow renders f the way `conntrack -L` prints it (original tuple first).
func FormatFlow(f conntrack.Flow) string {
	name := "unknown"
	switch f.TupleOrig.Proto.Protocol {
	case 6:
		name = "tcp"
	case 17:
		name = "udp"
	}
	o, r := f.TupleOrig, f.TupleReply
	return fmt.Sprintf("%s %d %d src=%s dst=%s sport=%d dport=%d src=%s dst=%s sport=%d dport=%d",
		name, o.Proto.Protocol, f.Timeout,
		o.IP.SourceAddress, o.IP.DestinationAddress, o.Proto.SourcePort, o.Proto.DestinationPort,
		r.IP.SourceAddress, r.IP.DestinationAddress, r.Proto.SourcePort, r.Proto.DestinationPort)
}
