package trust

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
)

const (
	minHostTTL   = 30 * time.Second
	maxHostTTL   = time.Hour
	retryHostTTL = time.Minute
	hostTimeout  = 6 * time.Second
)

// LookupFunc resolves host to its addresses and the smallest record TTL.
type LookupFunc func(ctx context.Context, host string) (addrs []string, ttl time.Duration, err error)

type hostRecord struct {
	addrs []string
	next  time.Time
}

// Hosts keeps trusted hostnames resolved. Their addresses form a dynamic trust
// layer next to the persisted Set; they are never written to the trust list.
type Hosts struct {
	recs   map[string]*hostRecord
	lookup LookupFunc
	log    *log.Logger
	addrs  map[string]struct{}
}

func NewHosts(names []string, logger *log.Logger) *Hosts {
	h := &Hosts{
		recs:   make(map[string]*hostRecord, len(names)),
		lookup: ResolveWithTTL,
		log:    logger,
		addrs:  map[string]struct{}{},
	}
	for _, n := range names {
		h.recs[n] = &hostRecord{}
	}
	return h
}

// WithLookup swaps the resolver (tests).
func (h *Hosts) WithLookup(fn LookupFunc) *Hosts {
	h.lookup = fn
	return h
}

// Refresh re-resolves every host whose TTL has run out and reports whether
// the address layer changed. Failed lookups keep the last answer and retry
// after a minute.
func (h *Hosts) Refresh(ctx context.Context, now time.Time) bool {
	changed := false
	for name, rec := range h.recs {
		if now.Before(rec.next) {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, hostTimeout)
		addrs, ttl, err := h.lookup(lctx, name)
		cancel()
		if err != nil {
			h.log.Error("trusted host lookup failed", "host", name, "err", err)
			rec.next = now.Add(retryHostTTL)
			continue
		}
		if !sameSet(rec.addrs, addrs) {
			h.log.Info("trusted host resolved", "host", name, "addrs", addrs)
			rec.addrs = addrs
			changed = true
		}
		rec.next = now.Add(clampTTL(ttl))
	}
	if changed {
		h.addrs = map[string]struct{}{}
		for _, rec := range h.recs {
			for _, a := range rec.addrs {
				h.addrs[a] = struct{}{}
			}
		}
	}
	return changed
}

func (h *Hosts) Contains(addr string) bool {
	if h == nil {
		return false
	}
	_, ok := h.addrs[addr]
	return ok
}

func (h *Hosts) Addrs() []string {
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.addrs))
	for a := range h.addrs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minHostTTL {
		return minHostTTL
	}
	if ttl > maxHostTTL {
		return maxHostTTL
	}
	return ttl
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]struct{}, len(a))
	for _, s := range a {
		m[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := m[s]; !ok {
			return false
		}
	}
	return true
}

// ResolveWithTTL queries A and AAAA against the first resolv.conf nameserver.
func ResolveWithTTL(ctx context.Context, host string) ([]string, time.Duration, error) {
	cfg, _ := dns.ClientConfigFromFile("/etc/resolv.conf")
	if cfg == nil || len(cfg.Servers) == 0 {
		cfg = &dns.ClientConfig{Servers: []string{"1.1.1.1"}, Port: "53"}
	}
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	c := new(dns.Client)

	var (
		out    []string
		minTTL uint32
		errs   []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.Rcode != dns.RcodeSuccess {
			errs = append(errs, errors.New(dns.RcodeToString[r.Rcode]))
			continue
		}
		for _, rr := range r.Answer {
			switch v := rr.(type) {
			case *dns.A:
				out = append(out, v.A.String())
			case *dns.AAAA:
				out = append(out, v.AAAA.String())
			default:
				continue
			}
			if minTTL == 0 || rr.Header().Ttl < minTTL {
				minTTL = rr.Header().Ttl
			}
		}
	}
	if len(errs) == 2 {
		return nil, 0, errors.Join(errs...)
	}
	return out, time.Duration(minTTL) * time.Second, nil
}
