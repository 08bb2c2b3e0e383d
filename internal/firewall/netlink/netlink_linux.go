//go:build linux

// Package netlink drives the same ruleset as package nft, natively over
// netlink with google/nftables instead of the nft binary.
package netlink

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"peerguard/internal/firewall"
)

const (
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
)

// Conn is the subset of *nftables.Conn the backend uses.
type Conn interface {
	ListTables() ([]*nftables.Table, error)
	ListChains() ([]*nftables.Chain, error)
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	GetSetByName(t *nftables.Table, name string) (*nftables.Set, error)
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	FlushSet(s *nftables.Set)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

type Backend struct {
	mu   sync.Mutex
	conn Conn
	hook string
	log  *log.Logger
}

func New(hook string, logger *log.Logger) (*Backend, error) {
	c, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables connection: %w", err)
	}
	return NewWithConn(c, hook, logger), nil
}

func NewWithConn(c Conn, hook string, logger *log.Logger) *Backend {
	return &Backend{conn: c, hook: hook, log: logger}
}

func (b *Backend) table() *nftables.Table {
	return &nftables.Table{Family: nftables.TableFamilyINet, Name: firewall.TableName}
}

func (b *Backend) findTable() (*nftables.Table, error) {
	tables, err := b.conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == firewall.TableName && t.Family == nftables.TableFamilyINet {
			return t, nil
		}
	}
	return nil, nil
}

func (b *Backend) findChain(t *nftables.Table) (*nftables.Chain, error) {
	chains, err := b.conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	for _, c := range chains {
		if c.Name == b.hook && c.Table != nil && c.Table.Name == t.Name && c.Table.Family == t.Family {
			return c, nil
		}
	}
	return nil, nil
}

// EnsureBase creates table, base chain, both sets and their drop rules in one
// netlink batch. Existing objects are left alone.
func (b *Backend) EnsureBase(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.conn.AddTable(b.table())

	hooknum := nftables.ChainHookForward
	if b.hook == "input" {
		hooknum = nftables.ChainHookInput
	}
	policy := nftables.ChainPolicyAccept
	chain, err := b.findChain(t)
	if err != nil {
		return err
	}
	if chain == nil {
		chain = b.conn.AddChain(&nftables.Chain{
			Name:     b.hook,
			Table:    t,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hooknum,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &policy,
		})
	}

	var rules []*nftables.Rule
	if existing, err := b.findTable(); err == nil && existing != nil {
		rules, _ = b.conn.GetRules(existing, chain)
	}

	for _, fam := range []struct {
		set     string
		keyType nftables.SetDatatype
		proto   byte
		offset  uint32
		length  uint32
	}{
		{firewall.SetV4, nftables.TypeIPAddr, nfprotoIPv4, 12, 4},
		{firewall.SetV6, nftables.TypeIP6Addr, nfprotoIPv6, 8, 16},
	} {
		set, err := b.conn.GetSetByName(t, fam.set)
		if err != nil || set == nil {
			set = &nftables.Set{Table: t, Name: fam.set, KeyType: fam.keyType}
			if err := b.conn.AddSet(set, nil); err != nil {
				return fmt.Errorf("add set %s: %w", fam.set, err)
			}
		}
		if hasLookup(rules, fam.set) {
			continue
		}
		b.conn.AddRule(&nftables.Rule{
			Table: t,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{fam.proto}},
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: fam.offset, Len: fam.length},
				&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
		})
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nftables flush: %w", err)
	}
	return nil
}

func hasLookup(rules []*nftables.Rule, set string) bool {
	for _, r := range rules {
		for _, e := range r.Exprs {
			if l, ok := e.(*expr.Lookup); ok && l.SetName == set {
				return true
			}
		}
	}
	return false
}

func (b *Backend) Block(_ context.Context, addr netip.Addr) error {
	if !addr.IsValid() {
		return firewall.ErrInvalidAddr
	}
	addr = addr.Unmap()

	b.mu.Lock()
	defer b.mu.Unlock()
	set, err := b.conn.GetSetByName(b.table(), firewall.SetFor(addr))
	if err != nil {
		return fmt.Errorf("set %s: %w", firewall.SetFor(addr), err)
	}
	if err := b.conn.SetAddElements(set, []nftables.SetElement{{Key: addr.AsSlice()}}); err != nil {
		return fmt.Errorf("add element %s: %w", addr, err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("add element %s: %w", addr, err)
	}
	b.log.Debug("nftables element added", "set", set.Name, "addr", addr)
	return nil
}

func (b *Backend) ResetAll(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.findTable()
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	var errs []error
	for _, name := range []string{firewall.SetV4, firewall.SetV6} {
		set, err := b.conn.GetSetByName(t, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", name, err))
			continue
		}
		b.conn.FlushSet(set)
	}
	if err := b.conn.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("nftables flush: %w", err))
	}
	return errors.Join(errs...)
}

func (b *Backend) ListBlocks(_ context.Context) ([]firewall.BlockedEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []firewall.BlockedEntry
	for _, name := range []string{firewall.SetV4, firewall.SetV6} {
		set, err := b.conn.GetSetByName(b.table(), name)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
		elems, err := b.conn.GetSetElements(set)
		if err != nil {
			return nil, fmt.Errorf("elements %s: %w", name, err)
		}
		for _, e := range elems {
			if a, ok := netip.AddrFromSlice(e.Key); ok {
				out = append(out, firewall.BlockedEntry{IP: a})
			}
		}
	}
	return out, nil
}
