//go:build linux

package netlink

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerguard/internal/firewall"
	"peerguard/internal/logging"
)

// fakeConn keeps a single table in memory. Queued changes apply on Flush.
type fakeConn struct {
	table   *nftables.Table
	chains  []*nftables.Chain
	sets    map[string]*nftables.Set
	elems   map[string][][]byte
	rules   []*nftables.Rule
	pending []func()
	flushes int
	failOn  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{sets: map[string]*nftables.Set{}, elems: map[string][][]byte{}}
}

func (f *fakeConn) ListTables() ([]*nftables.Table, error) {
	if f.table == nil {
		return nil, nil
	}
	return []*nftables.Table{f.table}, nil
}

func (f *fakeConn) ListChains() ([]*nftables.Chain, error) { return f.chains, nil }

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	f.pending = append(f.pending, func() {
		if f.table == nil {
			f.table = t
		}
	})
	return t
}

func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.pending = append(f.pending, func() { f.chains = append(f.chains, c) })
	return c
}

func (f *fakeConn) AddSet(s *nftables.Set, _ []nftables.SetElement) error {
	f.pending = append(f.pending, func() { f.sets[s.Name] = s })
	return nil
}

func (f *fakeConn) GetSetByName(_ *nftables.Table, name string) (*nftables.Set, error) {
	s, ok := f.sets[name]
	if !ok {
		return nil, errors.New("no such file or directory")
	}
	return s, nil
}

func (f *fakeConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	var out []nftables.SetElement
	for _, k := range f.elems[s.Name] {
		out = append(out, nftables.SetElement{Key: k})
	}
	return out, nil
}

func (f *fakeConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	f.pending = append(f.pending, func() {
		for _, v := range vals {
			f.elems[s.Name] = append(f.elems[s.Name], v.Key)
		}
	})
	return nil
}

func (f *fakeConn) FlushSet(s *nftables.Set) {
	f.pending = append(f.pending, func() { delete(f.elems, s.Name) })
}

func (f *fakeConn) GetRules(_ *nftables.Table, _ *nftables.Chain) ([]*nftables.Rule, error) {
	return f.rules, nil
}

func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.pending = append(f.pending, func() { f.rules = append(f.rules, r) })
	return r
}

func (f *fakeConn) Flush() error {
	f.flushes++
	if f.failOn != nil {
		f.pending = nil
		return f.failOn
	}
	for _, p := range f.pending {
		p()
	}
	f.pending = nil
	return nil
}

func TestEnsureBase(t *testing.T) {
	c := newFakeConn()
	b := NewWithConn(c, "forward", logging.Discard())

	require.NoError(t, b.EnsureBase(context.Background()))
	require.NotNil(t, c.table)
	assert.Equal(t, firewall.TableName, c.table.Name)
	assert.Equal(t, nftables.TableFamilyINet, c.table.Family)
	require.Len(t, c.chains, 1)
	assert.Equal(t, "forward", c.chains[0].Name)
	assert.Equal(t, *nftables.ChainHookForward, *c.chains[0].Hooknum)
	assert.Contains(t, c.sets, firewall.SetV4)
	assert.Contains(t, c.sets, firewall.SetV6)
	require.Len(t, c.rules, 2)

	last := c.rules[0].Exprs[len(c.rules[0].Exprs)-1]
	assert.Equal(t, &expr.Verdict{Kind: expr.VerdictDrop}, last)

	// second run adds nothing
	require.NoError(t, b.EnsureBase(context.Background()))
	assert.Len(t, c.chains, 1)
	assert.Len(t, c.rules, 2)
}

func TestEnsureBaseInputHook(t *testing.T) {
	c := newFakeConn()
	b := NewWithConn(c, "input", logging.Discard())
	require.NoError(t, b.EnsureBase(context.Background()))
	require.Len(t, c.chains, 1)
	assert.Equal(t, *nftables.ChainHookInput, *c.chains[0].Hooknum)
}

func TestBlockAndList(t *testing.T) {
	c := newFakeConn()
	b := NewWithConn(c, "forward", logging.Discard())
	ctx := context.Background()
	require.NoError(t, b.EnsureBase(ctx))

	require.NoError(t, b.Block(ctx, netip.MustParseAddr("10.0.0.9")))
	require.NoError(t, b.Block(ctx, netip.MustParseAddr("::ffff:10.0.0.8")))
	require.NoError(t, b.Block(ctx, netip.MustParseAddr("2001:db8::9")))
	assert.ErrorIs(t, b.Block(ctx, netip.Addr{}), firewall.ErrInvalidAddr)

	ents, err := b.ListBlocks(ctx)
	require.NoError(t, err)
	var got []string
	for _, e := range ents {
		got = append(got, e.IP.String())
	}
	assert.Equal(t, []string{"10.0.0.9", "10.0.0.8", "2001:db8::9"}, got)
}

func TestBlockWithoutBase(t *testing.T) {
	b := NewWithConn(newFakeConn(), "forward", logging.Discard())
	require.Error(t, b.Block(context.Background(), netip.MustParseAddr("10.0.0.9")))
}

func TestBlockFlushFailure(t *testing.T) {
	c := newFakeConn()
	b := NewWithConn(c, "forward", logging.Discard())
	require.NoError(t, b.EnsureBase(context.Background()))

	c.failOn = errors.New("operation not permitted")
	err := b.Block(context.Background(), netip.MustParseAddr("10.0.0.9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation not permitted")
}

func TestResetAll(t *testing.T) {
	c := newFakeConn()
	b := NewWithConn(c, "forward", logging.Discard())
	ctx := context.Background()

	// no table yet
	require.NoError(t, b.ResetAll(ctx))
	assert.Zero(t, c.flushes)

	require.NoError(t, b.EnsureBase(ctx))
	require.NoError(t, b.Block(ctx, netip.MustParseAddr("10.0.0.9")))
	require.NoError(t, b.ResetAll(ctx))

	ents, err := b.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, ents)
}
