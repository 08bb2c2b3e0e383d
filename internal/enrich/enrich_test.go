package enrich

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoDatabases(t *testing.T) {
	e := New(t.TempDir(), "")
	defer e.Close()
	assert.False(t, e.Enabled())

	var nilE *Enricher
	assert.False(t, nilE.Enabled())
	assert.Nil(t, nilE.Fields("10.0.0.9"))
}

func TestLookupCachesPTR(t *testing.T) {
	calls := 0
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New().WithPTR(func(_ context.Context, a netip.Addr) string {
		calls++
		return "peer-" + a.String() + ".example.net"
	})
	e.now = func() time.Time { return now }

	addr := netip.MustParseAddr("10.0.0.9")
	r := e.Lookup(addr)
	assert.Equal(t, "peer-10.0.0.9.example.net", r.PTR)
	e.Lookup(addr)
	assert.Equal(t, 1, calls)

	now = now.Add(cacheTTL + time.Second)
	e.Lookup(addr)
	assert.Equal(t, 2, calls)
}

func TestFields(t *testing.T) {
	e := New().WithPTR(func(context.Context, netip.Addr) string { return "host.example.net" })
	assert.Equal(t, []any{"ptr", "host.example.net"}, e.Fields("10.0.0.9"))
	assert.Nil(t, e.Fields("not-an-ip"))

	e = New().WithPTR(func(context.Context, netip.Addr) string { return "" })
	assert.Empty(t, e.Fields("10.0.0.9"))
}

func TestLookupInvalidAddr(t *testing.T) {
	e := New().WithPTR(func(context.Context, netip.Addr) string {
		require.FailNow(t, "unexpected PTR lookup")
		return ""
	})
	assert.Equal(t, "", e.Lookup(netip.Addr{}).PTR)
}
