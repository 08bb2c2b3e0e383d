package nft

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerguard/internal/firewall"
	"peerguard/internal/logging"
)

// fakeNft answers "list" calls from a set of existing objects and records
// everything else.
type fakeNft struct {
	existing map[string]bool // "table", "chain", "set block_v4", ...
	chain    string          // output of list chain
	listJSON map[string]string
	listText map[string]string
	fail     map[string]string // substring of the command -> output, fails the call
	cmds     []string
}

func (f *fakeNft) run(_ context.Context, stdin string, args ...string) (string, error) {
	line := strings.Join(args, " ")
	if stdin != "" {
		line = strings.TrimSpace(stdin)
	}
	for sub, out := range f.fail {
		if strings.Contains(line, sub) {
			f.cmds = append(f.cmds, line)
			return out, errors.New("exit status 1")
		}
	}
	switch {
	case len(args) > 1 && args[0] == "-j":
		if out, ok := f.listJSON[args[len(args)-1]]; ok {
			return out, nil
		}
		return "", errors.New("exit status 1")
	case len(args) > 0 && args[0] == "list":
		switch args[1] {
		case "table":
			return "", boolErr(f.existing["table"])
		case "chain":
			if !f.existing["chain"] {
				return "", errors.New("exit status 1")
			}
			return f.chain, nil
		case "set":
			name := args[len(args)-1]
			if out, ok := f.listText[name]; ok {
				return out, nil
			}
			return "", boolErr(f.existing["set "+name])
		}
	}
	f.cmds = append(f.cmds, line)
	return "", nil
}

func boolErr(ok bool) error {
	if ok {
		return nil
	}
	return errors.New("exit status 1")
}

func newFake() *fakeNft {
	return &fakeNft{existing: map[string]bool{}, listJSON: map[string]string{}, listText: map[string]string{}, fail: map[string]string{}}
}

func TestEnsureBaseCreatesEverything(t *testing.T) {
	f := newFake()
	b := New("forward", logging.Discard()).WithRunner(f.run)

	require.NoError(t, b.EnsureBase(context.Background()))
	assert.Equal(t, []string{
		"add table inet peerguard;",
		"add chain inet peerguard forward { type filter hook forward priority filter; policy accept; };",
		"add set inet peerguard block_v4 { type ipv4_addr; };",
		"add set inet peerguard block_v6 { type ipv6_addr; };",
		"add rule inet peerguard forward ip saddr @block_v4 drop;",
		"add rule inet peerguard forward ip6 saddr @block_v6 drop;",
	}, f.cmds)
}

func TestEnsureBaseIsIdempotent(t *testing.T) {
	f := newFake()
	f.existing = map[string]bool{"table": true, "chain": true, "set block_v4": true, "set block_v6": true}
	f.chain = "table inet peerguard {\n chain input {\n  ip saddr @block_v4 drop\n  ip6 saddr @block_v6 drop\n }\n}"
	b := New("input", logging.Discard()).WithRunner(f.run)

	require.NoError(t, b.EnsureBase(context.Background()))
	assert.Empty(t, f.cmds)
}

func TestBlock(t *testing.T) {
	f := newFake()
	b := New("forward", logging.Discard()).WithRunner(f.run)
	ctx := context.Background()

	require.NoError(t, b.Block(ctx, netip.MustParseAddr("10.0.0.9")))
	require.NoError(t, b.Block(ctx, netip.MustParseAddr("2001:db8::9")))
	require.NoError(t, b.Block(ctx, netip.MustParseAddr("::ffff:10.0.0.8")))
	assert.Equal(t, []string{
		"add element inet peerguard block_v4 { 10.0.0.9 }",
		"add element inet peerguard block_v6 { 2001:db8::9 }",
		"add element inet peerguard block_v4 { 10.0.0.8 }",
	}, f.cmds)

	assert.ErrorIs(t, b.Block(ctx, netip.Addr{}), firewall.ErrInvalidAddr)
}

func TestBlockAlreadyPresentIsSuccess(t *testing.T) {
	f := newFake()
	f.fail["10.0.0.9"] = "Error: Could not process rule: File exists"
	b := New("forward", logging.Discard()).WithRunner(f.run)
	require.NoError(t, b.Block(context.Background(), netip.MustParseAddr("10.0.0.9")))
}

func TestBlockFailure(t *testing.T) {
	f := newFake()
	f.fail["10.0.0.9"] = "Error: No such file or directory; did you mean table 'peerguard'?"
	b := New("forward", logging.Discard()).WithRunner(f.run)
	err := b.Block(context.Background(), netip.MustParseAddr("10.0.0.9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestResetAll(t *testing.T) {
	f := newFake()
	b := New("forward", logging.Discard()).WithRunner(f.run)

	// no table, nothing to flush
	require.NoError(t, b.ResetAll(context.Background()))
	assert.Empty(t, f.cmds)

	f.existing["table"] = true
	require.NoError(t, b.ResetAll(context.Background()))
	assert.Equal(t, []string{
		"flush set inet peerguard block_v4;",
		"flush set inet peerguard block_v6;",
	}, f.cmds)

	f.fail["flush set inet peerguard block_v6"] = "Error: Operation not permitted"
	require.Error(t, b.ResetAll(context.Background()))
}

func TestListBlocks(t *testing.T) {
	f := newFake()
	f.listJSON["block_v4"] = `{"nftables": [{"metainfo": {"json_schema_version": 1}}, {"set": {"family": "inet", "name": "block_v4", "table": "peerguard", "type": "ipv4_addr", "elem": ["10.0.0.9", {"elem": {"val": "10.0.0.8", "comment": "x"}}]}}]}`
	f.listText["block_v6"] = "table inet peerguard {\n\tset block_v6 {\n\t\ttype ipv6_addr\n\t\telements = { 2001:db8::9, 2001:db8::a }\n\t}\n}"
	b := New("forward", logging.Discard()).WithRunner(f.run)

	ents, err := b.ListBlocks(context.Background())
	require.NoError(t, err)
	var got []string
	for _, e := range ents {
		got = append(got, e.IP.String())
	}
	assert.Equal(t, []string{"10.0.0.9", "10.0.0.8", "2001:db8::9", "2001:db8::a"}, got)
}
