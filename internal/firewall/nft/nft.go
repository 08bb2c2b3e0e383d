// Package nft drives the nftables ruleset through the nft(8) binary.
package nft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os/exec"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"peerguard/internal/firewall"
)

const family = "inet"

// Runner runs nft with args, feeding stdin when non-empty, and returns the
// combined output.
type Runner func(ctx context.Context, stdin string, args ...string) (string, error)

func execRunner(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "nft", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

type Backend struct {
	hook string // "forward" | "input"
	run  Runner
	log  *log.Logger
}

func New(hook string, logger *log.Logger) *Backend {
	return &Backend{hook: hook, run: execRunner, log: logger}
}

// WithRunner swaps the nft runner (tests).
func (b *Backend) WithRunner(r Runner) *Backend {
	b.run = r
	return b
}

// ---------- ensure base ----------

// EnsureBase creates table, base chain, sets and drop rules when missing.
// Running it twice is a no-op.
func (b *Backend) EnsureBase(ctx context.Context) error {
	if !b.exists(ctx, "table", family, firewall.TableName) {
		if err := b.nftCmd(ctx, fmt.Sprintf("add table %s %s", family, firewall.TableName)); err != nil {
			return err
		}
	}
	if !b.exists(ctx, "chain", family, firewall.TableName, b.hook) {
		if err := b.nftCmd(ctx, fmt.Sprintf(
			`add chain %s %s %s { type filter hook %s priority filter; policy accept; }`,
			family, firewall.TableName, b.hook, b.hook,
		)); err != nil {
			return err
		}
	}
	if err := b.ensureSet(ctx, firewall.SetV4, "ipv4_addr"); err != nil {
		return err
	}
	if err := b.ensureSet(ctx, firewall.SetV6, "ipv6_addr"); err != nil {
		return err
	}
	if err := b.addRule(ctx, `ip saddr @`+firewall.SetV4+` drop`); err != nil {
		return err
	}
	return b.addRule(ctx, `ip6 saddr @`+firewall.SetV6+` drop`)
}

func (b *Backend) ensureSet(ctx context.Context, name, typ string) error {
	if b.exists(ctx, "set", family, firewall.TableName, name) {
		return nil
	}
	return b.nftCmd(ctx, fmt.Sprintf(`add set %s %s %s { type %s; }`, family, firewall.TableName, name, typ))
}

func (b *Backend) addRule(ctx context.Context, expr string) error {
	out, err := b.run(ctx, "", "list", "chain", family, firewall.TableName, b.hook)
	if err == nil && strings.Contains(out, expr) {
		return nil
	}
	return b.nftCmd(ctx, fmt.Sprintf(`add rule %s %s %s %s`, family, firewall.TableName, b.hook, expr))
}

// ---------- block / reset ----------

func (b *Backend) Block(ctx context.Context, addr netip.Addr) error {
	if !addr.IsValid() {
		return firewall.ErrInvalidAddr
	}
	addr = addr.Unmap()
	set := firewall.SetFor(addr)
	out, err := b.run(ctx, "", "add", "element", family, firewall.TableName, set, "{", addr.String(), "}")
	if err == nil || strings.Contains(out, "already exists") || strings.Contains(out, "File exists") {
		b.log.Debug("nft element added", "set", set, "addr", addr)
		return nil
	}
	return fmt.Errorf("nft add element %s: %v: %s", addr, err, strings.TrimSpace(out))
}

// ResetAll flushes both block sets. A missing table means nothing is blocked.
func (b *Backend) ResetAll(ctx context.Context) error {
	if !b.exists(ctx, "table", family, firewall.TableName) {
		return nil
	}
	for _, set := range []string{firewall.SetV4, firewall.SetV6} {
		if err := b.nftCmd(ctx, fmt.Sprintf("flush set %s %s %s", family, firewall.TableName, set)); err != nil {
			return fmt.Errorf("flush %s: %w", set, err)
		}
	}
	return nil
}

// ---------- listing (JSON + text fallback) ----------

func (b *Backend) ListBlocks(ctx context.Context) ([]firewall.BlockedEntry, error) {
	var all []firewall.BlockedEntry
	for _, set := range []string{firewall.SetV4, firewall.SetV6} {
		if ents, ok := b.listSetJSON(ctx, set); ok {
			all = append(all, ents...)
			continue
		}
		out, err := b.run(ctx, "", "list", "set", family, firewall.TableName, set)
		if err != nil {
			return nil, fmt.Errorf("nft list set %s: %v: %s", set, err, strings.TrimSpace(out))
		}
		all = append(all, parseSetText(out)...)
	}
	return all, nil
}

func (b *Backend) listSetJSON(ctx context.Context, set string) ([]firewall.BlockedEntry, bool) {
	out, err := b.run(ctx, "", "-j", "list", "set", family, firewall.TableName, set)
	if err != nil {
		return nil, false
	}
	var root struct {
		Nftables []map[string]json.RawMessage `json:"nftables"`
	}
	if err := json.Unmarshal([]byte(out), &root); err != nil || len(root.Nftables) == 0 {
		return nil, false
	}
	var ents []firewall.BlockedEntry
	for _, item := range root.Nftables {
		raw, ok := item["set"]
		if !ok {
			continue
		}
		var s struct {
			Elem []json.RawMessage `json:"elem"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		for _, e := range s.Elem {
			var v string
			if err := json.Unmarshal(e, &v); err != nil {
				// {"elem": {"val": "1.2.3.4", ...}}
				var wrapped struct {
					Elem struct {
						Val string `json:"val"`
					} `json:"elem"`
				}
				if json.Unmarshal(e, &wrapped) != nil {
					continue
				}
				v = wrapped.Elem.Val
			}
			if a, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil {
				ents = append(ents, firewall.BlockedEntry{IP: a})
			}
		}
	}
	return ents, true
}

var elementsRe = regexp.MustCompile(`elements = \{([^}]*)\}`)

func parseSetText(out string) []firewall.BlockedEntry {
	m := elementsRe.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	var ents []firewall.BlockedEntry
	for _, tok := range strings.Split(m[1], ",") {
		f := strings.Fields(tok)
		if len(f) == 0 {
			continue
		}
		if a, err := netip.ParseAddr(f[0]); err == nil {
			ents = append(ents, firewall.BlockedEntry{IP: a})
		}
	}
	return ents
}

// ---------- shell helpers ----------

func (b *Backend) exists(ctx context.Context, args ...string) bool {
	_, err := b.run(ctx, "", append([]string{"list"}, args...)...)
	return err == nil
}

func (b *Backend) nftCmd(ctx context.Context, expr string) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasSuffix(expr, ";") {
		expr += ";"
	}
	b.log.Debug("nft", "expr", expr)
	out, err := b.run(ctx, expr+"\n", "-f", "-")
	if err != nil {
		return fmt.Errorf("nft %q: %v: %s", expr, err, strings.TrimSpace(out))
	}
	return nil
}
