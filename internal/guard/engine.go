// Package guard holds the admission logic: the protect-mode Engine, the
// learn-mode Collector and the poll Loop that drives either of them.
package guard

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"peerguard/internal/enrich"
	"peerguard/internal/firewall"
	"peerguard/internal/trust"
)

// Report is what one Observe call did.
type Report struct {
	New     []string // entered pending
	Blocked []string // block succeeded
	Failed  []string // block failed, kept for retry
	Evicted []string // dropped from pending without a block
}

type Status struct {
	Pending int
	Blocked int
	Trusted int
	Dynamic int
}

// Engine tracks untrusted sources of one protect run. An address is pending
// from its first sighting until it is blocked, becomes trusted, or misses a
// cycle. It is not safe for concurrent use.
type Engine struct {
	host      string
	threshold time.Duration
	trusted   *trust.Set
	hosts     *trust.Hosts
	enforcer  firewall.Enforcer
	log       *log.Logger
	metrics   *Metrics
	enrich    *enrich.Enricher

	pending map[string]time.Time
	blocked map[string]struct{}
}

func NewEngine(host netip.Addr, threshold time.Duration, trusted *trust.Set, enf firewall.Enforcer, logger *log.Logger) *Engine {
	if trusted == nil {
		trusted = trust.NewSet()
	}
	return &Engine{
		host:      host.Unmap().String(),
		threshold: threshold,
		trusted:   trusted,
		enforcer:  enf,
		log:       logger,
		metrics:   discardMetrics(),
		pending:   map[string]time.Time{},
		blocked:   map[string]struct{}{},
	}
}

// WithHosts adds the resolved trusted-hostname layer.
func (e *Engine) WithHosts(h *trust.Hosts) *Engine {
	e.hosts = h
	return e
}

func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// WithEnricher adds PTR/ASN fields to new-source and block log lines.
func (e *Engine) WithEnricher(en *enrich.Enricher) *Engine {
	e.enrich = en
	return e
}

func (e *Engine) isTrusted(addr string) bool {
	return e.trusted.Contains(addr) || e.hosts.Contains(addr)
}

// Observe runs one cycle over the deduplicated addresses seen at now.
func (e *Engine) Observe(ctx context.Context, now time.Time, addrs []string) Report {
	var rep Report
	if e.hosts != nil && e.hosts.Refresh(ctx, now) {
		e.log.Info("trusted hosts updated", "addrs", e.hosts.Addrs())
	}

	seen := make(map[string]struct{}, len(addrs))
	var candidates []string
	for _, a := range addrs {
		if a == e.host {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if _, done := e.blocked[a]; done {
			continue
		}
		if e.isTrusted(a) {
			// a hostname may have resolved to it since it was first seen
			delete(e.pending, a)
			continue
		}
		if _, ok := e.pending[a]; !ok {
			e.pending[a] = now
			rep.New = append(rep.New, a)
			e.metrics.NewSources.Inc()
			e.log.Info("new source", append([]any{"addr", a}, e.enrich.Fields(a)...)...)
			continue
		}
		candidates = append(candidates, a)
	}

	for _, a := range candidates {
		elapsed := now.Sub(e.pending[a])
		if elapsed <= e.threshold {
			continue
		}
		ip, err := netip.ParseAddr(a)
		if err != nil {
			e.log.Error("dropping unparsable source", "addr", a, "err", err)
			delete(e.pending, a)
			rep.Evicted = append(rep.Evicted, a)
			continue
		}
		if err := e.enforcer.Block(ctx, ip); err != nil {
			e.metrics.BlockFailures.Inc()
			e.log.Error("block failed", "addr", a, "elapsed", elapsed, "err", err)
			rep.Failed = append(rep.Failed, a)
			continue
		}
		delete(e.pending, a)
		e.blocked[a] = struct{}{}
		rep.Blocked = append(rep.Blocked, a)
		e.metrics.Blocks.Inc()
		e.log.Info("blocked", append([]any{"addr", a, "elapsed", elapsed}, e.enrich.Fields(a)...)...)
	}

	for a, since := range e.pending {
		if _, ok := seen[a]; ok {
			continue
		}
		delete(e.pending, a)
		rep.Evicted = append(rep.Evicted, a)
		e.log.Debug("source gone", "addr", a, "elapsed", now.Sub(since))
	}
	sort.Strings(rep.Evicted)

	e.metrics.Pending.Set(float64(len(e.pending)))
	return rep
}

// Pending returns the pending addresses, sorted.
func (e *Engine) Pending() []string {
	out := make([]string, 0, len(e.pending))
	for a := range e.pending {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Since reports when addr entered pending.
func (e *Engine) Since(addr string) (time.Time, bool) {
	t, ok := e.pending[addr]
	return t, ok
}

func (e *Engine) Blocked() []string {
	out := make([]string, 0, len(e.blocked))
	for a := range e.blocked {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Status() Status {
	return Status{
		Pending: len(e.pending),
		Blocked: len(e.blocked),
		Trusted: e.trusted.Len(),
		Dynamic: len(e.hosts.Addrs()),
	}
}

// LogStatus writes the periodic summary line.
func (e *Engine) LogStatus() {
	s := e.Status()
	e.log.Info("status", "pending", s.Pending, "blocked", s.Blocked, "trusted", s.Trusted, "dynamic", s.Dynamic)
}
