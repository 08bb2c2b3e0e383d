package guard

import (
	"context"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
	"github.com/filecoin-project/go-clock"

	"peerguard/internal/flow"
)

// Step receives one cycle's deduplicated source addresses, all judged
// against the same now.
type Step func(ctx context.Context, now time.Time, addrs []string)

// Loop polls a flow source at a fixed interval. Cycles never overlap: a
// slow source or enforcer delays the next tick.
type Loop struct {
	Source      flow.Source
	Host        netip.Addr
	Interval    time.Duration
	StatusEvery int
	Clock       clock.Clock
	Log         *log.Logger
	Metrics     *Metrics
}

// Run executes one cycle immediately and then one per tick until ctx is
// done. status is called every StatusEvery cycles when non-nil.
func (l *Loop) Run(ctx context.Context, step Step, status func()) error {
	clk := l.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := l.Metrics
	if m == nil {
		m = discardMetrics()
	}
	host := l.Host.Unmap().String()

	ticker := clk.Ticker(l.Interval)
	defer ticker.Stop()

	for cycles := 1; ; cycles++ {
		if ctx.Err() != nil {
			return nil
		}
		now := clk.Now()
		records, err := l.Source.Flows(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.FlowErrors.Inc()
			l.Log.Error("reading flows failed", "err", err)
			records = nil
		}
		step(ctx, now, flow.ParseAll(records, host))
		m.Cycles.Inc()
		if status != nil && l.StatusEvery > 0 && cycles%l.StatusEvery == 0 {
			status()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
