package guard

import (
	"errors"
	"net/netip"

	"github.com/charmbracelet/log"

	"peerguard/internal/trust"
)

var ErrFinished = errors.New("learning session already saved")

// Saver persists the collected set.
type Saver interface {
	Save(*trust.Set) error
}

// Collector accumulates every source seen during a learning session. It never
// enforces anything; Finish hands the result to the Saver once.
type Collector struct {
	host     string
	set      *trust.Set
	store    Saver
	log      *log.Logger
	metrics  *Metrics
	finished bool
}

func NewCollector(host netip.Addr, store Saver, logger *log.Logger) *Collector {
	return &Collector{
		host:    host.Unmap().String(),
		set:     trust.NewSet(),
		store:   store,
		log:     logger,
		metrics: discardMetrics(),
	}
}

func (c *Collector) WithMetrics(m *Metrics) *Collector {
	c.metrics = m
	return c
}

// Observe adds the addresses not collected yet and returns them.
func (c *Collector) Observe(addrs []string) []string {
	var added []string
	for _, a := range addrs {
		if a == c.host || !c.set.Add(a) {
			continue
		}
		added = append(added, a)
		c.metrics.NewSources.Inc()
		c.log.Info("new trusted source", "addr", a)
	}
	return added
}

func (c *Collector) Collected() *trust.Set { return c.set }

func (c *Collector) LogStatus() {
	c.log.Info("known sources", "count", c.set.Len(), "addrs", c.set.Sorted())
}

// Finish saves the collected set. Only the first call writes.
func (c *Collector) Finish() error {
	if c.finished {
		return ErrFinished
	}
	c.finished = true
	if err := c.store.Save(c.set); err != nil {
		c.log.Error("saving trust list failed", "err", err)
		return err
	}
	c.log.Info("trust list saved", "count", c.set.Len())
	return nil
}
