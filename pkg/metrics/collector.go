package metrics

import (
	"strconv"
	"time"

	"github.com/meshplane/core/pkg/consensus"
	"github.com/meshplane/core/pkg/types"
)

// assetSource is the slice of *registry.Registry this package depends on.
// Defined locally (rather than importing pkg/registry directly) because
// Registry's own apply path increments RegistryPoisonedEntriesTotal itself,
// and pkg/registry already imports pkg/metrics for that.
type assetSource interface {
	List() []*types.AssetRecord
}

// suspicionSource is the slice of *membership.Monitor this package depends
// on, defined locally for the same reason: pkg/membership imports
// pkg/registry, which imports pkg/metrics.
type suspicionSource interface {
	SuspectedCount() int
}

// Collector periodically samples this node's consensus, registry, and
// membership state into the package's Prometheus gauges via a fixed-interval
// ticker loop.
type Collector struct {
	node   *consensus.Node
	reg    assetSource
	mon    suspicionSource
	stopCh chan struct{}

	lastByzantineCount int
}

// NewCollector creates a new metrics collector. Pass the literal nil (not a
// nil-valued *registry.Registry or *membership.Monitor variable) for reg or
// mon to skip that subsystem's sampling.
func NewCollector(node *consensus.Node, reg assetSource, mon suspicionSource) *Collector {
	return &Collector{
		node:   node,
		reg:    reg,
		mon:    mon,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRaftMetrics()
	c.collectRegistryMetrics()
	c.collectMembershipMetrics()
}

func (c *Collector) collectRaftMetrics() {
	if c.node.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}

	stats := c.node.Stats()
	if term, err := strconv.ParseFloat(stats["term"], 64); err == nil {
		RaftTerm.Set(term)
	}
	if idx, err := strconv.ParseFloat(stats["last_log_index"], 64); err == nil {
		RaftLogIndex.Set(idx)
	}
	if idx, err := strconv.ParseFloat(stats["applied_index"], 64); err == nil {
		RaftAppliedIndex.Set(idx)
	}

	if n := len(c.node.Evidence()); n > c.lastByzantineCount {
		ByzantineReportsTotal.Add(float64(n - c.lastByzantineCount))
		c.lastByzantineCount = n
	}
}

func (c *Collector) collectRegistryMetrics() {
	if c.reg == nil {
		return
	}

	counts := make(map[types.AssetStatus]int)
	for _, rec := range c.reg.List() {
		counts[rec.Status]++
	}
	for status, n := range counts {
		RegistryAssetsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectMembershipMetrics() {
	if c.mon == nil {
		return
	}
	MembershipSuspectedPeers.Set(float64(c.mon.SuspectedCount()))
}
