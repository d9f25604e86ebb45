package registry

import (
	"time"

	"github.com/meshplane/core/pkg/log"
)

// LeaderChecker reports whether this node currently believes it is the
// consensus leader. Satisfied by pkg/consensus's Node.
type LeaderChecker interface {
	IsLeader() bool
}

// Sweeper proposes the deterministic AssetSweepExpired entry on an interval,
// using the same fixed-interval ticker-loop shape as pkg/metrics's
// Collector. Every node runs one; only the leader's ticks actually propose,
// since a non-leader tick returns without proposing.
type Sweeper struct {
	registry *Registry
	leader   LeaderChecker
	interval time.Duration
	stopCh   chan struct{}
}

// NewSweeper constructs a sweeper that ticks every interval.
func NewSweeper(r *Registry, leader LeaderChecker, interval time.Duration) *Sweeper {
	return &Sweeper{registry: r, leader: leader, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop in the background.
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() { close(s.stopCh) }

func (s *Sweeper) tick() {
	if !s.leader.IsLeader() {
		return
	}
	if err := s.registry.SweepExpired(time.Now().UnixMilli()); err != nil {
		log.WithComponent("registry").Warn().Err(err).Msg("expiry sweep proposal failed")
	}
}
