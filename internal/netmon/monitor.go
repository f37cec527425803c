// Package netmon turns a periodic remote health probe into the subscribable
// connectivity signal the sync engine consumes. Only transitions are
// published: a flapping link produces alternating net.online / net.offline
// events, which the engine's debounce then collapses.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/brunodmn/offsync/internal/bus"
	"go.uber.org/zap"
)

// Prober checks reachability of the remote store.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor polls the prober and publishes connectivity transitions on the bus.
type Monitor struct {
	prober   Prober
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc

	// mu guards the verdict across Stop/Start cycles, which keep the
	// seeded state so a resume publishes transitions only.
	mu     sync.Mutex
	online bool
	seeded bool
}

// New creates a monitor polling at the given interval.
func New(prober Prober, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start begins probing. The first probe runs immediately so the engine gets
// an initial connectivity verdict without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop halts probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	online := m.prober.Health(probeCtx) == nil
	m.mu.Lock()
	if m.seeded && online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.seeded = true
	m.mu.Unlock()

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
