// Package any implements the failover selector unit, spec §4.5: N
// source links, always republishing exactly one of them verbatim, never
// a union or intersection.
package any

import (
	"context"
	"math/rand"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

const metricsLabel = "any"

// Config describes one any (failover) unit.
type Config struct {
	Random bool
}

// Unit selects one of N source links by configured order, or randomly
// among healthy sources when Random is set.
type Unit struct {
	cfg     Config
	sources []*comms.Link
	gate    *comms.Gate
	logger  *zap.Logger
}

// New builds a unit over the given source links, in configured order.
func New(cfg Config, sources []*comms.Link, logger *zap.Logger) *Unit {
	return &Unit{cfg: cfg, sources: sources, gate: comms.NewGate(), logger: logger}
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// Run re-evaluates source health on every update from any source and
// republishes the selected one, switching away from a stalled source
// per spec §4.5.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()

	var mu sync.Mutex
	states := make([]comms.State, len(u.sources))
	current := -1
	var lastPublished payload.Payload
	havePublished := false

	updates := make(chan int, len(u.sources))
	for i, link := range u.sources {
		go func(i int, link *comms.Link) {
			for {
				state, err := link.Updated(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				states[i] = state
				mu.Unlock()
				select {
				case updates <- i:
				case <-ctx.Done():
					return
				}
			}
		}(i, link)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			mu.Lock()
			snapshot := append([]comms.State(nil), states...)
			mu.Unlock()
			u.reconcile(snapshot, &current, &lastPublished, &havePublished)
		}
	}
}

func (u *Unit) reconcile(states []comms.State, current *int, lastPublished *payload.Payload, havePublished *bool) {
	recordSourceHealth(states)

	if *current >= 0 && states[*current].Have && states[*current].Health == comms.Healthy {
		p := states[*current].Payload
		if !*havePublished || !p.Equal(*lastPublished) {
			*lastPublished = p
			*havePublished = true
			u.gate.Publish(p)
			metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
		}
		return
	}

	next := u.pickHealthy(states, *current)
	if next < 0 {
		*current = -1
		u.gate.SetStalled()
		metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
		return
	}

	switched := next != *current
	*current = next
	if switched {
		// Switching always republishes, even if identical to the last
		// emission, so downstream diff generation sees a clean delta.
		u.logger.Info("any: switched active source", zap.Int("index", next))
	}
	*lastPublished = states[next].Payload
	*havePublished = true
	u.gate.Publish(states[next].Payload)
	metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
	metrics.GateHealthy.WithLabelValues(metricsLabel).Set(1)
}

func recordSourceHealth(states []comms.State) {
	for i, s := range states {
		v := 0.0
		if s.Have && s.Health == comms.Healthy {
			v = 1
		}
		metrics.SourceHealthy.WithLabelValues(metricsLabel, strconv.Itoa(i)).Set(v)
	}
}

func (u *Unit) pickHealthy(states []comms.State, current int) int {
	var healthy []int
	for i, s := range states {
		if s.Have && s.Health == comms.Healthy {
			healthy = append(healthy, i)
		}
	}
	if len(healthy) == 0 {
		return -1
	}
	if !u.cfg.Random {
		return healthy[0]
	}

	// Prefer a healthy source other than the current one when possible.
	candidates := healthy
	if current >= 0 {
		var filtered []int
		for _, i := range healthy {
			if i != current {
				filtered = append(filtered, i)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return candidates[rand.Intn(len(candidates))]
}
