// Package merge implements the set-union unit, spec §4.6: N source
// links, publishing the element-wise union of every currently healthy
// source, and stalling only when all sources are stalled.
package merge

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

const metricsLabel = "merge"

// Unit publishes the union of all healthy source payloads.
type Unit struct {
	sources []*comms.Link
	gate    *comms.Gate
	logger  *zap.Logger
}

// New builds a unit over the given source links.
func New(sources []*comms.Link, logger *zap.Logger) *Unit {
	return &Unit{sources: sources, gate: comms.NewGate(), logger: logger}
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// Run recomputes and republishes the union on every source update.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()

	var mu sync.Mutex
	states := make([]comms.State, len(u.sources))

	updates := make(chan struct{}, len(u.sources))
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
				case updates <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}(i, link)
	}

	var lastPublished payload.Payload
	havePublished := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			mu.Lock()
			snapshot := append([]comms.State(nil), states...)
			mu.Unlock()

			for i, s := range snapshot {
				v := 0.0
				if s.Have && s.Health == comms.Healthy {
					v = 1
				}
				metrics.SourceHealthy.WithLabelValues(metricsLabel, strconv.Itoa(i)).Set(v)
			}

			union, anyHealthy := computeUnion(snapshot)
			if !anyHealthy {
				havePublished = false
				u.gate.SetStalled()
				metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
				continue
			}
			if !havePublished || !union.Equal(lastPublished) {
				lastPublished = union
				havePublished = true
				u.gate.Publish(union)
				metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
				metrics.GateHealthy.WithLabelValues(metricsLabel).Set(1)
			}
		}
	}
}

func computeUnion(states []comms.State) (payload.Payload, bool) {
	b := payload.NewBuilder()
	anyHealthy := false
	for _, s := range states {
		if !s.Have || s.Health != comms.Healthy {
			continue
		}
		anyHealthy = true
		for _, v := range s.Payload.Origins() {
			b.AddVRP(v)
		}
		for _, k := range s.Payload.RouterKeys() {
			b.AddRouterKey(k)
		}
		for _, a := range s.Payload.ASPAs() {
			b.AddASPA(a)
		}
	}
	if !anyHealthy {
		return payload.Empty, false
	}
	return b.Build(), true
}
