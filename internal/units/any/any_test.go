package any

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

func vrp(t *testing.T, prefix string, asn uint32) payload.VRP {
	t.Helper()
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		t.Fatalf("parsing prefix: %v", err)
	}
	return payload.VRP{Prefix: p, MaxLength: uint8(p.Bits()), OriginAS: asn}
}

func TestAnyFailsOverToNextHealthySource(t *testing.T) {
	g1, g2 := comms.NewGate(), comms.NewGate()
	u := New(Config{}, []*comms.Link{g1.NewLink(), g2.NewLink()}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := u.Gate().NewLink()
	go u.Run(ctx)

	p1 := payload.New([]payload.VRP{vrp(t, "192.0.2.0/24", 1)}, nil, nil)
	g1.Publish(p1)

	state, err := out.Updated(ctx)
	if err != nil || !state.Payload.Equal(p1) {
		t.Fatalf("expected the first source's payload, got %+v err=%v", state, err)
	}

	p2 := payload.New([]payload.VRP{vrp(t, "198.51.100.0/24", 2)}, nil, nil)
	g2.Publish(p2)
	g1.SetStalled()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for failover to the second source")
		default:
		}
		state, err := out.Updated(ctx)
		if err != nil {
			t.Fatalf("Updated: %v", err)
		}
		if state.Payload.Equal(p2) {
			return
		}
	}
}

// TestAnyDoesNotRepublishUnchangedPayloadOnUnrelatedSourceTick covers the
// case where a tick is triggered by a source other than the selected one:
// re-evaluating an unchanged, still-healthy current source must not
// republish, since that would violate snapshot idempotence downstream.
func TestAnyDoesNotRepublishUnchangedPayloadOnUnrelatedSourceTick(t *testing.T) {
	u := New(Config{}, nil, zap.NewNop())

	p1 := payload.New([]payload.VRP{vrp(t, "192.0.2.0/24", 1)}, nil, nil)
	states := []comms.State{
		{Payload: p1, Have: true, Health: comms.Healthy},
		{Have: false},
	}
	current := 0
	var lastPublished payload.Payload
	havePublished := false

	before := testutil.ToFloat64(metrics.GatePublishTotal.WithLabelValues(metricsLabel))

	u.reconcile(states, &current, &lastPublished, &havePublished)
	// Second reconcile simulates a tick from the other, still-stalled
	// source: the selected source's payload hasn't changed.
	u.reconcile(states, &current, &lastPublished, &havePublished)

	after := testutil.ToFloat64(metrics.GatePublishTotal.WithLabelValues(metricsLabel))
	if after-before != 1 {
		t.Fatalf("expected exactly one publish across two reconciles of an unchanged payload, got %v", after-before)
	}
}
