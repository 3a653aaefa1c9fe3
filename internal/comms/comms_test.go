package comms

import (
	"context"
	"testing"
	"time"

	"github.com/route-beacon/rtr-proxy/internal/payload"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	g := NewGate()
	link := g.NewLink()

	g.Publish(payload.Empty)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := link.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	if !s.Have || s.Health != Healthy {
		t.Fatalf("expected healthy published state, got %+v", s)
	}
}

func TestLateSubscriberSeesCurrent(t *testing.T) {
	g := NewGate()
	g.Publish(payload.Empty)

	link := g.NewLink()
	state, ok := link.Current()
	if !ok || !state.Have {
		t.Fatalf("expected late subscriber to see the current published state")
	}
}

func TestSlowSubscriberOnlySeesLatest(t *testing.T) {
	g := NewGate()
	link := g.NewLink()

	a := payload.New([]payload.VRP{{OriginAS: 1}}, nil, nil)
	b := payload.New([]payload.VRP{{OriginAS: 2}}, nil, nil)
	c := payload.New([]payload.VRP{{OriginAS: 3}}, nil, nil)

	g.Publish(a)
	g.Publish(b)
	g.Publish(c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := link.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	if !s.Payload.Equal(c) {
		t.Fatalf("expected the slow subscriber to observe only the latest payload")
	}
}

func TestCloseTerminatesLink(t *testing.T) {
	g := NewGate()
	link := g.NewLink()
	g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := link.Updated(ctx)
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed after Gate.Close, got %v", err)
	}
}

func TestSetStalledPreservesPayload(t *testing.T) {
	g := NewGate()
	link := g.NewLink()
	p := payload.New([]payload.VRP{{OriginAS: 1}}, nil, nil)
	g.Publish(p)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := link.Updated(ctx); err != nil {
		t.Fatalf("Updated: %v", err)
	}

	g.SetStalled()
	s, err := link.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated after SetStalled: %v", err)
	}
	if s.Health != Stalled || !s.Payload.Equal(p) {
		t.Fatalf("expected stalled health with payload retained, got %+v", s)
	}
}

func TestRequestCommandReachesGate(t *testing.T) {
	g := NewGate()
	link := g.NewLink()
	link.Request(CommandRequest)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, ok := g.RecvCommand(ctx)
	if !ok || cmd != CommandRequest {
		t.Fatalf("expected to receive CommandRequest, got %v ok=%v", cmd, ok)
	}
}
