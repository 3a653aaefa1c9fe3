package rtrclient

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/payload"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto/client"
)

// recordingConn wraps a net.Conn and captures every deadline passed to
// SetReadDeadline, so tests can assert what idle timeout a caller used
// without depending on an actual multi-second wait.
type recordingConn struct {
	net.Conn
	mu           sync.Mutex
	lastDeadline time.Time
}

func (c *recordingConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.lastDeadline = t
	c.mu.Unlock()
	return c.Conn.SetReadDeadline(t)
}

func (c *recordingConn) deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDeadline
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parsing prefix: %v", err)
	}
	return p
}

func TestRunSessionPublishesFirstSnapshot(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	u := New(Config{Remote: "test"}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain the Reset Query, then reply with a single-VRP snapshot.
		rtrproto.ReadPDU(serverConn)
		v := payload.VRP{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 64496}
		rtrproto.WritePDU(serverConn, 2, rtrproto.CacheResponse{Session: 5})
		rtrproto.WritePDU(serverConn, 2, rtrproto.VRPToPrefixPDU(v, true))
		rtrproto.WritePDU(serverConn, 2, rtrproto.EndOfData{Session: 5, Serial: 0, Refresh: 3600, Retry: 600, Expire: 7200})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	link := u.Gate().NewLink()

	resultCh := make(chan payload.Payload, 1)
	go func() {
		state, err := link.Updated(ctx)
		if err == nil {
			resultCh <- state.Payload
		}
	}()

	go func() {
		u.runSession(ctx, clientConn, client.Session{}, rtrproto.MaxVersion)
		cancel()
	}()

	select {
	case p := <-resultCh:
		if p.Len() != 1 {
			t.Fatalf("expected one installed VRP, got %d", p.Len())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published snapshot")
	}
	cancel()
	<-done
}

// TestRunSessionIdleWaitUsesRefreshPlusRetry covers spec §4.2.2's client
// idle read timeout: refresh + retry, not refresh alone, so a slow peer
// doesn't cause a spurious reconnect before the retry window elapses.
func TestRunSessionIdleWaitUsesRefreshPlusRetry(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	rc := &recordingConn{Conn: clientConn}

	u := New(Config{Remote: "test"}, zap.NewNop())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		rtrproto.ReadPDU(serverConn)
		v := payload.VRP{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 64496}
		rtrproto.WritePDU(serverConn, 2, rtrproto.CacheResponse{Session: 5})
		rtrproto.WritePDU(serverConn, 2, rtrproto.VRPToPrefixPDU(v, true))
		rtrproto.WritePDU(serverConn, 2, rtrproto.EndOfData{Session: 5, Serial: 0, Refresh: 1, Retry: 1, Expire: 600})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link := u.Gate().NewLink()

	published := make(chan struct{}, 1)
	go func() {
		link.Updated(ctx)
		published <- struct{}{}
	}()

	go u.runSession(ctx, rc, client.Session{}, rtrproto.MaxVersion)

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first published snapshot")
	}

	// Give runSession time to enter idleWait and set the read deadline.
	time.Sleep(100 * time.Millisecond)

	got := rc.deadline()
	wantLow := time.Now().Add(1500 * time.Millisecond)  // < refresh(1s)+retry(1s)
	wantHigh := time.Now().Add(2500 * time.Millisecond) // > refresh(1s)+retry(1s)
	if got.Before(wantLow) || got.After(wantHigh) {
		t.Fatalf("expected idle read deadline ~2s out (refresh+retry), got %v from now", time.Until(got))
	}

	cancel()
	<-serverDone
}
