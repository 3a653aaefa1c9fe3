// Package rtrserver implements the RTR target, spec §4.2.3: it accepts
// RTR client connections over plain TCP or TLS, serves Reset/Serial
// Query against a bounded diff history, and notifies idle clients when
// the subscribed upstream link publishes a change.
package rtrserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto/server"
)

// outboundQueueCap is the most bytes a single response to one query may
// carry; writeAll sends an Error Report and ends the connection once a
// response goes past it. Responses are written synchronously to the
// connection; there is no separate outbound queue per client.
const outboundQueueCap = 16 * 1024 * 1024

// Config describes one RTR server target.
type Config struct {
	Listen      string
	TLS         bool
	Certificate string
	Key         string
	HistorySize int // default 10
	Refresh     uint32
	Retry       uint32
	Expire      uint32
}

func (c Config) Normalize() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = server.DefaultHistorySize
	}
	return c
}

// Target serves the RTR protocol to downstream routers over one listen
// address.
type Target struct {
	cfg     Config
	source  *comms.Link
	history *server.History
	timers  server.Timers
	logger  *zap.Logger
	tlsCfg  *tls.Config
}

// New builds a target subscribed to source, optionally with a
// pre-loaded TLS server config (for the rtr-tls target type).
func New(cfg Config, source *comms.Link, tlsCfg *tls.Config, logger *zap.Logger) *Target {
	cfg = cfg.Normalize()
	return &Target{
		cfg:     cfg,
		source:  source,
		history: server.NewHistory(cfg.HistorySize),
		timers:  server.Timers{Refresh: cfg.Refresh, Retry: cfg.Retry, Expire: cfg.Expire},
		logger:  logger,
		tlsCfg:  tlsCfg,
	}
}

// Listen binds the configured address. Splitting this from Serve lets a
// caller learn the bound address (e.g. when Listen is ":0") before
// connections start arriving.
func (t *Target) Listen() (net.Listener, error) {
	return net.Listen("tcp", t.cfg.Listen)
}

// Run binds the configured address and serves until ctx is cancelled.
func (t *Target) Run(ctx context.Context) error {
	ln, err := t.Listen()
	if err != nil {
		return err
	}
	return t.Serve(ctx, ln)
}

// Serve accepts connections on ln, and maintains the diff history from
// the subscribed source, until ctx is cancelled.
func (t *Target) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	notify := newNotifier()
	go t.pumpSource(ctx, notify)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.logger.Warn("rtr server: accept failed", zap.Error(err))
			continue
		}
		if t.tlsCfg != nil {
			conn = tls.Server(conn, t.tlsCfg)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newConn(conn, t, notify)
			c.serve(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// pumpSource folds every upstream publication into the diff history and
// wakes idle connections.
func (t *Target) pumpSource(ctx context.Context, notify *notifier) {
	for {
		state, err := t.source.Updated(ctx)
		if err != nil {
			return
		}
		if state.Health != comms.Healthy {
			continue
		}
		if _, changed := t.history.Update(state.Payload); changed {
			notify.broadcast()
			if _, serial, _, ok := t.history.Current(); ok {
				metrics.RTRSerialCurrent.WithLabelValues(t.cfg.Listen).Set(float64(serial))
			}
		}
	}
}

// notifier is a simple one-to-many wakeup signal: each waiter holds at
// most one pending tick, however many broadcasts happened while it wasn't
// listening (unlike comms.Gate, a Serial Notify carries no payload, so
// coalescing is trivial).
type notifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newNotifier() *notifier { return &notifier{subs: make(map[chan struct{}]struct{})} }

func (n *notifier) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	delete(n.subs, ch)
	n.mu.Unlock()
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// conn serves one downstream RTR client connection.
type conn struct {
	nc     net.Conn
	target *Target
	notify *notifier
	logger *zap.Logger
}

func newConn(nc net.Conn, target *Target, notify *notifier) *conn {
	return &conn{nc: nc, target: target, notify: notify, logger: target.logger}
}

// readResult is one decoded request, or a terminal read error, fed by the
// connection's single persistent reader goroutine.
type readResult struct {
	version uint8
	pdu     rtrproto.PDU
	err     error
}

// errIdleTimeout is returned by readRequest when a connection sits idle
// (no client request, no server notify) past the configured Expire
// interval, spec §5. Config.Expire is used as given: the minimum and the
// default that End of Data applies to it are not applied here, and an
// Expire of 0 means no idle timeout at all.
var errIdleTimeout = errors.New("rtr server: connection idle past expire interval")

func (c *conn) serve(ctx context.Context) {
	defer c.nc.Close()

	metrics.RTRSessionsActive.WithLabelValues(c.target.cfg.Listen).Inc()
	defer metrics.RTRSessionsActive.WithLabelValues(c.target.cfg.Listen).Dec()

	var version uint8
	var negotiated bool

	wake := c.notify.subscribe()
	defer c.notify.unsubscribe(wake)

	var idle *time.Timer
	if c.target.cfg.Expire > 0 {
		idle = time.NewTimer(time.Duration(c.target.cfg.Expire) * time.Second)
		defer idle.Stop()
	}

	// A single goroutine owns all reads from nc for the connection's
	// lifetime; closing nc (the deferred Close above, which also runs when
	// ctx is cancelled and serve returns) is what unblocks it on shutdown.
	requests := make(chan readResult)
	go func() {
		for {
			version, pdu, err := rtrproto.ReadPDUVersioned(c.nc)
			select {
			case requests <- readResult{version, pdu, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		wireVersion, pdu, err := c.readRequest(ctx, wake, requests, idle)
		if err != nil {
			var perr *rtrproto.Error
			switch {
			case errors.Is(err, errIdleTimeout):
				c.logger.Debug("rtr server: closing idle connection", zap.Uint32("expire", c.target.cfg.Expire))
			case errors.As(err, &perr):
				rtrproto.WritePDU(c.nc, version, rtrproto.ErrorReport{Code: perr.Code, Text: perr.Msg})
			case negotiated && ctx.Err() == nil:
				c.logger.Debug("rtr server: client connection closed", zap.Error(err))
			}
			return
		}
		if idle != nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(time.Duration(c.target.cfg.Expire) * time.Second)
		}
		if pdu == nil {
			// Woken by a Serial Notify with no pending request: tell the
			// client new data is available and loop back to wait for its
			// next query.
			if !negotiated {
				continue
			}
			notifyPDU, ok := c.target.history.NotifyPDU()
			if !ok {
				continue
			}
			if err := rtrproto.WritePDU(c.nc, version, notifyPDU); err != nil {
				return
			}
			continue
		}

		if !negotiated {
			version = wireVersion
			if version > rtrproto.MaxVersion {
				version = rtrproto.MaxVersion
			}
			negotiated = true
		} else if wireVersion != version {
			rtrproto.WritePDU(c.nc, version, rtrproto.ErrorReport{
				Code: rtrproto.ErrUnexpectedProtoVer, Text: "protocol version changed mid-session",
			})
			return
		}

		switch req := pdu.(type) {
		case rtrproto.ResetQuery:
			metrics.RTRQueriesTotal.WithLabelValues(c.target.cfg.Listen, "reset").Inc()
			resp := c.target.history.HandleResetQuery(version, c.target.timers)
			if resp == nil {
				if err := rtrproto.WritePDU(c.nc, version, rtrproto.ErrorReport{
					Code: rtrproto.ErrNoDataAvailable, Text: "no data available yet",
				}); err != nil {
					return
				}
				continue
			}
			if !c.writeAll(resp, version) {
				return
			}

		case rtrproto.SerialQuery:
			metrics.RTRQueriesTotal.WithLabelValues(c.target.cfg.Listen, "serial").Inc()
			resp := c.target.history.HandleSerialQuery(version, req.Session, req.Serial, c.target.timers)
			if !c.writeAll(resp, version) {
				return
			}

		default:
			rtrproto.WritePDU(c.nc, version, rtrproto.ErrorReport{
				Code: rtrproto.ErrInvalidRequest, Text: "unexpected PDU from client",
			})
			return
		}
	}
}

// readRequest waits for either a decoded client PDU or a notify wakeup,
// whichever comes first. A nil PDU with a nil error means "woken, no
// PDU". idle may be nil when no expire timeout is configured.
func (c *conn) readRequest(ctx context.Context, wake <-chan struct{}, requests <-chan readResult, idle *time.Timer) (uint8, rtrproto.PDU, error) {
	var idleC <-chan time.Time
	if idle != nil {
		idleC = idle.C
	}
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-idleC:
		return 0, nil, errIdleTimeout
	case <-wake:
		return 0, nil, nil
	case r := <-requests:
		return r.version, r.pdu, r.err
	}
}

func (c *conn) writeAll(pdus []rtrproto.PDU, version uint8) bool {
	total := 0
	for _, p := range pdus {
		b := p.Marshal(version)
		total += len(b)
		if total > outboundQueueCap {
			rtrproto.WritePDU(c.nc, version, rtrproto.ErrorReport{
				Code: rtrproto.ErrInternalError, Text: "outbound queue exceeded",
			})
			return false
		}
		if _, err := c.nc.Write(b); err != nil {
			return false
		}
	}
	return true
}
