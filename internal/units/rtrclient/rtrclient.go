// Package rtrclient implements the RTR source unit: it dials a remote
// cache over plain TCP or TLS, drives the client session state machine in
// internal/rtrproto/client, and republishes every successfully installed
// payload onto a comms.Gate.
package rtrclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto/client"
)

const metricsLabel = "rtrclient"

// Config describes one RTR client unit, spec §6.4 unit type rtr / rtr-tls.
type Config struct {
	Remote       string        // host:port
	TLS          bool
	CACertsFile  string        // PEM bundle; empty uses the system pool
	RetryInterval time.Duration // default 60s
	ServerName   string        // overrides the SNI/verification name; default is the host from Remote
}

// Normalize fills in defaults left zero by config parsing.
func (c Config) Normalize() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 60 * time.Second
	}
	return c
}

// Unit runs an RTR client against a single remote cache.
type Unit struct {
	cfg    Config
	gate   *comms.Gate
	logger *zap.Logger
}

// New creates a unit publishing onto gate.
func New(cfg Config, logger *zap.Logger) *Unit {
	return &Unit{cfg: cfg.Normalize(), gate: comms.NewGate(), logger: logger}
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// Run dials, negotiates and maintains the RTR session until ctx is
// cancelled, retrying the connection with the configured interval and
// marking the gate stalled while disconnected.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()

	var sess client.Session
	maxVersion := rtrproto.MaxVersion

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := u.dial(ctx)
		if err != nil {
			u.logger.Warn("rtr client: dial failed", zap.String("remote", u.cfg.Remote), zap.Error(err))
			u.gate.SetStalled()
			metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
			if !sleepOrDone(ctx, u.cfg.RetryInterval) {
				return
			}
			continue
		}

		sess, maxVersion = u.runSession(ctx, conn, sess, maxVersion)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		u.gate.SetStalled()
		metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
		if !sleepOrDone(ctx, u.cfg.RetryInterval) {
			return
		}
	}
}

// runSession drives one TCP connection's worth of Reset/Serial Query
// cycles until the connection breaks, the peer rejects our version, or
// ctx is cancelled. It returns the session state to retain for the next
// connection and the protocol version to retry at (after a downgrade).
func (u *Unit) runSession(ctx context.Context, conn net.Conn, prior client.Session, maxVersion uint8) (client.Session, uint8) {
	sess := prior
	version := maxVersion

	for {
		if ctx.Err() != nil {
			return sess, version
		}

		conn.SetDeadline(time.Now().Add(u.cfg.RetryInterval + 30*time.Second))
		next, timers, err := client.RunOnce(conn, sess, version)
		if err != nil {
			if dg, ok := err.(*client.ErrVersionDowngrade); ok {
				if version == 0 {
					u.logger.Error("rtr client: version 0 rejected, giving up on this connection", zap.String("remote", u.cfg.Remote))
					return sess, rtrproto.MaxVersion
				}
				u.logger.Info("rtr client: downgrading protocol version", zap.Uint8("from", dg.Rejected), zap.Uint8("to", version-1))
				version--
				continue
			}
			u.logger.Warn("rtr client: session error", zap.String("remote", u.cfg.Remote), zap.Error(err))
			return sess, maxVersion
		}

		sess = next
		u.gate.Publish(sess.Payload)
		metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
		metrics.GateHealthy.WithLabelValues(metricsLabel).Set(1)

		if !idleWait(ctx, conn, timers.Refresh+timers.Retry) {
			return sess, version
		}
	}
}

// idleWait blocks until idleTimeout elapses, a Serial Notify arrives on
// conn, or ctx is cancelled, returning false only when the caller should
// stop using this connection. idleTimeout is refresh+retry (spec §4.2.2's
// client idle read timeout), not refresh alone, so a peer slow to answer
// within one retry window doesn't trigger a spurious reconnect.
func idleWait(ctx context.Context, conn net.Conn, idleTimeout time.Duration) bool {
	notifyCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		pdu, err := rtrproto.ReadPDU(conn)
		if err != nil {
			errCh <- err
			return
		}
		if pdu.Type() == rtrproto.TypeSerialNotify {
			notifyCh <- struct{}{}
			return
		}
		errCh <- fmt.Errorf("unexpected PDU type %d while idle", pdu.Type())
	}()

	select {
	case <-ctx.Done():
		return false
	case <-notifyCh:
		return true
	case err := <-errCh:
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true // refresh elapsed; fall through to another Serial Query.
		}
		return false
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (u *Unit) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !u.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", u.cfg.Remote)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if u.cfg.ServerName != "" {
		tlsConfig.ServerName = u.cfg.ServerName
	}
	if u.cfg.CACertsFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(u.cfg.CACertsFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", u.cfg.CACertsFile)
		}
		tlsConfig.RootCAs = pool
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", u.cfg.Remote)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
