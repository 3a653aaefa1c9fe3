// Package jsonclient implements the JSON source unit, spec §4.4: periodic
// fetch of a http:/https:/file: URL carrying the §6.2 JSON payload
// schema, with conditional GET and a stall grace period of 2x refresh.
package jsonclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

const metricsLabel = "jsonclient"

// Config describes one JSON client unit.
type Config struct {
	URI         string
	Refresh     time.Duration // default 60s
	Identity    string        // client certificate PEM file, optional
	TLSMax12    bool          // cap TLS at 1.2 instead of the Go default ceiling
	RootCerts   string        // PEM bundle, optional; system pool if empty
	UserAgent   string
	BindAddr    string
	ProxyURL    string
	FetchTimeout time.Duration // default 30s
}

func (c Config) Normalize() Config {
	if c.Refresh <= 0 {
		c.Refresh = 60 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "rtr-proxy/json-client"
	}
	return c
}

// Unit periodically fetches and republishes a JSON VRP/ASPA document.
type Unit struct {
	cfg    Config
	gate   *comms.Gate
	logger *zap.Logger
	client *http.Client
}

// New builds a unit and the HTTP client it fetches with, both from cfg.
func New(cfg Config, logger *zap.Logger) (*Unit, error) {
	cfg = cfg.Normalize()
	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Unit{cfg: cfg, gate: comms.NewGate(), logger: logger, client: httpClient}, nil
}

// Gate returns the unit's publication point.
func (u *Unit) Gate() *comms.Gate { return u.gate }

// Run fetches on the configured cadence until ctx is cancelled.
func (u *Unit) Run(ctx context.Context) {
	defer u.gate.Close()

	var lastETag, lastModified string
	var lastSuccess time.Time
	var lastPayload payload.Payload
	havePayload := false
	stalled := false

	ticker := time.NewTicker(u.cfg.Refresh)
	defer ticker.Stop()

	commands := make(chan comms.Command)
	go func() {
		for {
			cmd, ok := u.gate.RecvCommand(ctx)
			if !ok {
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	fetch := func() {
		p, etag, modified, notModified, err := u.fetchOnce(ctx, lastETag, lastModified)
		if err != nil {
			u.logger.Warn("json client: fetch failed", zap.String("uri", u.cfg.URI), zap.Error(err))
		} else if notModified {
			u.logger.Debug("json client: not modified", zap.String("uri", u.cfg.URI))
			lastSuccess = time.Now()
		} else {
			lastETag, lastModified = etag, modified
			lastSuccess = time.Now()
			if !havePayload || !p.Equal(lastPayload) {
				lastPayload = p
				havePayload = true
				u.gate.Publish(p)
				metrics.GatePublishTotal.WithLabelValues(metricsLabel).Inc()
			}
		}

		// Only broadcast a health transition, never a no-op re-announcement
		// of the same health on every tick: a 304 response publishes
		// nothing and must not wake subscribers on its own.
		nowStalled := !lastSuccess.IsZero() && time.Since(lastSuccess) > 2*u.cfg.Refresh
		if nowStalled && !stalled {
			u.gate.SetStalled()
			metrics.GateHealthy.WithLabelValues(metricsLabel).Set(0)
		} else if !nowStalled && stalled && havePayload {
			u.gate.SetHealthy()
			metrics.GateHealthy.WithLabelValues(metricsLabel).Set(1)
		}
		stalled = nowStalled
	}

	fetch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetch()
		case <-commands:
			fetch()
		}
	}
}

func (u *Unit) fetchOnce(ctx context.Context, etag, modified string) (p payload.Payload, newETag, newModified string, notModified bool, err error) {
	parsed, err := url.Parse(u.cfg.URI)
	if err != nil {
		return payload.Payload{}, "", "", false, fmt.Errorf("jsonclient: invalid URI: %w", err)
	}

	if parsed.Scheme == "file" {
		data, ferr := os.ReadFile(parsed.Path)
		if ferr != nil {
			return payload.Payload{}, "", "", false, ferr
		}
		p, err = payload.DecodeJSON(data)
		return p, "", "", false, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.URI, nil)
	if err != nil {
		return payload.Payload{}, "", "", false, err
	}
	req.Header.Set("User-Agent", u.cfg.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if modified != "" {
		req.Header.Set("If-Modified-Since", modified)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return payload.Payload{}, "", "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return payload.Payload{}, etag, modified, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return payload.Payload{}, "", "", false, fmt.Errorf("jsonclient: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payload.Payload{}, "", "", false, err
	}
	p, err = payload.DecodeJSON(body)
	if err != nil {
		return payload.Payload{}, "", "", false, err
	}
	return p, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), false, nil
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("jsonclient: invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	tlsConfig := &tls.Config{}
	if cfg.TLSMax12 {
		tlsConfig.MaxVersion = tls.VersionTLS12
	}
	if cfg.RootCerts != "" {
		pem, err := os.ReadFile(cfg.RootCerts)
		if err != nil {
			return nil, fmt.Errorf("jsonclient: reading root certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("jsonclient: no certificates found in %s", cfg.RootCerts)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.Identity != "" {
		pem, err := os.ReadFile(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("jsonclient: reading client identity: %w", err)
		}
		cert, err := tls.X509KeyPair(pem, pem)
		if err != nil {
			return nil, fmt.Errorf("jsonclient: parsing client identity: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport.TLSClientConfig = tlsConfig

	if cfg.BindAddr != "" {
		localAddr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr+":0")
		if err != nil {
			return nil, fmt.Errorf("jsonclient: invalid bind address: %w", err)
		}
		dialer := &net.Dialer{LocalAddr: localAddr, Timeout: 10 * time.Second}
		transport.DialContext = dialer.DialContext
	}

	return &http.Client{Transport: transport}, nil
}
