// Package httpjson implements the HTTP JSON target, spec §4.8: it serves
// the current payload as the §6.2 JSON document, supports conditional GET
// via ETag, and returns 503 until a first snapshot has been seen, whether
// or not the source is stalled.
package httpjson

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

// Config describes one HTTP JSON target.
type Config struct {
	Listen string
	Path   string // default "/json"
}

func (c Config) Normalize() Config {
	if c.Path == "" {
		c.Path = "/json"
	}
	return c
}

// Target serves the subscribed source's payload as JSON over HTTP.
type Target struct {
	cfg    Config
	source *comms.Link
	logger *zap.Logger

	mu      sync.RWMutex
	current payload.Payload
	have    bool
	stalled bool

	srv *http.Server
}

// New builds a target subscribed to source.
func New(cfg Config, source *comms.Link, logger *zap.Logger) *Target {
	cfg = cfg.Normalize()
	t := &Target{cfg: cfg, source: source, logger: logger}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, gzhttp.GzipHandler(http.HandlerFunc(t.handle)))
	t.srv = &http.Server{Addr: cfg.Listen, Handler: mux}
	return t
}

// Listen binds the configured address.
func (t *Target) Listen() (net.Listener, error) {
	return net.Listen("tcp", t.srv.Addr)
}

// Run binds and serves until ctx is cancelled, also pumping the
// subscribed source into the in-memory current snapshot.
func (t *Target) Run(ctx context.Context) error {
	ln, err := t.Listen()
	if err != nil {
		return err
	}
	return t.Serve(ctx, ln)
}

// Serve pumps the source and serves HTTP on ln until ctx is cancelled.
func (t *Target) Serve(ctx context.Context, ln net.Listener) error {
	go t.pumpSource(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := t.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (t *Target) pumpSource(ctx context.Context) {
	for {
		state, err := t.source.Updated(ctx)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.stalled = state.Health != comms.Healthy
		if state.Have {
			t.current = state.Payload
			t.have = true
		}
		t.mu.Unlock()
	}
}

func (t *Target) handle(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	current, have, stalled := t.current, t.have, t.stalled
	t.mu.RUnlock()

	if !have {
		http.Error(w, "no data available yet", http.StatusServiceUnavailable)
		metrics.HTTPRequestsTotal.WithLabelValues(t.cfg.Path, "503").Inc()
		return
	}
	if stalled {
		// Stale but previously-seen data is still served, per spec §4.8:
		// only "never seen a snapshot" is a hard 503.
		w.Header().Set("Warning", `199 rtr-proxy "upstream data may be stale"`)
	}

	etag := `"` + hex.EncodeToString(current.Fingerprint()[:]) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		metrics.HTTPRequestsTotal.WithLabelValues(t.cfg.Path, "304").Inc()
		return
	}

	body, err := payload.EncodeJSON(current)
	if err != nil {
		t.logger.Error("http json target: encoding payload", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		metrics.HTTPRequestsTotal.WithLabelValues(t.cfg.Path, "500").Inc()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	metrics.HTTPRequestsTotal.WithLabelValues(t.cfg.Path, "200").Inc()
}
