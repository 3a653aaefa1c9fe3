// Package manager builds the component graph described by
// internal/config and supervises every unit/target goroutine for the
// lifetime of the process.
package manager

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/config"
	"github.com/route-beacon/rtr-proxy/internal/targets/audit"
	"github.com/route-beacon/rtr-proxy/internal/targets/httpjson"
	"github.com/route-beacon/rtr-proxy/internal/targets/kafkatarget"
	"github.com/route-beacon/rtr-proxy/internal/targets/rtrserver"
	"github.com/route-beacon/rtr-proxy/internal/units/any"
	"github.com/route-beacon/rtr-proxy/internal/units/jsonclient"
	"github.com/route-beacon/rtr-proxy/internal/units/kafkaunit"
	"github.com/route-beacon/rtr-proxy/internal/units/merge"
	"github.com/route-beacon/rtr-proxy/internal/units/rtrclient"
	"github.com/route-beacon/rtr-proxy/internal/units/slurm"
)

// DefaultGracePeriod bounds how long Run waits for components to exit
// after ctx is cancelled, spec §5.
const DefaultGracePeriod = 5 * time.Second

// runner is one named unit or target goroutine.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// Manager owns every running component and the Gates wiring them
// together.
type Manager struct {
	logger  *zap.Logger
	grace   time.Duration
	gates   map[string]*comms.Gate
	units   []runner
	targets []runner
}

// Build constructs every unit and target named in cfg, wiring source
// references into comms.Link subscriptions in dependency order. pool may
// be nil if no audit target is configured.
func Build(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	order, err := cfg.UnitOrder()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger: logger,
		grace:  DefaultGracePeriod,
		gates:  make(map[string]*comms.Gate, len(cfg.Unit)),
	}

	for _, name := range order {
		gate, run, err := buildUnit(name, cfg.Unit[name], cfg.Global, m.gates, logger)
		if err != nil {
			return nil, fmt.Errorf("manager: building unit %q: %w", name, err)
		}
		m.gates[name] = gate
		m.units = append(m.units, runner{name: "unit." + name, run: run})
	}

	for name, tc := range cfg.Target {
		run, err := buildTarget(name, tc, cfg.Global, m.gates, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("manager: building target %q: %w", name, err)
		}
		m.targets = append(m.targets, runner{name: "target." + name, run: run})
	}

	return m, nil
}

// SourceHealth reports the last known health of every unit's gate, by
// unit name. A unit that has never published is reported unhealthy.
func (m *Manager) SourceHealth() map[string]bool {
	health := make(map[string]bool, len(m.gates))
	for name, gate := range m.gates {
		link := gate.NewLink()
		state, have := link.Current()
		link.Close()
		health[name] = have && state.Health == comms.Healthy
	}
	return health
}

// Run starts every unit then every target and blocks until ctx is
// cancelled or a component reports a terminal error. On cancellation it
// waits up to the grace period for components to exit cleanly before
// returning.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.units)+len(m.targets))

	start := func(r runner) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("component exited with error", zap.String("component", r.name), zap.Error(err))
				select {
				case errCh <- fmt.Errorf("%s: %w", r.name, err):
				default:
				}
			}
		}()
	}

	for _, r := range m.units {
		start(r)
	}
	for _, r := range m.targets {
		start(r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
		return nil
	case <-ctx.Done():
	}

	grace := m.grace
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	select {
	case <-done:
		m.logger.Info("all components stopped gracefully")
	case <-time.After(grace):
		m.logger.Warn("shutdown grace period elapsed, some components may not have finished", zap.Duration("grace", grace))
	}
	return nil
}

func buildUnit(name string, uc config.UnitConfig, global config.GlobalConfig, gates map[string]*comms.Gate, logger *zap.Logger) (*comms.Gate, func(context.Context) error, error) {
	named := logger.Named("unit." + name)

	switch uc.Type {
	case config.UnitTypeRTR, config.UnitTypeRTRTLS:
		u := rtrclient.New(rtrclient.Config{
			Remote:        uc.Remote,
			TLS:           uc.Type == config.UnitTypeRTRTLS,
			CACertsFile:   uc.CACerts,
			RetryInterval: time.Duration(uc.Retry) * time.Second,
		}, named)
		return u.Gate(), wrapVoid(u.Run), nil

	case config.UnitTypeJSON:
		proxyURL := ""
		if len(global.HTTPProxies) > 0 {
			proxyURL = global.HTTPProxies[0]
		}
		u, err := jsonclient.New(jsonclient.Config{
			URI:       uc.URI,
			Refresh:   time.Duration(uc.Refresh) * time.Second,
			Identity:  uc.Identity,
			TLSMax12:  uc.TLS12,
			RootCerts: global.HTTPRootCerts,
			UserAgent: global.HTTPUserAgent,
			BindAddr:  global.HTTPClientAddr,
			ProxyURL:  proxyURL,
		}, named)
		if err != nil {
			return nil, nil, err
		}
		return u.Gate(), wrapVoid(u.Run), nil

	case config.UnitTypeAny:
		sources, err := resolveLinks(uc.Sources, gates)
		if err != nil {
			return nil, nil, err
		}
		u := any.New(any.Config{Random: uc.Random}, sources, named)
		return u.Gate(), wrapVoid(u.Run), nil

	case config.UnitTypeMerge:
		sources, err := resolveLinks(uc.Sources, gates)
		if err != nil {
			return nil, nil, err
		}
		u := merge.New(sources, named)
		return u.Gate(), wrapVoid(u.Run), nil

	case config.UnitTypeSLURM:
		source, ok := gates[uc.Source]
		if !ok {
			return nil, nil, fmt.Errorf("unit %q: unknown source %q", name, uc.Source)
		}
		u := slurm.New(slurm.Config{Files: uc.Files}, source.NewLink(), named)
		return u.Gate(), wrapVoid(u.Run), nil

	case config.UnitTypeKafka:
		u, err := kafkaunit.New(kafkaunit.Config{
			Brokers:       uc.Brokers,
			Topic:         uc.Topic,
			GroupID:       uc.GroupID,
			ClientID:      uc.ClientID,
			FetchMaxBytes: uc.FetchMaxBytes,
			TLS:           uc.TLS,
		}, named)
		if err != nil {
			return nil, nil, err
		}
		return u.Gate(), wrapVoid(u.Run), nil

	default:
		return nil, nil, fmt.Errorf("unit %q: unrecognized type %q", name, uc.Type)
	}
}

func buildTarget(name string, tc config.TargetConfig, global config.GlobalConfig, gates map[string]*comms.Gate, pool *pgxpool.Pool, logger *zap.Logger) (func(context.Context) error, error) {
	named := logger.Named("target." + name)

	gate, ok := gates[tc.Unit]
	if !ok {
		return nil, fmt.Errorf("target %q: unknown unit %q", name, tc.Unit)
	}
	source := gate.NewLink()

	switch tc.Type {
	case config.TargetTypeRTR, config.TargetTypeRTRTLS:
		var tlsCfg *tls.Config
		if tc.Type == config.TargetTypeRTRTLS {
			var err error
			tlsCfg, err = loadServerTLSConfig(tc.Certificate, tc.Key)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", name, err)
			}
		}
		t := rtrserver.New(rtrserver.Config{
			Listen:      tc.Listen,
			TLS:         tc.Type == config.TargetTypeRTRTLS,
			Certificate: tc.Certificate,
			Key:         tc.Key,
			HistorySize: tc.HistorySize,
			Refresh:     tc.Refresh,
			Retry:       tc.RetryInterval,
			Expire:      tc.Expire,
		}, source, tlsCfg, named)
		return t.Run, nil

	case config.TargetTypeHTTP:
		listen := tc.Listen
		if listen == "" && len(global.HTTPListen) > 0 {
			listen = global.HTTPListen[0]
		}
		t := httpjson.New(httpjson.Config{Listen: listen, Path: tc.Path}, source, named)
		return t.Run, nil

	case config.TargetTypeKafka:
		t, err := kafkatarget.New(kafkatarget.Config{
			Brokers:  tc.Brokers,
			Topic:    tc.Topic,
			ClientID: tc.ClientID,
		}, source, named)
		if err != nil {
			return nil, err
		}
		return wrapVoid(t.Run), nil

	case config.TargetTypeAudit:
		if pool == nil {
			return nil, fmt.Errorf("target %q: audit target configured without a postgres pool", name)
		}
		t := audit.New(audit.Config{HistorySize: tc.HistorySize}, source, pool, named)
		return wrapVoid(t.Run), nil

	default:
		return nil, fmt.Errorf("target %q: unrecognized type %q", name, tc.Type)
	}
}

func resolveLinks(names []string, gates map[string]*comms.Gate) ([]*comms.Link, error) {
	links := make([]*comms.Link, len(names))
	for i, n := range names {
		gate, ok := gates[n]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		links[i] = gate.NewLink()
	}
	return links, nil
}

func loadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// wrapVoid adapts a Run(ctx) method with no return value to the
// func(context.Context) error shape every runner uses.
func wrapVoid(run func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		run(ctx)
		return nil
	}
}
