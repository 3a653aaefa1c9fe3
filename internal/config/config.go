// Package config loads and validates the component graph: a single TOML
// file describing global options plus named units and targets, overlaid
// with environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully loaded, defaulted component graph.
type Config struct {
	Global  GlobalConfig            `koanf:"global"`
	Unit    map[string]UnitConfig   `koanf:"unit"`
	Target  map[string]TargetConfig `koanf:"target"`
	baseDir string
}

// GlobalConfig holds options that apply to every component.
type GlobalConfig struct {
	HTTPListen     []string `koanf:"http-listen"`
	LogLevel       string   `koanf:"log-level"`
	LogTarget      string   `koanf:"log-target"`
	LogFile        string   `koanf:"log-file"`
	LogFacility    string   `koanf:"log-facility"`
	HTTPRootCerts  string   `koanf:"http-root-certs"`
	HTTPUserAgent  string   `koanf:"http-user-agent"`
	HTTPClientAddr string   `koanf:"http-client-addr"`
	HTTPProxies    []string `koanf:"http-proxies"`

	// Postgres backs the audit sink target; only required when an
	// "audit" target is configured.
	Postgres PostgresConfig `koanf:"postgres"`
}

// PostgresConfig describes the audit sink's database connection and
// retention policy.
type PostgresConfig struct {
	DSN           string `koanf:"dsn"`
	MaxConns      int32  `koanf:"max-conns"`
	MinConns      int32  `koanf:"min-conns"`
	RetentionDays int    `koanf:"retention-days"`
	Timezone      string `koanf:"timezone"`
}

func (p PostgresConfig) normalize() PostgresConfig {
	if p.MaxConns <= 0 {
		p.MaxConns = 10
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = 30
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p
}

// UnitConfig describes one named upstream data source. Type selects
// which fields apply; see §4.3-§4.7.
type UnitConfig struct {
	Type string `koanf:"type"`

	// rtr / rtr-tls
	Remote  string `koanf:"remote"`
	Retry   int    `koanf:"retry"`
	CACerts string `koanf:"cacerts"`
	TLS     bool   `koanf:"tls"`

	// json
	URI       string `koanf:"uri"`
	Refresh   int    `koanf:"refresh"`
	Identity  string `koanf:"identity"`
	TLS12     bool   `koanf:"tls-12"`
	NativeTLS bool   `koanf:"native-tls"`

	// any / merge
	Sources []string `koanf:"sources"`
	Random  bool     `koanf:"random"`

	// slurm
	Source string   `koanf:"source"`
	Files  []string `koanf:"files"`

	// kafka
	Brokers       []string `koanf:"brokers"`
	Topic         string   `koanf:"topic"`
	GroupID       string   `koanf:"group-id"`
	ClientID      string   `koanf:"client-id"`
	FetchMaxBytes int32    `koanf:"fetch-max-bytes"`
}

// TargetConfig describes one named output. Type selects which fields
// apply; see §4.2.3 and §4.8.
type TargetConfig struct {
	Type string `koanf:"type"`

	// rtr / rtr-tls
	Listen        string `koanf:"listen"`
	Unit          string `koanf:"unit"`
	HistorySize   int    `koanf:"history-size"`
	Refresh       uint32 `koanf:"refresh"`
	RetryInterval uint32 `koanf:"retry"`
	Expire        uint32 `koanf:"expire"`
	ClientMetrics bool   `koanf:"client-metrics"`
	Certificate   string `koanf:"certificate"`
	Key           string `koanf:"key"`

	// http
	Path   string `koanf:"path"`
	Format string `koanf:"format"`

	// kafka
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client-id"`
}

const (
	UnitTypeRTR    = "rtr"
	UnitTypeRTRTLS = "rtr-tls"
	UnitTypeJSON   = "json"
	UnitTypeAny    = "any"
	UnitTypeMerge  = "merge"
	UnitTypeSLURM  = "slurm"
	UnitTypeKafka  = "kafka"

	TargetTypeRTR    = "rtr"
	TargetTypeRTRTLS = "rtr-tls"
	TargetTypeHTTP   = "http"
	TargetTypeKafka  = "kafka"
	TargetTypeAudit  = "audit"
)

// Load reads and validates the configuration file at path, overlaying
// RTRPROXY_-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("RTRPROXY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RTRPROXY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		s = strings.ReplaceAll(s, "_", "-")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Global: GlobalConfig{
			LogLevel:    "info",
			LogTarget:   "stderr",
			LogFacility: "daemon",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config file path: %w", err)
	}
	cfg.baseDir = filepath.Dir(abs)
	cfg.Global.Postgres = cfg.Global.Postgres.normalize()

	for name, u := range cfg.Unit {
		u = u.normalize()
		u.Files = cfg.resolvePaths(u.Files)
		cfg.Unit[name] = u
	}
	for name, t := range cfg.Target {
		cfg.Target[name] = t.normalize()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (u UnitConfig) normalize() UnitConfig {
	if u.Retry <= 0 {
		u.Retry = 60
	}
	if u.Type == UnitTypeKafka {
		if u.ClientID == "" {
			u.ClientID = "rtr-proxy"
		}
		if u.FetchMaxBytes <= 0 {
			u.FetchMaxBytes = 52428800
		}
	}
	return u
}

func (t TargetConfig) normalize() TargetConfig {
	if t.HistorySize <= 0 {
		t.HistorySize = 10
	}
	if t.Format == "" {
		t.Format = "json"
	}
	if t.Type == TargetTypeKafka && t.ClientID == "" {
		t.ClientID = "rtr-proxy"
	}
	return t
}

// resolvePaths resolves each relative path against the directory
// containing the configuration file, per §6.3.
func (c *Config) resolvePaths(paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
			continue
		}
		out[i] = filepath.Join(c.baseDir, p)
	}
	return out
}

// Validate checks mandatory fields per component type and performs the
// §9 component-graph check: every unit/target reference must resolve to
// an existing unit, targets may not reference targets, and the
// unit-dependency graph must be acyclic.
func (c *Config) Validate() error {
	for name, u := range c.Unit {
		if err := validateUnit(name, u); err != nil {
			return err
		}
	}
	for name, t := range c.Target {
		if err := validateTarget(name, t); err != nil {
			return err
		}
	}

	for name, u := range c.Unit {
		for _, dep := range UnitDependencies(u) {
			if _, ok := c.Unit[dep]; !ok {
				return fmt.Errorf("config: unit %q references unknown unit %q", name, dep)
			}
		}
	}
	for name, t := range c.Target {
		if t.Unit == "" {
			return fmt.Errorf("config: target %q: unit is required", name)
		}
		if _, ok := c.Unit[t.Unit]; !ok {
			return fmt.Errorf("config: target %q references unknown unit %q", name, t.Unit)
		}
		if t.Type == TargetTypeAudit && c.Global.Postgres.DSN == "" {
			return fmt.Errorf("config: target %q: global.postgres.dsn is required for audit targets", name)
		}
	}

	return c.checkAcyclic()
}

func validateUnit(name string, u UnitConfig) error {
	switch u.Type {
	case UnitTypeRTR, UnitTypeRTRTLS:
		if u.Remote == "" {
			return fmt.Errorf("config: unit %q: remote is required", name)
		}
	case UnitTypeJSON:
		if u.URI == "" {
			return fmt.Errorf("config: unit %q: uri is required", name)
		}
		if u.Refresh <= 0 {
			return fmt.Errorf("config: unit %q: refresh must be > 0", name)
		}
	case UnitTypeAny, UnitTypeMerge:
		if len(u.Sources) == 0 {
			return fmt.Errorf("config: unit %q: sources is required", name)
		}
	case UnitTypeSLURM:
		if u.Source == "" {
			return fmt.Errorf("config: unit %q: source is required", name)
		}
		if len(u.Files) == 0 {
			return fmt.Errorf("config: unit %q: files is required", name)
		}
	case UnitTypeKafka:
		if len(u.Brokers) == 0 {
			return fmt.Errorf("config: unit %q: brokers is required", name)
		}
		if u.Topic == "" {
			return fmt.Errorf("config: unit %q: topic is required", name)
		}
		if u.GroupID == "" {
			return fmt.Errorf("config: unit %q: group-id is required", name)
		}
	case "":
		return fmt.Errorf("config: unit %q: type is required", name)
	default:
		return fmt.Errorf("config: unit %q: unrecognized type %q", name, u.Type)
	}
	return nil
}

func validateTarget(name string, t TargetConfig) error {
	switch t.Type {
	case TargetTypeRTR, TargetTypeRTRTLS:
		if t.Listen == "" {
			return fmt.Errorf("config: target %q: listen is required", name)
		}
		if t.Type == TargetTypeRTRTLS && (t.Certificate == "" || t.Key == "") {
			return fmt.Errorf("config: target %q: certificate and key are required for rtr-tls", name)
		}
	case TargetTypeHTTP:
		if t.Path == "" {
			return fmt.Errorf("config: target %q: path is required", name)
		}
		if t.Format != "json" {
			return fmt.Errorf("config: target %q: unrecognized format %q", name, t.Format)
		}
	case TargetTypeKafka:
		if len(t.Brokers) == 0 {
			return fmt.Errorf("config: target %q: brokers is required", name)
		}
		if t.Topic == "" {
			return fmt.Errorf("config: target %q: topic is required", name)
		}
	case TargetTypeAudit:
		// HistorySize always normalized; Postgres DSN checked globally
		// in Validate once every target is known.
	case "":
		return fmt.Errorf("config: target %q: type is required", name)
	default:
		return fmt.Errorf("config: target %q: unrecognized type %q", name, t.Type)
	}
	return nil
}

// UnitDependencies returns the names of other units a unit config
// references, per its type.
func UnitDependencies(u UnitConfig) []string {
	switch u.Type {
	case UnitTypeAny, UnitTypeMerge:
		return u.Sources
	case UnitTypeSLURM:
		return []string{u.Source}
	default:
		return nil
	}
}

// checkAcyclic performs a depth-first cycle check over the unit
// dependency graph (any/merge/slurm source references).
func (c *Config) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.Unit))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("config: cyclic unit dependency: %s", strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		for _, dep := range UnitDependencies(c.Unit[name]) {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range c.Unit {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// UnitOrder returns unit names in dependency-first order: a unit never
// precedes a unit it depends on. Used by internal/manager to build
// sources before the units that consume them.
func (c *Config) UnitOrder() ([]string, error) {
	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}

	visited := make(map[string]bool, len(c.Unit))
	order := make([]string, 0, len(c.Unit))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range UnitDependencies(c.Unit[name]) {
			visit(dep)
		}
		order = append(order, name)
	}

	for name := range c.Unit {
		visit(name)
	}
	return order, nil
}
