package config

import "testing"

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			HTTPListen: []string{":8080"},
			LogLevel:   "info",
		},
		Unit: map[string]UnitConfig{
			"primary": {Type: UnitTypeRTR, Remote: "rtr.example.net:323", Retry: 60},
		},
		Target: map[string]TargetConfig{
			"cache": {Type: TargetTypeRTR, Listen: ":8323", Unit: "primary", HistorySize: 10},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_RTRUnitMissingRemote(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["primary"] = UnitConfig{Type: UnitTypeRTR}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing remote")
	}
}

func TestValidate_JSONUnitMissingRefresh(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["feed"] = UnitConfig{Type: UnitTypeJSON, URI: "https://example.net/vrps.json"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing refresh")
	}
}

func TestValidate_AnyUnitMissingSources(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["fo"] = UnitConfig{Type: UnitTypeAny}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing sources")
	}
}

func TestValidate_TargetMissingListen(t *testing.T) {
	cfg := validConfig()
	cfg.Target["cache"] = TargetConfig{Type: TargetTypeRTR, Unit: "primary"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing listen")
	}
}

func TestValidate_TargetUnknownUnit(t *testing.T) {
	cfg := validConfig()
	cfg.Target["cache"] = TargetConfig{Type: TargetTypeRTR, Listen: ":8323", Unit: "missing"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dangling unit reference")
	}
}

func TestValidate_UnitUnknownSource(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["fo"] = UnitConfig{Type: UnitTypeAny, Sources: []string{"ghost"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dangling source reference")
	}
}

func TestValidate_CyclicUnitDependency(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["a"] = UnitConfig{Type: UnitTypeAny, Sources: []string{"b"}}
	cfg.Unit["b"] = UnitConfig{Type: UnitTypeAny, Sources: []string{"a"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cyclic unit dependency")
	}
}

func TestValidate_RTRTLSTargetRequiresCertificate(t *testing.T) {
	cfg := validConfig()
	cfg.Target["cache"] = TargetConfig{Type: TargetTypeRTRTLS, Listen: ":8323", Unit: "primary"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for rtr-tls target missing certificate/key")
	}
}

func TestValidate_HTTPTargetValid(t *testing.T) {
	cfg := validConfig()
	cfg.Target["json"] = TargetConfig{Type: TargetTypeHTTP, Path: "/json", Format: "json", Unit: "primary"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid http target, got error: %v", err)
	}
}

func TestValidate_KafkaUnitMissingGroupID(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["feed"] = UnitConfig{Type: UnitTypeKafka, Brokers: []string{"localhost:9092"}, Topic: "vrps"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing group-id")
	}
}

func TestUnitOrder_DependenciesPrecedeDependents(t *testing.T) {
	cfg := validConfig()
	cfg.Unit["fo"] = UnitConfig{Type: UnitTypeAny, Sources: []string{"primary"}}

	order, err := cfg.UnitOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["primary"] >= pos["fo"] {
		t.Fatalf("expected primary before fo, got order %v", order)
	}
}

func TestValidate_AuditTargetRequiresGlobalPostgresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Target["audit"] = TargetConfig{Type: TargetTypeAudit, Unit: "primary", HistorySize: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing global.postgres.dsn")
	}

	cfg.Global.Postgres.DSN = "postgres://localhost/audit"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with dsn set, got error: %v", err)
	}
}
