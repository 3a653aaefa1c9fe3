package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/config"
)

func writeJSONFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vrps.json")
	doc := `{"roas":[{"prefix":"192.0.2.0/24","maxLength":24,"asn":"AS64496"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	path := writeJSONFixture(t)
	return &config.Config{
		Global: config.GlobalConfig{LogLevel: "info"},
		Unit: map[string]config.UnitConfig{
			"feed": {Type: config.UnitTypeJSON, URI: "file://" + path, Refresh: 1},
		},
		Target: map[string]config.TargetConfig{
			"json": {Type: config.TargetTypeHTTP, Listen: "127.0.0.1:0", Path: "/json", Format: "json", Unit: "feed"},
		},
	}
}

func TestBuild_WiresUnitsAndTargets(t *testing.T) {
	m, err := Build(testConfig(t), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.units) != 1 || len(m.targets) != 1 {
		t.Fatalf("expected 1 unit and 1 target, got %d units and %d targets", len(m.units), len(m.targets))
	}
}

func TestBuild_UnknownUnitType(t *testing.T) {
	cfg := testConfig(t)
	cfg.Unit["feed"] = config.UnitConfig{Type: "bogus"}
	if _, err := Build(cfg, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for unrecognized unit type")
	}
}

func TestBuild_TargetReferencesUnknownUnit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target["json"] = config.TargetConfig{Type: config.TargetTypeHTTP, Listen: "127.0.0.1:0", Path: "/json", Format: "json", Unit: "ghost"}
	if _, err := Build(cfg, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for dangling unit reference")
	}
}

func TestBuild_AuditTargetWithoutPoolFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Global.Postgres.DSN = "postgres://localhost/audit"
	cfg.Target["audit"] = config.TargetConfig{Type: config.TargetTypeAudit, Unit: "feed", HistorySize: 10}
	if _, err := Build(cfg, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error building an audit target with a nil pool")
	}
}

// TestRun_StartsAndStopsCleanly builds the full unit/target graph and
// checks every component goroutine starts and exits within the grace
// period once ctx is cancelled.
func TestRun_StartsAndStopsCleanly(t *testing.T) {
	m, err := Build(testConfig(t), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation within the grace period")
	}
}

func TestSourceHealth_ReflectsUnitState(t *testing.T) {
	m, err := Build(testConfig(t), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	time.Sleep(150 * time.Millisecond)

	health := m.SourceHealth()
	if !health["feed"] {
		t.Fatalf("expected unit %q healthy after reading the fixture, got %v", "feed", health)
	}
}
