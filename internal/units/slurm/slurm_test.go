package slurm

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/rtr-proxy/internal/comms"
	"github.com/route-beacon/rtr-proxy/internal/payload"
)

func vrp(t *testing.T, prefix string, asn uint32) payload.VRP {
	t.Helper()
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		t.Fatalf("parsing prefix: %v", err)
	}
	return payload.VRP{Prefix: p, MaxLength: uint8(p.Bits()), OriginAS: asn}
}

func writeSLURM(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing SLURM file: %v", err)
	}
	return path
}

func TestSLURMUnitAppliesAssertionsToUpstream(t *testing.T) {
	dir := t.TempDir()
	path := writeSLURM(t, dir, "exceptions.json", `{
		"slurmVersion": 1,
		"validationOutputFilters": {"prefixFilters": [], "bgpsecFilters": []},
		"locallyAddedAssertions": {
			"prefixAssertions": [{"prefix": "203.0.113.0/24", "asn": 64498, "maxPrefixLength": 24}],
			"bgpsecAssertions": []
		}
	}`)

	upstreamGate := comms.NewGate()
	u := New(Config{Files: []string{path}}, upstreamGate.NewLink(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := u.Gate().NewLink()
	go u.Run(ctx)

	upstreamGate.Publish(payload.New([]payload.VRP{vrp(t, "192.0.2.0/24", 1)}, nil, nil))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the SLURM-transformed payload")
		default:
		}
		state, err := out.Updated(ctx)
		if err != nil {
			t.Fatalf("Updated: %v", err)
		}
		if state.Payload.Len() == 2 {
			return
		}
	}
}
