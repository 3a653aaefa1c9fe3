package payload

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parsing prefix %s: %v", s, err)
	}
	return p
}

func TestNewDedupsAndSorts(t *testing.T) {
	p := New([]VRP{
		{Prefix: mustPrefix(t, "198.51.100.0/24"), MaxLength: 24, OriginAS: 2},
		{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 1},
		{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 1}, // duplicate
	}, nil, nil)

	if len(p.Origins()) != 2 {
		t.Fatalf("expected 2 unique VRPs, got %d", len(p.Origins()))
	}
	if p.Origins()[0].OriginAS != 1 {
		t.Fatalf("expected canonical sort to put AS1/192.0.2.0 first, got %+v", p.Origins()[0])
	}
}

func TestSnapshotIdempotence(t *testing.T) {
	a := New([]VRP{{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 64496}}, nil, nil)
	b := New([]VRP{{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 64496}}, nil, nil)
	if !a.Equal(b) {
		t.Fatalf("expected identical payloads to have equal fingerprints")
	}
}

func TestDiffRoundTrip(t *testing.T) {
	a := New([]VRP{
		{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 1},
		{Prefix: mustPrefix(t, "198.51.100.0/24"), MaxLength: 24, OriginAS: 2},
	}, nil, nil)
	b := New([]VRP{
		{Prefix: mustPrefix(t, "198.51.100.0/24"), MaxLength: 24, OriginAS: 2},
		{Prefix: mustPrefix(t, "203.0.113.0/24"), MaxLength: 24, OriginAS: 3},
	}, nil, nil)

	d := DiffPayloads(a, b)
	got := Apply(a, d)
	if !got.Equal(b) {
		t.Fatalf("apply(diff(a,b), a) != b: got %v, want %v", got.Origins(), b.Origins())
	}

	// No element may appear in both the add-set and the withdraw-set.
	withdrawn := make(map[VRP]bool)
	for _, v := range d.DelOrigins {
		withdrawn[v] = true
	}
	for _, v := range d.AddOrigins {
		if withdrawn[v] {
			t.Fatalf("VRP %+v present in both add and withdraw sets", v)
		}
	}
}

func TestDiffConcatenation(t *testing.T) {
	a := New([]VRP{{Prefix: mustPrefix(t, "192.0.2.0/24"), MaxLength: 24, OriginAS: 1}}, nil, nil)
	b := New([]VRP{{Prefix: mustPrefix(t, "198.51.100.0/24"), MaxLength: 24, OriginAS: 2}}, nil, nil)
	c := New([]VRP{
		{Prefix: mustPrefix(t, "198.51.100.0/24"), MaxLength: 24, OriginAS: 2},
		{Prefix: mustPrefix(t, "203.0.113.0/24"), MaxLength: 24, OriginAS: 3},
	}, nil, nil)

	ab := DiffPayloads(a, b)
	bc := DiffPayloads(b, c)

	// Applying A->B then B->C must equal applying the direct A->C diff.
	ac := DiffPayloads(a, c)
	got := Apply(Apply(a, ab), bc)
	if !got.Equal(Apply(a, ac)) {
		t.Fatalf("concatenated diffs did not yield A->C")
	}
}

func TestASPADiffReplacesChangedProviderSet(t *testing.T) {
	a := New(nil, nil, []ASPA{{CustomerASN: 64496, Providers: []uint32{64500}}})
	b := New(nil, nil, []ASPA{{CustomerASN: 64496, Providers: []uint32{64500, 64501}}})

	d := DiffPayloads(a, b)
	if len(d.AddASPAs) != 1 || len(d.DelASPAs) != 1 {
		t.Fatalf("expected a withdraw+add pair for the changed ASPA, got add=%d del=%d", len(d.AddASPAs), len(d.DelASPAs))
	}

	got := Apply(a, d)
	if !got.Equal(b) {
		t.Fatalf("apply(diff(a,b), a) != b for ASPA change")
	}
}

func TestRouterKeyDedup(t *testing.T) {
	k := RouterKey{SKI: [20]byte{1, 2, 3}, ASN: 64496, SPKI: []byte("abc")}
	p := New(nil, []RouterKey{k, k}, nil)
	if len(p.RouterKeys()) != 1 {
		t.Fatalf("expected router keys to dedup, got %d", len(p.RouterKeys()))
	}
}

// TestRouterKeyDiffWithdrawsOnlyMatchingSPKI covers two distinct records
// sharing SKI+ASN but differing in SPKI: withdrawing one must not delete
// the other when the diff is applied.
func TestRouterKeyDiffWithdrawsOnlyMatchingSPKI(t *testing.T) {
	ski := [20]byte{1, 2, 3}
	k1 := RouterKey{SKI: ski, ASN: 64496, SPKI: []byte("key-one")}
	k2 := RouterKey{SKI: ski, ASN: 64496, SPKI: []byte("key-two")}

	base := New(nil, []RouterKey{k1, k2}, nil)
	want := New(nil, []RouterKey{k2}, nil)

	d := Diff{DelRouterKeys: []RouterKey{k1}}
	got := Apply(base, d)

	if !got.Equal(want) {
		t.Fatalf("withdrawing one of two SKI+ASN-colliding router keys removed both: got %+v, want %+v", got.RouterKeys(), want.RouterKeys())
	}
	if len(got.RouterKeys()) != 1 {
		t.Fatalf("expected exactly one router key to survive the withdraw, got %d", len(got.RouterKeys()))
	}
}
