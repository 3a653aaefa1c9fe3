// Package payload implements the immutable, snapshot-based VRP/router-key/
// ASPA set shared between units and targets.
package payload

import (
	"bytes"
	"net/netip"
)

// VRP is a single Validated ROA Payload record: an assertion that
// OriginAS may originate Prefix, for any prefix length up to MaxLength.
type VRP struct {
	Prefix    netip.Prefix
	MaxLength uint8
	OriginAS  uint32
}

// compare orders VRPs by (prefix, max-length, origin-AS), the canonical
// total order used for iteration and diffing.
func (v VRP) compare(o VRP) int {
	if c := comparePrefix(v.Prefix, o.Prefix); c != 0 {
		return c
	}
	if v.MaxLength != o.MaxLength {
		if v.MaxLength < o.MaxLength {
			return -1
		}
		return 1
	}
	if v.OriginAS != o.OriginAS {
		if v.OriginAS < o.OriginAS {
			return -1
		}
		return 1
	}
	return 0
}

func comparePrefix(a, b netip.Prefix) int {
	aa, ba := a.Addr(), b.Addr()
	if aa.Is4() != ba.Is4() {
		// IPv4 sorts before IPv6.
		if aa.Is4() {
			return -1
		}
		return 1
	}
	if c := aa.Compare(ba); c != 0 {
		return c
	}
	if a.Bits() != b.Bits() {
		if a.Bits() < b.Bits() {
			return -1
		}
		return 1
	}
	return 0
}

// RouterKey is a router-key record: the subject key identifier and
// subject-public-key-info a router presents for BGPsec, bound to an AS.
type RouterKey struct {
	SKI  [20]byte
	ASN  uint32
	SPKI []byte
}

func (k RouterKey) compare(o RouterKey) int {
	if c := bytes.Compare(k.SKI[:], o.SKI[:]); c != 0 {
		return c
	}
	if k.ASN != o.ASN {
		if k.ASN < o.ASN {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.SPKI, o.SPKI)
}

// ASPA is an Autonomous System Provider Authorization record: the set of
// providers a customer AS is authorized to route through. A withdrawal
// ASPA, used only in RTR wire form, carries an empty Providers slice.
type ASPA struct {
	CustomerASN uint32
	Providers   []uint32
}

// clone returns a deep copy so a Payload built by New does not share a
// Providers backing array with the slice its caller passed in.
func (a ASPA) clone() ASPA {
	out := ASPA{CustomerASN: a.CustomerASN}
	if len(a.Providers) > 0 {
		out.Providers = append([]uint32(nil), a.Providers...)
	}
	return out
}

func (a ASPA) compare(o ASPA) int {
	if a.CustomerASN != o.CustomerASN {
		if a.CustomerASN < o.CustomerASN {
			return -1
		}
		return 1
	}
	n := len(a.Providers)
	if len(o.Providers) < n {
		n = len(o.Providers)
	}
	for i := 0; i < n; i++ {
		if a.Providers[i] != o.Providers[i] {
			if a.Providers[i] < o.Providers[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.Providers) != len(o.Providers) {
		if len(a.Providers) < len(o.Providers) {
			return -1
		}
		return 1
	}
	return 0
}

// sameProviders reports whether two ASPAs for the same customer carry an
// identical provider list, compared element by element. Callers pass
// lists already sorted by New, which makes this a set comparison.
func sameProviders(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
