package payload

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a monotonically-computed digest of a Payload's contents,
// used to decide whether a freshly produced snapshot differs from the
// last one and to derive the HTTP JSON target's ETag.
type Fingerprint [8]byte

// Payload is an immutable, de-duplicated, canonically-ordered snapshot of
// VRPs, router keys and ASPAs. Once built it is never mutated; it is
// shared by reference across every subscriber still holding it.
type Payload struct {
	origins     []VRP
	routerKeys  []RouterKey
	aspas       []ASPA
	fingerprint Fingerprint
}

// Empty is the zero-record Payload, the starting point for a Reset Query
// reply and for units that have not yet received any upstream data.
var Empty = New(nil, nil, nil)

// New builds a Payload from unsorted, possibly duplicate slices. The
// inputs are copied, sorted, de-duplicated and the fingerprint computed.
func New(origins []VRP, routerKeys []RouterKey, aspas []ASPA) Payload {
	o := append([]VRP(nil), origins...)
	sort.Slice(o, func(i, j int) bool { return o[i].compare(o[j]) < 0 })
	o = dedupVRP(o)

	k := append([]RouterKey(nil), routerKeys...)
	sort.Slice(k, func(i, j int) bool { return k[i].compare(k[j]) < 0 })
	k = dedupRouterKey(k)

	a := make([]ASPA, len(aspas))
	for i, x := range aspas {
		a[i] = x.clone()
		sort.Slice(a[i].Providers, func(p, q int) bool { return a[i].Providers[p] < a[i].Providers[q] })
	}
	sort.Slice(a, func(i, j int) bool { return a[i].compare(a[j]) < 0 })
	a = dedupASPA(a)

	p := Payload{origins: o, routerKeys: k, aspas: a}
	p.fingerprint = computeFingerprint(o, k, a)
	return p
}

func dedupVRP(s []VRP) []VRP {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v.compare(out[len(out)-1]) != 0 {
			out = append(out, v)
		}
	}
	return out
}

func dedupRouterKey(s []RouterKey) []RouterKey {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v.compare(out[len(out)-1]) != 0 {
			out = append(out, v)
		}
	}
	return out
}

func dedupASPA(s []ASPA) []ASPA {
	if len(s) == 0 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		last := out[len(out)-1]
		if v.CustomerASN == last.CustomerASN && sameProviders(v.Providers, last.Providers) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func computeFingerprint(o []VRP, k []RouterKey, a []ASPA) Fingerprint {
	h := xxhash.New()
	var buf [16]byte
	for _, v := range o {
		addr := v.Prefix.Addr().As16()
		copy(buf[:], addr[:])
		h.Write(buf[:])
		bits := byte(v.Prefix.Bits())
		h.Write([]byte{bits, v.MaxLength})
		var asn [4]byte
		binary.BigEndian.PutUint32(asn[:], v.OriginAS)
		h.Write(asn[:])
		h.Write([]byte{'\x00'})
	}
	h.Write([]byte{'\x01'})
	for _, rk := range k {
		h.Write(rk.SKI[:])
		var asn [4]byte
		binary.BigEndian.PutUint32(asn[:], rk.ASN)
		h.Write(asn[:])
		h.Write(rk.SPKI)
		h.Write([]byte{'\x00'})
	}
	h.Write([]byte{'\x02'})
	for _, as := range a {
		var asn [4]byte
		binary.BigEndian.PutUint32(asn[:], as.CustomerASN)
		h.Write(asn[:])
		for _, p := range as.Providers {
			binary.BigEndian.PutUint32(asn[:], p)
			h.Write(asn[:])
		}
		h.Write([]byte{'\x00'})
	}
	var fp Fingerprint
	binary.BigEndian.PutUint64(fp[:], h.Sum64())
	return fp
}

// Origins returns the sorted, de-duplicated VRP set. The returned slice
// must not be mutated by the caller.
func (p Payload) Origins() []VRP { return p.origins }

// RouterKeys returns the sorted, de-duplicated router-key set. The
// returned slice must not be mutated by the caller.
func (p Payload) RouterKeys() []RouterKey { return p.routerKeys }

// ASPAs returns the sorted, de-duplicated ASPA set. The returned slice
// must not be mutated by the caller.
func (p Payload) ASPAs() []ASPA { return p.aspas }

// Fingerprint returns the payload's diff fingerprint.
func (p Payload) Fingerprint() Fingerprint { return p.fingerprint }

// Equal reports whether two payloads carry the same fingerprint, i.e.
// publishing one after the other is a no-op for Snapshot idempotence
// (testable property 2).
func (p Payload) Equal(o Payload) bool { return p.fingerprint == o.fingerprint }

// Len returns the total number of records across all three kinds.
func (p Payload) Len() int { return len(p.origins) + len(p.routerKeys) + len(p.aspas) }

// Builder accumulates records in any order before producing a Payload.
// Units assemble incoming adds/withdraws into a Builder and call Build
// once a full snapshot (e.g. an RTR End-of-Data) has been accumulated.
type Builder struct {
	origins    []VRP
	routerKeys []RouterKey
	aspas      []ASPA
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddVRP appends a VRP to the builder.
func (b *Builder) AddVRP(v VRP) { b.origins = append(b.origins, v) }

// AddRouterKey appends a router key to the builder.
func (b *Builder) AddRouterKey(k RouterKey) { b.routerKeys = append(b.routerKeys, k) }

// AddASPA appends an ASPA to the builder.
func (b *Builder) AddASPA(a ASPA) { b.aspas = append(b.aspas, a) }

// Build finalizes the builder into an immutable Payload.
func (b *Builder) Build() Payload {
	return New(b.origins, b.routerKeys, b.aspas)
}
