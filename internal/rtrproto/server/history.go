// Package server implements the RTR server-side state machine: session
// and serial bookkeeping, the bounded diff history, and cache-reset
// fallback described in spec §4.2.3.
package server

import (
	"math/rand"
	"sync"

	"github.com/route-beacon/rtr-proxy/internal/payload"
)

// DefaultHistorySize is the default number of diffs retained (spec
// §6.4's target `history-size` default).
const DefaultHistorySize = 10

type historyEntry struct {
	serial uint32
	diff   payload.Diff
}

// History tracks one RTR server target's session id, serial number and
// bounded ring of diffs against the upstream link it serves. One target
// goroutine updates it; per-client connections call its query methods
// directly and concurrently, serialized by its mutex.
type History struct {
	mu          sync.Mutex
	size        int
	sessionID   uint16
	serial      uint32
	haveSession bool
	current     payload.Payload
	haveCurrent bool
	entries     []historyEntry
}

// NewHistory creates a History with the given ring capacity. A capacity
// of 0 uses DefaultHistorySize.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// randSessionID picks a random 16-bit session identifier on first
// snapshot or after a discontinuity, as spec §4.2.3 requires.
var randSessionID = func() uint16 { return uint16(rand.Intn(1 << 16)) }

// Update folds a freshly-published upstream payload into the history. It
// returns the diff that resulted (possibly empty, if the payload didn't
// actually change) and whether the publication was a no-op.
func (h *History) Update(p payload.Payload) (diff payload.Diff, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.haveSession {
		h.sessionID = randSessionID()
		h.haveSession = true
		h.current = p
		h.haveCurrent = true
		h.serial = 0
		return payload.Diff{}, true
	}

	if h.current.Equal(p) {
		return payload.Diff{}, false
	}

	d := payload.DiffPayloads(h.current, p)
	h.serial++
	h.entries = append(h.entries, historyEntry{serial: h.serial, diff: d})
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
	h.current = p
	return d, true
}

// Discontinue forces a brand-new session (new random id, serial reset to
// 0) because the upstream link reported a discontinuity that cannot be
// expressed as a diff (e.g. a cache-reset-only source switch).
func (h *History) Discontinue(p payload.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = randSessionID()
	h.serial = 0
	h.entries = nil
	h.current = p
	h.haveCurrent = true
	h.haveSession = true
}

// Current returns the session id, serial and current payload.
func (h *History) Current() (session uint16, serial uint32, p payload.Payload, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, h.serial, h.current, h.haveCurrent
}

// DiffSince returns the concatenated diff that brings a client at
// (clientSession, clientSerial) up to the current serial. ok is false
// when the client's session doesn't match, or its serial has fallen off
// the bounded history — in both cases the caller must issue Cache Reset
// before any data PDU, per testable property 8.
func (h *History) DiffSince(clientSession uint16, clientSerial uint32) (payload.Diff, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.haveSession || clientSession != h.sessionID {
		return payload.Diff{}, false
	}
	if clientSerial == h.serial {
		return payload.Diff{}, true
	}
	if len(h.entries) == 0 {
		return payload.Diff{}, false
	}

	baseline := h.entries[0].serial - 1
	if clientSerial < baseline || clientSerial > h.serial {
		return payload.Diff{}, false
	}

	var merged payload.Diff
	for _, e := range h.entries {
		if e.serial <= clientSerial {
			continue
		}
		merged = concatDiff(merged, e.diff)
	}
	return merged, true
}

// concatDiff concatenates diff A->B and B->C into A->C, cancelling
// identical add/withdraw pairs, per spec §3.3.
func concatDiff(first, second payload.Diff) payload.Diff {
	var out payload.Diff
	out.AddOrigins, out.DelOrigins = mergeVRP(first.AddOrigins, first.DelOrigins, second.AddOrigins, second.DelOrigins)
	out.AddRouterKeys, out.DelRouterKeys = mergeRouterKey(first.AddRouterKeys, first.DelRouterKeys, second.AddRouterKeys, second.DelRouterKeys)
	out.AddASPAs, out.DelASPAs = mergeASPA(first.AddASPAs, first.DelASPAs, second.AddASPAs, second.DelASPAs)
	return out
}

func mergeVRP(add1, del1, add2, del2 []payload.VRP) (add, del []payload.VRP) {
	pending := make(map[payload.VRP]int8, len(add1)+len(add2))
	order := make([]payload.VRP, 0, len(add1)+len(add2))
	apply := func(v payload.VRP, sign int8) {
		if _, ok := pending[v]; !ok {
			order = append(order, v)
		}
		pending[v] += sign
	}
	for _, v := range add1 {
		apply(v, 1)
	}
	for _, v := range del1 {
		apply(v, -1)
	}
	for _, v := range add2 {
		apply(v, 1)
	}
	for _, v := range del2 {
		apply(v, -1)
	}
	for _, v := range order {
		switch pending[v] {
		case 1:
			add = append(add, v)
		case -1:
			del = append(del, v)
		}
	}
	return add, del
}

func mergeRouterKey(add1, del1, add2, del2 []payload.RouterKey) (add, del []payload.RouterKey) {
	type id struct {
		ski  [20]byte
		asn  uint32
		spki string
	}
	keyOf := func(k payload.RouterKey) id { return id{k.SKI, k.ASN, string(k.SPKI)} }
	pending := make(map[id]int8)
	values := make(map[id]payload.RouterKey)
	var order []id
	apply := func(k payload.RouterKey, sign int8) {
		i := keyOf(k)
		if _, ok := pending[i]; !ok {
			order = append(order, i)
		}
		pending[i] += sign
		values[i] = k
	}
	for _, k := range add1 {
		apply(k, 1)
	}
	for _, k := range del1 {
		apply(k, -1)
	}
	for _, k := range add2 {
		apply(k, 1)
	}
	for _, k := range del2 {
		apply(k, -1)
	}
	for _, i := range order {
		switch pending[i] {
		case 1:
			add = append(add, values[i])
		case -1:
			del = append(del, values[i])
		}
	}
	return add, del
}

// aspaKey identifies an ASPA record by its full value (customer AND
// provider set), not just the customer AS: two diffs that both touch the
// same customer with different provider sets must not cancel each other
// out, only an identical add/withdraw pair may.
type aspaKey struct {
	customer  uint32
	providers string
}

func keyOfASPA(a payload.ASPA) aspaKey {
	var sb []byte
	for _, p := range a.Providers {
		sb = append(sb, byte(p>>24), byte(p>>16), byte(p>>8), byte(p))
	}
	return aspaKey{customer: a.CustomerASN, providers: string(sb)}
}

func mergeASPA(add1, del1, add2, del2 []payload.ASPA) (add, del []payload.ASPA) {
	pending := make(map[aspaKey]int8)
	values := make(map[aspaKey]payload.ASPA)
	var order []aspaKey
	apply := func(a payload.ASPA, sign int8) {
		k := keyOfASPA(a)
		if _, ok := pending[k]; !ok {
			order = append(order, k)
		}
		pending[k] += sign
		values[k] = a
	}
	for _, a := range add1 {
		apply(a, 1)
	}
	for _, a := range del1 {
		apply(a, -1)
	}
	for _, a := range add2 {
		apply(a, 1)
	}
	for _, a := range del2 {
		apply(a, -1)
	}
	for _, k := range order {
		switch pending[k] {
		case 1:
			add = append(add, values[k])
		case -1:
			del = append(del, values[k])
		}
	}
	return add, del
}
