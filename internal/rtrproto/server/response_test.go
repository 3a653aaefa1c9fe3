package server

import (
	"testing"

	"github.com/route-beacon/rtr-proxy/internal/payload"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
)

// TestResetQueryScenario mirrors spec scenario S1: a fresh client issuing
// Reset Query against a target that has one VRP must get Cache Response,
// one announce PDU, End of Data at serial 0.
func TestResetQueryScenario(t *testing.T) {
	h := NewHistory(10)
	p := payload.New([]payload.VRP{vrp(t, "192.0.2.0/24", 24, 64496)}, nil, nil)
	h.Update(p)

	pdus := h.HandleResetQuery(2, Timers{Refresh: 60, Retry: 30, Expire: 600})
	if len(pdus) != 3 {
		t.Fatalf("expected Cache Response + 1 prefix PDU + End of Data, got %d PDUs", len(pdus))
	}
	if _, ok := pdus[0].(rtrproto.CacheResponse); !ok {
		t.Fatalf("expected first PDU to be Cache Response, got %T", pdus[0])
	}
	prefix, ok := pdus[1].(rtrproto.IPv4Prefix)
	if !ok || !prefix.Announce {
		t.Fatalf("expected an announce IPv4 Prefix PDU, got %+v", pdus[1])
	}
	eod, ok := pdus[2].(rtrproto.EndOfData)
	if !ok || eod.Serial != 0 {
		t.Fatalf("expected End of Data at serial 0, got %+v", pdus[2])
	}
}

// TestNotifyRoundtripScenario mirrors spec scenario S2: after a
// withdrawal, Serial Query against the client's old serial must return
// the withdraw PDU and the new serial.
func TestNotifyRoundtripScenario(t *testing.T) {
	h := NewHistory(10)
	p1 := payload.New([]payload.VRP{vrp(t, "192.0.2.0/24", 24, 64496)}, nil, nil)
	h.Update(p1)
	session, serial1, _, _ := h.Current()

	p2 := payload.New(nil, nil, nil) // withdraw the only VRP
	h.Update(p2)

	if _, ok := h.NotifyPDU(); !ok {
		t.Fatalf("expected a Notify PDU to be available after a change")
	}

	pdus := h.HandleSerialQuery(2, session, serial1, Timers{Refresh: 60, Retry: 30, Expire: 600})
	if len(pdus) != 3 {
		t.Fatalf("expected Cache Response + 1 withdraw PDU + End of Data, got %d", len(pdus))
	}
	prefix, ok := pdus[1].(rtrproto.IPv4Prefix)
	if !ok || prefix.Announce {
		t.Fatalf("expected a withdraw IPv4 Prefix PDU, got %+v", pdus[1])
	}
	eod := pdus[2].(rtrproto.EndOfData)
	if eod.Serial != serial1+1 {
		t.Fatalf("expected serial to increment by 1, got %d -> %d", serial1, eod.Serial)
	}
}

func TestVersionNegotiationOmitsUnsupportedKinds(t *testing.T) {
	h := NewHistory(10)
	p := payload.New(nil, nil, []payload.ASPA{{CustomerASN: 64496, Providers: []uint32{64500}}})
	h.Update(p)

	pdus := h.HandleResetQuery(0, Timers{})
	for _, pdu := range pdus {
		if pdu.Type() == rtrproto.TypeASPA {
			t.Fatalf("version 0 must never emit ASPA PDUs")
		}
	}
}
