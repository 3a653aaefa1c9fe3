package server

import (
	"github.com/route-beacon/rtr-proxy/internal/payload"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
)

// Timing defaults and minima, spec §4.2.2.
const (
	DefaultRefresh = 3600
	DefaultRetry   = 600
	DefaultExpire  = 7200

	MinRefresh = 1
	MinRetry   = 1
	MinExpire  = 600
)

// Timers holds the refresh/retry/expire values a server target
// advertises in its End-of-Data PDUs.
type Timers struct {
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

// Normalize clamps timer values to the server-imposed minima, falling
// back to the RFC defaults when the configured value is zero.
func (t Timers) Normalize() Timers {
	if t.Refresh == 0 {
		t.Refresh = DefaultRefresh
	}
	if t.Retry == 0 {
		t.Retry = DefaultRetry
	}
	if t.Expire == 0 {
		t.Expire = DefaultExpire
	}
	if t.Refresh < MinRefresh {
		t.Refresh = MinRefresh
	}
	if t.Retry < MinRetry {
		t.Retry = MinRetry
	}
	if t.Expire < MinExpire {
		t.Expire = MinExpire
	}
	return t
}

// HandleResetQuery builds the PDU sequence for a Reset Query: Cache
// Response, the full current dataset as announce PDUs, then End of Data.
func (h *History) HandleResetQuery(version uint8, timers Timers) []rtrproto.PDU {
	session, serial, p, ok := h.Current()
	if !ok {
		return nil
	}
	return fullSnapshotPDUs(version, session, serial, p, timers)
}

// HandleSerialQuery builds the PDU sequence for a Serial Query. If the
// client's (session, serial) is found in the bounded history, it returns
// the incremental diff; otherwise it returns a single Cache Reset PDU,
// prompting the client to fall back to Reset Query (testable property 8).
func (h *History) HandleSerialQuery(version uint8, clientSession uint16, clientSerial uint32, timers Timers) []rtrproto.PDU {
	session, serial, _, ok := h.Current()
	if !ok {
		return []rtrproto.PDU{rtrproto.CacheReset{}}
	}

	d, ok := h.DiffSince(clientSession, clientSerial)
	if !ok {
		return []rtrproto.PDU{rtrproto.CacheReset{}}
	}

	t := timers.Normalize()
	pdus := []rtrproto.PDU{rtrproto.CacheResponse{Session: session}}
	pdus = append(pdus, diffPDUs(version, d)...)
	pdus = append(pdus, rtrproto.EndOfData{
		Session: session, Serial: serial,
		Refresh: t.Refresh, Retry: t.Retry, Expire: t.Expire,
	})
	return pdus
}

// NotifyPDU builds the Serial Notify PDU sent to idle clients whenever
// the upstream link publishes a change.
func (h *History) NotifyPDU() (rtrproto.PDU, bool) {
	session, serial, _, ok := h.Current()
	if !ok {
		return nil, false
	}
	return rtrproto.SerialNotify{Session: session, Serial: serial}, true
}

func fullSnapshotPDUs(version uint8, session uint16, serial uint32, p payload.Payload, timers Timers) []rtrproto.PDU {
	t := timers.Normalize()
	pdus := []rtrproto.PDU{rtrproto.CacheResponse{Session: session}}
	for _, v := range p.Origins() {
		pdus = append(pdus, rtrproto.VRPToPrefixPDU(v, true))
	}
	if version >= 1 {
		for _, k := range p.RouterKeys() {
			pdus = append(pdus, rtrproto.RouterKeyPDU{Announce: true, SKI: k.SKI, ASN: k.ASN, SPKI: k.SPKI})
		}
	}
	if version >= 2 {
		for _, a := range p.ASPAs() {
			pdus = append(pdus, rtrproto.ASPAPDU{Announce: true, CustomerASN: a.CustomerASN, Providers: a.Providers})
		}
	}
	pdus = append(pdus, rtrproto.EndOfData{
		Session: session, Serial: serial,
		Refresh: t.Refresh, Retry: t.Retry, Expire: t.Expire,
	})
	return pdus
}

// diffPDUs builds the PDU sequence for a diff, omitting record kinds the
// negotiated protocol version doesn't support (router keys need v1+,
// ASPAs need v2+).
func diffPDUs(version uint8, d payload.Diff) []rtrproto.PDU {
	var pdus []rtrproto.PDU
	for _, v := range d.DelOrigins {
		pdus = append(pdus, rtrproto.VRPToPrefixPDU(v, false))
	}
	for _, v := range d.AddOrigins {
		pdus = append(pdus, rtrproto.VRPToPrefixPDU(v, true))
	}
	if version >= 1 {
		for _, k := range d.DelRouterKeys {
			pdus = append(pdus, rtrproto.RouterKeyPDU{Announce: false, SKI: k.SKI, ASN: k.ASN, SPKI: k.SPKI})
		}
		for _, k := range d.AddRouterKeys {
			pdus = append(pdus, rtrproto.RouterKeyPDU{Announce: true, SKI: k.SKI, ASN: k.ASN, SPKI: k.SPKI})
		}
	}
	if version >= 2 {
		for _, a := range d.DelASPAs {
			pdus = append(pdus, rtrproto.ASPAPDU{Announce: false, CustomerASN: a.CustomerASN, Providers: a.Providers})
		}
		for _, a := range d.AddASPAs {
			pdus = append(pdus, rtrproto.ASPAPDU{Announce: true, CustomerASN: a.CustomerASN, Providers: a.Providers})
		}
	}
	return pdus
}
