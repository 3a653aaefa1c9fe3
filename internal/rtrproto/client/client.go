// Package client implements the RTR client-side session state machine
// described in spec §4.2.2: version negotiation, Reset/Serial Query,
// accumulating a delta into a provisional payload, and the refresh/
// retry/expire timers from the server's End-of-Data PDU.
package client

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/route-beacon/rtr-proxy/internal/payload"
	"github.com/route-beacon/rtr-proxy/internal/rtrproto"
)

// Timers mirrors the server-advertised refresh/retry/expire triple.
type Timers struct {
	Refresh time.Duration
	Retry   time.Duration
	Expire  time.Duration
}

// Default timer values applied when a peer sends 0, spec §4.2.2.
const (
	defaultRefresh = 3600 * time.Second
	defaultRetry   = 600 * time.Second
	defaultExpire  = 7200 * time.Second
)

// Normalize substitutes the RFC defaults for any zero-valued timer, as a
// peer is permitted to send refresh/retry/expire = 0 in its End of Data.
func (t Timers) Normalize() Timers {
	if t.Refresh == 0 {
		t.Refresh = defaultRefresh
	}
	if t.Retry == 0 {
		t.Retry = defaultRetry
	}
	if t.Expire == 0 {
		t.Expire = defaultExpire
	}
	return t
}

// Session is the client's persisted state across reconnects: the
// negotiated version, the (session, serial) pair, and the last
// successfully installed payload.
type Session struct {
	HaveState  bool
	Version    uint8
	RTRSession uint16
	Serial     uint32
	Payload    payload.Payload
}

// errCacheReset signals that the server issued Cache Reset mid-exchange;
// RunOnce retries with a Reset Query on the same connection.
var errCacheReset = errors.New("rtrproto/client: cache reset received")

// ErrVersionDowngrade is returned when the peer rejects our negotiated
// version; the caller should reconnect with the next-lower version
// (testable property 4 / scenario S6).
type ErrVersionDowngrade struct {
	Rejected uint8
}

func (e *ErrVersionDowngrade) Error() string {
	return fmt.Sprintf("rtrproto/client: peer rejected protocol version %d", e.Rejected)
}

// ErrFatal wraps a protocol violation that must tear down the session.
type ErrFatal struct {
	Err error
}

func (e *ErrFatal) Error() string { return fmt.Sprintf("rtrproto/client: fatal: %v", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// RunOnce performs exactly one connect-cycle's worth of protocol exchange
// over rw: it issues Reset Query (no prior state) or Serial Query (prior
// state), reads PDUs until End of Data or a terminal condition, and
// returns the updated Session.
//
// On ErrVersionDowngrade the caller should reconnect at version-1 and
// call RunOnce again; that retry loop lives in the RTR client unit, not
// here, since it spans separate TCP connections.
func RunOnce(rw io.ReadWriter, prior Session, maxVersion uint8) (Session, Timers, error) {
	version := maxVersion
	if prior.HaveState {
		version = prior.Version
	}

	if !prior.HaveState {
		if err := rtrproto.WritePDU(rw, version, rtrproto.ResetQuery{}); err != nil {
			return prior, Timers{}, err
		}
	} else {
		if err := rtrproto.WritePDU(rw, version, rtrproto.SerialQuery{
			Session: prior.RTRSession, Serial: prior.Serial,
		}); err != nil {
			return prior, Timers{}, err
		}
	}

	next, timers, err := readUntilEndOfData(rw, version, prior)
	if err != nil {
		if errors.Is(err, errCacheReset) {
			if werr := rtrproto.WritePDU(rw, version, rtrproto.ResetQuery{}); werr != nil {
				return prior, Timers{}, werr
			}
			return readUntilEndOfData(rw, version, Session{})
		}
		return prior, Timers{}, err
	}
	return next, timers, nil
}

// exchange accumulates the add/withdraw PDUs of a single Cache
// Response..End of Data run. A Reset Query reply carries only
// announcements (isReset = true), so the add set is the entire
// resulting payload. A Serial Query reply carries both announcements
// and withdrawals, folded onto the retained base payload via
// payload.Apply.
type exchange struct {
	isReset bool
	base    payload.Payload
	d       payload.Diff
}

func readUntilEndOfData(rw io.ReadWriter, version uint8, prior Session) (Session, Timers, error) {
	ex := exchange{isReset: !prior.HaveState, base: prior.Payload}
	var session uint16
	gotCacheResponse := false

	for {
		pdu, err := rtrproto.ReadPDU(rw)
		if err != nil {
			return prior, Timers{}, err
		}

		switch v := pdu.(type) {
		case rtrproto.ErrorReport:
			if v.Code == rtrproto.ErrUnsupportedProtoVer || v.Code == rtrproto.ErrUnexpectedProtoVer {
				return prior, Timers{}, &ErrVersionDowngrade{Rejected: version}
			}
			return prior, Timers{}, &ErrFatal{Err: fmt.Errorf("peer error report: code %d: %s", v.Code, v.Text)}

		case rtrproto.CacheResponse:
			session = v.Session
			gotCacheResponse = true

		case rtrproto.CacheReset:
			return prior, Timers{}, errCacheReset

		case rtrproto.IPv4Prefix:
			ex.addVRP(v.Announce, vrpFromPrefixPDU(v.Prefix, v.PrefixLen, v.MaxLength, v.ASN))

		case rtrproto.IPv6Prefix:
			ex.addVRP(v.Announce, vrpFromPrefixPDU(v.Prefix, v.PrefixLen, v.MaxLength, v.ASN))

		case rtrproto.RouterKeyPDU:
			ex.addRouterKey(v.Announce, payload.RouterKey{SKI: v.SKI, ASN: v.ASN, SPKI: v.SPKI})

		case rtrproto.ASPAPDU:
			ex.addASPA(v.Announce, payload.ASPA{CustomerASN: v.CustomerASN, Providers: v.Providers})

		case rtrproto.EndOfData:
			if !gotCacheResponse {
				return prior, Timers{}, &ErrFatal{Err: errors.New("End of Data without a prior Cache Response")}
			}
			result := ex.result()
			timers := Timers{
				Refresh: time.Duration(v.Refresh) * time.Second,
				Retry:   time.Duration(v.Retry) * time.Second,
				Expire:  time.Duration(v.Expire) * time.Second,
			}.Normalize()
			return Session{
				HaveState: true, Version: version,
				RTRSession: session, Serial: v.Serial, Payload: result,
			}, timers, nil

		case rtrproto.SerialNotify:
			// A notify arriving mid-exchange belongs to the idle phase
			// between RunOnce calls, not inside one; ignore it here.

		default:
			return prior, Timers{}, &ErrFatal{Err: fmt.Errorf("unexpected PDU type %d mid-exchange", pdu.Type())}
		}
	}
}

func (ex *exchange) addVRP(announce bool, v payload.VRP) {
	if announce {
		ex.d.AddOrigins = append(ex.d.AddOrigins, v)
	} else {
		ex.d.DelOrigins = append(ex.d.DelOrigins, v)
	}
}

func (ex *exchange) addRouterKey(announce bool, k payload.RouterKey) {
	if announce {
		ex.d.AddRouterKeys = append(ex.d.AddRouterKeys, k)
	} else {
		ex.d.DelRouterKeys = append(ex.d.DelRouterKeys, k)
	}
}

func (ex *exchange) addASPA(announce bool, a payload.ASPA) {
	if announce {
		ex.d.AddASPAs = append(ex.d.AddASPAs, a)
	} else {
		ex.d.DelASPAs = append(ex.d.DelASPAs, a)
	}
}

// result reconstructs the payload this exchange produced: a Reset Query
// reply discards the base entirely (its adds are the whole dataset, so
// applying the diff against an empty base is equivalent and also folds
// in the (empty) withdraw set safely); a Serial Query reply applies the
// diff onto the retained base.
func (ex *exchange) result() payload.Payload {
	if ex.isReset {
		return payload.Apply(payload.Empty, ex.d)
	}
	return payload.Apply(ex.base, ex.d)
}

func vrpFromPrefixPDU(addr netip.Addr, prefixLen, maxLen uint8, asn uint32) payload.VRP {
	return payload.VRP{
		Prefix:    netip.PrefixFrom(addr, int(prefixLen)),
		MaxLength: maxLen,
		OriginAS:  asn,
	}
}
