// Package rtrproto implements RFC 6810/8210/8210bis PDU framing and
// encoding, shared between the RTR client and server state machines. It
// does not itself run a connection; it only turns bytes into typed PDUs
// and back.
package rtrproto

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/route-beacon/rtr-proxy/internal/payload"
)

// PDU type codes (RFC 8210bis).
const (
	TypeSerialNotify uint8 = 0
	TypeSerialQuery  uint8 = 1
	TypeResetQuery   uint8 = 2
	TypeCacheResp    uint8 = 3
	TypeIPv4Prefix   uint8 = 4
	TypeIPv6Prefix   uint8 = 6
	TypeEndOfData    uint8 = 7
	TypeCacheReset   uint8 = 8
	TypeRouterKey    uint8 = 9
	TypeErrorReport  uint8 = 10
	TypeASPA         uint8 = 11
)

// PDU header size: version(1) type(1) session-or-reserved(2) length(4).
const HeaderSize = 8

// MaxPDULength is the default safe ceiling on an accepted PDU; oversized
// PDUs cause the connection to be torn down with an Error Report.
const MaxPDULength = 64 * 1024

// Flag bit within a data PDU's flags byte: 1 = announce, 0 = withdraw.
const FlagAnnounce = 0x01

// Error Report codes used by this implementation.
const (
	ErrCorruptData           uint16 = 0
	ErrInternalError         uint16 = 1
	ErrNoDataAvailable       uint16 = 2
	ErrInvalidRequest        uint16 = 3
	ErrUnsupportedProtoVer   uint16 = 4
	ErrUnsupportedPDUType    uint16 = 5
	ErrWithdrawalUnknown     uint16 = 6
	ErrDuplicateAnnouncement uint16 = 7
	ErrUnexpectedProtoVer    uint16 = 8
)

// MaxVersion is the highest protocol version this implementation speaks.
const MaxVersion uint8 = 2

// PDU is a single decoded RTR protocol message.
type PDU interface {
	// Type returns the PDU's wire type code.
	Type() uint8
	// Marshal encodes the PDU using the given protocol version.
	Marshal(version uint8) []byte
}

// SerialNotify announces that new data is available at Serial.
type SerialNotify struct {
	Session uint16
	Serial  uint32
}

func (p SerialNotify) Type() uint8 { return TypeSerialNotify }
func (p SerialNotify) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize+4)
	b[0] = version
	b[1] = TypeSerialNotify
	binary.BigEndian.PutUint16(b[2:4], p.Session)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	return b
}

// SerialQuery requests the delta since (Session, Serial).
type SerialQuery struct {
	Session uint16
	Serial  uint32
}

func (p SerialQuery) Type() uint8 { return TypeSerialQuery }
func (p SerialQuery) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize+4)
	b[0] = version
	b[1] = TypeSerialQuery
	binary.BigEndian.PutUint16(b[2:4], p.Session)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	return b
}

// ResetQuery requests the full current dataset.
type ResetQuery struct{}

func (p ResetQuery) Type() uint8 { return TypeResetQuery }
func (p ResetQuery) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize)
	b[0] = version
	b[1] = TypeResetQuery
	binary.BigEndian.PutUint32(b[4:8], HeaderSize)
	return b
}

// CacheResponse opens a serial or reset delta.
type CacheResponse struct {
	Session uint16
}

func (p CacheResponse) Type() uint8 { return TypeCacheResp }
func (p CacheResponse) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize)
	b[0] = version
	b[1] = TypeCacheResp
	binary.BigEndian.PutUint16(b[2:4], p.Session)
	binary.BigEndian.PutUint32(b[4:8], HeaderSize)
	return b
}

// IPv4Prefix is an add/withdraw PDU for a VRP over IPv4. Prefix PDUs are
// always fixed-length, carrying a full address field regardless of AFI.
type IPv4Prefix struct {
	Announce  bool
	PrefixLen uint8
	MaxLength uint8
	Prefix    netip.Addr // 4-byte
	ASN       uint32
}

func (p IPv4Prefix) Type() uint8 { return TypeIPv4Prefix }
func (p IPv4Prefix) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize+12)
	b[0] = version
	b[1] = TypeIPv4Prefix
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	if p.Announce {
		b[8] = FlagAnnounce
	}
	b[9] = p.PrefixLen
	b[10] = p.MaxLength
	addr4 := p.Prefix.As4()
	copy(b[12:16], addr4[:])
	binary.BigEndian.PutUint32(b[16:20], p.ASN)
	return b
}

// IPv6Prefix is an add/withdraw PDU for a VRP over IPv6.
type IPv6Prefix struct {
	Announce  bool
	PrefixLen uint8
	MaxLength uint8
	Prefix    netip.Addr // 16-byte
	ASN       uint32
}

func (p IPv6Prefix) Type() uint8 { return TypeIPv6Prefix }
func (p IPv6Prefix) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize+24)
	b[0] = version
	b[1] = TypeIPv6Prefix
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	if p.Announce {
		b[8] = FlagAnnounce
	}
	b[9] = p.PrefixLen
	b[10] = p.MaxLength
	addr16 := p.Prefix.As16()
	copy(b[12:28], addr16[:])
	binary.BigEndian.PutUint32(b[28:32], p.ASN)
	return b
}

// VRPToPrefixPDU converts a payload.VRP plus an announce flag into the
// appropriate fixed-length prefix PDU for its address family.
func VRPToPrefixPDU(v payload.VRP, announce bool) PDU {
	addr := v.Prefix.Addr()
	if addr.Is4() {
		return IPv4Prefix{
			Announce: announce, PrefixLen: uint8(v.Prefix.Bits()),
			MaxLength: v.MaxLength, Prefix: addr, ASN: v.OriginAS,
		}
	}
	return IPv6Prefix{
		Announce: announce, PrefixLen: uint8(v.Prefix.Bits()),
		MaxLength: v.MaxLength, Prefix: addr, ASN: v.OriginAS,
	}
}

// RouterKeyPDU is an add/withdraw PDU for a router key (v1+).
type RouterKeyPDU struct {
	Announce bool
	SKI      [20]byte
	ASN      uint32
	SPKI     []byte
}

func (p RouterKeyPDU) Type() uint8 { return TypeRouterKey }
func (p RouterKeyPDU) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize+24+len(p.SPKI))
	b[0] = version
	b[1] = TypeRouterKey
	if p.Announce {
		b[2] = FlagAnnounce
	}
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	copy(b[8:28], p.SKI[:])
	binary.BigEndian.PutUint32(b[28:32], p.ASN)
	copy(b[32:], p.SPKI)
	return b
}

// ASPAPDU is an add/withdraw PDU for an ASPA record (v2+). A withdrawal
// carries no provider list.
type ASPAPDU struct {
	Announce    bool
	CustomerASN uint32
	Providers   []uint32
}

func (p ASPAPDU) Type() uint8 { return TypeASPA }
func (p ASPAPDU) Marshal(version uint8) []byte {
	n := len(p.Providers)
	if !p.Announce {
		n = 0
	}
	b := make([]byte, HeaderSize+8+4*n)
	b[0] = version
	b[1] = TypeASPA
	flags := byte(0)
	if p.Announce {
		flags = FlagAnnounce
	}
	b[8] = flags
	binary.BigEndian.PutUint16(b[10:12], uint16(n))
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.BigEndian.PutUint32(b[12:16], p.CustomerASN)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint32(b[16+4*i:20+4*i], p.Providers[i])
	}
	return b
}

// EndOfData commits a serial delta, carrying the timers the client must
// honor until its next refresh.
type EndOfData struct {
	Session uint16
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

func (p EndOfData) Type() uint8 { return TypeEndOfData }
func (p EndOfData) Marshal(version uint8) []byte {
	if version == 0 {
		b := make([]byte, HeaderSize+4)
		b[0] = version
		b[1] = TypeEndOfData
		binary.BigEndian.PutUint16(b[2:4], p.Session)
		binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
		binary.BigEndian.PutUint32(b[8:12], p.Serial)
		return b
	}
	b := make([]byte, HeaderSize+16)
	b[0] = version
	b[1] = TypeEndOfData
	binary.BigEndian.PutUint16(b[2:4], p.Session)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	binary.BigEndian.PutUint32(b[12:16], p.Refresh)
	binary.BigEndian.PutUint32(b[16:20], p.Retry)
	binary.BigEndian.PutUint32(b[20:24], p.Expire)
	return b
}

// CacheReset tells the client its serial is stale; a Reset Query must
// follow.
type CacheReset struct{}

func (p CacheReset) Type() uint8 { return TypeCacheReset }
func (p CacheReset) Marshal(version uint8) []byte {
	b := make([]byte, HeaderSize)
	b[0] = version
	b[1] = TypeCacheReset
	binary.BigEndian.PutUint32(b[4:8], HeaderSize)
	return b
}

// ErrorReport is a fatal error PDU, sent by either side. A version
// mismatch in the received PDU's own version field is always reported
// version-0 framed; otherwise it mirrors the connection's negotiated
// version.
type ErrorReport struct {
	Code        uint16
	ErroneousPDU []byte
	Text        string
}

func (p ErrorReport) Type() uint8 { return TypeErrorReport }
func (p ErrorReport) Marshal(version uint8) []byte {
	textBytes := []byte(p.Text)
	body := 4 + 4 + len(p.ErroneousPDU) + 4 + len(textBytes)
	b := make([]byte, HeaderSize+body)
	b[0] = version
	b[1] = TypeErrorReport
	binary.BigEndian.PutUint16(b[2:4], p.Code)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	off := HeaderSize
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(p.ErroneousPDU)))
	off += 4
	copy(b[off:], p.ErroneousPDU)
	off += len(p.ErroneousPDU)
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(textBytes)))
	off += 4
	copy(b[off:], textBytes)
	return b
}

// Error is a protocol violation detected while decoding: unknown PDU
// type, length mismatch, or an oversized PDU. Fatal: the session is torn
// down. The RTR server target first answers with an ErrorReport carrying
// Code; the RTR client closes the connection without sending one.
type Error struct {
	Code uint16
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("rtrproto: %s (code %d)", e.Msg, e.Code) }

// DecodeHeader reads the 8-byte PDU header without consuming the body,
// returning (version, type, session-or-reserved, total length).
func DecodeHeader(b []byte) (version, pduType uint8, session uint16, length uint32, err error) {
	if len(b) < HeaderSize {
		return 0, 0, 0, 0, &Error{Code: ErrCorruptData, Msg: "PDU shorter than header"}
	}
	version = b[0]
	pduType = b[1]
	session = binary.BigEndian.Uint16(b[2:4])
	length = binary.BigEndian.Uint32(b[4:8])
	if length < HeaderSize {
		return version, pduType, session, length, &Error{Code: ErrCorruptData, Msg: "declared length shorter than header"}
	}
	if length > MaxPDULength {
		return version, pduType, session, length, &Error{Code: ErrCorruptData, Msg: "PDU exceeds maximum accepted length"}
	}
	return version, pduType, session, length, nil
}

// Decode parses a complete PDU (b must be exactly `length` bytes, as
// reported by DecodeHeader) into a typed PDU value.
func Decode(b []byte) (PDU, error) {
	version, pduType, session, length, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) != length {
		return nil, &Error{Code: ErrCorruptData, Msg: "PDU body does not match declared length"}
	}

	switch pduType {
	case TypeSerialNotify:
		if length != HeaderSize+4 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Serial Notify"}
		}
		return SerialNotify{Session: session, Serial: binary.BigEndian.Uint32(b[8:12])}, nil
	case TypeSerialQuery:
		if length != HeaderSize+4 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Serial Query"}
		}
		return SerialQuery{Session: session, Serial: binary.BigEndian.Uint32(b[8:12])}, nil
	case TypeResetQuery:
		return ResetQuery{}, nil
	case TypeCacheResp:
		return CacheResponse{Session: session}, nil
	case TypeIPv4Prefix:
		if length != HeaderSize+12 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed IPv4 Prefix PDU"}
		}
		var addr [4]byte
		copy(addr[:], b[12:16])
		return IPv4Prefix{
			Announce:  b[8]&FlagAnnounce != 0,
			PrefixLen: b[9],
			MaxLength: b[10],
			Prefix:    netip.AddrFrom4(addr),
			ASN:       binary.BigEndian.Uint32(b[16:20]),
		}, nil
	case TypeIPv6Prefix:
		if length != HeaderSize+24 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed IPv6 Prefix PDU"}
		}
		var addr [16]byte
		copy(addr[:], b[12:28])
		return IPv6Prefix{
			Announce:  b[8]&FlagAnnounce != 0,
			PrefixLen: b[9],
			MaxLength: b[10],
			Prefix:    netip.AddrFrom16(addr),
			ASN:       binary.BigEndian.Uint32(b[28:32]),
		}, nil
	case TypeEndOfData:
		if version == 0 {
			if length != HeaderSize+4 {
				return nil, &Error{Code: ErrCorruptData, Msg: "malformed v0 End of Data"}
			}
			return EndOfData{Session: session, Serial: binary.BigEndian.Uint32(b[8:12])}, nil
		}
		if length != HeaderSize+16 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed End of Data"}
		}
		return EndOfData{
			Session: session,
			Serial:  binary.BigEndian.Uint32(b[8:12]),
			Refresh: binary.BigEndian.Uint32(b[12:16]),
			Retry:   binary.BigEndian.Uint32(b[16:20]),
			Expire:  binary.BigEndian.Uint32(b[20:24]),
		}, nil
	case TypeCacheReset:
		return CacheReset{}, nil
	case TypeRouterKey:
		if length < HeaderSize+24 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Router Key PDU"}
		}
		var ski [20]byte
		copy(ski[:], b[8:28])
		spki := append([]byte(nil), b[32:length]...)
		return RouterKeyPDU{
			Announce: b[2]&FlagAnnounce != 0,
			SKI:      ski,
			ASN:      binary.BigEndian.Uint32(b[28:32]),
			SPKI:     spki,
		}, nil
	case TypeASPA:
		if length < HeaderSize+8 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed ASPA PDU"}
		}
		n := binary.BigEndian.Uint16(b[10:12])
		if uint32(HeaderSize+8+4*int(n)) != length {
			return nil, &Error{Code: ErrCorruptData, Msg: "ASPA PDU provider count does not match length"}
		}
		providers := make([]uint32, n)
		for i := 0; i < int(n); i++ {
			providers[i] = binary.BigEndian.Uint32(b[16+4*i : 20+4*i])
		}
		return ASPAPDU{
			Announce:    b[8]&FlagAnnounce != 0,
			CustomerASN: binary.BigEndian.Uint32(b[12:16]),
			Providers:   providers,
		}, nil
	case TypeErrorReport:
		if length < HeaderSize+8 {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Error Report"}
		}
		off := HeaderSize
		pduLen := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		if uint32(off)+pduLen+4 > length {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Error Report PDU length"}
		}
		erroneous := append([]byte(nil), b[off:off+int(pduLen)]...)
		off += int(pduLen)
		textLen := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		if uint32(off)+textLen != length {
			return nil, &Error{Code: ErrCorruptData, Msg: "malformed Error Report text length"}
		}
		text := string(b[off : off+int(textLen)])
		return ErrorReport{Code: session, ErroneousPDU: erroneous, Text: text}, nil
	default:
		return nil, &Error{Code: ErrUnsupportedPDUType, Msg: fmt.Sprintf("unknown PDU type %d", pduType)}
	}
}
