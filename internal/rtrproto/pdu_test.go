package rtrproto

import (
	"net/netip"
	"testing"
)

func roundTrip(t *testing.T, version uint8, p PDU) PDU {
	t.Helper()
	b := p.Marshal(version)
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestIPv4PrefixRoundTrip(t *testing.T) {
	p := IPv4Prefix{
		Announce: true, PrefixLen: 24, MaxLength: 24,
		Prefix: netip.MustParseAddr("192.0.2.0"), ASN: 64496,
	}
	got := roundTrip(t, 2, p)
	gp, ok := got.(IPv4Prefix)
	if !ok {
		t.Fatalf("expected IPv4Prefix, got %T", got)
	}
	if gp != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", gp, p)
	}
}

func TestIPv6PrefixRoundTrip(t *testing.T) {
	p := IPv6Prefix{
		Announce: false, PrefixLen: 32, MaxLength: 48,
		Prefix: netip.MustParseAddr("2001:db8::"), ASN: 64497,
	}
	got := roundTrip(t, 2, p)
	gp, ok := got.(IPv6Prefix)
	if !ok {
		t.Fatalf("expected IPv6Prefix, got %T", got)
	}
	if gp != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", gp, p)
	}
}

func TestEndOfDataV0HasNoTimers(t *testing.T) {
	p := EndOfData{Session: 1, Serial: 42}
	b := p.Marshal(0)
	if len(b) != HeaderSize+4 {
		t.Fatalf("v0 End of Data should have no timer fields, got %d bytes", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.(EndOfData).Serial != 42 {
		t.Fatalf("serial mismatch")
	}
}

func TestEndOfDataV1CarriesTimers(t *testing.T) {
	p := EndOfData{Session: 1, Serial: 42, Refresh: 3600, Retry: 600, Expire: 7200}
	got := roundTrip(t, 1, p)
	if got.(EndOfData) != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestASPAWithdrawalCarriesNoProviders(t *testing.T) {
	p := ASPAPDU{Announce: false, CustomerASN: 64496, Providers: []uint32{64500, 64501}}
	b := p.Marshal(2)
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gp := got.(ASPAPDU)
	if len(gp.Providers) != 0 {
		t.Fatalf("expected withdrawal ASPA to carry no providers, got %v", gp.Providers)
	}
	if gp.CustomerASN != p.CustomerASN {
		t.Fatalf("customer ASN mismatch")
	}
}

func TestASPAAnnounceRoundTrip(t *testing.T) {
	p := ASPAPDU{Announce: true, CustomerASN: 64496, Providers: []uint32{64500, 64501}}
	got := roundTrip(t, 2, p).(ASPAPDU)
	if got.CustomerASN != p.CustomerASN || len(got.Providers) != 2 ||
		got.Providers[0] != 64500 || got.Providers[1] != 64501 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestRouterKeyRoundTrip(t *testing.T) {
	p := RouterKeyPDU{
		Announce: true,
		SKI:      [20]byte{1, 2, 3, 4, 5},
		ASN:      64496,
		SPKI:     []byte("fake-spki-bytes"),
	}
	got := roundTrip(t, 1, p).(RouterKeyPDU)
	if got.ASN != p.ASN || got.SKI != p.SKI || string(got.SPKI) != string(p.SPKI) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestErrorReportRoundTrip(t *testing.T) {
	p := ErrorReport{Code: ErrUnsupportedProtoVer, Text: "unsupported protocol version"}
	got := roundTrip(t, 0, p).(ErrorReport)
	if got.Code != p.Code || got.Text != p.Text {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	b := make([]byte, HeaderSize)
	b[1] = TypeResetQuery
	// Declare a length far beyond the maximum accepted PDU size.
	b[4], b[5], b[6], b[7] = 0x00, 0x02, 0x00, 0x00
	_, err := DecodeHeader(b)
	if err == nil {
		t.Fatalf("expected oversized declared length to be rejected")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	p := ResetQuery{}
	b := p.Marshal(2)
	b[1] = 200 // unknown type
	_, err := Decode(b)
	if err == nil {
		t.Fatalf("expected unknown PDU type to be rejected")
	}
}

func TestSerialNotifyRoundTrip(t *testing.T) {
	p := SerialNotify{Session: 0x1234, Serial: 42}
	got := roundTrip(t, 1, p).(SerialNotify)
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}
