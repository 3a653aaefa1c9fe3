package payload

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// jsonDocument mirrors the wire JSON schema, spec §6.2: a top-level
// object with a mandatory roas array and optional routerKeys/aspas
// (legacy aspas spellings are accepted on input, never produced on
// output). metadata is accepted and ignored.
type jsonDocument struct {
	ROAs       []jsonROA       `json:"roas"`
	RouterKeys []jsonRouterKey `json:"routerKeys,omitempty"`
	BGPsecKeys []jsonRouterKey `json:"bgpsecKeys,omitempty"`
	ASPAs      []jsonASPA      `json:"aspas,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type jsonROA struct {
	Prefix    string          `json:"prefix"`
	MaxLength uint8           `json:"maxLength"`
	ASN       json.RawMessage `json:"asn"`
}

type jsonRouterKey struct {
	SKI  string `json:"SKI"`
	ASN  uint32 `json:"ASN"`
	SPKI string `json:"SPKI"`
}

// jsonASPA accepts both the current field names and the legacy
// customerAsid/providerAsids spelling on input.
type jsonASPA struct {
	CustomerASID    json.RawMessage   `json:"customer_asid,omitempty"`
	Providers       []json.RawMessage `json:"providers,omitempty"`
	LegacyCustomer  json.RawMessage   `json:"customerAsid,omitempty"`
	LegacyProviders []json.RawMessage `json:"providerAsids,omitempty"`
}

// DecodeJSON parses the spec §6.2 wire format into a Payload.
func DecodeJSON(data []byte) (Payload, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Payload{}, fmt.Errorf("payload: decoding JSON document: %w", err)
	}

	origins := make([]VRP, 0, len(doc.ROAs))
	for i, r := range doc.ROAs {
		prefix, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return Payload{}, fmt.Errorf("payload: roas[%d]: invalid prefix %q: %w", i, r.Prefix, err)
		}
		asn, err := decodeASN(r.ASN)
		if err != nil {
			return Payload{}, fmt.Errorf("payload: roas[%d]: %w", i, err)
		}
		origins = append(origins, VRP{Prefix: prefix, MaxLength: r.MaxLength, OriginAS: asn})
	}

	routerKeys := make([]RouterKey, 0, len(doc.RouterKeys)+len(doc.BGPsecKeys))
	for _, src := range [][]jsonRouterKey{doc.RouterKeys, doc.BGPsecKeys} {
		for i, k := range src {
			ski, err := hex.DecodeString(k.SKI)
			if err != nil || len(ski) != 20 {
				return Payload{}, fmt.Errorf("payload: routerKeys[%d]: SKI must be 20 hex-encoded bytes", i)
			}
			spki, err := base64.StdEncoding.DecodeString(k.SPKI)
			if err != nil {
				return Payload{}, fmt.Errorf("payload: routerKeys[%d]: invalid base64 SPKI: %w", i, err)
			}
			var skiArr [20]byte
			copy(skiArr[:], ski)
			routerKeys = append(routerKeys, RouterKey{SKI: skiArr, ASN: k.ASN, SPKI: spki})
		}
	}

	aspas := make([]ASPA, 0, len(doc.ASPAs))
	for i, a := range doc.ASPAs {
		customerRaw := a.CustomerASID
		providersRaw := a.Providers
		if len(customerRaw) == 0 {
			customerRaw = a.LegacyCustomer
		}
		if len(providersRaw) == 0 {
			providersRaw = a.LegacyProviders
		}
		customer, err := decodeASN(customerRaw)
		if err != nil {
			return Payload{}, fmt.Errorf("payload: aspas[%d]: customer: %w", i, err)
		}
		providers := make([]uint32, 0, len(providersRaw))
		for _, p := range providersRaw {
			asn, err := decodeASN(p)
			if err != nil {
				return Payload{}, fmt.Errorf("payload: aspas[%d]: provider: %w", i, err)
			}
			providers = append(providers, asn)
		}
		aspas = append(aspas, ASPA{CustomerASN: customer, Providers: providers})
	}

	return New(origins, routerKeys, aspas), nil
}

// decodeASN accepts either a JSON number or an "ASnnn" string
// (case-insensitive), per spec §6.2.
func decodeASN(raw json.RawMessage) (uint32, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, fmt.Errorf("missing ASN")
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, fmt.Errorf("invalid ASN string: %w", err)
		}
		str = strings.TrimSpace(str)
		if len(str) >= 2 && strings.EqualFold(str[:2], "AS") {
			str = str[2:]
		}
		n, err := strconv.ParseUint(str, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid ASN %q: %w", str, err)
		}
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ASN %q: %w", s, err)
	}
	return uint32(n), nil
}

// EncodeJSON renders p in the spec §6.2 output shape: ASNs as decimal
// integers, prefixes in canonical (lowercase, compressed) form.
func EncodeJSON(p Payload) ([]byte, error) {
	doc := struct {
		ROAs       []outROA       `json:"roas"`
		RouterKeys []outRouterKey `json:"routerKeys,omitempty"`
		ASPAs      []outASPA      `json:"aspas,omitempty"`
	}{}

	for _, v := range p.Origins() {
		doc.ROAs = append(doc.ROAs, outROA{
			Prefix:    v.Prefix.String(),
			MaxLength: v.MaxLength,
			ASN:       v.OriginAS,
		})
	}
	for _, k := range p.RouterKeys() {
		doc.RouterKeys = append(doc.RouterKeys, outRouterKey{
			SKI:  hex.EncodeToString(k.SKI[:]),
			ASN:  k.ASN,
			SPKI: base64.StdEncoding.EncodeToString(k.SPKI),
		})
	}
	for _, a := range p.ASPAs() {
		doc.ASPAs = append(doc.ASPAs, outASPA{CustomerASID: a.CustomerASN, Providers: a.Providers})
	}

	return json.Marshal(doc)
}

type outROA struct {
	Prefix    string `json:"prefix"`
	MaxLength uint8  `json:"maxLength"`
	ASN       uint32 `json:"asn"`
}

type outRouterKey struct {
	SKI  string `json:"SKI"`
	ASN  uint32 `json:"ASN"`
	SPKI string `json:"SPKI"`
}

type outASPA struct {
	CustomerASID uint32   `json:"customer_asid"`
	Providers    []uint32 `json:"providers"`
}
