package payload

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
)

// SLURMDocument is a parsed RFC 8416 local exception file (spec §4.7,
// §6.3). ASPA filters/assertions are an extension this implementation
// accepts when present, since RFC 8416 predates ASPA.
type SLURMDocument struct {
	PrefixFilters    []PrefixFilter
	BGPsecFilters    []BGPsecFilter
	ASPAFilters      []ASPAFilter
	PrefixAssertions []VRP
	BGPsecAssertions []RouterKey
	ASPAAssertions   []ASPA
}

// PrefixFilter drops any VRP matching Prefix (containing the VRP's
// prefix, same or longer) and/or ASN; both set means conjunction.
type PrefixFilter struct {
	Prefix    *netip.Prefix
	ASN       *uint32
}

// BGPsecFilter drops any router key matching SKI and/or ASN.
type BGPsecFilter struct {
	SKI *[20]byte
	ASN *uint32
}

// ASPAFilter drops any ASPA record matching CustomerASN.
type ASPAFilter struct {
	ASN *uint32
}

type slurmJSON struct {
	SLURMVersion int `json:"slurmVersion"`
	ValidationOutputFilters struct {
		PrefixFilters []struct {
			Prefix  *string `json:"prefix"`
			ASN     *int64  `json:"asn"`
			Comment string  `json:"comment,omitempty"`
		} `json:"prefixFilters"`
		BGPsecFilters []struct {
			ASN     *int64  `json:"asn"`
			SKI     *string `json:"SKI"`
			Comment string  `json:"comment,omitempty"`
		} `json:"bgpsecFilters"`
		ASPAFilters []struct {
			ASN     *int64 `json:"asn"`
			Comment string `json:"comment,omitempty"`
		} `json:"aspaFilters,omitempty"`
	} `json:"validationOutputFilters"`
	LocallyAddedAssertions struct {
		PrefixAssertions []struct {
			Prefix          string `json:"prefix"`
			ASN             int64  `json:"asn"`
			MaxPrefixLength *uint8 `json:"maxPrefixLength"`
			Comment         string `json:"comment,omitempty"`
		} `json:"prefixAssertions"`
		BGPsecAssertions []struct {
			ASN             int64  `json:"asn"`
			SKI             string `json:"SKI"`
			RouterPublicKey string `json:"routerPublicKey"`
			Comment         string `json:"comment,omitempty"`
		} `json:"bgpsecAssertions"`
		ASPAAssertions []struct {
			CustomerASID int64   `json:"customer_asid"`
			Providers    []int64 `json:"providers"`
			Comment      string  `json:"comment,omitempty"`
		} `json:"aspaAssertions,omitempty"`
	} `json:"locallyAddedAssertions"`
}

// DecodeSLURM parses a single RFC 8416 local exception file.
func DecodeSLURM(data []byte) (SLURMDocument, error) {
	var doc slurmJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return SLURMDocument{}, fmt.Errorf("payload: decoding SLURM document: %w", err)
	}

	var out SLURMDocument
	for i, f := range doc.ValidationOutputFilters.PrefixFilters {
		var pf PrefixFilter
		if f.Prefix != nil {
			p, err := netip.ParsePrefix(*f.Prefix)
			if err != nil {
				return SLURMDocument{}, fmt.Errorf("payload: prefixFilters[%d]: invalid prefix: %w", i, err)
			}
			pf.Prefix = &p
		}
		if f.ASN != nil {
			asn := uint32(*f.ASN)
			pf.ASN = &asn
		}
		if pf.Prefix == nil && pf.ASN == nil {
			return SLURMDocument{}, fmt.Errorf("payload: prefixFilters[%d]: must specify prefix and/or asn", i)
		}
		out.PrefixFilters = append(out.PrefixFilters, pf)
	}

	for i, f := range doc.ValidationOutputFilters.BGPsecFilters {
		var bf BGPsecFilter
		if f.SKI != nil {
			ski, err := hex.DecodeString(*f.SKI)
			if err != nil || len(ski) != 20 {
				return SLURMDocument{}, fmt.Errorf("payload: bgpsecFilters[%d]: SKI must be 20 hex-encoded bytes", i)
			}
			var arr [20]byte
			copy(arr[:], ski)
			bf.SKI = &arr
		}
		if f.ASN != nil {
			asn := uint32(*f.ASN)
			bf.ASN = &asn
		}
		if bf.SKI == nil && bf.ASN == nil {
			return SLURMDocument{}, fmt.Errorf("payload: bgpsecFilters[%d]: must specify SKI and/or asn", i)
		}
		out.BGPsecFilters = append(out.BGPsecFilters, bf)
	}

	for _, f := range doc.ValidationOutputFilters.ASPAFilters {
		if f.ASN == nil {
			continue
		}
		asn := uint32(*f.ASN)
		out.ASPAFilters = append(out.ASPAFilters, ASPAFilter{ASN: &asn})
	}

	for i, a := range doc.LocallyAddedAssertions.PrefixAssertions {
		p, err := netip.ParsePrefix(a.Prefix)
		if err != nil {
			return SLURMDocument{}, fmt.Errorf("payload: prefixAssertions[%d]: invalid prefix: %w", i, err)
		}
		maxLen := uint8(p.Bits())
		if a.MaxPrefixLength != nil {
			maxLen = *a.MaxPrefixLength
		}
		out.PrefixAssertions = append(out.PrefixAssertions, VRP{
			Prefix: p, MaxLength: maxLen, OriginAS: uint32(a.ASN),
		})
	}

	for i, a := range doc.LocallyAddedAssertions.BGPsecAssertions {
		ski, err := hex.DecodeString(a.SKI)
		if err != nil || len(ski) != 20 {
			return SLURMDocument{}, fmt.Errorf("payload: bgpsecAssertions[%d]: SKI must be 20 hex-encoded bytes", i)
		}
		spki, err := base64.StdEncoding.DecodeString(a.RouterPublicKey)
		if err != nil {
			return SLURMDocument{}, fmt.Errorf("payload: bgpsecAssertions[%d]: invalid routerPublicKey: %w", i, err)
		}
		var arr [20]byte
		copy(arr[:], ski)
		out.BGPsecAssertions = append(out.BGPsecAssertions, RouterKey{SKI: arr, ASN: uint32(a.ASN), SPKI: spki})
	}

	for _, a := range doc.LocallyAddedAssertions.ASPAAssertions {
		providers := make([]uint32, len(a.Providers))
		for i, p := range a.Providers {
			providers[i] = uint32(p)
		}
		out.ASPAAssertions = append(out.ASPAAssertions, ASPA{CustomerASN: uint32(a.CustomerASID), Providers: providers})
	}

	return out, nil
}

// Apply runs the filter pass then the assertion pass over base, per spec
// §4.7. It returns the resulting payload along with the count of added
// and removed records for logging.
func (d SLURMDocument) Apply(base Payload) (result Payload, added, removed int) {
	b := NewBuilder()
	keptOrigins := 0
	for _, v := range base.Origins() {
		if d.matchesPrefixFilter(v) {
			continue
		}
		b.AddVRP(v)
		keptOrigins++
	}
	keptKeys := 0
	for _, k := range base.RouterKeys() {
		if d.matchesBGPsecFilter(k) {
			continue
		}
		b.AddRouterKey(k)
		keptKeys++
	}
	keptASPAs := 0
	for _, a := range base.ASPAs() {
		if d.matchesASPAFilter(a) {
			continue
		}
		b.AddASPA(a)
		keptASPAs++
	}

	for _, v := range d.PrefixAssertions {
		b.AddVRP(v)
	}
	for _, k := range d.BGPsecAssertions {
		b.AddRouterKey(k)
	}
	for _, a := range d.ASPAAssertions {
		b.AddASPA(a)
	}

	result = b.Build()
	removedCount := (len(base.Origins()) - keptOrigins) + (len(base.RouterKeys()) - keptKeys) + (len(base.ASPAs()) - keptASPAs)
	addedCount := result.Len() - (keptOrigins + keptKeys + keptASPAs)
	if addedCount < 0 {
		addedCount = 0
	}
	return result, addedCount, removedCount
}

func (d SLURMDocument) matchesPrefixFilter(v VRP) bool {
	for _, f := range d.PrefixFilters {
		prefixMatch := f.Prefix == nil || (f.Prefix.Contains(v.Prefix.Addr()) && v.Prefix.Bits() >= f.Prefix.Bits())
		asnMatch := f.ASN == nil || *f.ASN == v.OriginAS
		if prefixMatch && asnMatch {
			return true
		}
	}
	return false
}

func (d SLURMDocument) matchesBGPsecFilter(k RouterKey) bool {
	for _, f := range d.BGPsecFilters {
		skiMatch := f.SKI == nil || *f.SKI == k.SKI
		asnMatch := f.ASN == nil || *f.ASN == k.ASN
		if skiMatch && asnMatch {
			return true
		}
	}
	return false
}

func (d SLURMDocument) matchesASPAFilter(a ASPA) bool {
	for _, f := range d.ASPAFilters {
		if f.ASN == nil || *f.ASN == a.CustomerASN {
			return true
		}
	}
	return false
}
