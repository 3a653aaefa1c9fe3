package payload

// Diff is the set of additions and withdrawals, per record kind, that
// transforms one Payload into another. Applying Diff(A, B) to A yields
// B (the round-trip property, testable property 1).
type Diff struct {
	AddOrigins    []VRP
	DelOrigins    []VRP
	AddRouterKeys []RouterKey
	DelRouterKeys []RouterKey
	AddASPAs      []ASPA
	DelASPAs      []ASPA
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.AddOrigins) == 0 && len(d.DelOrigins) == 0 &&
		len(d.AddRouterKeys) == 0 && len(d.DelRouterKeys) == 0 &&
		len(d.AddASPAs) == 0 && len(d.DelASPAs) == 0
}

// Records returns the total number of add/withdraw entries in the diff,
// used by metrics and the audit sink.
func (d Diff) Records() int {
	return len(d.AddOrigins) + len(d.DelOrigins) +
		len(d.AddRouterKeys) + len(d.DelRouterKeys) +
		len(d.AddASPAs) + len(d.DelASPAs)
}

// DiffPayloads computes the diff that transforms from into to. Adds and
// withdraws of the same kind never share an element.
func DiffPayloads(from, to Payload) Diff {
	var d Diff
	d.AddOrigins, d.DelOrigins = diffVRP(from.origins, to.origins)
	d.AddRouterKeys, d.DelRouterKeys = diffRouterKey(from.routerKeys, to.routerKeys)
	d.AddASPAs, d.DelASPAs = diffASPA(from.aspas, to.aspas)
	return d
}

// diffVRP walks two sorted, de-duplicated slices in lockstep, an O(n)
// merge rather than an O(n log n) map build, matching the "bounded
// O(n log n) in record count" budget even for the largest VRP sets.
func diffVRP(from, to []VRP) (add, del []VRP) {
	i, j := 0, 0
	for i < len(from) && j < len(to) {
		switch c := from[i].compare(to[j]); {
		case c < 0:
			del = append(del, from[i])
			i++
		case c > 0:
			add = append(add, to[j])
			j++
		default:
			i++
			j++
		}
	}
	del = append(del, from[i:]...)
	add = append(add, to[j:]...)
	return add, del
}

func diffRouterKey(from, to []RouterKey) (add, del []RouterKey) {
	i, j := 0, 0
	for i < len(from) && j < len(to) {
		switch c := from[i].compare(to[j]); {
		case c < 0:
			del = append(del, from[i])
			i++
		case c > 0:
			add = append(add, to[j])
			j++
		default:
			i++
			j++
		}
	}
	del = append(del, from[i:]...)
	add = append(add, to[j:]...)
	return add, del
}

func diffASPA(from, to []ASPA) (add, del []ASPA) {
	i, j := 0, 0
	for i < len(from) && j < len(to) {
		switch {
		case from[i].CustomerASN < to[j].CustomerASN:
			del = append(del, from[i])
			i++
		case from[i].CustomerASN > to[j].CustomerASN:
			add = append(add, to[j])
			j++
		case sameProviders(from[i].Providers, to[j].Providers):
			i++
			j++
		default:
			// Same customer, different provider set: withdraw the old
			// record and announce the new one, as RTR has no "update"
			// PDU for ASPA, only add/withdraw.
			del = append(del, from[i])
			add = append(add, to[j])
			i++
			j++
		}
	}
	del = append(del, from[i:]...)
	add = append(add, to[j:]...)
	return add, del
}

// Apply applies d to base and returns the resulting Payload. Used by RTR
// client units to fold incremental PDUs onto the last known snapshot, and
// by tests to verify the round-trip property.
func Apply(base Payload, d Diff) Payload {
	b := NewBuilder()

	del := make(map[VRP]bool, len(d.DelOrigins))
	for _, v := range d.DelOrigins {
		del[v] = true
	}
	for _, v := range base.origins {
		if !del[v] {
			b.AddVRP(v)
		}
	}
	for _, v := range d.AddOrigins {
		b.AddVRP(v)
	}

	delRK := make(map[routerKeyIdentity]bool, len(d.DelRouterKeys))
	for _, k := range d.DelRouterKeys {
		delRK[routerKeyMapKey(k)] = true
	}
	for _, k := range base.routerKeys {
		if !delRK[routerKeyMapKey(k)] {
			b.AddRouterKey(k)
		}
	}
	for _, k := range d.AddRouterKeys {
		b.AddRouterKey(k)
	}

	delCustomers := make(map[uint32]bool, len(d.DelASPAs))
	for _, a := range d.DelASPAs {
		delCustomers[a.CustomerASN] = true
	}
	addedCustomers := make(map[uint32]bool, len(d.AddASPAs))
	for _, a := range d.AddASPAs {
		addedCustomers[a.CustomerASN] = true
	}
	for _, a := range base.aspas {
		if delCustomers[a.CustomerASN] && !addedCustomers[a.CustomerASN] {
			continue
		}
		if addedCustomers[a.CustomerASN] {
			// Superseded below by the announced record.
			continue
		}
		b.AddASPA(a)
	}
	for _, a := range d.AddASPAs {
		b.AddASPA(a)
	}

	return b.Build()
}

// routerKeyMapKey can't use RouterKey directly as a map key because SPKI
// is a slice. A RouterKey's identity is the full (SKI, ASN, SPKI) tuple,
// matching compare() and dedupRouterKey, so SPKI must be folded in too:
// two records can legitimately share SKI+ASN while differing only in
// SPKI, and keying on SKI+ASN alone would make Apply delete both when
// only one was withdrawn.
type routerKeyIdentity struct {
	ski  [20]byte
	asn  uint32
	spki string
}

func routerKeyMapKey(k RouterKey) routerKeyIdentity {
	return routerKeyIdentity{ski: k.SKI, asn: k.ASN, spki: string(k.SPKI)}
}
