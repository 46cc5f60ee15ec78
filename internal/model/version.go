package model

import "sort"

// Version is a per-source position: "after N committed transactions". Versions
// of one source are strictly increasing; versions of different sources are not
// comparable.
type Version int64

// VersionOpen is the sentinel for an unbounded range end. As a range start it
// means "from the beginning of retained history".
const VersionOpen Version = -1

// OtherSources is the wildcard bucket in a FullVersionRange that applies to
// every source not named explicitly.
const OtherSources = "_other"

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v < o:
		return -1
	case v > o:
		return 1
	default:
		return 0
	}
}

// FullVersion maps a source to the version known for it. A missing source is
// "unknown".
type FullVersion map[string]Version

// Clone returns a copy of the map.
func (fv FullVersion) Clone() FullVersion {
	out := make(FullVersion, len(fv))
	for s, v := range fv {
		out[s] = v
	}
	return out
}

// Get returns the version for source, if known.
func (fv FullVersion) Get(source string) (Version, bool) {
	v, ok := fv[source]
	return v, ok
}

// Merge folds other into fv, keeping the later version per source.
func (fv FullVersion) Merge(other FullVersion) FullVersion {
	for s, v := range other {
		if cur, ok := fv[s]; !ok || v > cur {
			fv[s] = v
		}
	}
	return fv
}

// Covers reports whether fv is at or after other for every source other names.
func (fv FullVersion) Covers(other FullVersion) bool {
	for s, v := range other {
		cur, ok := fv[s]
		if !ok || cur < v {
			return false
		}
	}
	return true
}

// Sources returns the named sources in lexicographic order.
func (fv FullVersion) Sources() []string {
	out := make([]string, 0, len(fv))
	for s := range fv {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// VersionRange is the half-open span (From, To] of transactions moving data
// from version From to version To.
type VersionRange struct {
	From Version `json:"from"`
	To   Version `json:"to"`
}

// Contains reports whether the transaction producing version v lies inside the range.
func (r VersionRange) Contains(v Version) bool {
	if r.From != VersionOpen && v <= r.From {
		return false
	}
	return r.To == VersionOpen || v <= r.To
}

// Valid reports whether From <= To (an open end is always valid).
func (r VersionRange) Valid() bool {
	return r.To == VersionOpen || r.From == VersionOpen || r.From <= r.To
}

// FullVersionRange maps a source to a VersionRange. A missing source makes no claim.
type FullVersionRange map[string]VersionRange

// Clone returns a copy of the map.
func (fr FullVersionRange) Clone() FullVersionRange {
	out := make(FullVersionRange, len(fr))
	for s, r := range fr {
		out[s] = r
	}
	return out
}

// Lookup returns the range for source, falling back to the OtherSources bucket.
func (fr FullVersionRange) Lookup(source string) (VersionRange, bool) {
	if r, ok := fr[source]; ok {
		return r, true
	}
	r, ok := fr[OtherSources]
	return r, ok
}

// From returns the lower ends as a FullVersion.
func (fr FullVersionRange) From() FullVersion {
	out := make(FullVersion, len(fr))
	for s, r := range fr {
		if s != OtherSources {
			out[s] = r.From
		}
	}
	return out
}

// To returns the upper ends as a FullVersion.
func (fr FullVersionRange) To() FullVersion {
	out := make(FullVersion, len(fr))
	for s, r := range fr {
		if s != OtherSources {
			out[s] = r.To
		}
	}
	return out
}

// Advance raises the upper end of every source in to, taking the later version.
// Sources not yet present start at the given version.
func (fr FullVersionRange) Advance(to FullVersion) FullVersionRange {
	for s, v := range to {
		r, ok := fr[s]
		if !ok {
			fr[s] = VersionRange{From: v, To: v}
			continue
		}
		if v > r.To {
			r.To = v
			fr[s] = r
		}
	}
	return fr
}

// Reset sets both ends of each source in at to the given version. Used when a
// replace makes the data valid from a fresh point.
func (fr FullVersionRange) Reset(at FullVersion) FullVersionRange {
	for s, v := range at {
		fr[s] = VersionRange{From: v, To: v}
	}
	return fr
}

// RangeFrom builds a FullVersionRange of (v, open] for every source of fv.
func RangeFrom(fv FullVersion) FullVersionRange {
	out := make(FullVersionRange, len(fv))
	for s, v := range fv {
		out[s] = VersionRange{From: v, To: VersionOpen}
	}
	return out
}
