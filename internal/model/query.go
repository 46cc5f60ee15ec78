package model

import (
	"fmt"
	"sort"
	"strings"
)

// QueryKind tags the shape of a Query and of its payload.
type QueryKind int

const (
	QueryKindSingle      QueryKind = 1
	QueryKindKV          QueryKind = 2
	QueryKindAllKV       QueryKind = 3
	QueryKindRange       QueryKind = 4
	QueryKindStaticRange QueryKind = 5
)

var queryKindNames = map[QueryKind]string{
	QueryKindSingle:      "single",
	QueryKindKV:          "kv",
	QueryKindAllKV:       "allkv",
	QueryKindRange:       "range",
	QueryKindStaticRange: "staticrange",
}

func (k QueryKind) String() string {
	if name, ok := queryKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("querykind(%d)", int(k))
}

// ParseQueryKind maps a wire name back to its kind.
func ParseQueryKind(name string) (QueryKind, error) {
	for k, n := range queryKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown query kind %q", name)
}

// Bit returns the capability bit of the kind.
func (k QueryKind) Bit() uint32 { return 1 << uint(k) }

// ResultKind tags the shape of a snapshot and of the transactions applied to it.
type ResultKind int

const (
	ResultKindSingle ResultKind = 1
	ResultKindKV     ResultKind = 2
	ResultKindRange  ResultKind = 4
)

var resultKindNames = map[ResultKind]string{
	ResultKindSingle: "single",
	ResultKindKV:     "kv",
	ResultKindRange:  "range",
}

func (k ResultKind) String() string {
	if name, ok := resultKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("resultkind(%d)", int(k))
}

// ParseResultKind maps a wire name back to its kind.
func ParseResultKind(name string) (ResultKind, error) {
	for k, n := range resultKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown result kind %q", name)
}

// Bit returns the capability bit of the kind.
func (k ResultKind) Bit() uint32 { return 1 << uint(k) }

// KeySet is the payload of a KV query.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func (s KeySet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Sorted returns the keys in lexicographic order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StaticKeySelector names a position in key order: the first key >= Key, or the
// first key > Key when IsAfter is set.
type StaticKeySelector struct {
	Key     string `json:"k"`
	IsAfter bool   `json:"isAfter"`
}

// KeySelector is a StaticKeySelector walked Offset keys forward (or back).
type KeySelector struct {
	StaticKeySelector
	Offset int `json:"offset"`
}

// StaticRange selects keys between Low (inclusive position) and High
// (exclusive position).
type StaticRange struct {
	Low     StaticKeySelector `json:"low"`
	High    StaticKeySelector `json:"high"`
	Reverse bool              `json:"reverse,omitempty"`
}

// Contains reports whether key lies inside the range.
func (r StaticRange) Contains(key string) bool {
	c := strings.Compare(key, r.Low.Key)
	if c < 0 || (c == 0 && r.Low.IsAfter) {
		return false
	}
	c = strings.Compare(key, r.High.Key)
	return c < 0 || (c == 0 && r.High.IsAfter)
}

// Range is a StaticRange whose ends may carry offsets and whose result may be
// limited. Ranges are resolved against the data into StaticRanges at fetch time.
type Range struct {
	Low     KeySelector `json:"low"`
	High    KeySelector `json:"high"`
	Reverse bool        `json:"reverse,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// Static drops offsets and limit.
func (r Range) Static() StaticRange {
	return StaticRange{Low: r.Low.StaticKeySelector, High: r.High.StaticKeySelector, Reverse: r.Reverse}
}

// Query is a tagged union. Only the payload field matching Kind is meaningful:
// Keys for KV, Ranges for Range, StaticRanges for StaticRange; Single and AllKV
// carry none.
type Query struct {
	Kind         QueryKind
	Keys         KeySet
	Ranges       []Range
	StaticRanges []StaticRange
}

func SingleQuery() Query { return Query{Kind: QueryKindSingle} }

func AllKVQuery() Query { return Query{Kind: QueryKindAllKV} }

func KVQuery(keys ...string) Query { return Query{Kind: QueryKindKV, Keys: NewKeySet(keys...)} }

func RangeQuery(ranges ...Range) Query { return Query{Kind: QueryKindRange, Ranges: ranges} }

func StaticRangeQuery(ranges ...StaticRange) Query {
	return Query{Kind: QueryKindStaticRange, StaticRanges: ranges}
}

// ResultKind returns the result shape produced by the query.
func (q Query) ResultKind() ResultKind {
	switch q.Kind {
	case QueryKindSingle:
		return ResultKindSingle
	case QueryKindRange, QueryKindStaticRange:
		return ResultKindRange
	default:
		return ResultKindKV
	}
}

// Sel is shorthand for a StaticKeySelector.
func Sel(key string, isAfter bool) StaticKeySelector {
	return StaticKeySelector{Key: key, IsAfter: isAfter}
}

// PrefixRange selects every key starting with prefix.
func PrefixRange(prefix string) StaticRange {
	return StaticRange{Low: Sel(prefix, false), High: Sel(prefix+"\xff", true)}
}
