package model

// CatchupReplace overwrites (wholly or per key) the subscriber's view of
// Query with With, valid at Versions.
type CatchupReplace struct {
	Query    Query
	With     Result
	Versions FullVersion
}

// CatchupData is one frame delivered to a subscriber: an optional replace, then
// transactions, then the watermark the frame certifies.
type CatchupData struct {
	Replace   *CatchupReplace
	Txns      []TxnWithMeta
	ToVersion FullVersion
	CaughtUp  bool
}

// IsEmpty reports whether the frame carries neither data nor a watermark move.
func (c *CatchupData) IsEmpty() bool {
	return c.Replace == nil && len(c.Txns) == 0
}

// Aggregate controls whether raw operations may be replaced by composed
// transactions or replace frames.
type Aggregate string

const (
	AggregateYes      Aggregate = "yes"
	AggregatePreferNo Aggregate = "prefer no"
	AggregateNo       Aggregate = "no"
)

// Allowed reports whether a replace may stand in for missing history.
func (a Aggregate) Allowed() bool { return a != AggregateNo }

// FetchOpts tunes Fetch.
type FetchOpts struct {
	// NoDocs returns versions only.
	NoDocs bool
	// MinVersion asks for data at or after these versions.
	MinVersion FullVersion
}

// FetchResults is the answer to Fetch. BakedQuery is set when the store
// resolved the query (e.g. a Range into StaticRanges).
type FetchResults struct {
	BakedQuery *Query
	Results    Result
	Versions   FullVersionRange
}

// GetOpsOpts tunes GetOps and OpCache queries.
type GetOpsOpts struct {
	SupportedTypes map[string]bool
	// BestEffort returns what is retained instead of failing on missing history.
	BestEffort bool
	// LimitOps bounds the number of entries walked. 0 is unlimited.
	LimitOps int
}

// GetOpsResult holds the matching transactions and the achieved range per source.
type GetOpsResult struct {
	Ops      []TxnWithMeta
	Versions FullVersionRange
}

// CatchupOpts tunes Catchup.
type CatchupOpts struct {
	SupportedTypes map[string]bool
	Raw            bool
	Aggregate      Aggregate
	BestEffort     bool
}

// SubscribeOpts picks the subscription mode and tunes delivery.
//
// With neither FromVersion nor FromCurrent the subscription fetches first
// and sends a replace. With FromVersion it catches up from there. With
// FromCurrent it only streams operations committed from now on.
type SubscribeOpts struct {
	SupportedTypes map[string]bool
	Raw            bool
	Aggregate      Aggregate
	BestEffort     bool
	AlwaysNotify   bool
	FromVersion    FullVersion
	FromCurrent    bool
}

// MutateOpts tunes Mutate.
type MutateOpts struct {
	// ConflictKeys are checked against the expected version in addition to the
	// keys the transaction writes.
	ConflictKeys []string
	Meta         Metadata
}

// Capabilities are bitsets of QueryKind.Bit() and ResultKind.Bit().
type Capabilities struct {
	QueryKinds    uint32 `json:"queryTypes"`
	MutationKinds uint32 `json:"mutationTypes"`
}

// SupportsQuery reports whether kind is in the query bitset.
func (c Capabilities) SupportsQuery(kind QueryKind) bool {
	return c.QueryKinds&kind.Bit() != 0
}

// SupportsMutation reports whether kind is in the mutation bitset.
func (c Capabilities) SupportsMutation(kind ResultKind) bool {
	return c.MutationKinds&kind.Bit() != 0
}

// QueryBits builds a query capability bitset.
func QueryBits(kinds ...QueryKind) uint32 {
	var bits uint32
	for _, k := range kinds {
		bits |= k.Bit()
	}
	return bits
}

// MutationBits builds a mutation capability bitset.
func MutationBits(kinds ...ResultKind) uint32 {
	var bits uint32
	for _, k := range kinds {
		bits |= k.Bit()
	}
	return bits
}

// StoreInfo describes a store. Sources are unique and sorted.
type StoreInfo struct {
	UID          string       `json:"uid"`
	Sources      []string     `json:"sources"`
	Capabilities Capabilities `json:"capabilities"`
}
