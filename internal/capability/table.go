// Package capability is the fixed table of per-kind behaviours used by the op
// cache, the subscription protocol and the transport. Dispatch is by the kind
// tag only; implementations hold no state.
package capability

import (
	"context"
	"encoding/json"

	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

// QueryOps are the behaviours of one query kind.
type QueryOps interface {
	Kind() model.QueryKind
	ResultKind() model.ResultKind

	// Encode returns a JSON-friendly form of the query payload.
	Encode(q model.Query) interface{}
	Decode(raw json.RawMessage) (model.Query, error)

	// AdaptTxn projects txn onto q. ok is false when txn does not touch q.
	AdaptTxn(txn model.Txn, q model.Query) (model.Txn, bool)

	// ComposeReplace merges two sequential replaces (b after a) into one.
	ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace

	// FetchToReplace wraps a fetch result as a replace.
	FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace

	// UpdateQuery grows existing by delta. Queries never shrink.
	UpdateQuery(existing, delta model.Query) model.Query
}

// MapFn maps one snapshot entry. Returning keep=false drops it. Single results
// are passed with an empty key.
type MapFn func(key string, val interface{}) (newKey string, newVal interface{}, keep bool)

// AsyncMapFn is MapFn for callbacks that block or fail.
type AsyncMapFn func(ctx context.Context, key string, val interface{}) (newKey string, newVal interface{}, keep bool, err error)

// ResultOps are the behaviours of one result kind.
type ResultOps interface {
	Kind() model.ResultKind

	// Apply returns snap with txn applied. snap is not modified.
	Apply(snap model.Result, txn model.Txn) (model.Result, error)

	// ComposeTxn merges two consecutive transactions into one.
	ComposeTxn(a, b model.Txn) (model.Txn, error)

	MapEntries(snap model.Result, fn MapFn) model.Result
	MapEntriesAsync(ctx context.Context, snap model.Result, fn AsyncMapFn) (model.Result, error)

	// FilterSupportedOps degrades operations whose type is not in supported
	// into plain sets of the value they produced. after is the snapshot with
	// txn already applied.
	FilterSupportedOps(txn model.Txn, after model.Result, supported map[string]bool) model.Txn

	// UpdateResults applies a replace onto snap.
	UpdateResults(snap model.Result, replace *model.CatchupReplace) model.Result

	EncodeResult(snap model.Result) interface{}
	DecodeResult(raw json.RawMessage) (model.Result, error)
	EncodeTxn(txn model.Txn) interface{}
	DecodeTxn(raw json.RawMessage) (model.Txn, error)
}

var queryTable = [...]QueryOps{
	model.QueryKindSingle:      singleQuery{},
	model.QueryKindKV:          kvQuery{},
	model.QueryKindAllKV:       allKVQuery{},
	model.QueryKindRange:       rangeQuery{},
	model.QueryKindStaticRange: staticRangeQuery{},
}

var resultTable = [...]ResultOps{
	model.ResultKindSingle: singleResult{},
	model.ResultKindKV:     kvResult{},
	model.ResultKindRange:  rangeResult{},
}

// ForQuery returns the behaviours of kind.
func ForQuery(kind model.QueryKind) (QueryOps, error) {
	if kind <= 0 || int(kind) >= len(queryTable) || queryTable[kind] == nil {
		return nil, errors.UnsupportedKind("query", kind)
	}
	return queryTable[kind], nil
}

// ForResult returns the behaviours of kind.
func ForResult(kind model.ResultKind) (ResultOps, error) {
	if kind <= 0 || int(kind) >= len(resultTable) || resultTable[kind] == nil {
		return nil, errors.UnsupportedKind("result", kind)
	}
	return resultTable[kind], nil
}

// MustQuery is ForQuery for kinds already validated.
func MustQuery(kind model.QueryKind) QueryOps {
	ops, err := ForQuery(kind)
	if err != nil {
		panic(err)
	}
	return ops
}

// MustResult is ForResult for kinds already validated.
func MustResult(kind model.ResultKind) ResultOps {
	ops, err := ForResult(kind)
	if err != nil {
		panic(err)
	}
	return ops
}
