package capability

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/devrev/pairdb/sync-node/internal/model"
)

type singleQuery struct{}

func (singleQuery) Kind() model.QueryKind        { return model.QueryKindSingle }
func (singleQuery) ResultKind() model.ResultKind { return model.ResultKindSingle }

func (singleQuery) Encode(model.Query) interface{} { return true }

func (singleQuery) Decode(json.RawMessage) (model.Query, error) { return model.SingleQuery(), nil }

func (singleQuery) AdaptTxn(txn model.Txn, _ model.Query) (model.Txn, bool) {
	if txn.Kind != model.ResultKindSingle || txn.IsEmpty() {
		return model.Txn{}, false
	}
	return txn, true
}

func (singleQuery) ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	return wholeReplace(a, b)
}

func (singleQuery) FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace {
	return &model.CatchupReplace{Query: model.SingleQuery(), With: data, Versions: versions.Clone()}
}

func (singleQuery) UpdateQuery(_, _ model.Query) model.Query { return model.SingleQuery() }

type allKVQuery struct{}

func (allKVQuery) Kind() model.QueryKind        { return model.QueryKindAllKV }
func (allKVQuery) ResultKind() model.ResultKind { return model.ResultKindKV }

func (allKVQuery) Encode(model.Query) interface{} { return true }

func (allKVQuery) Decode(json.RawMessage) (model.Query, error) { return model.AllKVQuery(), nil }

func (allKVQuery) AdaptTxn(txn model.Txn, _ model.Query) (model.Txn, bool) {
	if txn.Kind != model.ResultKindKV || txn.IsEmpty() {
		return model.Txn{}, false
	}
	return txn, true
}

func (allKVQuery) ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	return wholeReplace(a, b)
}

func (allKVQuery) FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace {
	return &model.CatchupReplace{Query: model.AllKVQuery(), With: data, Versions: versions.Clone()}
}

func (allKVQuery) UpdateQuery(_, _ model.Query) model.Query { return model.AllKVQuery() }

// wholeReplace composes replaces that overwrite everything: b wins.
func wholeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	versions := a.Versions.Clone().Merge(b.Versions)
	return &model.CatchupReplace{Query: b.Query, With: b.With, Versions: versions}
}

type kvQuery struct{}

func (kvQuery) Kind() model.QueryKind        { return model.QueryKindKV }
func (kvQuery) ResultKind() model.ResultKind { return model.ResultKindKV }

func (kvQuery) Encode(q model.Query) interface{} { return q.Keys.Sorted() }

func (kvQuery) Decode(raw json.RawMessage) (model.Query, error) {
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return model.Query{}, fmt.Errorf("decode kv query: %w", err)
	}
	return model.KVQuery(keys...), nil
}

func (kvQuery) AdaptTxn(txn model.Txn, q model.Query) (model.Txn, bool) {
	if txn.Kind != model.ResultKindKV {
		return model.Txn{}, false
	}
	var out model.KVTxn
	for k, op := range txn.KV {
		if !q.Keys.Has(k) {
			continue
		}
		if out == nil {
			out = make(model.KVTxn)
		}
		out[k] = op
	}
	if out == nil {
		return model.Txn{}, false
	}
	return model.KVTxnOf(out), true
}

func (kvQuery) ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	keys := model.NewKeySet()
	with := make(map[string]interface{}, len(a.With.KV)+len(b.With.KV))
	for k := range a.Query.Keys {
		keys.Add(k)
		if v, ok := a.With.KV[k]; ok {
			with[k] = v
		}
	}
	for k := range b.Query.Keys {
		keys.Add(k)
		if v, ok := b.With.KV[k]; ok {
			with[k] = v
		} else {
			delete(with, k)
		}
	}
	return &model.CatchupReplace{
		Query:    model.Query{Kind: model.QueryKindKV, Keys: keys},
		With:     model.Result{Kind: model.ResultKindKV, KV: with},
		Versions: a.Versions.Clone().Merge(b.Versions),
	}
}

func (kvQuery) FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace {
	keys := model.NewKeySet(q.Keys.Sorted()...)
	return &model.CatchupReplace{Query: model.Query{Kind: model.QueryKindKV, Keys: keys}, With: data, Versions: versions.Clone()}
}

func (kvQuery) UpdateQuery(existing, delta model.Query) model.Query {
	keys := model.NewKeySet()
	for k := range existing.Keys {
		keys.Add(k)
	}
	for k := range delta.Keys {
		keys.Add(k)
	}
	return model.Query{Kind: model.QueryKindKV, Keys: keys}
}

type staticRangeQuery struct{}

func (staticRangeQuery) Kind() model.QueryKind        { return model.QueryKindStaticRange }
func (staticRangeQuery) ResultKind() model.ResultKind { return model.ResultKindRange }

func (staticRangeQuery) Encode(q model.Query) interface{} {
	if q.StaticRanges == nil {
		return []model.StaticRange{}
	}
	return q.StaticRanges
}

func (staticRangeQuery) Decode(raw json.RawMessage) (model.Query, error) {
	var ranges []model.StaticRange
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return model.Query{}, fmt.Errorf("decode static range query: %w", err)
	}
	return model.StaticRangeQuery(ranges...), nil
}

func (staticRangeQuery) AdaptTxn(txn model.Txn, q model.Query) (model.Txn, bool) {
	return adaptToRanges(txn, q.StaticRanges)
}

func (staticRangeQuery) ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	return composeRangeReplace(a, b)
}

func (staticRangeQuery) FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace {
	return &model.CatchupReplace{Query: model.StaticRangeQuery(q.StaticRanges...), With: data, Versions: versions.Clone()}
}

func (staticRangeQuery) UpdateQuery(existing, delta model.Query) model.Query {
	return model.StaticRangeQuery(growRanges(existing.StaticRanges, delta.StaticRanges)...)
}

type rangeQuery struct{}

func (rangeQuery) Kind() model.QueryKind        { return model.QueryKindRange }
func (rangeQuery) ResultKind() model.ResultKind { return model.ResultKindRange }

func (rangeQuery) Encode(q model.Query) interface{} {
	if q.Ranges == nil {
		return []model.Range{}
	}
	return q.Ranges
}

func (rangeQuery) Decode(raw json.RawMessage) (model.Query, error) {
	var ranges []model.Range
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return model.Query{}, fmt.Errorf("decode range query: %w", err)
	}
	return model.RangeQuery(ranges...), nil
}

// AdaptTxn matches on the static bounds. Offsets and limits are resolved when
// the store bakes the query at fetch time.
func (rangeQuery) AdaptTxn(txn model.Txn, q model.Query) (model.Txn, bool) {
	return adaptToRanges(txn, staticOf(q.Ranges))
}

func (rangeQuery) ComposeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	return composeRangeReplace(a, b)
}

func (rangeQuery) FetchToReplace(q model.Query, data model.Result, versions model.FullVersion) *model.CatchupReplace {
	return &model.CatchupReplace{Query: model.StaticRangeQuery(staticOf(q.Ranges)...), With: data, Versions: versions.Clone()}
}

func (rangeQuery) UpdateQuery(existing, delta model.Query) model.Query {
	ranges := append([]model.Range(nil), existing.Ranges...)
	if len(delta.Ranges) > len(ranges) {
		ranges = append(ranges, delta.Ranges[len(ranges):]...)
	}
	return model.RangeQuery(ranges...)
}

func staticOf(ranges []model.Range) []model.StaticRange {
	out := make([]model.StaticRange, len(ranges))
	for i, r := range ranges {
		out[i] = r.Static()
	}
	return out
}

// adaptToRanges turns a KV transaction into a RangeTxn aligned with ranges.
// A Range transaction is assumed to be aligned already.
func adaptToRanges(txn model.Txn, ranges []model.StaticRange) (model.Txn, bool) {
	switch txn.Kind {
	case model.ResultKindRange:
		if txn.IsEmpty() {
			return model.Txn{}, false
		}
		return txn, true
	case model.ResultKindKV:
	default:
		return model.Txn{}, false
	}

	keys := make([]string, 0, len(txn.KV))
	for k := range txn.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(model.RangeTxn, len(ranges))
	matched := false
	for i, r := range ranges {
		var part []model.KVOp
		for _, k := range keys {
			if r.Contains(k) {
				part = append(part, model.KVOp{Key: k, Op: txn.KV[k]})
			}
		}
		if r.Reverse {
			for l, h := 0, len(part)-1; l < h; l, h = l+1, h-1 {
				part[l], part[h] = part[h], part[l]
			}
		}
		if len(part) > 0 {
			matched = true
		}
		out[i] = part
	}
	if !matched {
		return model.Txn{}, false
	}
	return model.Txn{Kind: model.ResultKindRange, Range: out}, true
}

// composeRangeReplace merges aligned range replaces; a part present in b wins.
func composeRangeReplace(a, b *model.CatchupReplace) *model.CatchupReplace {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	n := len(a.With.Range)
	if len(b.With.Range) > n {
		n = len(b.With.Range)
	}
	ranges := make([]model.StaticRange, n)
	parts := make([][]model.KVPair, n)
	for i := 0; i < n; i++ {
		if i < len(b.With.Range) && b.With.Range[i] != nil {
			parts[i] = b.With.Range[i]
			if i < len(b.Query.StaticRanges) {
				ranges[i] = b.Query.StaticRanges[i]
			}
			continue
		}
		if i < len(a.With.Range) {
			parts[i] = a.With.Range[i]
		}
		if i < len(a.Query.StaticRanges) {
			ranges[i] = a.Query.StaticRanges[i]
		}
	}
	return &model.CatchupReplace{
		Query:    model.StaticRangeQuery(ranges...),
		With:     model.Result{Kind: model.ResultKindRange, Range: parts},
		Versions: a.Versions.Clone().Merge(b.Versions),
	}
}

func growRanges(existing, delta []model.StaticRange) []model.StaticRange {
	out := append([]model.StaticRange(nil), existing...)
	if len(delta) > len(out) {
		out = append(out, delta[len(out):]...)
	}
	return out
}
