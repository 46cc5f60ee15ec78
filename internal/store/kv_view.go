package store

import (
	"sort"

	"github.com/devrev/pairdb/sync-node/internal/model"
)

// sortedKeys returns the keys of data in order.
func sortedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// position is the index in keys of the first key a selector admits.
func position(keys []string, sel model.StaticKeySelector) int {
	return sort.Search(len(keys), func(i int) bool {
		if sel.IsAfter {
			return keys[i] > sel.Key
		}
		return keys[i] >= sel.Key
	})
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// staticSlice returns the keys inside r, in range order.
func staticSlice(keys []string, r model.StaticRange) []string {
	lo, hi := position(keys, r.Low), position(keys, r.High)
	if hi <= lo {
		return nil
	}
	return ordered(keys[lo:hi], r.Reverse)
}

// bakeRange resolves offsets and limit of r against keys. The returned
// StaticRange selects exactly the returned keys in the current data.
func bakeRange(keys []string, r model.Range) (model.StaticRange, []string) {
	n := len(keys)
	lo := clamp(position(keys, r.Low.StaticKeySelector)+r.Low.Offset, n)
	hi := clamp(position(keys, r.High.StaticKeySelector)+r.High.Offset, n)
	if hi < lo {
		hi = lo
	}

	lowSel := r.Low.StaticKeySelector
	if r.Low.Offset != 0 {
		lowSel = selectorAt(keys, lo)
	}
	highSel := r.High.StaticKeySelector
	if r.High.Offset != 0 {
		highSel = selectorAt(keys, hi)
	}

	if r.Limit > 0 && hi-lo > r.Limit {
		if r.Reverse {
			lo = hi - r.Limit
			lowSel = model.Sel(keys[lo], false)
		} else {
			hi = lo + r.Limit
			highSel = model.Sel(keys[hi-1], true)
		}
	}

	baked := model.StaticRange{Low: lowSel, High: highSel, Reverse: r.Reverse}
	return baked, ordered(keys[lo:hi], r.Reverse)
}

// selectorAt is the selector whose position is i.
func selectorAt(keys []string, i int) model.StaticKeySelector {
	if i < len(keys) {
		return model.Sel(keys[i], false)
	}
	if len(keys) == 0 {
		return model.Sel("", false)
	}
	return model.Sel(keys[len(keys)-1], true)
}

func ordered(keys []string, reverse bool) []string {
	out := append([]string(nil), keys...)
	if reverse {
		for l, h := 0, len(out)-1; l < h; l, h = l+1, h-1 {
			out[l], out[h] = out[h], out[l]
		}
	}
	return out
}

func pairsOf(data map[string]interface{}, keys []string) []model.KVPair {
	out := make([]model.KVPair, len(keys))
	for i, k := range keys {
		out[i] = model.KVPair{Key: k, Val: data[k]}
	}
	return out
}

// fetchKV answers a KV-shaped query over data. The baked query is returned for
// Range queries.
func fetchKV(data map[string]interface{}, q model.Query) (model.Result, *model.Query) {
	switch q.Kind {
	case model.QueryKindAllKV:
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			out[k] = v
		}
		return model.Result{Kind: model.ResultKindKV, KV: out}, nil

	case model.QueryKindKV:
		out := make(map[string]interface{}, len(q.Keys))
		for k := range q.Keys {
			if v, ok := data[k]; ok {
				out[k] = v
			}
		}
		return model.Result{Kind: model.ResultKindKV, KV: out}, nil

	case model.QueryKindStaticRange:
		keys := sortedKeys(data)
		parts := make([][]model.KVPair, len(q.StaticRanges))
		for i, r := range q.StaticRanges {
			parts[i] = pairsOf(data, staticSlice(keys, r))
		}
		return model.Result{Kind: model.ResultKindRange, Range: parts}, nil

	case model.QueryKindRange:
		keys := sortedKeys(data)
		parts := make([][]model.KVPair, len(q.Ranges))
		baked := make([]model.StaticRange, len(q.Ranges))
		for i, r := range q.Ranges {
			var selected []string
			baked[i], selected = bakeRange(keys, r)
			parts[i] = pairsOf(data, selected)
		}
		bq := model.StaticRangeQuery(baked...)
		return model.Result{Kind: model.ResultKindRange, Range: parts}, &bq
	}
	return model.EmptyResult(q.ResultKind()), nil
}
