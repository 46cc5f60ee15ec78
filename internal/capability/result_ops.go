package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/ottype"
)

// Types is the operation registry used by the result behaviours.
var Types = ottype.Default

type singleResult struct{}

func (singleResult) Kind() model.ResultKind { return model.ResultKindSingle }

func (singleResult) Apply(snap model.Result, txn model.Txn) (model.Result, error) {
	val, exists, err := Types.Apply(snap.Single, snap.Single != nil, txn.Single)
	if err != nil {
		return snap, err
	}
	if !exists {
		val = nil
	}
	return model.Result{Kind: model.ResultKindSingle, Single: val}, nil
}

func (singleResult) ComposeTxn(a, b model.Txn) (model.Txn, error) {
	return model.SingleTxn(Types.Compose(a.Single, b.Single)), nil
}

func (singleResult) MapEntries(snap model.Result, fn MapFn) model.Result {
	_, v, keep := fn("", snap.Single)
	if !keep {
		v = nil
	}
	return model.Result{Kind: model.ResultKindSingle, Single: v}
}

func (singleResult) MapEntriesAsync(ctx context.Context, snap model.Result, fn AsyncMapFn) (model.Result, error) {
	_, v, keep, err := fn(ctx, "", snap.Single)
	if err != nil {
		return model.Result{}, err
	}
	if !keep {
		v = nil
	}
	return model.Result{Kind: model.ResultKindSingle, Single: v}, nil
}

func (singleResult) FilterSupportedOps(txn model.Txn, after model.Result, supported map[string]bool) model.Txn {
	return model.SingleTxn(degrade(txn.Single, after.Single, after.Single != nil, supported))
}

func (singleResult) UpdateResults(snap model.Result, replace *model.CatchupReplace) model.Result {
	if replace == nil {
		return snap
	}
	return model.Result{Kind: model.ResultKindSingle, Single: replace.With.Single}
}

func (singleResult) EncodeResult(snap model.Result) interface{} { return snap.Single }

func (singleResult) DecodeResult(raw json.RawMessage) (model.Result, error) {
	var v interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.Result{}, fmt.Errorf("decode single result: %w", err)
		}
	}
	return model.Result{Kind: model.ResultKindSingle, Single: v}, nil
}

func (singleResult) EncodeTxn(txn model.Txn) interface{} { return txn.Single }

func (singleResult) DecodeTxn(raw json.RawMessage) (model.Txn, error) {
	var op model.Op
	if err := json.Unmarshal(raw, &op); err != nil {
		return model.Txn{}, fmt.Errorf("decode single txn: %w", err)
	}
	return model.SingleTxn(op), nil
}

type kvResult struct{}

func (kvResult) Kind() model.ResultKind { return model.ResultKindKV }

func (kvResult) Apply(snap model.Result, txn model.Txn) (model.Result, error) {
	out := make(map[string]interface{}, len(snap.KV)+len(txn.KV))
	for k, v := range snap.KV {
		out[k] = v
	}
	for k, op := range txn.KV {
		cur, exists := out[k]
		val, exists, err := Types.Apply(cur, exists, op)
		if err != nil {
			return snap, fmt.Errorf("key %q: %w", k, err)
		}
		if exists {
			out[k] = val
		} else {
			delete(out, k)
		}
	}
	return model.Result{Kind: model.ResultKindKV, KV: out}, nil
}

func (kvResult) ComposeTxn(a, b model.Txn) (model.Txn, error) {
	out := make(model.KVTxn, len(a.KV)+len(b.KV))
	for k, op := range a.KV {
		out[k] = op
	}
	for k, op := range b.KV {
		if prev, ok := out[k]; ok {
			out[k] = Types.Compose(prev, op)
		} else {
			out[k] = op
		}
	}
	return model.KVTxnOf(out), nil
}

func (kvResult) MapEntries(snap model.Result, fn MapFn) model.Result {
	out := make(map[string]interface{}, len(snap.KV))
	for k, v := range snap.KV {
		if nk, nv, keep := fn(k, v); keep {
			out[nk] = nv
		}
	}
	return model.Result{Kind: model.ResultKindKV, KV: out}
}

func (kvResult) MapEntriesAsync(ctx context.Context, snap model.Result, fn AsyncMapFn) (model.Result, error) {
	var mu sync.Mutex
	out := make(map[string]interface{}, len(snap.KV))
	g, gctx := errgroup.WithContext(ctx)
	for k, v := range snap.KV {
		k, v := k, v
		g.Go(func() error {
			nk, nv, keep, err := fn(gctx, k, v)
			if err != nil || !keep {
				return err
			}
			mu.Lock()
			out[nk] = nv
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Result{}, err
	}
	return model.Result{Kind: model.ResultKindKV, KV: out}, nil
}

func (kvResult) FilterSupportedOps(txn model.Txn, after model.Result, supported map[string]bool) model.Txn {
	out := make(model.KVTxn, len(txn.KV))
	for k, op := range txn.KV {
		v, exists := after.KV[k]
		out[k] = degrade(op, v, exists, supported)
	}
	return model.KVTxnOf(out)
}

func (kvResult) UpdateResults(snap model.Result, replace *model.CatchupReplace) model.Result {
	if replace == nil {
		return snap
	}
	if replace.Query.Kind != model.QueryKindKV {
		out := make(map[string]interface{}, len(replace.With.KV))
		for k, v := range replace.With.KV {
			out[k] = v
		}
		return model.Result{Kind: model.ResultKindKV, KV: out}
	}
	out := make(map[string]interface{}, len(snap.KV))
	for k, v := range snap.KV {
		out[k] = v
	}
	for k := range replace.Query.Keys {
		if v, ok := replace.With.KV[k]; ok {
			out[k] = v
		} else {
			delete(out, k)
		}
	}
	return model.Result{Kind: model.ResultKindKV, KV: out}
}

func (kvResult) EncodeResult(snap model.Result) interface{} {
	if snap.KV == nil {
		return map[string]interface{}{}
	}
	return snap.KV
}

func (kvResult) DecodeResult(raw json.RawMessage) (model.Result, error) {
	out := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.Result{}, fmt.Errorf("decode kv result: %w", err)
		}
	}
	return model.Result{Kind: model.ResultKindKV, KV: out}, nil
}

func (kvResult) EncodeTxn(txn model.Txn) interface{} {
	if txn.KV == nil {
		return model.KVTxn{}
	}
	return txn.KV
}

func (kvResult) DecodeTxn(raw json.RawMessage) (model.Txn, error) {
	var kv model.KVTxn
	if err := json.Unmarshal(raw, &kv); err != nil {
		return model.Txn{}, fmt.Errorf("decode kv txn: %w", err)
	}
	return model.KVTxnOf(kv), nil
}

type rangeResult struct{}

func (rangeResult) Kind() model.ResultKind { return model.ResultKindRange }

func (rangeResult) Apply(snap model.Result, txn model.Txn) (model.Result, error) {
	n := len(snap.Range)
	if len(txn.Range) > n {
		n = len(txn.Range)
	}
	out := make([][]model.KVPair, n)
	for i := 0; i < n; i++ {
		var pairs []model.KVPair
		if i < len(snap.Range) {
			pairs = snap.Range[i]
		}
		if i >= len(txn.Range) || len(txn.Range[i]) == 0 {
			out[i] = pairs
			continue
		}
		next, err := applyPairs(pairs, txn.Range[i])
		if err != nil {
			return snap, fmt.Errorf("range %d: %w", i, err)
		}
		out[i] = next
	}
	return model.Result{Kind: model.ResultKindRange, Range: out}, nil
}

// applyPairs keeps the existing order of pairs and inserts new keys in the
// direction the list is already sorted.
func applyPairs(pairs []model.KVPair, ops []model.KVOp) ([]model.KVPair, error) {
	desc := len(pairs) > 1 && pairs[0].Key > pairs[len(pairs)-1].Key
	vals := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		vals[p.Key] = p.Val
	}
	for _, kop := range ops {
		cur, exists := vals[kop.Key]
		val, exists, err := Types.Apply(cur, exists, kop.Op)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kop.Key, err)
		}
		if exists {
			vals[kop.Key] = val
		} else {
			delete(vals, kop.Key)
		}
	}
	out := make([]model.KVPair, 0, len(vals))
	for k, v := range vals {
		out = append(out, model.KVPair{Key: k, Val: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Key > out[j].Key
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (rangeResult) ComposeTxn(a, b model.Txn) (model.Txn, error) {
	n := len(a.Range)
	if len(b.Range) > n {
		n = len(b.Range)
	}
	out := make(model.RangeTxn, n)
	for i := 0; i < n; i++ {
		var merged []model.KVOp
		index := map[string]int{}
		add := func(ops [][]model.KVOp) {
			if i >= len(ops) {
				return
			}
			for _, kop := range ops[i] {
				if j, ok := index[kop.Key]; ok {
					merged[j].Op = Types.Compose(merged[j].Op, kop.Op)
					continue
				}
				index[kop.Key] = len(merged)
				merged = append(merged, kop)
			}
		}
		add(a.Range)
		add(b.Range)
		out[i] = merged
	}
	return model.Txn{Kind: model.ResultKindRange, Range: out}, nil
}

func (rangeResult) MapEntries(snap model.Result, fn MapFn) model.Result {
	out := make([][]model.KVPair, len(snap.Range))
	for i, pairs := range snap.Range {
		if pairs == nil {
			continue
		}
		mapped := make([]model.KVPair, 0, len(pairs))
		for _, p := range pairs {
			if nk, nv, keep := fn(p.Key, p.Val); keep {
				mapped = append(mapped, model.KVPair{Key: nk, Val: nv})
			}
		}
		out[i] = mapped
	}
	return model.Result{Kind: model.ResultKindRange, Range: out}
}

func (rangeResult) MapEntriesAsync(ctx context.Context, snap model.Result, fn AsyncMapFn) (model.Result, error) {
	type slot struct {
		pair model.KVPair
		keep bool
	}
	slots := make([][]slot, len(snap.Range))
	g, gctx := errgroup.WithContext(ctx)
	for i, pairs := range snap.Range {
		if pairs == nil {
			continue
		}
		slots[i] = make([]slot, len(pairs))
		for j, p := range pairs {
			i, j, p := i, j, p
			g.Go(func() error {
				nk, nv, keep, err := fn(gctx, p.Key, p.Val)
				if err != nil {
					return err
				}
				slots[i][j] = slot{pair: model.KVPair{Key: nk, Val: nv}, keep: keep}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return model.Result{}, err
	}
	out := make([][]model.KVPair, len(snap.Range))
	for i, row := range slots {
		if row == nil {
			continue
		}
		mapped := make([]model.KVPair, 0, len(row))
		for _, s := range row {
			if s.keep {
				mapped = append(mapped, s.pair)
			}
		}
		out[i] = mapped
	}
	return model.Result{Kind: model.ResultKindRange, Range: out}, nil
}

func (rangeResult) FilterSupportedOps(txn model.Txn, after model.Result, supported map[string]bool) model.Txn {
	out := make(model.RangeTxn, len(txn.Range))
	for i, ops := range txn.Range {
		var vals map[string]interface{}
		if i < len(after.Range) {
			vals = make(map[string]interface{}, len(after.Range[i]))
			for _, p := range after.Range[i] {
				vals[p.Key] = p.Val
			}
		}
		filtered := make([]model.KVOp, len(ops))
		for j, kop := range ops {
			v, exists := vals[kop.Key]
			filtered[j] = model.KVOp{Key: kop.Key, Op: degrade(kop.Op, v, exists, supported)}
		}
		out[i] = filtered
	}
	return model.Txn{Kind: model.ResultKindRange, Range: out}
}

func (rangeResult) UpdateResults(snap model.Result, replace *model.CatchupReplace) model.Result {
	if replace == nil {
		return snap
	}
	n := len(snap.Range)
	if len(replace.With.Range) > n {
		n = len(replace.With.Range)
	}
	out := make([][]model.KVPair, n)
	copy(out, snap.Range)
	for i, part := range replace.With.Range {
		if part != nil {
			out[i] = append([]model.KVPair(nil), part...)
		}
	}
	return model.Result{Kind: model.ResultKindRange, Range: out}
}

func (rangeResult) EncodeResult(snap model.Result) interface{} {
	out := make([]interface{}, len(snap.Range))
	for i, pairs := range snap.Range {
		if pairs == nil {
			continue
		}
		row := make([][2]interface{}, len(pairs))
		for j, p := range pairs {
			row[j] = [2]interface{}{p.Key, p.Val}
		}
		out[i] = row
	}
	return out
}

func (rangeResult) DecodeResult(raw json.RawMessage) (model.Result, error) {
	var rows []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return model.Result{}, fmt.Errorf("decode range result: %w", err)
		}
	}
	out := make([][]model.KVPair, len(rows))
	for i, row := range rows {
		if isNull(row) {
			continue
		}
		var entries [][2]json.RawMessage
		if err := json.Unmarshal(row, &entries); err != nil {
			return model.Result{}, fmt.Errorf("decode range %d: %w", i, err)
		}
		pairs := make([]model.KVPair, len(entries))
		for j, e := range entries {
			if err := json.Unmarshal(e[0], &pairs[j].Key); err != nil {
				return model.Result{}, fmt.Errorf("decode range %d key: %w", i, err)
			}
			if err := json.Unmarshal(e[1], &pairs[j].Val); err != nil {
				return model.Result{}, fmt.Errorf("decode range %d value: %w", i, err)
			}
		}
		out[i] = pairs
	}
	return model.Result{Kind: model.ResultKindRange, Range: out}, nil
}

func (rangeResult) EncodeTxn(txn model.Txn) interface{} {
	out := make([][][2]interface{}, len(txn.Range))
	for i, ops := range txn.Range {
		row := make([][2]interface{}, len(ops))
		for j, kop := range ops {
			row[j] = [2]interface{}{kop.Key, kop.Op}
		}
		out[i] = row
	}
	return out
}

func (rangeResult) DecodeTxn(raw json.RawMessage) (model.Txn, error) {
	var rows [][][2]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return model.Txn{}, fmt.Errorf("decode range txn: %w", err)
	}
	out := make(model.RangeTxn, len(rows))
	for i, row := range rows {
		ops := make([]model.KVOp, len(row))
		for j, e := range row {
			if err := json.Unmarshal(e[0], &ops[j].Key); err != nil {
				return model.Txn{}, fmt.Errorf("decode range txn key: %w", err)
			}
			if err := json.Unmarshal(e[1], &ops[j].Op); err != nil {
				return model.Txn{}, fmt.Errorf("decode range txn op: %w", err)
			}
		}
		out[i] = ops
	}
	return model.Txn{Kind: model.ResultKindRange, Range: out}, nil
}

// degrade rewrites op as a set (or rm) of the value it produced when any of its
// parts is outside supported. The value comes from the op's NewVal when the
// store recorded one, otherwise from the snapshot. A nil supported set accepts
// everything.
func degrade(op model.Op, val interface{}, exists bool, supported map[string]bool) model.Op {
	if supported == nil {
		return op
	}
	ok := true
	for _, part := range op {
		if !supported[part.Type] {
			ok = false
			break
		}
	}
	if ok {
		return op
	}
	if len(op) > 0 && op[len(op)-1].NewVal != nil {
		return model.Set(op[len(op)-1].NewVal)
	}
	if !exists {
		return model.Rm()
	}
	return model.Set(val)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
