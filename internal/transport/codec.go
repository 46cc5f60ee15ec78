// Package transport serves stores over websocket connections and provides the
// matching client. Every message is one JSON object; queries, transactions and
// snapshots are encoded through the capability table.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

// Request methods
const (
	MethodInfo        = "info"
	MethodFetch       = "fetch"
	MethodGetOps      = "getOps"
	MethodMutate      = "mutate"
	MethodCatchup     = "catchup"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// Response types. Subscriptions receive frame messages tagged with the id of
// the subscribe request, then end or error.
const (
	typeResult = "result"
	typeFrame  = "frame"
	typeEnd    = "end"
	typeError  = "error"
)

type wireQuery struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wireTxn struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type wireResult struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type wireTxnWithMeta struct {
	Versions model.FullVersion `json:"versions"`
	Txn      wireTxn           `json:"txn"`
	Meta     model.Metadata    `json:"meta"`
}

type wireReplace struct {
	Query    wireQuery         `json:"q"`
	With     wireResult        `json:"with"`
	Versions model.FullVersion `json:"versions"`
}

type wireFrame struct {
	Replace   *wireReplace      `json:"replace,omitempty"`
	Txns      []wireTxnWithMeta `json:"txns,omitempty"`
	ToVersion model.FullVersion `json:"toVersion"`
	CaughtUp  bool              `json:"caughtUp"`
}

type wireFetchResults struct {
	BakedQuery *wireQuery             `json:"bakedQuery,omitempty"`
	Results    wireResult             `json:"results"`
	Versions   model.FullVersionRange `json:"versions"`
}

type wireGetOpsResult struct {
	Ops      []wireTxnWithMeta      `json:"ops"`
	Versions model.FullVersionRange `json:"versions"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// options carries the per-method options. Unused fields are left empty.
type options struct {
	NoDocs         bool              `json:"noDocs,omitempty"`
	MinVersion     model.FullVersion `json:"minVersion,omitempty"`
	SupportedTypes map[string]bool   `json:"supportedTypes,omitempty"`
	BestEffort     bool              `json:"bestEffort,omitempty"`
	LimitOps       int               `json:"limitOps,omitempty"`
	ConflictKeys   []string          `json:"conflictKeys,omitempty"`
	Meta           *model.Metadata   `json:"meta,omitempty"`
	Raw            bool              `json:"raw,omitempty"`
	Aggregate      model.Aggregate   `json:"aggregate,omitempty"`
	AlwaysNotify   bool              `json:"alwaysNotify,omitempty"`
	FromVersion    model.FullVersion `json:"fromVersion,omitempty"`
	FromCurrent    bool              `json:"fromCurrent,omitempty"`
}

type request struct {
	ID       uint64                 `json:"id"`
	Method   string                 `json:"method"`
	Store    string                 `json:"store,omitempty"`
	Query    *wireQuery             `json:"query,omitempty"`
	Versions model.FullVersionRange `json:"versions,omitempty"`
	From     model.FullVersion      `json:"from,omitempty"`
	Txn      *wireTxn               `json:"txn,omitempty"`
	Expected model.FullVersion      `json:"expected,omitempty"`
	Sub      uint64                 `json:"sub,omitempty"`
	Opts     options                `json:"opts"`
}

type response struct {
	ID       uint64                     `json:"id"`
	Type     string                     `json:"type"`
	Stores   map[string]model.StoreInfo `json:"stores,omitempty"`
	Fetch    *wireFetchResults          `json:"fetch,omitempty"`
	Ops      *wireGetOpsResult          `json:"ops,omitempty"`
	Versions model.FullVersion          `json:"versions,omitempty"`
	Frame    *wireFrame                 `json:"frame,omitempty"`
	Error    *wireError                 `json:"error,omitempty"`
}

func encodeQuery(q model.Query) (wireQuery, error) {
	ops, err := capability.ForQuery(q.Kind)
	if err != nil {
		return wireQuery{}, err
	}
	data, err := json.Marshal(ops.Encode(q))
	if err != nil {
		return wireQuery{}, fmt.Errorf("encode %s query: %w", q.Kind, err)
	}
	return wireQuery{Kind: q.Kind.String(), Data: data}, nil
}

func decodeQuery(w *wireQuery) (model.Query, error) {
	if w == nil {
		return model.Query{}, errors.InvalidArgument("missing query", nil)
	}
	kind, err := model.ParseQueryKind(w.Kind)
	if err != nil {
		return model.Query{}, errors.InvalidArgument("bad query kind", err)
	}
	ops, err := capability.ForQuery(kind)
	if err != nil {
		return model.Query{}, err
	}
	q, err := ops.Decode(w.Data)
	if err != nil {
		return model.Query{}, errors.InvalidArgument("bad query", err)
	}
	return q, nil
}

func encodeTxn(txn model.Txn) (wireTxn, error) {
	ops, err := capability.ForResult(txn.Kind)
	if err != nil {
		return wireTxn{}, err
	}
	data, err := json.Marshal(ops.EncodeTxn(txn))
	if err != nil {
		return wireTxn{}, fmt.Errorf("encode %s txn: %w", txn.Kind, err)
	}
	return wireTxn{Kind: txn.Kind.String(), Data: data}, nil
}

func decodeTxn(w *wireTxn) (model.Txn, error) {
	if w == nil {
		return model.Txn{}, errors.InvalidArgument("missing txn", nil)
	}
	ops, err := resultOps(w.Kind)
	if err != nil {
		return model.Txn{}, err
	}
	txn, err := ops.DecodeTxn(w.Data)
	if err != nil {
		return model.Txn{}, errors.InvalidArgument("bad txn", err)
	}
	return txn, nil
}

func encodeResult(r model.Result) (wireResult, error) {
	ops, err := capability.ForResult(r.Kind)
	if err != nil {
		return wireResult{}, err
	}
	data, err := json.Marshal(ops.EncodeResult(r))
	if err != nil {
		return wireResult{}, fmt.Errorf("encode %s result: %w", r.Kind, err)
	}
	return wireResult{Kind: r.Kind.String(), Data: data}, nil
}

func decodeResult(w wireResult) (model.Result, error) {
	ops, err := resultOps(w.Kind)
	if err != nil {
		return model.Result{}, err
	}
	r, err := ops.DecodeResult(w.Data)
	if err != nil {
		return model.Result{}, errors.InvalidArgument("bad result", err)
	}
	return r, nil
}

func resultOps(name string) (capability.ResultOps, error) {
	kind, err := model.ParseResultKind(name)
	if err != nil {
		return nil, errors.InvalidArgument("bad result kind", err)
	}
	return capability.ForResult(kind)
}

func encodeTxns(txns []model.TxnWithMeta) ([]wireTxnWithMeta, error) {
	out := make([]wireTxnWithMeta, 0, len(txns))
	for _, t := range txns {
		wt, err := encodeTxn(t.Txn)
		if err != nil {
			return nil, err
		}
		out = append(out, wireTxnWithMeta{Versions: t.Versions, Txn: wt, Meta: t.Meta})
	}
	return out, nil
}

func decodeTxns(in []wireTxnWithMeta) ([]model.TxnWithMeta, error) {
	out := make([]model.TxnWithMeta, 0, len(in))
	for i := range in {
		txn, err := decodeTxn(&in[i].Txn)
		if err != nil {
			return nil, err
		}
		out = append(out, model.TxnWithMeta{Versions: in[i].Versions, Txn: txn, Meta: in[i].Meta})
	}
	return out, nil
}

func encodeFrame(f model.CatchupData) (*wireFrame, error) {
	out := &wireFrame{ToVersion: f.ToVersion, CaughtUp: f.CaughtUp}
	if f.Replace != nil {
		q, err := encodeQuery(f.Replace.Query)
		if err != nil {
			return nil, err
		}
		with, err := encodeResult(f.Replace.With)
		if err != nil {
			return nil, err
		}
		out.Replace = &wireReplace{Query: q, With: with, Versions: f.Replace.Versions}
	}
	txns, err := encodeTxns(f.Txns)
	if err != nil {
		return nil, err
	}
	out.Txns = txns
	return out, nil
}

func decodeFrame(w *wireFrame) (model.CatchupData, error) {
	if w == nil {
		return model.CatchupData{}, errors.InvalidArgument("missing frame", nil)
	}
	out := model.CatchupData{ToVersion: w.ToVersion, CaughtUp: w.CaughtUp}
	if out.ToVersion == nil {
		out.ToVersion = model.FullVersion{}
	}
	if w.Replace != nil {
		q, err := decodeQuery(&w.Replace.Query)
		if err != nil {
			return model.CatchupData{}, err
		}
		with, err := decodeResult(w.Replace.With)
		if err != nil {
			return model.CatchupData{}, err
		}
		out.Replace = &model.CatchupReplace{Query: q, With: with, Versions: w.Replace.Versions}
	}
	if len(w.Txns) > 0 {
		txns, err := decodeTxns(w.Txns)
		if err != nil {
			return model.CatchupData{}, err
		}
		out.Txns = txns
	}
	return out, nil
}

func encodeFetch(res *model.FetchResults) (*wireFetchResults, error) {
	results, err := encodeResult(res.Results)
	if err != nil {
		return nil, err
	}
	out := &wireFetchResults{Results: results, Versions: res.Versions}
	if res.BakedQuery != nil {
		baked, err := encodeQuery(*res.BakedQuery)
		if err != nil {
			return nil, err
		}
		out.BakedQuery = &baked
	}
	return out, nil
}

func decodeFetch(w *wireFetchResults) (*model.FetchResults, error) {
	if w == nil {
		return nil, errors.InvalidArgument("missing fetch results", nil)
	}
	results, err := decodeResult(w.Results)
	if err != nil {
		return nil, err
	}
	out := &model.FetchResults{Results: results, Versions: w.Versions}
	if w.BakedQuery != nil {
		baked, err := decodeQuery(w.BakedQuery)
		if err != nil {
			return nil, err
		}
		out.BakedQuery = &baked
	}
	return out, nil
}

func encodeError(err error) *wireError {
	return &wireError{Code: errors.GetCode(err).String(), Message: err.Error()}
}

func decodeError(w *wireError) error {
	if w == nil {
		return errors.InternalError("error response without details", nil)
	}
	return errors.NewSyncError(errors.ParseCode(w.Code), w.Message, nil)
}
