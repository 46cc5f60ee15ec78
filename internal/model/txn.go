package model

import (
	"bytes"
	"encoding/json"
)

// SingleOp is one named operation. NewVal optionally carries the value after
// the operation, used to degrade it for clients that cannot interpret Type.
type SingleOp struct {
	Type   string      `json:"type"`
	Data   interface{} `json:"data,omitempty"`
	NewVal interface{} `json:"newval,omitempty"`
}

// Op is a composed operation (one element) or an ordered sequence of operations
// whose type could not compose them.
type Op []SingleOp

// NewOp builds a one-element Op.
func NewOp(opType string, data interface{}) Op {
	return Op{{Type: opType, Data: data}}
}

// Set replaces a value.
func Set(data interface{}) Op { return NewOp("set", data) }

// Rm removes a value.
func Rm() Op { return NewOp("rm", nil) }

// Inc adds to a numeric value.
func Inc(n interface{}) Op { return NewOp("inc", n) }

// MarshalJSON writes a single operation as an object and a sequence as an array.
func (o Op) MarshalJSON() ([]byte, error) {
	if len(o) == 1 {
		return json.Marshal(o[0])
	}
	return json.Marshal([]SingleOp(o))
}

// UnmarshalJSON accepts both forms written by MarshalJSON.
func (o *Op) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var ops []SingleOp
		if err := json.Unmarshal(data, &ops); err != nil {
			return err
		}
		*o = ops
		return nil
	}
	var op SingleOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}
	*o = Op{op}
	return nil
}

// KVTxn maps keys to operations.
type KVTxn map[string]Op

// KVOp is one keyed operation inside a RangeTxn.
type KVOp struct {
	Key string
	Op  Op
}

// RangeTxn holds, per query range, the keyed operations touching it.
type RangeTxn [][]KVOp

// Txn is a tagged union over result kinds: Single for ResultKindSingle, KV for
// ResultKindKV, Range for ResultKindRange.
type Txn struct {
	Kind   ResultKind
	Single Op
	KV     KVTxn
	Range  RangeTxn
}

func SingleTxn(op Op) Txn { return Txn{Kind: ResultKindSingle, Single: op} }

func KVTxnOf(kv KVTxn) Txn { return Txn{Kind: ResultKindKV, KV: kv} }

// IsEmpty reports whether the transaction carries no operations.
func (t Txn) IsEmpty() bool {
	switch t.Kind {
	case ResultKindSingle:
		return len(t.Single) == 0
	case ResultKindKV:
		return len(t.KV) == 0
	case ResultKindRange:
		for _, r := range t.Range {
			if len(r) > 0 {
				return false
			}
		}
		return true
	}
	return true
}

// Metadata is attached to each committed transaction.
type Metadata struct {
	UID string `json:"uid,omitempty"`
	TS  int64  `json:"ts,omitempty"`
}

// TxnWithMeta is a committed transaction with the versions it produced.
// Versions lists only the sources the transaction changed.
type TxnWithMeta struct {
	Versions FullVersion
	Txn      Txn
	Meta     Metadata
}

// KVPair is one entry of a range result.
type KVPair struct {
	Key string
	Val interface{}
}

// Result is a snapshot, tagged like Txn: Single, KV (key to value) or Range
// (per query range, the ordered pairs inside it). A nil inner Range slice marks
// a range that is not part of the data (used by replace frames).
type Result struct {
	Kind   ResultKind
	Single interface{}
	KV     map[string]interface{}
	Range  [][]KVPair
}

// EmptyResult returns the zero snapshot of a kind.
func EmptyResult(kind ResultKind) Result {
	switch kind {
	case ResultKindKV:
		return Result{Kind: kind, KV: map[string]interface{}{}}
	case ResultKindRange:
		return Result{Kind: kind, Range: [][]KVPair{}}
	default:
		return Result{Kind: kind}
	}
}
