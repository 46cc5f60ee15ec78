// Package ottype holds the per-type operation set: how a named operation
// applies to a value and how two consecutive operations compose.
package ottype

import (
	"fmt"

	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

// Type is one named operation type.
type Type interface {
	Name() string
	// Apply returns the value after applying data to (val, exists).
	Apply(val interface{}, exists bool, data interface{}) (interface{}, bool, error)
	// Compose merges a (first) and b (second). ok is false when the pair
	// cannot be represented as one operation.
	Compose(a, b model.SingleOp) (model.SingleOp, bool)
}

// Registry maps operation type names to their implementation.
type Registry struct {
	types map[string]Type
}

// NewRegistry builds a registry with the given types.
func NewRegistry(types ...Type) *Registry {
	r := &Registry{types: make(map[string]Type, len(types))}
	for _, t := range types {
		r.types[t.Name()] = t
	}
	return r
}

// Default holds set, rm and inc.
var Default = NewRegistry(setType{}, rmType{}, incType{})

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Supports reports whether name is registered.
func (r *Registry) Supports(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Apply runs every part of op in order.
func (r *Registry) Apply(val interface{}, exists bool, op model.Op) (interface{}, bool, error) {
	for _, part := range op {
		t, ok := r.types[part.Type]
		if !ok {
			return nil, false, errors.UnsupportedOpType(part.Type)
		}
		var err error
		val, exists, err = t.Apply(val, exists, part.Data)
		if err != nil {
			return nil, false, fmt.Errorf("apply %s: %w", part.Type, err)
		}
	}
	return val, exists, nil
}

// Compose merges op a then op b into one Op. Adjacent parts that compose are
// folded; the rest stay an ordered sequence.
func (r *Registry) Compose(a, b model.Op) model.Op {
	out := make(model.Op, 0, len(a)+len(b))
	out = append(out, a...)
	for _, next := range b {
		if len(out) == 0 {
			out = append(out, next)
			continue
		}
		last := out[len(out)-1]
		if t, ok := r.types[next.Type]; ok {
			if merged, ok := t.Compose(last, next); ok {
				out[len(out)-1] = merged
				continue
			}
		}
		out = append(out, next)
	}
	return out
}

type setType struct{}

func (setType) Name() string { return "set" }

func (setType) Apply(_ interface{}, _ bool, data interface{}) (interface{}, bool, error) {
	return data, true, nil
}

// A later set wins over anything before it.
func (setType) Compose(_, b model.SingleOp) (model.SingleOp, bool) { return b, true }

type rmType struct{}

func (rmType) Name() string { return "rm" }

func (rmType) Apply(interface{}, bool, interface{}) (interface{}, bool, error) {
	return nil, false, nil
}

func (rmType) Compose(_, b model.SingleOp) (model.SingleOp, bool) { return b, true }

type incType struct{}

func (incType) Name() string { return "inc" }

func (incType) Apply(val interface{}, exists bool, data interface{}) (interface{}, bool, error) {
	n, err := toNumber(data)
	if err != nil {
		return nil, false, err
	}
	if !exists || val == nil {
		return n, true, nil
	}
	cur, err := toNumber(val)
	if err != nil {
		return nil, false, err
	}
	return cur + n, true, nil
}

func (incType) Compose(a, b model.SingleOp) (model.SingleOp, bool) {
	n, err := toNumber(b.Data)
	if err != nil {
		return model.SingleOp{}, false
	}
	switch a.Type {
	case "inc":
		m, err := toNumber(a.Data)
		if err != nil {
			return model.SingleOp{}, false
		}
		return model.SingleOp{Type: "inc", Data: m + n}, true
	case "set":
		m, err := toNumber(a.Data)
		if err != nil {
			return model.SingleOp{}, false
		}
		return model.SingleOp{Type: "set", Data: m + n}, true
	case "rm":
		return model.SingleOp{Type: "set", Data: n}, true
	}
	return model.SingleOp{}, false
}

// toNumber normalises JSON and Go numerics to float64.
func toNumber(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not a number", v, v)
	}
}
