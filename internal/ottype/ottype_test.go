package ottype

import (
	"testing"

	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Apply(t *testing.T) {
	tests := []struct {
		name       string
		val        interface{}
		exists     bool
		op         model.Op
		wantVal    interface{}
		wantExists bool
	}{
		{"set over missing", nil, false, model.Set("x"), "x", true},
		{"rm clears", "x", true, model.Rm(), nil, false},
		{"inc missing starts at zero", nil, false, model.Inc(2), float64(2), true},
		{"inc adds", 3, true, model.Inc(4), float64(7), true},
		{"sequence", nil, false, model.Op{{Type: "set", Data: 1}, {Type: "inc", Data: 1}}, float64(2), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, exists, err := Default.Apply(tt.val, tt.exists, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVal, val)
			assert.Equal(t, tt.wantExists, exists)
		})
	}
}

func TestRegistry_ApplyUnknownType(t *testing.T) {
	_, _, err := Default.Apply(nil, false, model.NewOp("splice", nil))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnsupportedKind, errors.GetCode(err))
}

func TestRegistry_Compose(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Op
		want model.Op
	}{
		{"set then set", model.Set(1), model.Set(2), model.Set(2)},
		{"set then inc", model.Set(1), model.Inc(2), model.Op{{Type: "set", Data: float64(3)}}},
		{"inc then inc", model.Inc(1), model.Inc(2), model.Op{{Type: "inc", Data: float64(3)}}},
		{"inc then rm", model.Inc(1), model.Rm(), model.Rm()},
		{"rm then inc", model.Rm(), model.Inc(5), model.Op{{Type: "set", Data: float64(5)}}},
		{"unknown stays a sequence", model.Set(1), model.NewOp("splice", "x"),
			model.Op{{Type: "set", Data: 1}, {Type: "splice", Data: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Default.Compose(tt.a, tt.b))
		})
	}
}

func TestRegistry_ComposeMatchesSequentialApply(t *testing.T) {
	a, b := model.Set(10), model.Inc(5)

	v1, e1, err := Default.Apply(nil, false, a)
	require.NoError(t, err)
	v1, e1, err = Default.Apply(v1, e1, b)
	require.NoError(t, err)

	v2, e2, err := Default.Apply(nil, false, Default.Compose(a, b))
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, e1, e2)
}
