package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRange_Contains(t *testing.T) {
	r := StaticRange{Low: Sel("b", false), High: Sel("d", false)}
	assert.False(t, r.Contains("a"))
	assert.True(t, r.Contains("b"))
	assert.True(t, r.Contains("c"))
	assert.False(t, r.Contains("d"))

	r = StaticRange{Low: Sel("b", true), High: Sel("d", true)}
	assert.False(t, r.Contains("b"))
	assert.True(t, r.Contains("d"))

	p := PrefixRange("post/")
	assert.True(t, p.Contains("post/1"))
	assert.False(t, p.Contains("author/1"))
}

func TestQueryKind_ParseRoundTrip(t *testing.T) {
	for _, k := range []QueryKind{QueryKindSingle, QueryKindKV, QueryKindAllKV, QueryKindRange, QueryKindStaticRange} {
		parsed, err := ParseQueryKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseQueryKind("graph")
	assert.Error(t, err)
}

func TestCapabilities_Bits(t *testing.T) {
	caps := Capabilities{
		QueryKinds:    QueryBits(QueryKindKV, QueryKindAllKV),
		MutationKinds: MutationBits(ResultKindKV),
	}
	assert.True(t, caps.SupportsQuery(QueryKindKV))
	assert.False(t, caps.SupportsQuery(QueryKindSingle))
	assert.True(t, caps.SupportsMutation(ResultKindKV))
	assert.False(t, caps.SupportsMutation(ResultKindSingle))
}

func TestOp_JSONForms(t *testing.T) {
	single, err := json.Marshal(Set(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"set","data":1}`, string(single))

	seq := Op{{Type: "inc", Data: 1}, {Type: "custom", Data: "x"}}
	data, err := json.Marshal(seq)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"inc","data":1},{"type":"custom","data":"x"}]`, string(data))

	var back Op
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Len(t, back, 2)
	require.NoError(t, json.Unmarshal(single, &back))
	assert.Equal(t, "set", back[0].Type)
}
