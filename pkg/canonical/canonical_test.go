package canonical

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"b": 1, "a": "x", "c": []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[3,1]}`, string(out))
}

func TestHashStableAcrossFieldOrder(t *testing.T) {
	type left struct {
		Tenant string `json:"tenant"`
		Spend  string `json:"spend"`
	}
	type right struct {
		Spend  string `json:"spend"`
		Tenant string `json:"tenant"`
	}

	h1, err := Hash(left{Tenant: "T1", Spend: "231"})
	require.NoError(t, err)
	h2, err := Hash(right{Spend: "231", Tenant: "T1"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDistinguishesInputs(t *testing.T) {
	h1, err := Hash(map[string]decimal.Decimal{"limit": decimal.RequireFromString("500")})
	require.NoError(t, err)
	h2, err := Hash(map[string]decimal.Decimal{"limit": decimal.RequireFromString("501")})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytesMatchesHash(t *testing.T) {
	v := map[string]int{"z": 1, "a": 2}
	b, err := Marshal(v)
	require.NoError(t, err)
	h, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h, HashBytes(b))
}
