package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	NodeID string   `json:"nodeId"`
	Items  []string `json:"items"`
}

func TestSmallPayloadsStayPlain(t *testing.T) {
	in := sample{NodeID: "n1", Items: []string{"a"}}
	data, err := Encode(in, DefaultCompressThreshold)
	require.NoError(t, err)

	plain, _ := json.Marshal(in)
	assert.Equal(t, plain, data)

	var out sample
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestLargePayloadsAreCompressed(t *testing.T) {
	in := sample{NodeID: "n1"}
	for i := 0; i < 500; i++ {
		in.Items = append(in.Items, strings.Repeat("x", 20))
	}
	data, err := Encode(in, DefaultCompressThreshold)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.True(t, env.Compressed)

	plain, _ := json.Marshal(in)
	assert.Less(t, len(data), len(plain))

	var out sample
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestDecodeRejectsCorruptCompressedData(t *testing.T) {
	data, err := json.Marshal(envelope{Compressed: true, Data: []byte("definitely not gzip")})
	require.NoError(t, err)

	var out sample
	assert.ErrorIs(t, Decode(data, &out), ErrDecode)
	assert.ErrorIs(t, Decode([]byte("{oops"), &out), ErrDecode)
}
