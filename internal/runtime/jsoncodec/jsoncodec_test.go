package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalIndent(t *testing.T) {
	indented, err := MarshalIndent(testPayload{ID: 42, Name: "chainflow"}, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"id\"")
}

func TestMarshalSortsMapKeys(t *testing.T) {
	first, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(first))
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, testPayload{ID: 7, Name: "stream"}))

	var out testPayload
	require.NoError(t, Decode(buf, &out))
	assert.Equal(t, testPayload{ID: 7, Name: "stream"}, out)
}

func TestNormalize(t *testing.T) {
	out, err := Normalize(testPayload{ID: 1, Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "n"}, out)

	_, err = Normalize(make(chan int))
	assert.Error(t, err)
}
