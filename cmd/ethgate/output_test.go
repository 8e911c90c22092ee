package main

import (
	"bytes"
	"testing"

	"github.com/itchyny/gojq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	v := map[string]interface{}{
		"network": "mainnet",
		"height":  42,
		"tags":    []string{"a", "b"},
	}

	t.Run("no filter prints indented JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, "", v))
		assert.JSONEq(t, `{"network":"mainnet","height":42,"tags":["a","b"]}`, buf.String())
		assert.Contains(t, buf.String(), "\n  ")
	})

	t.Run("string results are printed raw", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, ".network", v))
		assert.Equal(t, "mainnet\n", buf.String())
	})

	t.Run("each result on its own line", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, ".tags[]", v))
		assert.Equal(t, "a\nb\n", buf.String())
	})

	t.Run("invalid filter", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeJSON(&buf, ".[", v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse jq filter")
	})

	t.Run("runtime error", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeJSON(&buf, ".network + 1", v)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "jq:")
	})
}

func TestMatchesAll(t *testing.T) {
	event, err := toJQValue(map[string]interface{}{
		"txid":         "ab",
		"block_height": 100,
		"value":        "5000",
	})
	require.NoError(t, err)

	compile := func(filters ...string) []*gojq.Code {
		codes := make([]*gojq.Code, 0, len(filters))
		for _, f := range filters {
			code, err := compileJQ(f)
			require.NoError(t, err)
			codes = append(codes, code)
		}
		return codes
	}

	tests := []struct {
		name    string
		filters []string
		want    bool
	}{
		{"no filters", nil, true},
		{"single match", []string{`.txid == "ab"`}, true},
		{"all match", []string{`.txid == "ab"`, `.block_height > 50`}, true},
		{"one fails", []string{`.txid == "ab"`, `.block_height > 500`}, false},
		{"null is falsy", []string{`.missing`}, false},
		{"value is truthy", []string{`.value`}, true},
		{"empty output", []string{`empty`}, false},
		{"error", []string{`.value | tonumber | . / "x"`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesAll(compile(tt.filters...), event))
		})
	}
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]interface{}{}))
}
