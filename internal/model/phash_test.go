package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPHashRoundTrip(t *testing.T) {
	// High bit set: the BIGINT column sees a negative value, the bit cast
	// must restore the original hash.
	h := PHash(0xF0F0F0F0F0F0F0F0)

	v, err := h.Value()
	require.NoError(t, err)
	i, ok := v.(int64)
	require.True(t, ok)
	assert.Negative(t, i)

	var back PHash
	require.NoError(t, back.Scan(i))
	assert.Equal(t, h, back)
}

func TestPHashScanRejectsOtherTypes(t *testing.T) {
	var h PHash
	assert.Error(t, h.Scan("not an int"))
}
