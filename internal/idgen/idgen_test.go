package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Monotonic(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	prev := g.NextOfferID()
	for i := 0; i < 1000; i++ {
		next := g.NextOfferID()
		assert.Less(t, prev, next)
		prev = next
	}
	assert.Len(t, prev, 20)
	assert.Equal(t, byte('T'), g.NextTradeID()[0])
}

func TestNew_RejectsBadNode(t *testing.T) {
	_, err := New(5000)
	assert.Error(t, err)
}
