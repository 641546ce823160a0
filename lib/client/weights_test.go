package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightHeapOrder(t *testing.T) {
	h := newWeightHeap()
	h.set(3, 30)
	h.set(1, 10)
	h.set(2, 10)
	h.set(4, 5)
	// raising a weight moves the entry back
	h.set(4, 50)
	require.Equal(t, 4, h.Len())

	var order []uint64
	for {
		w, ok := h.next()
		if !ok {
			break
		}
		order = append(order, w.id)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, order)
	assert.Zero(t, h.Len())
	assert.Empty(t, h.byID)
}
