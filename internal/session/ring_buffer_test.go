package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fill(rb *RingBuffer[string], n int) {
	for i := 0; i < n; i++ {
		rb.Write(fmt.Sprintf("s-%d", i))
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer[string](10)
	assert.Empty(t, rb.ReadAll())
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer[string](10)
	fill(rb, 5)
	assert.Equal(t, []string{"s-0", "s-1", "s-2", "s-3", "s-4"}, rb.ReadAll())
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer[string](5)
	fill(rb, 8)

	// Oldest three dropped.
	assert.Equal(t, []string{"s-3", "s-4", "s-5", "s-6", "s-7"}, rb.ReadAll())
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer[string](3)
	fill(rb, 3)
	assert.Equal(t, []string{"s-0", "s-1", "s-2"}, rb.ReadAll())
}

func TestRingBuffer_ZeroCapacityKeepsLast(t *testing.T) {
	rb := NewRingBuffer[string](0)
	fill(rb, 4)
	assert.Equal(t, []string{"s-3"}, rb.ReadAll())
}
