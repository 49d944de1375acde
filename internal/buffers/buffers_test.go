package buffers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrainReturnsAllAndEmptiesQueue(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	got := q.Drain()
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, q.Len())
}

func TestRequeuePrependsAheadOfNewPushes(t *testing.T) {
	q := New[string]()
	q.Push("new")

	failed := q.Drain()
	assert.Equal(t, []string{"new"}, failed)

	q.Push("newer")
	q.Requeue(failed)

	assert.Equal(t, []string{"new", "newer"}, q.Drain())
}

func TestDrainOfEmptyQueueReturnsNil(t *testing.T) {
	q := New[int]()
	assert.Nil(t, q.Drain())
}
