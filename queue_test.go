package minerva

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueAck(t *testing.T) {
	q := NewQueue()
	q.Extend([]string{"a", "b"})
	assert.False(t, q.HandleSACK(NewSACK(0)))
	assert.Equal(t, []Item{{1, "b"}}, q.GetItems(0))
	assert.Equal(t, 1, q.QueuedCount())
	assert.Equal(t, 1, q.QueuedBytes())
	assert.Equal(t, 1, q.LastItemNumber())
}

func TestQueueSackList(t *testing.T) {
	q := NewQueue()
	q.Extend([]string{"zero", "one", "two", "three", "four"})
	assert.False(t, q.HandleSACK(NewSACK(-1, 1, 3)))
	assert.Equal(t, []int{0, 2, 4}, q.QueuedKeys())
	assert.Equal(t, len("zero")+len("two")+len("four"), q.QueuedBytes())

	// acking what's already gone is fine
	assert.False(t, q.HandleSACK(NewSACK(2, 3)))
	assert.Equal(t, []int{4}, q.QueuedKeys())
	assert.Equal(t, []Item{{4, "four"}}, q.GetItems(3))
	assert.Empty(t, q.GetItems(5))
}

func TestQueueBadSACK(t *testing.T) {
	q := NewQueue()
	assert.True(t, q.HandleSACK(NewSACK(0)), "nothing was ever queued")

	q.Extend([]string{"a", "b"})
	assert.True(t, q.HandleSACK(NewSACK(0, 2)))
	assert.Equal(t, []int{1}, q.QueuedKeys(), "the good part of the SACK still counts")
	assert.True(t, q.HandleSACK(NewSACK(5)))
	assert.Equal(t, 0, q.QueuedCount())
}

func TestQueueNumbersAreNeverReused(t *testing.T) {
	q := NewQueue()
	q.Append("a")
	q.HandleSACK(NewSACK(0))
	q.Append("b")
	assert.Equal(t, []Item{{1, "b"}}, q.GetItems(0))
	assert.Equal(t, 1, q.LastItemNumber())
}

func TestQueueGetItemsIsOrdered(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 100; i++ {
		q.Append("x")
	}
	items := q.GetItems(10)
	assert.Len(t, items, 90)
	for i, item := range items {
		assert.Equal(t, i+10, item.SeqNum)
	}
}
