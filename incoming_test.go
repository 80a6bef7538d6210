package minerva

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testMaxCount = 50
	testMaxBytes = 1024 * 1024
)

func TestIncomingGap(t *testing.T) {
	in := NewIncoming()
	deliverable, hitLimit := in.Give([]Item{{0, "w"}}, testMaxCount, testMaxBytes)
	assert.Equal(t, []string{"w"}, deliverable)
	assert.False(t, hitLimit)

	deliverable, hitLimit = in.Give([]Item{{2, "y"}}, testMaxCount, testMaxBytes)
	assert.Empty(t, deliverable)
	assert.False(t, hitLimit)
	assert.Equal(t, NewSACK(0, 2), in.GetSACK())
	assert.Equal(t, 1, in.UndeliveredCount())
	assert.Equal(t, 1, in.UndeliveredBytes())

	deliverable, hitLimit = in.Give([]Item{{1, "x"}}, testMaxCount, testMaxBytes)
	assert.Equal(t, []string{"x", "y"}, deliverable)
	assert.False(t, hitLimit)
	assert.Equal(t, NewSACK(2), in.GetSACK())
	assert.Equal(t, 0, in.UndeliveredCount())
	assert.Equal(t, 0, in.UndeliveredBytes())
}

func TestIncomingDuplicates(t *testing.T) {
	in := NewIncoming()
	deliverable, _ := in.Give([]Item{{0, "a"}, {0, "a"}, {2, "c"}, {2, "c"}}, testMaxCount, testMaxBytes)
	assert.Equal(t, []string{"a"}, deliverable)
	assert.Equal(t, 1, in.UndeliveredCount())
	deliverable, _ = in.Give([]Item{{0, "a"}, {1, "b"}, {2, "c"}}, testMaxCount, testMaxBytes)
	assert.Equal(t, []string{"b", "c"}, deliverable)
}

func TestIncomingAnyOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		const n = 40
		items := make([]Item, n)
		expected := make([]string, n)
		for i := range items {
			items[i] = Item{i, strconv.Itoa(i)}
			expected[i] = strconv.Itoa(i)
		}
		r.Shuffle(n, func(i, j int) { items[i], items[j] = items[j], items[i] })

		in := NewIncoming()
		var delivered []string
		for _, item := range items {
			deliverable, hitLimit := in.Give([]Item{item}, testMaxCount, testMaxBytes)
			assert.False(t, hitLimit)
			delivered = append(delivered, deliverable...)
		}
		assert.Equal(t, expected, delivered)
		assert.Equal(t, NewSACK(n-1), in.GetSACK())
	}
}

func TestIncomingCountLimit(t *testing.T) {
	in := NewIncoming()
	deliverable, hitLimit := in.Give([]Item{{1, "a"}, {2, "b"}, {3, "c"}, {0, "z"}}, 2, testMaxBytes)
	assert.Empty(t, deliverable)
	assert.True(t, hitLimit)
	assert.Equal(t, NewSACK(-1, 1, 2), in.GetSACK(), "the rest is ignored")

	// the next string in order still goes through
	deliverable, hitLimit = in.Give([]Item{{0, "z"}}, 2, testMaxBytes)
	assert.Equal(t, []string{"z", "a", "b"}, deliverable)
	assert.False(t, hitLimit)
}

func TestIncomingByteLimit(t *testing.T) {
	in := NewIncoming()
	_, hitLimit := in.Give([]Item{{1, "12345"}}, testMaxCount, 10)
	assert.False(t, hitLimit)
	_, hitLimit = in.Give([]Item{{2, "123456"}}, testMaxCount, 10)
	assert.True(t, hitLimit)
	assert.Equal(t, 5, in.UndeliveredBytes())
}
