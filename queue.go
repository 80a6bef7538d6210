package minerva

import (
	"sort"
)

// Item is a string together with its sequence number.
type Item struct {
	SeqNum int
	Value  string
}

// Queue keeps the strings that have been sent but not yet acknowledged.
// Sequence numbers start at 0 and are never reused.
type Queue struct {
	items       map[int]string
	lastItem    int
	queuedBytes int
}

func NewQueue() *Queue {
	return &Queue{items: make(map[int]string), lastItem: -1}
}

// Append queues s under the next sequence number.
func (q *Queue) Append(s string) {
	q.lastItem++
	q.items[q.lastItem] = s
	q.queuedBytes += len(s)
}

// Extend queues all of strings in order.
func (q *Queue) Extend(strings []string) {
	for _, s := range strings {
		q.Append(s)
	}
}

// GetItems returns the queued items with seqNum >= start, ascending.
func (q *Queue) GetItems(start int) []Item {
	items := make([]Item, 0, len(q.items))
	for n, s := range q.items {
		if n >= start {
			items = append(items, Item{SeqNum: n, Value: s})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SeqNum < items[j].SeqNum })
	return items
}

// HandleSACK removes every item the SACK acknowledges. It returns true if
// the SACK acknowledges a sequence number that was never queued.
func (q *Queue) HandleSACK(sack SACK) (badSACK bool) {
	if sack.AckNumber > q.lastItem {
		badSACK = true
	}
	for n, s := range q.items {
		if n <= sack.AckNumber {
			q.remove(n, s)
		}
	}
	for _, n := range sack.SackList {
		if n > q.lastItem {
			badSACK = true
			continue
		}
		if s, found := q.items[n]; found {
			q.remove(n, s)
		}
	}
	return badSACK
}

func (q *Queue) remove(n int, s string) {
	delete(q.items, n)
	q.queuedBytes -= len(s)
}

// QueuedCount is the number of unacknowledged items.
func (q *Queue) QueuedCount() int {
	return len(q.items)
}

// QueuedBytes is the total size of the unacknowledged items.
func (q *Queue) QueuedBytes() int {
	return q.queuedBytes
}

// LastItemNumber is the sequence number of the last item ever queued, or -1.
func (q *Queue) LastItemNumber() int {
	return q.lastItem
}

// QueuedKeys returns the sequence numbers still queued, ascending.
func (q *Queue) QueuedKeys() []int {
	keys := make([]int, 0, len(q.items))
	for n := range q.items {
		keys = append(keys, n)
	}
	sort.Ints(keys)
	return keys
}
