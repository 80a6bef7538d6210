package minerva

import (
	"sort"

	"github.com/dustin/go-humanize"
)

// Incoming keeps received strings until they can be delivered in order. It
// takes advantage of the fact that sequence numbers are consecutive, so an
// arriving string is either the next one to deliver, a duplicate, or has to
// wait for a gap before it to be filled.
type Incoming struct {
	// maxSeqDelivered is the sequence number of the last string handed to
	// the application, -1 before the first one.
	maxSeqDelivered  int
	cached           map[int]string
	undeliveredBytes int
}

func NewIncoming() *Incoming {
	return &Incoming{maxSeqDelivered: -1, cached: make(map[int]string)}
}

// Give takes in received items in any order. It returns the strings which
// became deliverable, in order, and whether maxUndeliveredCount or
// maxUndeliveredBytes would have been exceeded. Once a limit is hit the rest
// of items are ignored.
func (in *Incoming) Give(items []Item, maxUndeliveredCount int, maxUndeliveredBytes int) (deliverable []string, hitLimit bool) {
	for _, item := range items {
		seq := item.SeqNum
		if seq <= in.maxSeqDelivered {
			continue
		}
		if seq == in.maxSeqDelivered+1 {
			deliverable = append(deliverable, item.Value)
			in.maxSeqDelivered = seq
			deliverable = in.drain(deliverable)
			continue
		}
		if _, found := in.cached[seq]; found {
			continue
		}
		if len(in.cached)+1 > maxUndeliveredCount || in.undeliveredBytes+len(item.Value) > maxUndeliveredBytes {
			log.Debugf("Receive window full with %d strings (%v), rejecting #%d",
				len(in.cached), humanize.Bytes(uint64(in.undeliveredBytes)), seq)
			hitLimit = true
			break
		}
		in.cached[seq] = item.Value
		in.undeliveredBytes += len(item.Value)
	}
	return deliverable, hitLimit
}

func (in *Incoming) drain(deliverable []string) []string {
	for {
		next := in.maxSeqDelivered + 1
		s, found := in.cached[next]
		if !found {
			return deliverable
		}
		delete(in.cached, next)
		in.undeliveredBytes -= len(s)
		in.maxSeqDelivered = next
		deliverable = append(deliverable, s)
	}
}

// GetSACK returns the acknowledgement for everything received so far.
func (in *Incoming) GetSACK() SACK {
	var list []int
	for seq := range in.cached {
		list = append(list, seq)
	}
	sort.Ints(list)
	return SACK{AckNumber: in.maxSeqDelivered, SackList: list}
}

// UndeliveredCount is the number of strings waiting for a gap to be filled.
func (in *Incoming) UndeliveredCount() int {
	return len(in.cached)
}

// UndeliveredBytes is the total size of the waiting strings.
func (in *Incoming) UndeliveredBytes() int {
	return in.undeliveredBytes
}
