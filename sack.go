package minerva

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxSafeInt is the largest integer accepted anywhere on the wire.
const maxSafeInt = 1 << 53

// SACK is a selective acknowledgement: every sequence number up to and
// including AckNumber has been received, plus those in SackList. Build values
// with NewSACK or ParseSACK; both keep an empty SackList nil, which is what
// decoding produces.
type SACK struct {
	AckNumber int
	SackList  []int
}

// NewSACK builds a SACK with a sorted, de-duplicated sackList.
func NewSACK(ackNumber int, sackList ...int) SACK {
	list := make([]int, 0, len(sackList))
	list = append(list, sackList...)
	sort.Ints(list)
	out := list[:0]
	for i, n := range list {
		if i > 0 && n == list[i-1] {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		out = nil
	}
	return SACK{AckNumber: ackNumber, SackList: out}
}

// initialSACK is the SACK of a side that has received nothing.
var initialSACK = SACK{AckNumber: -1}

// Equal compares two SACKs structurally.
func (s SACK) Equal(o SACK) bool {
	if s.AckNumber != o.AckNumber || len(s.SackList) != len(o.SackList) {
		return false
	}
	for i := range s.SackList {
		if s.SackList[i] != o.SackList[i] {
			return false
		}
	}
	return true
}

// validate checks the rules ParseSACK enforces on the wire form.
func (s SACK) validate() error {
	if s.AckNumber < -1 || s.AckNumber > maxSafeInt {
		return errors.Errorf("bad ackNumber %d", s.AckNumber)
	}
	for i, n := range s.SackList {
		if n < 0 || n > maxSafeInt {
			return errors.Errorf("bad sackList entry %d", n)
		}
		if i > 0 && n <= s.SackList[i-1] {
			return errors.New("sackList not strictly ascending")
		}
	}
	return nil
}

func (s SACK) String() string {
	var b strings.Builder
	for i, n := range s.SackList {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(n))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(s.AckNumber))
	return b.String()
}

// ParseSACK parses the "sackList|ackNumber" wire form.
func ParseSACK(s string) (SACK, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 2 {
		return SACK{}, errors.Errorf("sack %q: want exactly one '|'", s)
	}
	var ack int
	if parts[1] == "-1" {
		ack = -1
	} else {
		n, ok := parseStrictInt(parts[1])
		if !ok {
			return SACK{}, errors.Errorf("sack %q: bad ackNumber", s)
		}
		ack = n
	}
	var list []int
	if parts[0] != "" {
		for _, p := range strings.Split(parts[0], ",") {
			n, ok := parseStrictInt(p)
			if !ok {
				return SACK{}, errors.Errorf("sack %q: bad sackList entry %q", s, p)
			}
			if len(list) > 0 && n <= list[len(list)-1] {
				return SACK{}, errors.Errorf("sack %q: sackList not strictly ascending", s)
			}
			list = append(list, n)
		}
	}
	return SACK{AckNumber: ack, SackList: list}, nil
}

// parseStrictInt parses a non-negative decimal integer with no sign and no
// leading zeros, no larger than 2^53.
func parseStrictInt(s string) (int, bool) {
	if s == "" || len(s) > 16 {
		return 0, false
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n > maxSafeInt {
		return 0, false
	}
	return int(n), true
}
