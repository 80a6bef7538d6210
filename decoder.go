package minerva

import (
	"bytes"
	"strconv"

	pool "github.com/libp2p/go-buffer-pool"
)

// DecoderStatus is the state of a response decoder. Once a decoder leaves
// StatusOK it stays there and returns no more strings.
type DecoderStatus int

const (
	StatusOK DecoderStatus = iota
	StatusTooLong
	StatusCorrupt
)

func (s DecoderStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTooLong:
		return "TOO_LONG"
	case StatusCorrupt:
		return "CORRUPT"
	}
	return "DecoderStatus(" + strconv.Itoa(int(s)) + ")"
}

// Err returns the error corresponding to a failed status, nil for StatusOK.
func (s DecoderStatus) Err() error {
	switch s {
	case StatusTooLong:
		return ErrDecoderTooLong
	case StatusCorrupt:
		return ErrDecoderCorrupt
	}
	return nil
}

// ResponseDecoder extracts frames from a response text that keeps growing.
// Feed is called with all the text received so far (since the last
// Compact) and returns only lines it has not returned before.
type ResponseDecoder interface {
	Feed(text []byte) ([]string, DecoderStatus)
	// Compact drops the consumed prefix of text and returns the rest. The
	// result must be what is passed to the next Feed, plus new data.
	Compact(text []byte) []byte
}

// NewlineDecoder splits a response into '\n' terminated lines, stripping an
// optional trailing '\r'.
type NewlineDecoder struct {
	MaxLength int

	offset int
	// scanned is where the search for the next '\n' resumes.
	scanned int
	status  DecoderStatus
}

func NewNewlineDecoder(maxLength int) *NewlineDecoder {
	return &NewlineDecoder{MaxLength: maxLength}
}

func (d *NewlineDecoder) Feed(text []byte) ([]string, DecoderStatus) {
	var lines []string
	for d.status == StatusOK {
		if d.scanned < d.offset {
			d.scanned = d.offset
		}
		idx := bytes.IndexByte(text[d.scanned:], '\n')
		if idx < 0 {
			d.scanned = len(text)
			if len(text)-d.offset > d.MaxLength+1 {
				d.status = StatusTooLong
			}
			break
		}
		end := d.scanned + idx
		line := text[d.offset:end]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > d.MaxLength {
			d.status = StatusTooLong
			break
		}
		lines = append(lines, string(line))
		d.offset = end + 1
		d.scanned = d.offset
	}
	return lines, d.status
}

func (d *NewlineDecoder) Compact(text []byte) []byte {
	n := copy(text, text[d.offset:])
	d.scanned -= d.offset
	d.offset = 0
	return text[:n]
}

// LengthPrefixedDecoder decodes items of the form "length:bytes", where
// length is ASCII decimal with no leading zeros.
type LengthPrefixedDecoder struct {
	MaxLength int

	offset int
	status DecoderStatus
}

func NewLengthPrefixedDecoder(maxLength int) *LengthPrefixedDecoder {
	return &LengthPrefixedDecoder{MaxLength: maxLength}
}

func (d *LengthPrefixedDecoder) Feed(text []byte) ([]string, DecoderStatus) {
	var items []string
	maxDigits := len(strconv.Itoa(d.MaxLength))
	for d.status == StatusOK {
		rest := text[d.offset:]
		colon := bytes.IndexByte(rest, ':')
		if colon < 0 {
			if len(rest) > maxDigits {
				d.status = StatusTooLong
			} else if !allDigits(rest) {
				d.status = StatusCorrupt
			}
			break
		}
		prefix := rest[:colon]
		if len(prefix) > maxDigits {
			d.status = StatusTooLong
			break
		}
		if len(prefix) == 0 || !allDigits(prefix) || (len(prefix) > 1 && prefix[0] == '0') {
			d.status = StatusCorrupt
			break
		}
		length, _ := strconv.Atoi(string(prefix))
		if length > d.MaxLength {
			d.status = StatusTooLong
			break
		}
		start := colon + 1
		if len(rest)-start < length {
			break
		}
		items = append(items, string(rest[start:start+length]))
		d.offset += start + length
	}
	return items, d.status
}

func (d *LengthPrefixedDecoder) Compact(text []byte) []byte {
	n := copy(text, text[d.offset:])
	d.offset = 0
	return text[:n]
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Framing is how a carrier separates frames.
type Framing int

const (
	NewlineFraming Framing = iota
	LengthPrefixFraming
)

// NewDecoder returns the response decoder matching the framing.
func (f Framing) NewDecoder(maxLength int) ResponseDecoder {
	if f == LengthPrefixFraming {
		return NewLengthPrefixedDecoder(maxLength)
	}
	return NewNewlineDecoder(maxLength)
}

// EncodeFrames returns the carrier payload for frames. The buffer comes
// from the buffer pool; whoever writes it out puts it back.
func EncodeFrames(frames []Frame, framing Framing) []byte {
	lines := make([]string, len(frames))
	size := 0
	for i, f := range frames {
		lines[i] = f.Encode()
		size += len(lines[i]) + 1
		if framing == LengthPrefixFraming {
			size += len(strconv.Itoa(len(lines[i])))
		}
	}
	b := bytes.NewBuffer(pool.Get(size)[:0])
	for _, line := range lines {
		if framing == LengthPrefixFraming {
			b.WriteString(strconv.Itoa(len(line)))
			b.WriteByte(':')
			b.WriteString(line)
		} else {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.Bytes()
}
