package minerva

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Frame is one wire-format unit. The set of frame kinds is closed: every
// implementation lives in this file.
type Frame interface {
	// Encode returns the single-line representation, tag byte last.
	Encode() string
	frameTag() byte
}

const (
	tagString        = ' '
	tagSeqNum        = 'N'
	tagSack          = 'A'
	tagStreamStatus  = 'T'
	tagStreamCreated = 'C'
	tagYouCloseIt    = 'Y'
	tagComment       = '^'
	tagReset         = '!'
	tagTransportKill = 'K'
	tagHello         = 'H'
)

// Preamble is the comment every HTTP response starts with.
const Preamble = ";)]}"

// StringFrame carries one application string.
type StringFrame struct {
	Value string
}

// SeqNumFrame sets the sequence number of the next StringFrame.
type SeqNumFrame struct {
	SeqNum int
}

// SackFrame acknowledges strings the sender of the frame has received.
type SackFrame struct {
	SACK SACK
}

// StreamStatusFrame tells which of our SACKs the peer has seen last.
type StreamStatusFrame struct {
	LastSackSeen SACK
}

// StreamCreatedFrame confirms that the peer has created the stream.
type StreamCreatedFrame struct{}

// YouCloseItFrame asks the receiver to close the transport.
type YouCloseItFrame struct{}

// CommentFrame is ignored by the receiver.
type CommentFrame struct {
	Comment string
}

// ResetFrame tears down the stream.
type ResetFrame struct {
	Reason           string
	ApplicationLevel bool
}

// KillReason is why the peer killed a transport.
type KillReason string

const (
	KillStreamAttachFailure    KillReason = "stream_attach_failure"
	KillAckedUnsentStrings     KillReason = "acked_unsent_strings"
	KillInvalidFrameTypeOrArgs KillReason = "invalid_frame_type_or_arguments"
	KillFrameCorruption        KillReason = "frame_corruption"
	KillReceiveWindowOverflow  KillReason = "rwin_overflow"
)

var killReasons = map[KillReason]bool{
	KillStreamAttachFailure:    true,
	KillAckedUnsentStrings:     true,
	KillInvalidFrameTypeOrArgs: true,
	KillFrameCorruption:        true,
	KillReceiveWindowOverflow:  true,
}

// penalty is how much a kill with this reason counts against the stream.
func (r KillReason) penalty() float64 {
	switch r {
	case KillStreamAttachFailure:
		return 1
	case KillAckedUnsentStrings:
		return 0.5
	}
	return 0
}

// TransportKillFrame tells the receiver its transport is being killed.
type TransportKillFrame struct {
	Reason KillReason
}

func (f StringFrame) Encode() string        { return f.Value + string(tagString) }
func (f SeqNumFrame) Encode() string        { return strconv.Itoa(f.SeqNum) + string(tagSeqNum) }
func (f SackFrame) Encode() string          { return f.SACK.String() + string(tagSack) }
func (f StreamStatusFrame) Encode() string  { return f.LastSackSeen.String() + string(tagStreamStatus) }
func (f StreamCreatedFrame) Encode() string { return string(tagStreamCreated) }
func (f YouCloseItFrame) Encode() string    { return string(tagYouCloseIt) }
func (f CommentFrame) Encode() string       { return f.Comment + string(tagComment) }
func (f TransportKillFrame) Encode() string { return string(f.Reason) + string(tagTransportKill) }

func (f ResetFrame) Encode() string {
	level := "0"
	if f.ApplicationLevel {
		level = "1"
	}
	return f.Reason + "|" + level + string(tagReset)
}

func (StringFrame) frameTag() byte        { return tagString }
func (SeqNumFrame) frameTag() byte        { return tagSeqNum }
func (SackFrame) frameTag() byte          { return tagSack }
func (StreamStatusFrame) frameTag() byte  { return tagStreamStatus }
func (StreamCreatedFrame) frameTag() byte { return tagStreamCreated }
func (YouCloseItFrame) frameTag() byte    { return tagYouCloseIt }
func (CommentFrame) frameTag() byte       { return tagComment }
func (ResetFrame) frameTag() byte         { return tagReset }
func (TransportKillFrame) frameTag() byte { return tagTransportKill }
func (HelloFrame) frameTag() byte         { return tagHello }

// InvalidFrameError is returned when a line can't be decoded.
type InvalidFrameError struct {
	Line   string
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return "invalid frame " + strconv.Quote(truncateForLog(e.Line)) + ": " + e.Reason
}

// IsInvalidFrame reports whether err is a frame or Hello decoding error.
func IsInvalidFrame(err error) bool {
	switch errors.Cause(err).(type) {
	case *InvalidFrameError, *InvalidHelloError:
		return true
	}
	return false
}

func invalidFrame(line, format string, args ...interface{}) error {
	return &InvalidFrameError{Line: line, Reason: errors.Errorf(format, args...).Error()}
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) string {
	return f.Encode()
}

// DecodeFrame decodes one line. The type is chosen by the last byte only.
func DecodeFrame(line string) (Frame, error) {
	if line == "" {
		return nil, invalidFrame(line, "empty")
	}
	body := line[:len(line)-1]
	switch line[len(line)-1] {
	case tagString:
		return StringFrame{Value: body}, nil
	case tagSeqNum:
		n, ok := parseStrictInt(body)
		if !ok {
			return nil, invalidFrame(line, "bad seqNum")
		}
		return SeqNumFrame{SeqNum: n}, nil
	case tagSack:
		sack, err := ParseSACK(body)
		if err != nil {
			return nil, invalidFrame(line, "%v", err)
		}
		return SackFrame{SACK: sack}, nil
	case tagStreamStatus:
		sack, err := ParseSACK(body)
		if err != nil {
			return nil, invalidFrame(line, "%v", err)
		}
		return StreamStatusFrame{LastSackSeen: sack}, nil
	case tagStreamCreated:
		if body != "" {
			return nil, invalidFrame(line, "unexpected payload")
		}
		return StreamCreatedFrame{}, nil
	case tagYouCloseIt:
		if body != "" {
			return nil, invalidFrame(line, "unexpected payload")
		}
		return YouCloseItFrame{}, nil
	case tagComment:
		return CommentFrame{Comment: body}, nil
	case tagReset:
		return decodeReset(line, body)
	case tagTransportKill:
		reason := KillReason(body)
		if !killReasons[reason] {
			return nil, invalidFrame(line, "unknown kill reason")
		}
		return TransportKillFrame{Reason: reason}, nil
	case tagHello:
		hello, err := DecodeHello(body)
		if err != nil {
			return nil, err
		}
		return hello, nil
	}
	return nil, invalidFrame(line, "unknown tag %q", line[len(line)-1])
}

func decodeReset(line, body string) (Frame, error) {
	idx := strings.LastIndexByte(body, '|')
	if idx < 0 {
		return nil, invalidFrame(line, "reset without '|'")
	}
	reason, level := body[:idx], body[idx+1:]
	if !IsRestrictedString(reason) {
		return nil, invalidFrame(line, "reset reason not restricted")
	}
	switch level {
	case "0":
		return ResetFrame{Reason: reason}, nil
	case "1":
		return ResetFrame{Reason: reason, ApplicationLevel: true}, nil
	}
	return nil, invalidFrame(line, "bad applicationLevel")
}

func truncateForLog(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
