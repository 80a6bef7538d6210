// Package minerva provides a reliable, ordered, bidirectional stream of
// strings between a client and a server, carried over transports which come
// and go: HTTP long-poll requests, HTTP streaming requests and persistent
// sockets.
//
// The terms stream and transport used here:
//
// - stream: the long-lived logical session, identified by a random stream ID.
//
// - transport: one carrier instance (one HTTP request or one socket) which
// serves the stream for a while. At most one transport, the primary, receives
// strings from the peer. A secondary transport is opened only to deliver
// strings and SACKs when the primary can't.
//
// Every transport carries a sequence of frames. Each frame is a single line
// whose LAST byte tells its type. The first frame a transport sends is
// always a Hello frame, a compact JSON object.
//
//	 ----------------------------
//	|  payload (...)  |  tag(1)  |
//	 ----------------------------
//
//	 tag  frame          payload
//	 ' '  String         restricted string
//	 'N'  SeqNum         sequence number of the next String frame
//	 'A'  Sack           sackList|ackNumber
//	 'T'  StreamStatus   sackList|ackNumber, the last SACK the peer has seen
//	 'C'  StreamCreated
//	 'Y'  YouCloseIt
//	 '^'  Comment        anything, ';)]}' starts every HTTP response
//	 '!'  Reset          reason|0 or reason|1
//	 'K'  TransportKill  one of the kill reasons
//	 'H'  Hello          JSON
//
// HTTP carriers separate frames with '\n'. Socket carriers prefix every frame
// with its decimal length and a ':'.
//
// Strings are numbered from 0. The receiver acknowledges with a SACK which
// says that every string up to ackNumber has been received, plus those in
// sackList.
//
// All stream and transport state is mutated on a single Scheduler. Carriers
// do their network I/O on their own goroutines and post results back.
package minerva

import (
	"github.com/getlantern/golog"
	"github.com/pkg/errors"
)

// ProtocolVersion is sent in every Hello frame.
const ProtocolVersion = 2

var (
	ErrStreamReset     = errors.New("stream is resetting or disconnected")
	ErrStreamStarted   = errors.New("stream already started")
	ErrInvalidString   = errors.New("string contains characters outside 0x20-0x7E")
	ErrCarrierOneShot  = errors.New("carrier can only be written once")
	ErrDecoderTooLong  = errors.New("frame exceeds maximum length")
	ErrDecoderCorrupt  = errors.New("corrupt length prefix")
	ErrMissingPreamble = errors.New("response did not start with the preamble comment")
	log                = golog.LoggerFor("minerva")
)

// IsRestrictedString reports whether every byte of s is within 0x20-0x7E.
func IsRestrictedString(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
