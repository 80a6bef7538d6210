package minerva

import (
	"strconv"
)

// TransportKind is the kind of carrier a transport runs over.
type TransportKind int

const (
	HTTPLongPoll TransportKind = iota
	HTTPStream
	Socket
)

func (k TransportKind) String() string {
	switch k {
	case HTTPLongPoll:
		return "HTTP_LONGPOLL"
	case HTTPStream:
		return "HTTP_STREAM"
	case Socket:
		return "SOCKET"
	}
	return "TransportKind(" + strconv.Itoa(int(k)) + ")"
}

// canFlushMoreThanOnce is true for persistent connections. An HTTP request
// has exactly one body.
func (k TransportKind) canFlushMoreThanOnce() bool {
	return k == Socket
}

func (k TransportKind) isHTTP() bool {
	return k == HTTPLongPoll || k == HTTPStream
}

// streams reports whether the peer keeps the response open and sends
// heartbeats.
func (k TransportKind) streams() bool {
	return k == HTTPStream || k == Socket
}

// CarrierRequest describes the carrier a transport needs.
type CarrierRequest struct {
	StreamID        string
	TransportNumber int
	Kind            TransportKind
}

// Dialer opens carriers. Implementations must not block in Dial: network I/O
// happens on the carrier's own goroutines.
type Dialer interface {
	// Persistent reports whether carriers stay open for many writes. If so
	// all transports are of kind Socket, otherwise HTTP.
	Persistent() bool
	Framing() Framing
	Dial(req CarrierRequest, l CarrierListener) Carrier
	Label() string
}

// ResourcePreparer is implemented by dialers which need asynchronous setup
// before the first carrier can be dialed. Prepare calls done exactly once,
// from any goroutine.
type ResourcePreparer interface {
	Prepare(done func(error))
}

// Carrier is one HTTP request or one socket.
type Carrier interface {
	// Write sends payload and takes ownership of it: the carrier returns it
	// to the buffer pool once written. HTTP carriers accept one Write.
	Write(payload []byte) error
	// Close aborts the carrier. It is safe to call more than once.
	Close()
}

// CarrierListener receives what happens on a carrier. Calls may come from
// any goroutine, but never concurrently, and OnClosed is the last one.
type CarrierListener interface {
	// OnHeaders is called when response headers arrive, with -1 if the
	// content length is unknown. Socket carriers call it once connected.
	OnHeaders(contentLength int64)
	// OnData passes a chunk taken from the buffer pool; the listener puts
	// it back.
	OnData(chunk []byte)
	OnClosed(err error)
}
