package minerva

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// HTTPFormat tells the peer how to format an HTTP response.
type HTTPFormat int

const (
	// FormatNone is used by socket transports.
	FormatNone     HTTPFormat = 0
	FormatXHR      HTTPFormat = 2
	FormatHTMLFile HTTPFormat = 3
)

const (
	maxNeedPaddingBytes = 16 * 1024
	maxMaxInactivity    = 600
)

var streamIDPattern = regexp.MustCompile(`^[\x00-\x7F]{20,30}$`)

// HelloFrame is always the first frame a transport sends. It identifies the
// stream and negotiates how the peer should use the transport.
type HelloFrame struct {
	TransportNumber   int
	Version           int
	HTTPFormat        HTTPFormat
	RequestNewStream  bool
	StreamID          string
	StreamingResponse bool
	NeedPaddingBytes  int
	// MaxReceiveBytes of 0 means the transport wants no strings.
	MaxReceiveBytes int
	// MaxOpenTime and MaxInactivity are in seconds.
	MaxOpenTime          int
	MaxInactivity        int
	WantsTCPAck          bool
	SucceedsTransport    *int
	SACK                 SACK
	LastSackSeenByClient *SACK
}

// WantsStrings reports whether the sender wants to be the primary transport.
func (f HelloFrame) WantsStrings() bool {
	return f.MaxReceiveBytes > 0
}

// InvalidHelloError is returned when a Hello frame fails validation.
type InvalidHelloError struct {
	Reason string
}

func (e *InvalidHelloError) Error() string {
	return "invalid hello: " + e.Reason
}

func invalidHello(format string, args ...interface{}) error {
	return &InvalidHelloError{Reason: errors.Errorf(format, args...).Error()}
}

type helloWire struct {
	TransportNumber      int     `json:"tnum"`
	Version              int     `json:"ver"`
	HTTPFormat           *int    `json:"format,omitempty"`
	RequestNewStream     bool    `json:"new"`
	StreamID             string  `json:"id"`
	StreamingResponse    bool    `json:"ming"`
	NeedPaddingBytes     int     `json:"pad,omitempty"`
	MaxReceiveBytes      int     `json:"maxb"`
	MaxOpenTime          int     `json:"maxt"`
	MaxInactivity        int     `json:"maxia,omitempty"`
	WantsTCPAck          bool    `json:"tcpack,omitempty"`
	SucceedsTransport    *int    `json:"eeds,omitempty"`
	SACK                 string  `json:"sack"`
	LastSackSeenByClient *string `json:"seenack,omitempty"`
}

// Validate checks f against the rules DecodeHello applies. Encode doesn't
// validate, and a frame failing Validate won't decode.
func (f HelloFrame) Validate() error {
	switch {
	case f.TransportNumber < 0 || f.TransportNumber > maxSafeInt:
		return invalidHello("bad transport number %d", f.TransportNumber)
	case f.Version != ProtocolVersion:
		return invalidHello("unsupported version %d", f.Version)
	case f.HTTPFormat != FormatNone && f.HTTPFormat != FormatXHR && f.HTTPFormat != FormatHTMLFile:
		return invalidHello("bad format %d", f.HTTPFormat)
	case !streamIDPattern.MatchString(f.StreamID):
		return invalidHello("bad stream id")
	case f.NeedPaddingBytes < 0 || f.NeedPaddingBytes > maxNeedPaddingBytes:
		return invalidHello("bad padding %d", f.NeedPaddingBytes)
	case f.MaxReceiveBytes < 0 || f.MaxReceiveBytes > maxSafeInt:
		return invalidHello("bad maxb %d", f.MaxReceiveBytes)
	case f.MaxOpenTime < 0 || f.MaxOpenTime > maxSafeInt:
		return invalidHello("bad maxt %d", f.MaxOpenTime)
	case f.MaxInactivity < 0 || f.MaxInactivity > maxMaxInactivity:
		return invalidHello("bad maxia %d", f.MaxInactivity)
	case f.SucceedsTransport != nil && (*f.SucceedsTransport < 0 || *f.SucceedsTransport > maxSafeInt):
		return invalidHello("bad eeds %d", *f.SucceedsTransport)
	}
	if err := f.SACK.validate(); err != nil {
		return invalidHello("sack: %v", err)
	}
	if f.LastSackSeenByClient != nil {
		if err := f.LastSackSeenByClient.validate(); err != nil {
			return invalidHello("seenack: %v", err)
		}
	}
	return nil
}

func (f HelloFrame) Encode() string {
	w := helloWire{
		TransportNumber:   f.TransportNumber,
		Version:           f.Version,
		RequestNewStream:  f.RequestNewStream,
		StreamID:          f.StreamID,
		StreamingResponse: f.StreamingResponse,
		NeedPaddingBytes:  f.NeedPaddingBytes,
		MaxReceiveBytes:   f.MaxReceiveBytes,
		MaxOpenTime:       f.MaxOpenTime,
		MaxInactivity:     f.MaxInactivity,
		WantsTCPAck:       f.WantsTCPAck,
		SucceedsTransport: f.SucceedsTransport,
		SACK:              f.SACK.String(),
	}
	if f.HTTPFormat != FormatNone {
		format := int(f.HTTPFormat)
		w.HTTPFormat = &format
	}
	if f.LastSackSeenByClient != nil {
		seen := f.LastSackSeenByClient.String()
		w.LastSackSeenByClient = &seen
	}
	b, err := json.Marshal(w)
	if err != nil {
		// helloWire only holds ints, bools and strings
		panic(err)
	}
	return string(b) + string(tagHello)
}

// DecodeHello decodes and validates the JSON body of a Hello frame.
func DecodeHello(body string) (HelloFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return HelloFrame{}, invalidHello("not a JSON object: %v", err)
	}
	if fields == nil {
		return HelloFrame{}, invalidHello("not a JSON object")
	}
	h := helloReader{fields: fields}
	f := HelloFrame{
		TransportNumber:   h.int("tnum", true, 0, maxSafeInt),
		Version:           h.int("ver", true, ProtocolVersion, ProtocolVersion),
		RequestNewStream:  h.bool("new", true),
		StreamID:          h.string("id", true),
		StreamingResponse: h.bool("ming", true),
		NeedPaddingBytes:  h.int("pad", false, 0, maxNeedPaddingBytes),
		MaxReceiveBytes:   h.int("maxb", true, 0, maxSafeInt),
		MaxOpenTime:       h.int("maxt", true, 0, maxSafeInt),
		MaxInactivity:     h.int("maxia", false, 0, maxMaxInactivity),
		WantsTCPAck:       h.bool("tcpack", false),
		SACK:              h.sack("sack", true),
	}
	if h.present("format") {
		format := HTTPFormat(h.int("format", true, int(FormatXHR), int(FormatHTMLFile)))
		f.HTTPFormat = format
	}
	if h.present("eeds") {
		n := h.int("eeds", true, 0, maxSafeInt)
		f.SucceedsTransport = &n
	}
	if h.present("seenack") {
		seen := h.sack("seenack", true)
		f.LastSackSeenByClient = &seen
	}
	for key := range fields {
		if !helloKeys[key] && h.err == nil {
			h.fail("unknown key %q", key)
		}
	}
	if h.err != nil {
		return HelloFrame{}, h.err
	}
	if err := f.Validate(); err != nil {
		return HelloFrame{}, err
	}
	return f, nil
}

var helloKeys = map[string]bool{
	"tnum": true, "ver": true, "format": true, "new": true, "id": true,
	"ming": true, "pad": true, "maxb": true, "maxt": true, "maxia": true,
	"tcpack": true, "eeds": true, "sack": true, "seenack": true,
}

// helloReader validates the fields of a Hello, keeping the first error.
type helloReader struct {
	fields map[string]json.RawMessage
	err    error
}

func (h *helloReader) fail(format string, args ...interface{}) {
	if h.err == nil {
		h.err = invalidHello(format, args...)
	}
}

// present reports whether key is set to something other than null.
func (h *helloReader) present(key string) bool {
	raw, ok := h.fields[key]
	return ok && string(raw) != "null"
}

func (h *helloReader) raw(key string, required bool) (json.RawMessage, bool) {
	if !h.present(key) {
		if required {
			h.fail("missing %q", key)
		}
		return nil, false
	}
	return h.fields[key], true
}

func (h *helloReader) int(key string, required bool, min, max int) int {
	raw, ok := h.raw(key, required)
	if !ok {
		return 0
	}
	n, ok := parseStrictInt(string(raw))
	if !ok || n < min || n > max {
		h.fail("%q: want integer in [%d, %d], got %s", key, min, max, strconv.Quote(string(raw)))
		return 0
	}
	return n
}

func (h *helloReader) bool(key string, required bool) bool {
	raw, ok := h.raw(key, required)
	if !ok {
		return false
	}
	switch string(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	h.fail("%q: want boolean", key)
	return false
}

func (h *helloReader) string(key string, required bool) string {
	raw, ok := h.raw(key, required)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		h.fail("%q: want string", key)
		return ""
	}
	return s
}

func (h *helloReader) sack(key string, required bool) SACK {
	s := h.string(key, required)
	if h.err != nil || !h.present(key) {
		return SACK{}
	}
	sack, err := ParseSACK(s)
	if err != nil {
		h.fail("%q: %v", key, err)
		return SACK{}
	}
	return sack
}
