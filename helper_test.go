package minerva

import (
	"strconv"
	"strings"
	"testing"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testScheduler runs posted funcs and timers in virtual time, only when the
// test asks it to.
type testScheduler struct {
	now    time.Time
	posted []func()
	timers []*testTimer
}

type testTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (tt *testTimer) Stop() bool {
	wasPending := !tt.stopped && !tt.fired
	tt.stopped = true
	return wasPending
}

func newTestScheduler() *testScheduler {
	return &testScheduler{now: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *testScheduler) Now() time.Time {
	return s.now
}

func (s *testScheduler) Post(fn func()) {
	s.posted = append(s.posted, fn)
}

func (s *testScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	tt := &testTimer{at: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, tt)
	return tt
}

// run runs posted funcs until there are none left.
func (s *testScheduler) run() {
	for len(s.posted) > 0 {
		fn := s.posted[0]
		s.posted = s.posted[1:]
		fn()
	}
}

// advance moves the clock forward, firing due timers in order.
func (s *testScheduler) advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		s.run()
		var next *testTimer
		for _, tt := range s.timers {
			if tt.stopped || tt.fired || tt.at.After(target) {
				continue
			}
			if next == nil || tt.at.Before(next.at) {
				next = tt
			}
		}
		if next == nil {
			break
		}
		if next.at.After(s.now) {
			s.now = next.at
		}
		next.fired = true
		next.fn()
	}
	s.now = target
	s.run()
}

// fixedRand always returns the same value. 0.5 means no jitter.
type fixedRand float64

func (r fixedRand) Float64() float64 {
	return float64(r)
}

type fakeDialer struct {
	persistent bool
	carriers   []*fakeCarrier
	// prepare is set to make the dialer a ResourcePreparer
	prepare func(done func(error))
}

func (d *fakeDialer) Persistent() bool {
	return d.persistent
}

func (d *fakeDialer) Framing() Framing {
	if d.persistent {
		return LengthPrefixFraming
	}
	return NewlineFraming
}

func (d *fakeDialer) Label() string {
	return "fake dialer"
}

func (d *fakeDialer) Dial(req CarrierRequest, l CarrierListener) Carrier {
	c := &fakeCarrier{d: d, req: req, l: l}
	d.carriers = append(d.carriers, c)
	return c
}

func (d *fakeDialer) last() *fakeCarrier {
	return d.carriers[len(d.carriers)-1]
}

type preparingDialer struct {
	*fakeDialer
}

func (d preparingDialer) Prepare(done func(error)) {
	d.prepare(done)
}

type fakeCarrier struct {
	d      *fakeDialer
	req    CarrierRequest
	l      CarrierListener
	writes []string
	closed int
}

func (c *fakeCarrier) Write(payload []byte) error {
	c.writes = append(c.writes, string(payload))
	pool.Put(payload)
	return nil
}

func (c *fakeCarrier) Close() {
	c.closed++
}

// frames decodes everything written to the carrier.
func (c *fakeCarrier) frames(t *testing.T) []Frame {
	var frames []Frame
	for _, w := range c.writes {
		dec := c.d.Framing().NewDecoder(1 << 20)
		lines, status := dec.Feed([]byte(w))
		require.Equal(t, StatusOK, status)
		for _, line := range lines {
			f, err := DecodeFrame(line)
			require.NoError(t, err, line)
			frames = append(frames, f)
		}
	}
	return frames
}

func (c *fakeCarrier) hello(t *testing.T) HelloFrame {
	frames := c.frames(t)
	require.NotEmpty(t, frames)
	hello, ok := frames[0].(HelloFrame)
	require.True(t, ok, "first frame is %#v", frames[0])
	return hello
}

// respond sends frames from the peer.
func (c *fakeCarrier) respond(frames ...Frame) {
	payload := EncodeFrames(frames, c.d.Framing())
	chunk := pool.Get(len(payload))
	copy(chunk, payload)
	pool.Put(payload)
	c.l.OnData(chunk)
}

// respondLines sends raw lines from the peer.
func (c *fakeCarrier) respondLines(lines ...string) {
	var payload string
	if c.d.persistent {
		for _, line := range lines {
			payload += strconv.Itoa(len(line)) + ":" + line
		}
	} else {
		payload = strings.Join(lines, "\n") + "\n"
	}
	chunk := pool.Get(len(payload))
	copy(chunk, payload)
	c.l.OnData(chunk)
}

func (c *fakeCarrier) finish() {
	c.l.OnClosed(nil)
}

func (c *fakeCarrier) fail() {
	c.l.OnClosed(errors.New("connection refused"))
}

type resetEvent struct {
	reason           string
	applicationLevel bool
}

type recordingHandler struct {
	received    []string
	resets      []resetEvent
	disconnects int
	events      []string
	onString    func(string)
}

func (h *recordingHandler) StringReceived(s string) {
	h.received = append(h.received, s)
	h.events = append(h.events, "string")
	if h.onString != nil {
		h.onString(s)
	}
}

func (h *recordingHandler) StreamReset(reason string, applicationLevel bool) {
	h.resets = append(h.resets, resetEvent{reason, applicationLevel})
	h.events = append(h.events, "reset")
}

func (h *recordingHandler) Disconnected() {
	h.disconnects++
	h.events = append(h.events, "disconnect")
}

type streamTester struct {
	t       *testing.T
	sched   *testScheduler
	dialer  *fakeDialer
	handler *recordingHandler
	stream  *Stream
}

func newStreamTester(t *testing.T, persistent bool, cfg *Config) *streamTester {
	st := &streamTester{
		t:       t,
		sched:   newTestScheduler(),
		dialer:  &fakeDialer{persistent: persistent},
		handler: &recordingHandler{},
	}
	st.stream = NewStream(st.dialer, st.handler, st.sched, cfg)
	st.stream.SetRand(fixedRand(0.5))
	return st
}

func (st *streamTester) start() *fakeCarrier {
	require.NoError(st.t, st.stream.Start())
	require.Len(st.t, st.dialer.carriers, 1)
	return st.dialer.carriers[0]
}

// created makes the peer confirm the stream on c.
func (st *streamTester) created(c *fakeCarrier) {
	if c.d.persistent {
		c.respond(StreamCreatedFrame{})
	} else {
		c.respond(CommentFrame{Comment: Preamble}, StreamCreatedFrame{})
	}
	st.sched.run()
}

func stringsOf(frames []Frame) []string {
	var out []string
	for _, f := range frames {
		if sf, ok := f.(StringFrame); ok {
			out = append(out, sf.Value)
		}
	}
	return out
}
