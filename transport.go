package minerva

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	pool "github.com/libp2p/go-buffer-pool"
)

type transportState int

const (
	transportCreated transportState = iota
	transportStarted
	transportOffline
)

// transport serves a Stream over one carrier. It is owned by the Stream and
// only ever touched on the Stream's scheduler.
type transport struct {
	// stream is cleared first thing in dispose.
	stream  *Stream
	sched   Scheduler
	cfg     *Config
	dialer  Dialer
	carrier Carrier
	decoder ResponseDecoder
	// received holds the undecoded tail of the response.
	received []byte

	number        int
	kind          TransportKind
	becomePrimary bool
	// placeholder transports carry nothing. They wait for delay and go
	// offline, so a backoff goes through the same path as a real transport.
	placeholder bool
	delay       time.Duration
	succeeds    *int

	state    transportState
	spinning bool
	toSend   []Frame
	flushes  int

	// ourSeqNum is the last string written, peerSeqNum the last received.
	ourSeqNum       int
	peerSeqNum      int
	lastSackWritten *SACK
	wroteReset      bool
	needPreamble    bool
	gotFirstBytes   bool

	penalty              float64
	hadProblems          bool
	framesDecoded        int
	abortedToStopSpinner bool
	timedOut             bool

	createdAt  time.Time
	flushedAt  time.Time
	offlineAt  time.Time
	timer      Timer
	deadlineAt time.Time
}

func newTransport(s *Stream, number int, kind TransportKind, becomePrimary bool, succeeds *int) *transport {
	return &transport{
		stream:        s,
		sched:         s.sched,
		cfg:           s.cfg,
		dialer:        s.dialer,
		number:        number,
		kind:          kind,
		becomePrimary: becomePrimary,
		succeeds:      succeeds,
		ourSeqNum:     -1,
		peerSeqNum:    -1,
		needPreamble:  kind.isHTTP(),
		createdAt:     s.sched.Now(),
	}
}

func newPlaceholderTransport(s *Stream, becomePrimary bool, delay time.Duration) *transport {
	return &transport{
		stream:        s,
		sched:         s.sched,
		cfg:           s.cfg,
		becomePrimary: becomePrimary,
		placeholder:   true,
		delay:         delay,
		ourSeqNum:     -1,
		peerSeqNum:    -1,
		createdAt:     s.sched.Now(),
	}
}

func (t *transport) String() string {
	if t.placeholder {
		return "placeholder transport (" + t.delay.String() + ")"
	}
	role := "secondary"
	if t.becomePrimary {
		role = "primary"
	}
	return t.kind.String() + " " + role + " transport #" + strconv.Itoa(t.number)
}

func (t *transport) isActive() bool {
	return t.state != transportOffline
}

func (t *transport) canFlushMoreThanOnce() bool {
	return !t.placeholder && t.kind.canFlushMoreThanOnce()
}

// writeStrings queues SeqNum and String frames for every queued item from
// max(from, ourSeqNum+1). A negative from means everything not yet written
// on this transport.
func (t *transport) writeStrings(q *Queue, from int) {
	start := t.ourSeqNum + 1
	if from > start {
		start = from
	}
	last := t.ourSeqNum
	for _, item := range q.GetItems(start) {
		if item.SeqNum != last+1 {
			t.toSend = append(t.toSend, SeqNumFrame{SeqNum: item.SeqNum})
		}
		t.toSend = append(t.toSend, StringFrame{Value: item.Value})
		last = item.SeqNum
	}
	t.ourSeqNum = last
}

func (t *transport) writeSack(sack SACK) {
	if t.lastSackWritten != nil && t.lastSackWritten.Equal(sack) {
		return
	}
	t.toSend = append(t.toSend, SackFrame{SACK: sack})
	t.lastSackWritten = &sack
}

func (t *transport) writeReset(reason string, applicationLevel bool) {
	t.toSend = append(t.toSend, ResetFrame{Reason: reason, ApplicationLevel: applicationLevel})
	t.wroteReset = true
}

func (t *transport) makeHello() HelloFrame {
	s := t.stream
	hello := HelloFrame{
		TransportNumber:   t.number,
		Version:           ProtocolVersion,
		RequestNewStream:  !s.streamExistedAtServer,
		StreamID:          s.id,
		StreamingResponse: t.kind.streams(),
		NeedPaddingBytes:  t.cfg.NeedPaddingBytes,
		WantsTCPAck:       t.kind == Socket,
		SucceedsTransport: t.succeeds,
		SACK:              s.incoming.GetSACK(),
	}
	if t.kind.isHTTP() {
		hello.HTTPFormat = FormatXHR
	}
	if t.becomePrimary {
		hello.MaxReceiveBytes = t.cfg.MaxReceiveBytes
		if t.kind == HTTPLongPoll {
			hello.MaxOpenTime = int(t.cfg.MaxOpenTime / time.Second)
		}
	}
	if t.kind.streams() {
		hello.MaxInactivity = int(t.cfg.StreamingHeartbeat / time.Second)
	}
	if s.lastSackSeenByClient != nil {
		seen := *s.lastSackSeenByClient
		hello.LastSackSeenByClient = &seen
	}
	return hello
}

// flush sends everything written so far. The first flush opens the carrier
// and starts with a Hello frame.
func (t *transport) flush() {
	if !t.isActive() {
		log.Debugf("Not flushing offline %v", t)
		return
	}
	if t.placeholder {
		if t.state == transportCreated {
			t.state = transportStarted
			t.timer = t.sched.AfterFunc(t.delay, t.dispose)
		}
		return
	}
	if t.flushes > 0 && !t.kind.canFlushMoreThanOnce() {
		panic(ErrCarrierOneShot)
	}
	if t.flushes == 0 {
		hello := t.makeHello()
		t.lastSackWritten = &hello.SACK
		t.toSend = append([]Frame{hello}, t.toSend...)
		t.decoder = t.dialer.Framing().NewDecoder(t.cfg.MaxFrameLength)
		t.state = transportStarted
		t.flushedAt = t.sched.Now()
		t.carrier = t.dialer.Dial(CarrierRequest{
			StreamID:        t.stream.id,
			TransportNumber: t.number,
			Kind:            t.kind,
		}, &loopListener{t})
		t.setDeadline(t.initialTimeout())
	} else if len(t.toSend) == 0 {
		return
	}
	payload := EncodeFrames(t.toSend, t.dialer.Framing())
	log.Tracef("%v flushing %d frames (%v)", t, len(t.toSend), humanize.Bytes(uint64(len(payload))))
	t.toSend = nil
	t.flushes++
	if err := t.carrier.Write(payload); err != nil {
		log.Debugf("%v failed to write: %v", t, err)
		t.hadProblems = true
		t.dispose()
	}
}

func (t *transport) initialTimeout() time.Duration {
	allowance := t.cfg.ServerJankAllowance + t.stream.rttAllowance()
	switch {
	case t.kind.streams():
		return allowance + t.cfg.StreamingHeartbeat
	case t.becomePrimary:
		return allowance + t.cfg.MaxOpenTime
	}
	return allowance
}

func (t *transport) setDeadline(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.deadlineAt = t.sched.Now().Add(d)
	t.timer = t.sched.AfterFunc(d, t.timeout)
}

func (t *transport) timeout() {
	if !t.isActive() {
		return
	}
	log.Debugf("%v timed out", t)
	t.timedOut = true
	t.hadProblems = true
	t.dispose()
}

// peerAlive pushes the deadline of a streaming transport forward.
func (t *transport) peerAlive() {
	if t.kind.streams() {
		t.setDeadline(t.cfg.ServerJankAllowance + t.stream.rttAllowance() + t.cfg.StreamingHeartbeat)
	}
}

func (t *transport) firstBytes() {
	if t.gotFirstBytes {
		return
	}
	t.gotFirstBytes = true
	if t.mayBeHeld() {
		return
	}
	t.stream.rttSample(t.sched.Now().Sub(t.flushedAt))
}

// mayBeHeld reports whether the peer can hold t open before answering, in
// which case the time to first bytes says nothing about the round trip.
func (t *transport) mayBeHeld() bool {
	return t.becomePrimary && t.kind == HTTPLongPoll
}

func (t *transport) headersReceived(contentLength int64) {
	if !t.isActive() {
		return
	}
	t.firstBytes()
	if contentLength >= 0 && !t.kind.streams() {
		download := downloadTime(contentLength, t.cfg.MinDownloadRate)
		t.setDeadline(t.cfg.ServerJankAllowance + t.stream.rttAllowance() + download)
		return
	}
	t.peerAlive()
}

// maxDownloadTime caps the deadline of a response with a huge Content-Length.
const maxDownloadTime = 24 * time.Hour

func downloadTime(contentLength int64, rate int) time.Duration {
	seconds := float64(contentLength) / float64(rate)
	if seconds >= maxDownloadTime.Seconds() {
		return maxDownloadTime
	}
	return time.Duration(seconds * float64(time.Second))
}

func (t *transport) dataReceived(chunk []byte) {
	if !t.isActive() {
		pool.Put(chunk)
		return
	}
	t.firstBytes()
	t.peerAlive()
	t.received = append(t.received, chunk...)
	pool.Put(chunk)
	lines, status := t.decoder.Feed(t.received)
	t.received = t.decoder.Compact(t.received)
	t.handleLines(lines)
	if status != StatusOK && t.isActive() {
		log.Debugf("%v response decoding failed: %v", t, status.Err())
		t.hadProblems = true
		t.dispose()
	}
}

func (t *transport) carrierClosed(err error) {
	if !t.isActive() {
		return
	}
	if err != nil {
		log.Debugf("%v carrier closed: %v", t, err)
		t.hadProblems = true
	}
	t.dispose()
}

// handleLines decodes and handles frames. Strings are collected and handed
// to the Stream in batches.
func (t *transport) handleLines(lines []string) {
	t.spinning = true
	defer func() { t.spinning = false }()
	var pending []Item
	closeAfter := false
	for _, line := range lines {
		f, err := DecodeFrame(line)
		if err != nil {
			log.Debugf("%v got %v", t, err)
			t.hadProblems = true
			closeAfter = true
			break
		}
		t.framesDecoded++
		if t.needPreamble {
			if c, ok := f.(CommentFrame); !ok || c.Comment != Preamble {
				log.Debugf("%v: %v", t, ErrMissingPreamble)
				t.hadProblems = true
				closeAfter = true
				break
			}
			t.needPreamble = false
			continue
		}
		if sf, ok := f.(StringFrame); ok {
			if !IsRestrictedString(sf.Value) {
				log.Debugf("%v got a string with forbidden characters", t)
				t.hadProblems = true
				closeAfter = true
				break
			}
			t.peerSeqNum++
			pending = append(pending, Item{SeqNum: t.peerSeqNum, Value: sf.Value})
			continue
		}
		if len(pending) > 0 {
			t.deliver(pending)
			pending = nil
			if !t.isActive() {
				return
			}
		}
		if t.handleFrame(f) {
			closeAfter = true
			break
		}
		if !t.isActive() {
			return
		}
	}
	if len(pending) > 0 {
		t.deliver(pending)
	}
	if closeAfter && t.isActive() {
		t.dispose()
	}
}

func (t *transport) deliver(items []Item) {
	t.stream.stringsReceived(t, items, t.kind == HTTPLongPoll)
}

// handleFrame handles a non-String frame and reports whether the transport
// must be closed.
func (t *transport) handleFrame(f Frame) (closeTransport bool) {
	switch f := f.(type) {
	case SeqNumFrame:
		t.peerSeqNum = f.SeqNum - 1
	case SackFrame:
		if t.stream.sackReceived(t, f.SACK) {
			log.Debugf("%v got bad SACK %v", t, f.SACK)
			t.hadProblems = true
			return true
		}
	case StreamStatusFrame:
		t.stream.streamStatusReceived(f.LastSackSeen)
	case StreamCreatedFrame:
		t.stream.streamSuccessfullyCreated()
	case YouCloseItFrame:
		return true
	case CommentFrame:
	case ResetFrame:
		t.stream.resetFromPeer(f.Reason, f.ApplicationLevel)
		return true
	case TransportKillFrame:
		log.Debugf("%v killed by peer: %v", t, f.Reason)
		t.penalty += f.Reason.penalty()
		t.hadProblems = true
		return true
	case HelloFrame:
		log.Debugf("%v got an unexpected Hello", t)
		t.hadProblems = true
		return true
	case StringFrame:
		panic("strings are handled in batches")
	default:
		panic("unhandled frame type")
	}
	return false
}

// openDuration is how long the transport was open.
func (t *transport) openDuration() time.Duration {
	if t.flushedAt.IsZero() || t.offlineAt.IsZero() {
		return 0
	}
	return t.offlineAt.Sub(t.flushedAt)
}

// dispose closes the carrier and tells the Stream exactly once.
func (t *transport) dispose() {
	if !t.isActive() {
		return
	}
	s := t.stream
	t.stream = nil
	t.state = transportOffline
	t.offlineAt = t.sched.Now()
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.carrier != nil {
		t.carrier.Close()
	}
	t.received = nil
	if t.spinning {
		log.Tracef("%v disposed while handling frames", t)
	}
	log.Debugf("%v offline after %v, %d frames decoded", t, t.openDuration(), t.framesDecoded)
	s.transportOffline(t)
}

// loopListener moves carrier events onto the scheduler.
type loopListener struct {
	t *transport
}

func (l *loopListener) OnHeaders(contentLength int64) {
	l.t.sched.Post(func() { l.t.headersReceived(contentLength) })
}

func (l *loopListener) OnData(chunk []byte) {
	l.t.sched.Post(func() { l.t.dataReceived(chunk) })
}

func (l *loopListener) OnClosed(err error) {
	l.t.sched.Post(func() { l.t.carrierClosed(err) })
}
