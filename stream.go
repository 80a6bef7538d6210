package minerva

import (
	"encoding/base64"
	"time"

	"github.com/getlantern/ema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StreamState is where a Stream is in its life. It only moves forward.
type StreamState int

const (
	Unstarted StreamState = iota
	WaitingResources
	Started
	Resetting
	Disconnected
)

func (s StreamState) String() string {
	switch s {
	case Unstarted:
		return "UNSTARTED"
	case WaitingResources:
		return "WAITING_RESOURCES"
	case Started:
		return "STARTED"
	case Resetting:
		return "RESETTING"
	case Disconnected:
		return "DISCONNECTED"
	}
	return "StreamState(?)"
}

// Handler receives what happens on a Stream. It is called on the Stream's
// scheduler and may call back into the Stream.
type Handler interface {
	StringReceived(s string)
	// StreamReset is called when the peer resets the stream, or when the
	// stream gives up on the network, in which case applicationLevel is
	// false. It is followed by Disconnected.
	StreamReset(reason string, applicationLevel bool)
	// Disconnected is called exactly once, when the Stream is disposed.
	Disconnected()
}

// Stream is one logical session with the peer. Except for NewStream, all
// methods must be called on the Stream's scheduler.
type Stream struct {
	id      string
	cfg     *Config
	sched   Scheduler
	rand    Rand
	dialer  Dialer
	handler Handler
	state   StreamState

	queue    *Queue
	incoming *Incoming
	// lastSackSeenByServer is the last of our SACKs the peer told us it
	// has seen, lastSackSeenByClient the last SACK we got from the peer.
	lastSackSeenByServer SACK
	lastSackSeenByClient *SACK

	primary   *transport
	secondary *transport
	resetting *transport

	streamExistedAtServer              bool
	secondaryIsWaitingForStreamToExist bool
	streamPenalty                      float64

	transportCount int
	lastPrimary    *int
	lastSecondary  *int
	// consecutive problematic transports per role
	primaryProblems   int
	secondaryProblems int

	emaRTT *ema.EMA
}

// NewStream creates an unstarted Stream. A nil cfg means DefaultConfig().
func NewStream(dialer Dialer, handler Handler, sched Scheduler, cfg *Config) *Stream {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Stream{
		id:                   newStreamID(),
		cfg:                  cfg,
		sched:                sched,
		rand:                 newLockedRand(),
		dialer:               dialer,
		handler:              handler,
		queue:                NewQueue(),
		incoming:             NewIncoming(),
		lastSackSeenByServer: initialSACK,
		emaRTT:               ema.NewDuration(cfg.InitialRTTGuess, 0.1),
	}
}

// newStreamID returns 22 printable characters.
func newStreamID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// SetRand replaces the source of backoff jitter.
func (s *Stream) SetRand(r Rand) {
	s.rand = r
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) State() StreamState {
	return s.state
}

// QueuedCount is the number of sent strings not yet acknowledged.
func (s *Stream) QueuedCount() int {
	return s.queue.QueuedCount()
}

// Start opens the first transport, sending any strings already queued.
func (s *Stream) Start() error {
	if s.state != Unstarted {
		return ErrStreamStarted
	}
	if p, ok := s.dialer.(ResourcePreparer); ok {
		s.state = WaitingResources
		log.Debugf("Stream %v waiting for %v", s.id, s.dialer.Label())
		p.Prepare(func(err error) {
			s.sched.Post(func() { s.resourcesReady(err) })
		})
		return nil
	}
	s.begin()
	return nil
}

func (s *Stream) resourcesReady(err error) {
	if s.state != WaitingResources {
		return
	}
	if err != nil {
		log.Debugf("Stream %v failed to prepare %v: %v", s.id, s.dialer.Label(), err)
		s.internalReset("resource preparation failed")
		return
	}
	s.begin()
}

func (s *Stream) begin() {
	s.state = Started
	log.Debugf("Stream %v started over %v", s.id, s.dialer.Label())
	s.primary = s.createTransport(true, 0)
	s.primary.writeStrings(s.queue, -1)
	s.primary.flush()
}

// SendStrings queues strings for the peer. With validate, all of them must
// be restricted strings, otherwise nothing is queued.
func (s *Stream) SendStrings(strings []string, validate bool) error {
	if s.state >= Resetting {
		return ErrStreamReset
	}
	if validate {
		for i, str := range strings {
			if !IsRestrictedString(str) {
				return errors.Wrapf(ErrInvalidString, "string #%d", i)
			}
		}
	}
	if len(strings) == 0 {
		return nil
	}
	s.queue.Extend(strings)
	s.tryToSend()
	return nil
}

// Reset tells the peer to tear down the stream. Disconnected follows once
// the Reset frame is out.
func (s *Stream) Reset(reason string) error {
	if s.state >= Resetting {
		return ErrStreamReset
	}
	if !IsRestrictedString(reason) {
		return errors.Wrap(ErrInvalidString, "reset reason")
	}
	if s.state < Started {
		s.Dispose()
		return nil
	}
	s.state = Resetting
	if s.primary != nil && s.primary.canFlushMoreThanOnce() {
		s.primary.writeReset(reason, true)
		s.primary.flush()
		return nil
	}
	// free the connection slots before opening one more
	if s.primary != nil {
		s.primary.dispose()
	}
	if s.secondary != nil {
		s.secondary.dispose()
	}
	if s.state != Resetting {
		return nil
	}
	s.resetting = s.createTransport(false, 0)
	s.resetting.writeReset(reason, true)
	s.resetting.flush()
	return nil
}

// RefreshPrimary replaces the primary transport after a short delay. Hosts
// use it to stop activity indicators tied to a long-lived request.
func (s *Stream) RefreshPrimary() {
	if s.state != Started || s.primary == nil || s.primary.placeholder {
		return
	}
	s.primary.abortedToStopSpinner = true
	s.primary.dispose()
}

// Dispose closes every transport without telling the peer. It is safe to
// call more than once.
func (s *Stream) Dispose() {
	if s.state == Disconnected {
		return
	}
	log.Debugf("Disposing stream %v", s.id)
	s.state = Disconnected
	transports := []*transport{s.primary, s.secondary, s.resetting}
	s.primary, s.secondary, s.resetting = nil, nil, nil
	for _, t := range transports {
		if t != nil {
			t.dispose()
		}
	}
	s.handler.Disconnected()
}

// createTransport returns an unflushed transport, or a placeholder if delay
// is positive.
func (s *Stream) createTransport(becomePrimary bool, delay time.Duration) *transport {
	if delay > 0 {
		log.Debugf("Stream %v waiting %v before the next transport", s.id, delay)
		return newPlaceholderTransport(s, becomePrimary, delay)
	}
	kind := HTTPLongPoll
	if s.dialer.Persistent() {
		kind = Socket
	} else if becomePrimary && s.cfg.Streaming {
		kind = HTTPStream
	}
	number := s.transportCount
	s.transportCount++
	succeeds := s.lastSecondary
	if becomePrimary {
		succeeds = s.lastPrimary
		s.lastPrimary = &number
	} else {
		s.lastSecondary = &number
	}
	return newTransport(s, number, kind, becomePrimary, succeeds)
}

func (s *Stream) liveTransports() []*transport {
	var live []*transport
	for _, t := range []*transport{s.primary, s.secondary} {
		if t != nil && !t.placeholder && t.isActive() {
			live = append(live, t)
		}
	}
	return live
}

// tryToSend sends queued strings and our SACK if the peer needs them,
// preferring a transport which can be flushed again over a new one.
func (s *Stream) tryToSend() {
	if s.state != Started {
		return
	}
	currentSACK := s.incoming.GetSACK()
	highestSent := -1
	sackWritten := false
	for _, t := range s.liveTransports() {
		if t.ourSeqNum > highestSent {
			highestSent = t.ourSeqNum
		}
		if t.lastSackWritten != nil && t.lastSackWritten.Equal(currentSACK) {
			sackWritten = true
		}
	}
	needSACK := !currentSACK.Equal(s.lastSackSeenByServer) && !sackWritten
	needStrings := s.queue.QueuedCount() > 0 && highestSent < s.queue.LastItemNumber()
	if !needSACK && !needStrings {
		return
	}
	if s.primary != nil && s.primary.isActive() && s.primary.canFlushMoreThanOnce() {
		if needStrings {
			s.primary.writeStrings(s.queue, -1)
		}
		if needSACK {
			s.primary.writeSack(currentSACK)
		}
		s.primary.flush()
		return
	}
	if s.secondary == nil {
		if !s.streamExistedAtServer {
			// a secondary now would race the primary's Hello
			s.secondaryIsWaitingForStreamToExist = true
			return
		}
		s.secondary = s.createTransport(false, 0)
		// the SACK goes out in the Hello
		s.secondary.writeStrings(s.queue, -1)
		s.secondary.flush()
	}
	// otherwise the secondary in flight calls tryToSend as it goes offline
}

func (s *Stream) stringsReceived(t *transport, items []Item, avoidCreatingTransports bool) {
	if s.state != Started {
		return
	}
	deliverable, hitLimit := s.incoming.Give(items, s.cfg.MaxUndeliveredStrings, s.cfg.MaxUndeliveredBytes)
	for _, str := range deliverable {
		s.handler.StringReceived(str)
		if s.state != Started {
			return
		}
	}
	if !avoidCreatingTransports {
		s.tryToSend()
	}
	if hitLimit {
		t.hadProblems = true
		t.dispose()
	}
}

// sackReceived reports whether sack is bad: it acknowledges strings never
// sent, or strings of a stream the peer hasn't confirmed.
func (s *Stream) sackReceived(t *transport, sack SACK) bool {
	if !s.streamExistedAtServer && (sack.AckNumber >= 0 || len(sack.SackList) > 0) {
		return true
	}
	received := sack
	s.lastSackSeenByClient = &received
	if s.queue.HandleSACK(sack) {
		return true
	}
	s.tryToSend()
	return false
}

func (s *Stream) streamStatusReceived(lastSackSeen SACK) {
	s.lastSackSeenByServer = lastSackSeen
	s.tryToSend()
}

func (s *Stream) streamSuccessfullyCreated() {
	if s.streamExistedAtServer {
		return
	}
	s.streamExistedAtServer = true
	if s.secondaryIsWaitingForStreamToExist {
		s.secondaryIsWaitingForStreamToExist = false
		s.tryToSend()
	}
}

func (s *Stream) rttSample(d time.Duration) {
	s.emaRTT.UpdateDuration(d)
}

// rttAllowance is how long a round trip may take.
func (s *Stream) rttAllowance() time.Duration {
	return s.emaRTT.GetDuration() + s.cfg.RTTVarianceAllowance
}

// transportOffline retires t and decides what replaces it.
func (s *Stream) transportOffline(t *transport) {
	var wasPrimary, wasSecondary bool
	switch t {
	case s.primary:
		s.primary = nil
		wasPrimary = true
	case s.secondary:
		s.secondary = nil
		wasSecondary = true
	case s.resetting:
		s.resetting = nil
	}
	if s.state == Disconnected {
		return
	}
	if t.placeholder {
		s.placeholderOffline(wasPrimary)
		return
	}
	if s.state <= Started {
		if t.penalty > 0 {
			s.streamPenalty += t.penalty
		} else {
			s.streamPenalty = 0
		}
		if s.streamPenalty >= 1 {
			s.internalReset("stream penalty reached limit")
			return
		}
	}
	if s.state > Started {
		if s.state == Resetting && t.wroteReset {
			s.Dispose()
		}
		return
	}
	if !wasPrimary && !wasSecondary {
		return
	}
	delay := s.delayForNextTransport(t, wasPrimary)
	if wasPrimary {
		s.primary = s.createTransport(true, delay)
		s.primary.writeStrings(s.queue, -1)
		s.primary.flush()
	} else if delay > 0 {
		s.secondary = s.createTransport(false, delay)
		s.secondary.flush()
	}
	s.tryToSend()
}

func (s *Stream) placeholderOffline(wasPrimary bool) {
	if s.state != Started {
		return
	}
	if wasPrimary {
		s.primary = s.createTransport(true, 0)
		s.primary.writeStrings(s.queue, -1)
		s.primary.flush()
	}
	s.tryToSend()
}

func (s *Stream) resetFromPeer(reason string, applicationLevel bool) {
	s.doReset(reason, applicationLevel)
}

// internalReset gives up on the stream without telling the peer.
func (s *Stream) internalReset(reason string) {
	log.Debugf("Stream %v giving up: %v", s.id, reason)
	s.doReset(reason, false)
}

func (s *Stream) doReset(reason string, applicationLevel bool) {
	if s.state == Disconnected {
		return
	}
	s.state = Resetting
	s.handler.StreamReset(reason, applicationLevel)
	s.Dispose()
}
