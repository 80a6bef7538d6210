package minerva

import (
	"math/rand"
	"sync"
	"time"
)

// Scheduler is the event context a Stream and its transports run on. All
// funcs posted to it, and all timer callbacks, run one at a time.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a callback scheduled with Scheduler.AfterFunc.
type Timer interface {
	// Stop prevents the callback from running, if it hasn't yet.
	Stop() bool
}

// Rand is the source of backoff jitter.
type Rand interface {
	Float64() float64
}

// Loop is a Scheduler backed by one goroutine.
type Loop struct {
	mx      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewLoop starts a Loop. Close stops it.
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mx)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mx.Lock()
		for len(l.pending) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mx.Unlock()
			return
		}
		fns := l.pending
		l.pending = nil
		l.mx.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn. Funcs posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mx.Lock()
	if !l.closed {
		l.pending = append(l.pending, fn)
		l.cond.Signal()
	}
	l.mx.Unlock()
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop itself.
func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.done:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.fire() {
				fn()
			}
		})
	})
	return lt
}

// Close stops the loop goroutine. Queued funcs that haven't run are dropped.
// Like Call, it must not be called from the loop.
func (l *Loop) Close() {
	l.mx.Lock()
	l.closed = true
	l.cond.Signal()
	l.mx.Unlock()
	<-l.done
}

// loopTimer makes Stop reliable even when the underlying timer already fired
// and its callback is waiting in the queue.
type loopTimer struct {
	t       *time.Timer
	mx      sync.Mutex
	stopped bool
	fired   bool
}

func (lt *loopTimer) fire() bool {
	lt.mx.Lock()
	defer lt.mx.Unlock()
	if lt.stopped {
		return false
	}
	lt.fired = true
	return true
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	lt.mx.Lock()
	defer lt.mx.Unlock()
	wasPending := !lt.stopped && !lt.fired
	lt.stopped = true
	return wasPending
}

type lockedRand struct {
	mx sync.Mutex
	r  *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (lr *lockedRand) Float64() float64 {
	lr.mx.Lock()
	defer lr.mx.Unlock()
	return lr.r.Float64()
}
