package minerva

import (
	"time"
)

// delayForNextTransport decides how long to wait before replacing t. A role
// which keeps getting transports with problems waits longer, up to
// BackoffMaxMultiplier times BackoffBase, with jitter so that clients of a
// recovering server don't all come back at once. Time t was already open
// counts towards the wait.
func (s *Stream) delayForNextTransport(t *transport, wasPrimary bool) time.Duration {
	if t.abortedToStopSpinner {
		return s.cfg.SpinnerDelay
	}
	count := &s.secondaryProblems
	if wasPrimary {
		count = &s.primaryProblems
	}
	if t.hadProblems || t.framesDecoded == 0 {
		*count++
	} else {
		*count = 0
	}
	if *count == 0 {
		return 0
	}
	multiplier := *count
	if multiplier > s.cfg.BackoffMaxMultiplier {
		multiplier = s.cfg.BackoffMaxMultiplier
	}
	base := s.cfg.BackoffBase * time.Duration(multiplier)
	variance := time.Duration((s.rand.Float64()*2 - 1) * float64(s.cfg.BackoffVariance))
	delay := base + variance - t.openDuration()
	if delay < 0 {
		delay = 0
	}
	log.Debugf("Stream %v: %d problematic transports in a row, next in %v", s.id, *count, delay)
	return delay
}
