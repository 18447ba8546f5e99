package ws

import "time"

// Fixed-window budget for voice:signal relay per session.
const (
	signalWindow = 5 * time.Second
	signalBudget = 400
)

type signalVerdict int

const (
	signalOK signalVerdict = iota
	signalLimitedNotify
	signalLimitedSilent
)

// checkSignalBudget advances the session's fixed window and classifies this
// frame. The first over-budget frame in a window gets one error back; the
// rest are dropped silently. Read-pump only, no locking.
func checkSignalBudget(s *Session, now time.Time) signalVerdict {
	if s.signalWindowStart.IsZero() || now.Sub(s.signalWindowStart) >= signalWindow {
		s.signalWindowStart = now
		s.signalCount = 0
		s.signalNotified = false
	}

	s.signalCount++
	if s.signalCount <= signalBudget {
		return signalOK
	}
	if !s.signalNotified {
		s.signalNotified = true
		return signalLimitedNotify
	}
	return signalLimitedSilent
}
