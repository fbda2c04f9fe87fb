package scheduler

import "time"

// NextFetch returns the first instant strictly after now whose Unix time
// is congruent to offset modulo period. Every agent aligns on the Unix
// epoch, so agents with consecutive slots land one global interval apart
// without talking to each other.
func NextFetch(now time.Time, period, offset time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	p := int64(period)
	o := int64(offset) % p
	if o < 0 {
		o += p
	}

	t := now.UnixNano()
	phase := (t - o) % p
	if phase < 0 {
		phase += p
	}
	next := t - phase + p
	return time.Unix(0, next).In(now.Location())
}

// NextFetchFor is NextFetch for an assignment
func NextFetchFor(now time.Time, a Assignment) time.Time {
	return NextFetch(now, a.Period(), a.Offset())
}

// HeartbeatInterval is how often an agent checks in between fetches so that
// it stays inside a liveness window of the given length.
func HeartbeatInterval(livenessWindow time.Duration) time.Duration {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return livenessWindow / 2
}

// NextWake returns when an agent should wake next. If its next fetch is no
// more than heartbeat away it wakes for the fetch and fetch is true;
// otherwise it wakes one heartbeat from now to check in. A non-positive
// heartbeat always waits for the fetch.
func NextWake(now time.Time, period, offset, heartbeat time.Duration) (wake time.Time, fetch bool) {
	next := NextFetch(now, period, offset)
	if heartbeat <= 0 || next.Sub(now) <= heartbeat {
		return next, true
	}
	return now.Add(heartbeat), false
}
