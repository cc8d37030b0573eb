package wsclient

import "time"

// reconnectDelays is the fixed ladder of spec.md §4.5: 1,2,4,8,15 seconds,
// indexed by attempt and saturating at the last entry.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
}

const maxReconnectAttempts = 5

// reconnectLadder tracks how many consecutive reconnect attempts have been
// made and hands out the next delay. Not safe for concurrent use; callers
// serialize access on the engine loop (spec.md §5).
type reconnectLadder struct {
	attempt int
}

// Next returns the delay for the next attempt and true, or false once
// maxReconnectAttempts have been exhausted.
func (r *reconnectLadder) Next() (time.Duration, bool) {
	if r.attempt >= maxReconnectAttempts {
		return 0, false
	}
	idx := r.attempt
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	r.attempt++
	return reconnectDelays[idx], true
}

// Reset is called on a successful reconnect (spec.md §4.5).
func (r *reconnectLadder) Reset() {
	r.attempt = 0
}

// Attempts reports the number of attempts consumed so far.
func (r *reconnectLadder) Attempts() int {
	return r.attempt
}
