package firehose

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the wait before each reconnect attempt. It is a plain
// value so reconnect scheduling can be tested without real time passing.
type RetryPolicy struct {
	// Delay is the base wait between attempts.
	Delay time.Duration

	// Jitter, if non-zero, widens each wait by a random amount in
	// [0, Jitter) so a fleet of consumers does not reconnect in lockstep.
	Jitter time.Duration
}

// Next returns the wait before the given attempt (starting at 1). The base
// delay is fixed; retries are unbounded, so attempt only seeds logging.
func (p RetryPolicy) Next(attempt int) time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// ResumeCursor returns the cursor to request on reconnect: the last applied
// cursor rewound by the safety margin, floored at zero. The rewind is a
// deliberate re-delivery window; the cursor may run ahead of durable writes,
// and replaying the gap is absorbed by the idempotent writers downstream.
func ResumeCursor(lastApplied, safetyMarginMicros int64) int64 {
	if lastApplied <= 0 {
		return 0
	}
	c := lastApplied - safetyMarginMicros
	if c < 0 {
		return 0
	}
	return c
}
