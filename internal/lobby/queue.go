// Package lobby drives the long-lived lobby server session: the TCP/TLS
// connection state machine and the rate-limited outbound command queues.
package lobby

import (
	"time"
)

type sentRecord struct {
	at   time.Time
	size int
}

// Queues paces outbound lobby commands against a sliding-window byte
// budget. Two priority classes exist: normal and low (private messages).
// Insertion order is preserved per class; low must never carry critical
// commands since it can starve under load.
type Queues struct {
	normal []string
	low    []string

	sent []sentRecord

	maxBytes    int
	maxLowBytes int
	period      time.Duration

	now func() time.Time
}

// NewQueues creates queues with the given budgets over period seconds.
func NewQueues(maxBytes, maxLowBytes int, period time.Duration) *Queues {
	return &Queues{
		maxBytes:    maxBytes,
		maxLowBytes: maxLowBytes,
		period:      period,
		now:         time.Now,
	}
}

// Push enqueues a normal-priority line (without newline).
func (q *Queues) Push(line string) { q.normal = append(q.normal, line) }

// PushLow enqueues a low-priority line.
func (q *Queues) PushLow(line string) { q.low = append(q.low, line) }

// Len returns the queued counts (normal, low).
func (q *Queues) Len() (int, int) { return len(q.normal), len(q.low) }

// Clear drops all queued lines; used on disconnect.
func (q *Queues) Clear() {
	q.normal, q.low = nil, nil
	q.sent = nil
}

func (q *Queues) windowBytes(now time.Time) int {
	cut := 0
	for cut < len(q.sent) && now.Sub(q.sent[cut].at) > q.period {
		cut++
	}
	if cut > 0 {
		q.sent = append(q.sent[:0], q.sent[cut:]...)
	}
	total := 0
	for _, r := range q.sent {
		total += r.size
	}
	return total
}

// Pump sends at most one head per class within the budgets. The +5 margin
// accounts for framing overhead. write must not block indefinitely.
func (q *Queues) Pump(write func(line string) error) error {
	now := q.now()
	already := q.windowBytes(now)
	if len(q.normal) > 0 {
		size := len(q.normal[0])
		if already+size+5 < q.maxBytes {
			line := q.normal[0]
			q.normal = q.normal[1:]
			if err := write(line); err != nil {
				return err
			}
			q.sent = append(q.sent, sentRecord{at: now, size: size})
			already += size
		}
	}
	if len(q.low) > 0 {
		size := len(q.low[0])
		if already+size+5 < q.maxLowBytes {
			line := q.low[0]
			q.low = q.low[1:]
			if err := write(line); err != nil {
				return err
			}
			q.sent = append(q.sent, sentRecord{at: now, size: size})
		}
	}
	return nil
}
