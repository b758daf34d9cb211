// Package counters keeps the running tallies of received, forwarded and
// failed envelopes.
package counters

import (
	"fmt"
	"sync/atomic"

	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

// Counter selects one of the tallies.
type Counter int

const (
	Received Counter = iota
	Forwarded
	Failed
)

func (c Counter) String() string {
	switch c {
	case Received:
		return "received"
	case Forwarded:
		return "forwarded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("counter(%d)", int(c))
	}
}

// Notifier is told that some counter changed. It carries no payload;
// listeners re-read the values they care about.
type Notifier interface {
	NotifyAll()
}

// Values is a point-in-time copy of all counters.
type Values struct {
	Received  int64 `json:"received"`
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
}

// Counters is safe for concurrent use.
type Counters struct {
	values   [3]atomic.Int64
	notifier Notifier
	logger   loggingpkg.ServiceLogger
}

// New returns zeroed counters. notifier and logger may be nil.
func New(notifier Notifier, logger loggingpkg.ServiceLogger) *Counters {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Counters{notifier: notifier, logger: logger}
}

// Increment adds one to c, returns the new value and notifies exactly once.
func (c *Counters) Increment(which Counter) int64 {
	if !valid(which) {
		return 0
	}
	n := c.values[which].Add(1)
	c.logger.Debug("Counter incremented", loggingpkg.LogFields{"counter": which.String(), "value": n})
	if c.notifier != nil {
		c.notifier.NotifyAll()
	}
	return n
}

// Get returns the current value of c.
func (c *Counters) Get(which Counter) int64 {
	if !valid(which) {
		return 0
	}
	return c.values[which].Load()
}

// Snapshot reads each counter once. The three loads are not one atomic
// operation, so a snapshot taken mid-delivery may show received ahead of
// forwarded+failed.
func (c *Counters) Snapshot() Values {
	return Values{
		Received:  c.values[Received].Load(),
		Forwarded: c.values[Forwarded].Load(),
		Failed:    c.values[Failed].Load(),
	}
}

func valid(c Counter) bool { return c >= Received && c <= Failed }
