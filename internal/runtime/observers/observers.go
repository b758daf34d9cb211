// Package observers implements the registry of listeners notified whenever
// any counter changes.
package observers

import (
	"reflect"
	"sync"

	errspkg "github.com/drblury/smsrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

// Observer is notified after every counter change. Implementations re-read
// the counters themselves and must be safe to call from any goroutine.
type Observer interface {
	OnCountersChanged()
}

// ObserverFunc adapts a function. Function values are not comparable, so
// wrap it in a pointer before subscribing: Subscribe(&fn).
type ObserverFunc func()

func (f *ObserverFunc) OnCountersChanged() { (*f)() }

// Registry is a set of observers compared by ==.
type Registry struct {
	mu        sync.RWMutex
	observers []Observer
	logger    loggingpkg.ServiceLogger
}

// NewRegistry returns an empty registry. logger may be nil.
func NewRegistry(logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &Registry{logger: logger.With(loggingpkg.LogFields{"component": "observers"})}
}

// Subscribe adds o and reports whether it was added. Nil observers,
// observers already present and observers whose dynamic type is not
// comparable are ignored.
func (r *Registry) Subscribe(o Observer) bool {
	if !isComparable(o) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(o) >= 0 {
		return false
	}
	r.observers = append(r.observers, o)
	return true
}

// Unsubscribe removes o and reports whether it was present.
func (r *Registry) Unsubscribe(o Observer) bool {
	if !isComparable(o) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(o)
	if i < 0 {
		return false
	}
	// copy-on-write so snapshots handed to NotifyAll stay intact
	next := make([]Observer, 0, len(r.observers)-1)
	next = append(next, r.observers[:i]...)
	next = append(next, r.observers[i+1:]...)
	r.observers = next
	return true
}

// NotifyAll calls every observer registered when the pass starts. Changes
// to the registry during the pass take effect on the next one.
func (r *Registry) NotifyAll() {
	r.mu.RLock()
	snapshot := r.observers
	r.mu.RUnlock()

	for _, o := range snapshot {
		r.notify(o)
	}
}

// Len returns the number of subscribed observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

func (r *Registry) notify(o Observer) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Observer panicked", errspkg.NewUnexpectedError(rec), loggingpkg.LogFields{
				"observer": reflect.TypeOf(o).String(),
			})
		}
	}()
	o.OnCountersChanged()
}

func (r *Registry) indexLocked(o Observer) int {
	for i, existing := range r.observers {
		if equal(existing, o) {
			return i
		}
	}
	return -1
}

// isComparable also rejects comparable types that panic on ==, such as a
// struct whose interface field holds a func or a map.
func isComparable(o Observer) bool {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return false
	}
	return equal(o, o)
}

func equal(a, b Observer) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
