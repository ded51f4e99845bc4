// Package events implements the bounded, lossy event queues between the
// correlation core and the consumer. Each queue is multi-producer,
// single-consumer; producers never block. A full queue drops the event and
// accounts for it, so delivery is at most once.
package events

import (
	"sync/atomic"

	"github.com/kz521103/Microradar/pkg/stats"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Emitter is one bounded event queue. Its slot count is derived from a byte
// budget and the fixed wire frame size, mirroring a fixed-size ring buffer.
type Emitter struct {
	ch       chan telemetry.Event
	counters *stats.ContainerCounters // optional mirror for sent/dropped

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewEmitter creates a queue with capacityBytes of event slots. counters may
// be nil; when set, sent/dropped are mirrored into the container-domain
// counter array.
func NewEmitter(capacityBytes int, counters *stats.ContainerCounters) *Emitter {
	slots := capacityBytes / telemetry.WireEventSize
	if slots < 1 {
		slots = 1
	}
	return &Emitter{
		ch:       make(chan telemetry.Event, slots),
		counters: counters,
	}
}

// Emit tries to reserve a slot for the event. It never blocks and never
// retries: a full queue drops the event, increments the dropped counter and
// returns false.
func (e *Emitter) Emit(ev telemetry.Event) bool {
	select {
	case e.ch <- ev:
		e.sent.Add(1)
		if e.counters != nil {
			e.counters.Add(stats.EventsSent, 1)
		}
		return true
	default:
		e.dropped.Add(1)
		if e.counters != nil {
			e.counters.Add(stats.EventsDropped, 1)
		}
		return false
	}
}

// Events returns the consumer side of the queue.
func (e *Emitter) Events() <-chan telemetry.Event {
	return e.ch
}

// Capacity returns the number of event slots.
func (e *Emitter) Capacity() int {
	return cap(e.ch)
}

// Stats returns the sent and dropped totals. sent+dropped equals the number
// of Emit calls made so far.
func (e *Emitter) Stats() (sent, dropped uint64) {
	return e.sent.Load(), e.dropped.Load()
}
