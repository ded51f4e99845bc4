package events

import (
	"sync"
	"testing"

	"github.com/kz521103/Microradar/pkg/stats"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

func TestEmitterCapacityFromBytes(t *testing.T) {
	e := NewEmitter(4*telemetry.WireEventSize, nil)
	if e.Capacity() != 4 {
		t.Errorf("capacity = %d, want 4", e.Capacity())
	}

	// A budget below one frame still yields one slot.
	tiny := NewEmitter(1, nil)
	if tiny.Capacity() != 1 {
		t.Errorf("capacity = %d, want 1", tiny.Capacity())
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEmitter(2*telemetry.WireEventSize, nil)
	ev := telemetry.Event{Type: telemetry.EventCPUSample, Value: 1}

	if !e.Emit(ev) || !e.Emit(ev) {
		t.Fatal("first two emits should succeed")
	}
	if e.Emit(ev) {
		t.Error("emit into a full queue should fail")
	}

	sent, dropped := e.Stats()
	if sent != 2 || dropped != 1 {
		t.Errorf("sent=%d dropped=%d, want 2/1", sent, dropped)
	}

	// Draining frees a slot; the next emit succeeds again.
	<-e.Events()
	if !e.Emit(ev) {
		t.Error("emit after drain should succeed")
	}
}

func TestEmitterAccountingUnderConcurrency(t *testing.T) {
	e := NewEmitter(8*telemetry.WireEventSize, nil)
	const producers = 4
	const perProducer = 500

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-e.Events():
			case <-done:
				return
			}
		}
	}()

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				e.Emit(telemetry.Event{Type: telemetry.EventMemorySample})
			}
		}()
	}
	wg.Wait()
	close(done)

	sent, dropped := e.Stats()
	if sent+dropped != producers*perProducer {
		t.Errorf("sent+dropped = %d, want %d", sent+dropped, producers*perProducer)
	}
}

func TestEmitterMirrorsCounters(t *testing.T) {
	c := stats.NewContainerCounters()
	e := NewEmitter(telemetry.WireEventSize, c)
	ev := telemetry.Event{Type: telemetry.EventCPUSample}

	e.Emit(ev)
	e.Emit(ev) // dropped

	if got := c.Get(stats.EventsSent); got != 1 {
		t.Errorf("events_sent = %d, want 1", got)
	}
	if got := c.Get(stats.EventsDropped); got != 1 {
		t.Errorf("events_dropped = %d, want 1", got)
	}
}
