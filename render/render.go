// Package render fans decoded frames out to display consumers.
//
// Bus implements the moqcapture Renderer contract: Deliver hands in a
// momentarily-valid frame, so the bus copies the pixel data once and
// then distributes the copy to every subscriber with a non-blocking
// send. Slow subscribers drop frames rather than stall the decode path;
// per-subscriber drop counters make that visible.
package render

import (
	"errors"
	"sync"
	"sync/atomic"

	moqcapture "github.com/e7canasta/moq-capture"
)

var (
	ErrBusClosed          = errors.New("render: bus closed")
	ErrSubscriberExists   = errors.New("render: subscriber id already registered")
	ErrSubscriberNotFound = errors.New("render: subscriber not found")
	ErrNilChannel         = errors.New("render: nil channel")
)

// Frame is one fan-out delivery. Blank marks a display-clear event; a
// blank frame carries no pixel data. Data is owned by the receiver.
type Frame struct {
	Data            []byte
	Width           int
	Height          int
	TimestampMicros int64
	TraceID         string
	Blank           bool
}

type subscriber struct {
	id      string
	ch      chan<- Frame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// SubscriberStats is a snapshot of one subscriber's delivery counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Bus distributes frames to named subscribers. The zero value is not
// usable; call NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	published atomic.Uint64
	blanks    atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch under id. Sends are non-blocking: when ch is
// full the frame is dropped for that subscriber and counted.
func (b *Bus) Subscribe(id string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{id: id, ch: ch}
	return nil
}

// Unsubscribe removes the subscriber. Its channel is not closed; the
// owner closes channels it created.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Deliver copies the frame once and fans the copy out.
func (b *Bus) Deliver(f moqcapture.OutputFrame) {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	b.publish(Frame{
		Data:            data,
		Width:           f.Width,
		Height:          f.Height,
		TimestampMicros: f.TimestampMicros,
		TraceID:         f.TraceID,
	})
}

// DeliverBlank fans out a display-clear event.
func (b *Bus) DeliverBlank() {
	b.blanks.Add(1)
	b.publish(Frame{Blank: true})
}

func (b *Bus) publish(f Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- f:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Stats returns delivery counters for one subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    sub.sent.Load(),
		Dropped: sub.dropped.Load(),
	}, nil
}

// Published returns the total number of fan-out events, blanks included.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close stops distribution. Subscribed channels are left open.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
