package realtime

import (
	"context"
	"sync"
	"time"
)

// Event names emitted to rooms.
const (
	EventSaved        = "saved"
	EventArtifactSync = "artifact-sync"
	EventEdgesChanged = "edges-changed"
)

// RoomForUser names the per-user room every notification targets.
func RoomForUser(userID string) string {
	return "userId:" + userID
}

// RoomForDoc names the room shared by all connections to one document.
func RoomForDoc(docKey string) string {
	return "doc:" + docKey
}

// Message is one event delivered to a room.
type Message struct {
	Room      string
	Event     string
	Payload   map[string]any
	Timestamp time.Time
}

// Dispatcher routes messages to in-process subscribers by room. Publish is
// non-blocking: slow subscribers drop messages rather than stall the
// publisher; clients resync on reconnect.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in a room. The returned cleanup is also
// invoked when the context ends.
func (d *Dispatcher) Subscribe(ctx context.Context, room string) (<-chan Message, func()) {
	if room == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(room, sub)
	cleanup := func() {
		d.unregister(room, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every subscriber of a room.
func (d *Dispatcher) Publish(room, event string, payload map[string]any) {
	if room == "" || event == "" {
		return
	}
	message := Message{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	// Sends happen under the read lock so a subscriber channel cannot be
	// closed mid-send; unregister closes only under the write lock.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[room] {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(room string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[room]; !ok {
		d.subscribers[room] = make(map[int64]*subscriber)
	}
	d.subscribers[room][sub.id] = sub
}

// unregister removes a subscriber and closes its channel so readers
// draining the stream terminate. Safe to call more than once.
func (d *Dispatcher) unregister(room string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[room]
	sub, ok := subs[subscriberID]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(d.subscribers, room)
	}
	close(sub.stream)
}
