// Package broker fans out event envelopes to subscribed connections.
//
// Each connection owns a bounded outbound queue drained by a single writer
// goroutine, so one slow socket can never stall a room's other subscribers.
// A connection whose queue fills up is dropped rather than blocking the
// publisher.
package broker

import (
	"sync"

	"github.com/louisbranch/chatrelay/internal/protocol"
)

// DefaultQueueSize is the outbound queue capacity used when a caller passes
// a non-positive size.
const DefaultQueueSize = 64

// Sink writes envelopes to a connection's underlying transport. WriteEnvelope
// calls are serialized by the connection's writer goroutine.
type Sink interface {
	WriteEnvelope(envelope protocol.Envelope) error
	Close() error
}

// Conn is one live connection known to the broker.
type Conn struct {
	id   string
	sink Sink

	queue chan protocol.Envelope
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewConn wraps a sink in a broker connection and starts its writer.
func NewConn(id string, sink Sink, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	conn := &Conn{
		id:    id,
		sink:  sink,
		queue: make(chan protocol.Envelope, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Close stops the writer and closes the sink. Closing the sink unblocks a
// writer stuck on a slow socket, so Close never waits on the peer. Safe to
// call more than once. Frames still queued at close time are discarded.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.sink.Close()
	})
}

// Done is closed once the writer has exited and the sink is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send offers an envelope directly to this connection's queue, in order
// with any room fan-out frames. It reports false when the queue is full.
func (c *Conn) Send(envelope protocol.Envelope) bool {
	return c.enqueue(envelope)
}

// enqueue offers an envelope to the outbound queue without blocking. It
// reports false when the queue is full. Enqueue after close is a no-op.
func (c *Conn) enqueue(envelope protocol.Envelope) bool {
	select {
	case <-c.stop:
		return true
	default:
	}
	select {
	case c.queue <- envelope:
		return true
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case envelope := <-c.queue:
			if err := c.sink.WriteEnvelope(envelope); err != nil {
				c.Close()
				return
			}
		}
	}
}

// roomGroup holds one room's subscriber set under its own lock so fan-out in
// one room never serializes with another room's.
type roomGroup struct {
	mu   sync.Mutex
	subs map[string]*Conn
}

// Broker routes published envelopes to each room's subscribers.
type Broker struct {
	mu    sync.Mutex
	rooms map[string]*roomGroup
	// index records which rooms each connection is subscribed to so Drop can
	// detach a connection from everything synchronously.
	index map[string]map[string]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		rooms: make(map[string]*roomGroup),
		index: make(map[string]map[string]struct{}),
	}
}

func (b *Broker) group(roomID string, create bool) *roomGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.rooms[roomID]
	if !ok && create {
		group = &roomGroup{subs: make(map[string]*Conn)}
		b.rooms[roomID] = group
	}
	return group
}

// Subscribe attaches the connection to the room's fan-out set.
func (b *Broker) Subscribe(conn *Conn, roomID string) {
	group := b.group(roomID, true)

	b.mu.Lock()
	rooms, ok := b.index[conn.id]
	if !ok {
		rooms = make(map[string]struct{})
		b.index[conn.id] = rooms
	}
	rooms[roomID] = struct{}{}
	b.mu.Unlock()

	group.mu.Lock()
	group.subs[conn.id] = conn
	group.mu.Unlock()
}

// Unsubscribe detaches the connection from the room's fan-out set.
func (b *Broker) Unsubscribe(conn *Conn, roomID string) {
	group := b.group(roomID, false)
	if group == nil {
		return
	}

	b.mu.Lock()
	if rooms, ok := b.index[conn.id]; ok {
		delete(rooms, roomID)
	}
	b.mu.Unlock()

	group.mu.Lock()
	delete(group.subs, conn.id)
	group.mu.Unlock()
}

// Publish enqueues the envelope for every subscriber of the room. The
// envelope lands in each healthy connection's queue in publish order.
// Connections whose queues are full are dropped from every room and closed;
// their ids are returned so the caller can clean up session state.
func (b *Broker) Publish(roomID string, envelope protocol.Envelope) (dropped []string) {
	group := b.group(roomID, false)
	if group == nil {
		return nil
	}

	var overflowed []*Conn
	group.mu.Lock()
	for _, conn := range group.subs {
		if !conn.enqueue(envelope) {
			overflowed = append(overflowed, conn)
		}
	}
	group.mu.Unlock()

	for _, conn := range overflowed {
		b.Drop(conn)
		dropped = append(dropped, conn.id)
	}
	return dropped
}

// Drop removes the connection from every room it is subscribed to, then
// closes it. Removal completes before the close, so no envelope published
// afterwards can reach the connection.
func (b *Broker) Drop(conn *Conn) {
	b.mu.Lock()
	rooms := b.index[conn.id]
	delete(b.index, conn.id)
	groups := make([]*roomGroup, 0, len(rooms))
	for roomID := range rooms {
		if group, ok := b.rooms[roomID]; ok {
			groups = append(groups, group)
		}
	}
	b.mu.Unlock()

	for _, group := range groups {
		group.mu.Lock()
		delete(group.subs, conn.id)
		group.mu.Unlock()
	}

	conn.Close()
}
