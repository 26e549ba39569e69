package broker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/chatrelay/internal/protocol"
)

// chanSink collects written envelopes on a channel so tests can wait for
// delivery without polling.
type chanSink struct {
	frames chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

func newChanSink() *chanSink {
	return &chanSink{frames: make(chan protocol.Envelope, 128)}
}

func (s *chanSink) WriteEnvelope(envelope protocol.Envelope) error {
	s.frames <- envelope
	return nil
}

func (s *chanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *chanSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stuckSink blocks every write until released, simulating a peer that stops
// reading.
type stuckSink struct {
	release chan struct{}
	once    sync.Once
}

func newStuckSink() *stuckSink {
	return &stuckSink{release: make(chan struct{})}
}

func (s *stuckSink) WriteEnvelope(protocol.Envelope) error {
	<-s.release
	return errors.New("connection closed")
}

func (s *stuckSink) Close() error {
	s.once.Do(func() {
		close(s.release)
	})
	return nil
}

type errorSink struct {
	closed chan struct{}
	once   sync.Once
}

func newErrorSink() *errorSink {
	return &errorSink{closed: make(chan struct{})}
}

func (s *errorSink) WriteEnvelope(protocol.Envelope) error {
	return errors.New("broken pipe")
}

func (s *errorSink) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}

func waitFrame(t *testing.T, sink *chanSink) protocol.Envelope {
	t.Helper()
	select {
	case envelope := <-sink.frames:
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func expectNoFrame(t *testing.T, sink *chanSink) {
	t.Helper()
	select {
	case envelope := <-sink.frames:
		t.Fatalf("unexpected frame %q", envelope.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func testEnvelope(seq int) protocol.Envelope {
	return protocol.ErrorEvent("TEST", fmt.Sprintf("frame-%d", seq))
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := NewBroker()
	sink1, sink2 := newChanSink(), newChanSink()
	conn1 := NewConn("conn-1", sink1, 0)
	conn2 := NewConn("conn-2", sink2, 0)
	defer b.Drop(conn1)
	defer b.Drop(conn2)
	b.Subscribe(conn1, "room-1")
	b.Subscribe(conn2, "room-1")

	if dropped := b.Publish("room-1", testEnvelope(1)); dropped != nil {
		t.Fatalf("expected no drops, got %v", dropped)
	}
	waitFrame(t, sink1)
	waitFrame(t, sink2)
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	b := NewBroker()
	sink := newChanSink()
	conn := NewConn("conn-1", sink, 32)
	defer b.Drop(conn)
	b.Subscribe(conn, "room-1")

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish("room-1", testEnvelope(i))
	}
	for i := 0; i < n; i++ {
		envelope := waitFrame(t, sink)
		want := testEnvelope(i)
		if string(envelope.Payload) != string(want.Payload) {
			t.Fatalf("frame %d out of order: got %s", i, envelope.Payload)
		}
	}
}

func TestPublishToUnknownRoom(t *testing.T) {
	b := NewBroker()
	if dropped := b.Publish("room-1", testEnvelope(1)); dropped != nil {
		t.Fatalf("expected no drops, got %v", dropped)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	sink := newChanSink()
	conn := NewConn("conn-1", sink, 0)
	defer b.Drop(conn)
	b.Subscribe(conn, "room-1")
	b.Unsubscribe(conn, "room-1")

	b.Publish("room-1", testEnvelope(1))
	expectNoFrame(t, sink)
}

func TestSlowSubscriberDroppedOthersUnaffected(t *testing.T) {
	b := NewBroker()
	healthy := newChanSink()
	slow := newStuckSink()
	healthyConn := NewConn("conn-healthy", healthy, 4)
	slowConn := NewConn("conn-slow", slow, 1)
	defer b.Drop(healthyConn)
	b.Subscribe(healthyConn, "room-1")
	b.Subscribe(slowConn, "room-1")

	// The slow connection's writer is stuck on the first frame and its queue
	// holds one more; the next publish overflows it.
	var dropped []string
	for i := 0; i < 3; i++ {
		dropped = append(dropped, b.Publish("room-1", testEnvelope(i))...)
	}
	if len(dropped) != 1 || dropped[0] != "conn-slow" {
		t.Fatalf("expected conn-slow to be dropped, got %v", dropped)
	}
	for i := 0; i < 3; i++ {
		waitFrame(t, healthy)
	}

	select {
	case <-slowConn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for slow connection writer to exit")
	}

	// Later publishes no longer see the dropped connection.
	if dropped := b.Publish("room-1", testEnvelope(9)); dropped != nil {
		t.Fatalf("expected no further drops, got %v", dropped)
	}
	waitFrame(t, healthy)
}

func TestDropRemovesConnectionFromAllRooms(t *testing.T) {
	b := NewBroker()
	sink := newChanSink()
	conn := NewConn("conn-1", sink, 0)
	b.Subscribe(conn, "room-1")
	b.Subscribe(conn, "room-2")

	b.Drop(conn)
	if !sink.isClosed() {
		t.Fatal("expected sink to be closed")
	}

	b.Publish("room-1", testEnvelope(1))
	b.Publish("room-2", testEnvelope(2))
	expectNoFrame(t, sink)
}

func TestEnqueueAfterCloseIsSilent(t *testing.T) {
	b := NewBroker()
	sink := newChanSink()
	conn := NewConn("conn-1", sink, 0)
	b.Subscribe(conn, "room-1")
	conn.Close()

	// The closed connection is still registered; publishing must neither
	// panic nor report it as an overflow.
	if dropped := b.Publish("room-1", testEnvelope(1)); dropped != nil {
		t.Fatalf("expected closed connection to absorb silently, got %v", dropped)
	}
	b.Drop(conn)
}

func TestWriteErrorClosesConnection(t *testing.T) {
	b := NewBroker()
	sink := newErrorSink()
	conn := NewConn("conn-1", sink, 4)
	b.Subscribe(conn, "room-1")

	b.Publish("room-1", testEnvelope(1))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writer to exit after write error")
	}
	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink close")
	}
	b.Drop(conn)
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := newChanSink()
	conn := NewConn("conn-1", sink, 0)
	conn.Close()
	conn.Close()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for writer exit")
	}
}
