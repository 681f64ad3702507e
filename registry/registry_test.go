package registry

import (
	"errors"
	"testing"

	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/types"
)

type fakeConn struct {
	sendErr error
	closed  bool
	sent    [][]byte
}

func (f *fakeConn) Send(message []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func testLogger() *log.Logger {
	return log.NewLogger(types.SessionContext{Component: "registry_test"})
}

func TestConnectEdgeReplacesAndClosesPrior(t *testing.T) {
	r := New(testLogger())
	first := &fakeConn{}
	second := &fakeConn{}

	r.ConnectEdge("u1", first)
	r.ConnectEdge("u1", second)

	if !first.closed {
		t.Fatal("expected prior edge connection to be closed")
	}
	if stats := r.Stats(); stats.EdgeConnected != 1 {
		t.Fatalf("expected exactly one edge connection for u1, got %d", stats.EdgeConnected)
	}
	if !r.SendToEdge("u1", []byte("x")) {
		t.Fatal("expected send to the replacement connection to succeed")
	}
	if len(second.sent) != 1 {
		t.Fatal("expected message delivered to replacement connection")
	}
}

func TestSendToEdgeUnknownUserNotDelivered(t *testing.T) {
	r := New(testLogger())
	if r.SendToEdge("ghost", []byte("x")) {
		t.Fatal("expected not-delivered for unknown user")
	}
}

func TestSendToEdgeErrorDeregisters(t *testing.T) {
	r := New(testLogger())
	conn := &fakeConn{sendErr: errors.New("broken pipe")}
	r.ConnectEdge("u1", conn)

	if r.SendToEdge("u1", []byte("x")) {
		t.Fatal("expected delivery failure")
	}
	if r.Stats().EdgeConnected != 0 {
		t.Fatal("expected entry removed after send failure")
	}
}

func TestDisconnectEdgeIdempotent(t *testing.T) {
	r := New(testLogger())
	r.DisconnectEdge("nope")
	r.DisconnectEdge("nope")
}

func TestConsumerLifecycle(t *testing.T) {
	r := New(testLogger())
	conn := &fakeConn{}
	r.ConnectConsumer("h1", conn)
	if r.Stats().ConsumerConnected != 1 {
		t.Fatal("expected one consumer connected")
	}
	r.DisconnectConsumer("h1")
	if r.Stats().ConsumerConnected != 0 {
		t.Fatal("expected consumer removed")
	}
}

func TestAtMostOneEdgePerUser(t *testing.T) {
	r := New(testLogger())
	for i := 0; i < 5; i++ {
		r.ConnectEdge("u1", &fakeConn{})
	}
	if r.Stats().EdgeConnected != 1 {
		t.Fatal("expected at most one edge connection per user at any moment")
	}
}
