package edge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justapithecus/telemetry-broker/buffer"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/metrics"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/types"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeConn is a scripted Conn: inbound messages are queued, outbound
// messages and close calls are recorded.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][2]any // {messageType, payload}
	sent     [][]byte
	closed   bool
	closeMsg []byte
	readErr  error
}

func (f *fakeConn) queueText(v any) {
	b, _ := json.Marshal(v)
	f.mu.Lock()
	f.inbound = append(f.inbound, [2]any{websocket.TextMessage, b})
	f.mu.Unlock()
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, errors.New("no more messages")
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next[0].(int), next[1].([]byte), nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeMsg = data
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testDeps() Deps {
	reg := prometheus.NewRegistry()
	return Deps{
		Registry: registry.New(log.NewLogger(types.SessionContext{Component: "test"})),
		Buffers:  buffer.NewManager(100),
		Metrics:  metrics.New(reg),
		Logger:   log.NewLogger(types.SessionContext{Component: "test"}),
		APIKey:   "K",
	}
}

func TestAuthSuccessSendsAuthAck(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "K", UserID: "u1"})

	Handle(t.Context(), conn, testDeps())

	if len(conn.sent) == 0 {
		t.Fatal("expected at least one outbound message")
	}
	var ack types.AuthAck
	if err := json.Unmarshal(conn.sent[0], &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Type != types.MessageTypeAuthAck || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestAuthInvalidAPIKeyCloses(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "wrong", UserID: "u1"})

	Handle(t.Context(), conn, testDeps())

	if !conn.closed {
		t.Fatal("expected connection closed on invalid api key")
	}
	if len(conn.sent) != 0 {
		t.Fatal("expected no auth_ack sent before a valid key")
	}
}

func TestAuthMissingUserIDCloses(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "K"})

	Handle(t.Context(), conn, testDeps())

	if !conn.closed {
		t.Fatal("expected connection closed on missing user_id")
	}
}

func TestAuthTimeoutCloses(t *testing.T) {
	conn := &fakeConn{readErr: errors.New("i/o timeout")}

	Handle(t.Context(), conn, testDeps())

	if !conn.closed {
		t.Fatal("expected connection closed on auth read timeout")
	}
}

func TestHeartbeatAfterAuth(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "K", UserID: "u1"})
	conn.queueText(map[string]any{"type": "heartbeat"})

	Handle(t.Context(), conn, testDeps())

	if len(conn.sent) != 2 {
		t.Fatalf("expected auth_ack and heartbeat_ack, got %d messages", len(conn.sent))
	}
	var hbAck types.HeartbeatAck
	if err := json.Unmarshal(conn.sent[1], &hbAck); err != nil {
		t.Fatalf("unmarshal heartbeat ack: %v", err)
	}
	if hbAck.Type != types.MessageTypeHeartAck {
		t.Fatalf("unexpected heartbeat ack: %+v", hbAck)
	}
}

func TestFeaturesSampleLandsInBuffer(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "K", UserID: "u1"})
	conn.queueText(map[string]any{"type": "features", "workload": 0.7, "confidence": 0.9})

	deps := testDeps()
	Handle(t.Context(), conn, deps)

	buf, ok := deps.Buffers.Get("u1")
	if !ok {
		t.Fatal("expected a buffer to be created for u1")
	}
	latest, ok := buf.Latest(types.SampleFilter{})
	if !ok {
		t.Fatal("expected a sample in the buffer")
	}
	if latest.Kind != types.SampleKindFeatures || latest.Payload["workload"] != 0.7 {
		t.Fatalf("unexpected latest sample: %+v", latest)
	}
}

func TestRegistryDeregisteredOnDisconnect(t *testing.T) {
	conn := &fakeConn{}
	conn.queueText(types.AuthRequest{APIKey: "K", UserID: "u1"})

	deps := testDeps()
	Handle(t.Context(), conn, deps)

	if stats := deps.Registry.Stats(); stats.EdgeConnected != 0 {
		t.Fatalf("expected edge deregistered after disconnect, got %d", stats.EdgeConnected)
	}
}
