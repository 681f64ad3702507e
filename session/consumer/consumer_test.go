package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/metrics"
	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/topic"
	"github.com/justapithecus/telemetry-broker/types"
	"github.com/justapithecus/telemetry-broker/wire"

	"github.com/alicebob/miniredis/v2"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound [][]byte
	sent    [][]byte
	closed  bool
}

func (f *fakeConn) queue(b []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, b)
	f.mu.Unlock()
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, nil, errors.New("no more messages")
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return 1, next, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testLogger() *log.Logger {
	return log.NewLogger(types.SessionContext{Component: "consumer_test"})
}

func testFanout(t *testing.T) *topic.Fanout {
	t.Helper()
	mr := miniredis.RunT(t)
	f, err := topic.New(topic.Config{URL: "redis://" + mr.Addr()}, testLogger())
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestForwardLoopDeliversWrappedFrame(t *testing.T) {
	f := testFanout(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sub := f.Subscribe(ctx, topic.FeaturesTopic("u1"))
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	encoded, err := wire.EncodePayload(types.Payload{"workload": 0.5})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	f.Publish(ctx, topic.FeaturesTopic("u1"), encoded)

	conn := &fakeConn{}
	var sendMu sync.Mutex
	done := make(chan struct{})
	go func() {
		forwardLoop(ctx, conn, &sendMu, sub, types.MessageTypeFeatures, testLogger())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.sent)
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for forwarded frame")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	var frame topicFrame
	conn.mu.Lock()
	payload := conn.sent[0]
	conn.mu.Unlock()
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal forwarded frame: %v", err)
	}
	if frame.Type != types.MessageTypeFeatures || frame.Data["workload"] != 0.5 {
		t.Fatalf("unexpected forwarded frame: %+v", frame)
	}
}

func testDeps(t *testing.T) (Deps, *registry.Registry) {
	t.Helper()
	reg := registry.New(testLogger())
	metricsReg := metrics.New(prometheus.NewRegistry())
	return Deps{
		Registry: reg,
		Topic:    testFanout(t),
		Metrics:  metricsReg,
		Logger:   testLogger(),
	}, reg
}

type edgeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (e *edgeConn) Send(message []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, message)
	return nil
}

func (e *edgeConn) Close() error { return nil }

func TestReceiveLoopRelaysPredictionToEdgeAndPersists(t *testing.T) {
	deps, reg := testDeps(t)
	edge := &edgeConn{}
	reg.ConnectEdge("u1", edge)

	stub := &persistence.StubSink{}
	pipeline := persistence.New(stub, persistence.Config{BatchSize: 1}, testLogger(), persistence.Hooks{})
	deps.Persistence = pipeline

	env := types.PredictionEnvelope{
		Type: types.MessageTypePrediction,
		Data: types.Payload{"label": "focused"},
	}
	raw, _ := json.Marshal(env)

	conn := &fakeConn{}
	conn.queue(raw)

	receiveLoop(t.Context(), conn, "u1", deps, testLogger())

	if len(edge.sent) != 1 {
		t.Fatalf("expected prediction relayed to edge, got %d messages", len(edge.sent))
	}

	deadline := time.After(time.Second)
	for stub.PredictionCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for prediction to persist")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleWithoutTopicStillRelaysPredictions(t *testing.T) {
	reg := registry.New(testLogger())
	metricsReg := metrics.New(prometheus.NewRegistry())
	edge := &edgeConn{}
	reg.ConnectEdge("u1", edge)

	env := types.PredictionEnvelope{Type: types.MessageTypePrediction, Data: types.Payload{"label": "focused"}}
	raw, _ := json.Marshal(env)
	conn := &fakeConn{}
	conn.queue(raw)

	deps := Deps{
		Registry: reg,
		Topic:    nil,
		Metrics:  metricsReg,
		Logger:   testLogger(),
	}

	done := make(chan struct{})
	go func() {
		Handle(t.Context(), conn, "u1", deps)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Handle to return after conn closed")
	}

	if len(edge.sent) != 1 {
		t.Fatalf("expected prediction relayed to edge despite disabled pub/sub, got %d messages", len(edge.sent))
	}
}

func TestReceiveLoopDropsUnknownFrameType(t *testing.T) {
	deps, reg := testDeps(t)
	edge := &edgeConn{}
	reg.ConnectEdge("u1", edge)

	conn := &fakeConn{}
	conn.queue([]byte(`{"type":"nonsense"}`))

	receiveLoop(t.Context(), conn, "u1", deps, testLogger())

	if len(edge.sent) != 0 {
		t.Fatalf("expected no message relayed for unknown frame type, got %d", len(edge.sent))
	}
}

func TestReceiveLoopSkipsPersistWhenEdgeUndelivered(t *testing.T) {
	deps, _ := testDeps(t) // no edge connected for u1

	stub := &persistence.StubSink{}
	pipeline := persistence.New(stub, persistence.Config{BatchSize: 1}, testLogger(), persistence.Hooks{})
	deps.Persistence = pipeline

	env := types.PredictionEnvelope{Type: types.MessageTypePrediction, Data: types.Payload{"label": "focused"}}
	raw, _ := json.Marshal(env)
	conn := &fakeConn{}
	conn.queue(raw)

	receiveLoop(t.Context(), conn, "u1", deps, testLogger())

	time.Sleep(50 * time.Millisecond)
	if stub.PredictionCount() != 0 {
		t.Fatalf("expected no persistence when edge delivery failed, got %d", stub.PredictionCount())
	}
}
