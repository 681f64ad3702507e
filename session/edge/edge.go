// Package edge implements the edge WebSocket session state machine:
// authenticate, open a session row, run the inbound message loop, and tear
// down on disconnect.
package edge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/justapithecus/telemetry-broker/buffer"
	"github.com/justapithecus/telemetry-broker/iox"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/metrics"
	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/topic"
	"github.com/justapithecus/telemetry-broker/types"
	"github.com/justapithecus/telemetry-broker/wire"
)

// AuthTimeout bounds how long the first frame may take to arrive.
const AuthTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn the handler needs; satisfied
// directly by *websocket.Conn and by a fake in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// SessionStore persists the Session row bracketing one edge lifetime.
// Optional: a nil store means session rows are not persisted.
type SessionStore interface {
	CreateSession(ctx context.Context, sess types.Session) error
	CloseSession(ctx context.Context, sessionID string, endTime time.Time) error
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Registry    *registry.Registry
	Buffers     *buffer.Manager
	Topic       *topic.Fanout // nil when pub/sub is disabled
	Persistence *persistence.Pipeline // nil when DB persistence is disabled
	Metrics     *metrics.Registry
	Sessions    SessionStore
	Logger      *log.Logger
	APIKey      string
}

// connAdapter makes a Conn satisfy registry.Conn: server-to-edge frames
// are always JSON text.
type connAdapter struct{ conn Conn }

func (c connAdapter) Send(message []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c connAdapter) Close() error { return c.conn.Close() }

// Handle runs one edge connection's full lifecycle to completion. It
// returns once the connection has been torn down.
func Handle(ctx context.Context, conn Conn, deps Deps) {
	if err := conn.SetReadDeadline(time.Now().Add(AuthTimeout)); err != nil {
		deps.Logger.Warn("failed to set auth deadline", map[string]any{"error": err.Error()})
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		closeWithReason(deps.Logger, conn, "Authentication timeout")
		return
	}

	var authReq types.AuthRequest
	if err := json.Unmarshal(raw, &authReq); err != nil {
		closeWithReason(deps.Logger, conn, "Missing user_id")
		return
	}

	if deps.APIKey == "" || authReq.APIKey != deps.APIKey {
		closeWithReason(deps.Logger, conn, "Invalid API key")
		return
	}
	if authReq.UserID == "" {
		closeWithReason(deps.Logger, conn, "Missing user_id")
		return
	}

	sessionID := uuid.NewString()
	userID := authReq.UserID
	sessCtx := types.SessionContext{UserID: userID, SessionID: sessionID, Component: "edge"}
	logger := deps.Logger.With(sessCtx)

	buf := deps.Buffers.GetOrCreate(userID)

	sess := types.Session{
		SessionID:  sessionID,
		UserID:     userID,
		StartTime:  time.Now().UTC(),
		DeviceInfo: authReq.DeviceInfo,
	}
	if deps.Sessions != nil {
		if err := deps.Sessions.CreateSession(ctx, sess); err != nil {
			logger.Warn("failed to create session row", map[string]any{"error": err.Error()})
		}
	}

	deps.Registry.ConnectEdge(userID, connAdapter{conn})
	deps.Metrics.EdgeRelayConnections.Inc()
	deps.Metrics.ActiveSessions.Inc()
	deps.Metrics.SessionsCreatedTotal.Inc()

	defer func() {
		deps.Registry.DisconnectEdge(userID)
		deps.Metrics.EdgeRelayConnections.Dec()
		deps.Metrics.ActiveSessions.Dec()
		deps.Metrics.SessionsEndedTotal.Inc()
		if deps.Sessions != nil {
			if err := deps.Sessions.CloseSession(ctx, sessionID, time.Now().UTC()); err != nil {
				logger.Warn("failed to close session row", map[string]any{"error": err.Error()})
			}
		}
		iox.DiscardClose(conn)
	}()

	ack, _ := json.Marshal(types.AuthAck{Type: types.MessageTypeAuthAck, SessionID: sessionID})
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		logger.Warn("failed to send auth_ack", map[string]any{"error": err.Error()})
		return
	}

	// Auth succeeded: clear the authentication deadline for the session
	// lifetime; heartbeats are the client's liveness contract from here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		logger.Warn("failed to clear read deadline", map[string]any{"error": err.Error()})
	}

	runLoop(ctx, conn, deps, logger, buf, sess)
}

func runLoop(ctx context.Context, conn Conn, deps Deps, logger *log.Logger, buf *buffer.Buffer, sess types.Session) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		env, err := wire.DecodeEdgeFrame(messageType == websocket.BinaryMessage, raw)
		if err != nil {
			logger.Warn("dropping frame with unrecognized envelope", map[string]any{"error": err.Error()})
			continue
		}

		deps.Metrics.MessagesReceived.WithLabelValues(string(env.Type), sess.UserID).Inc()

		switch env.Type {
		case types.MessageTypeFeatures:
			handleSample(ctx, deps, logger, buf, sess, types.SampleKindFeatures, env.Payload)
		case types.MessageTypeRaw:
			handleSample(ctx, deps, logger, buf, sess, types.SampleKindRaw, env.Payload)
		case types.MessageTypeHeartbeat:
			ack, _ := json.Marshal(types.HeartbeatAck{Type: types.MessageTypeHeartAck})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return
			}
			deps.Metrics.MessagesProcessed.WithLabelValues(string(env.Type)).Inc()
		default:
			logger.Info("dropping frame of unknown type", map[string]any{"type": string(env.Type)})
		}
	}
}

// handleSample implements handle_features/handle_raw. Any failure here is
// counted and logged but never propagated: a single bad sample must not
// terminate the session.
func handleSample(ctx context.Context, deps Deps, logger *log.Logger, buf *buffer.Buffer, sess types.Session, kind types.SampleKind, payload types.Payload) {
	defer func() {
		if r := recover(); r != nil {
			deps.Metrics.MessagesFailed.WithLabelValues(string(kind), "panic").Inc()
			logger.Error("panic handling sample, session continues", map[string]any{"error": toErrString(r)})
		}
	}()

	now := time.Now().UTC()
	buf.Append(types.Sample{
		Timestamp: now,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Kind:      kind,
		Payload:   payload,
	})

	stats := buf.Stats()
	deps.Metrics.BufferSize.WithLabelValues(sess.UserID).Set(float64(stats.Count))
	deps.Metrics.BufferCapacity.WithLabelValues(sess.UserID).Set(float64(stats.Capacity))

	if deps.Topic != nil {
		encoded, err := wire.EncodePayload(payload)
		if err != nil {
			deps.Metrics.MessagesFailed.WithLabelValues(string(kind), "encode").Inc()
			logger.Error("failed to encode payload for topic publish", map[string]any{"error": err.Error()})
		} else {
			topicName := topic.FeaturesTopic(sess.UserID)
			if kind == types.SampleKindRaw {
				topicName = topic.RawTopic(sess.UserID)
			}
			deps.Topic.Publish(ctx, topicName, encoded)
		}
	}

	if deps.Persistence != nil {
		if kind == types.SampleKindFeatures {
			deps.Persistence.AddPrediction(ctx, types.PredictionRecord{
				Timestamp:      now,
				SessionID:      sess.SessionID,
				UserID:         sess.UserID,
				PredictionType: "workload_edge",
				ClassifierName: "edge_relay",
				Data:           payload,
				Confidence:     confidenceOf(payload),
			})
		} else {
			deps.Persistence.AddRawSample(ctx, types.RawSampleRecord{
				Timestamp: now,
				SessionID: sess.SessionID,
				UserID:    sess.UserID,
				Data:      payload,
			})
		}
	}

	deps.Metrics.MessagesProcessed.WithLabelValues(string(kind)).Inc()
}

func confidenceOf(payload types.Payload) *float64 {
	v, ok := payload["confidence"]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func toErrString(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

func closeWithReason(logger *log.Logger, conn Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	iox.DiscardClose(conn)
	logger.Info("edge connection rejected", map[string]any{"reason": reason})
}
