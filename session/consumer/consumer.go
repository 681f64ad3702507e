// Package consumer implements the consumer WebSocket session: subscribe to
// one user's topics, forward published samples downstream, and relay
// consumer-originated predictions back to that user's edge connection.
package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/justapithecus/telemetry-broker/iox"
	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/metrics"
	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/topic"
	"github.com/justapithecus/telemetry-broker/types"
	"github.com/justapithecus/telemetry-broker/wire"
)

// Conn is the subset of *websocket.Conn the handler needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Registry    *registry.Registry
	Topic       *topic.Fanout
	Persistence *persistence.Pipeline // nil when DB persistence is disabled
	Metrics     *metrics.Registry
	Logger      *log.Logger
}

type connAdapter struct{ conn Conn }

func (c connAdapter) Send(message []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c connAdapter) Close() error { return c.conn.Close() }

// topicFrame is the shape forwarded to a consumer: the sample kind plus its
// raw payload, wrapped as JSON regardless of how it travelled the topic.
type topicFrame struct {
	Type types.MessageType `json:"type"`
	Data types.Payload     `json:"data"`
}

// Handle runs one consumer connection's full lifecycle for userID: it
// subscribes to that user's features and raw topics, forwards published
// samples to conn, relays prediction frames back to the user's edge
// connection, and tears everything down when either direction ends.
func Handle(ctx context.Context, conn Conn, userID string, deps Deps) {
	handle := uuid.NewString()
	logger := deps.Logger.With(types.SessionContext{UserID: userID, SessionID: handle, Component: "consumer"})

	deps.Registry.ConnectConsumer(handle, connAdapter{conn})
	deps.Metrics.ConsumerConnections.Inc()
	defer func() {
		deps.Registry.DisconnectConsumer(handle)
		deps.Metrics.ConsumerConnections.Dec()
		iox.DiscardClose(conn)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var sendMu sync.Mutex // serializes conn.WriteMessage across the two forward loops

	if deps.Topic != nil {
		featuresSub := deps.Topic.Subscribe(runCtx, topic.FeaturesTopic(userID))
		rawSub := deps.Topic.Subscribe(runCtx, topic.RawTopic(userID))
		defer featuresSub.Close()
		defer rawSub.Close()

		wg.Add(2)
		go func() {
			defer wg.Done()
			defer cancel()
			forwardLoop(runCtx, conn, &sendMu, featuresSub, types.MessageTypeFeatures, logger)
		}()
		go func() {
			defer wg.Done()
			defer cancel()
			forwardLoop(runCtx, conn, &sendMu, rawSub, types.MessageTypeRaw, logger)
		}()
	} else {
		logger.Warn("pub/sub disabled, consumer will only receive predictions sent back from the edge", nil)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		receiveLoop(runCtx, conn, userID, deps, logger)
	}()

	// Closing the connection once runCtx ends unblocks a receive loop parked
	// in ReadMessage, so the other direction ending tears the session down.
	go func() {
		<-runCtx.Done()
		iox.DiscardClose(conn)
	}()

	wg.Wait()
}

// forwardLoop relays payloads from sub to conn, wrapped with kind, until
// ctx is cancelled or the subscription closes.
func forwardLoop(ctx context.Context, conn Conn, sendMu *sync.Mutex, sub *topic.Subscription, kind types.MessageType, logger *log.Logger) {
	for {
		raw, ok := sub.Next(ctx)
		if !ok {
			return
		}
		payload, err := wire.DecodePayload(raw)
		if err != nil {
			logger.Warn("dropping unreadable topic payload", map[string]any{"error": err.Error()})
			continue
		}
		frame, err := json.Marshal(topicFrame{Type: kind, Data: payload})
		if err != nil {
			logger.Warn("failed to encode forwarded frame", map[string]any{"error": err.Error()})
			continue
		}

		sendMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, frame)
		sendMu.Unlock()
		if err != nil {
			return
		}
	}
}

// receiveLoop reads consumer-originated prediction frames and relays each
// to the user's edge connection. A prediction is persisted only once
// delivery to the edge connection succeeds.
func receiveLoop(ctx context.Context, conn Conn, userID string, deps Deps, logger *log.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env types.PredictionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("dropping unparseable consumer frame", map[string]any{"error": err.Error()})
			continue
		}
		if env.Type != types.MessageTypePrediction {
			logger.Info("dropping consumer frame of unknown type", map[string]any{"type": string(env.Type)})
			continue
		}

		delivered := deps.Registry.SendToEdge(userID, raw)
		deps.Metrics.MessagesReceived.WithLabelValues(string(env.Type), userID).Inc()
		if !delivered {
			continue
		}

		if deps.Persistence == nil {
			continue
		}
		predictionType := env.PredictionType
		if predictionType == "" {
			predictionType = "azure_ml"
		}
		classifierName := env.ClassifierName
		if classifierName == "" {
			classifierName = "azure_unknown"
		}
		deps.Persistence.AddPrediction(ctx, types.PredictionRecord{
			Timestamp:      time.Now().UTC(),
			SessionID:      env.SessionID,
			UserID:         userID,
			PredictionType: predictionType,
			ClassifierName: classifierName,
			Data:           env.Data,
			Confidence:     env.ResolveConfidence(),
		})
	}
}
