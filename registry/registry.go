// Package registry tracks live edge and consumer connections and routes
// single-target messages to them.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/justapithecus/telemetry-broker/log"
)

// Conn is the minimal connection surface the registry needs: a way to push
// an outbound message and a way to close the connection. Handlers
// implement this over their actual WebSocket connection.
type Conn interface {
	Send(message []byte) error
	Close() error
}

// Stats summarizes the registry's current connection counts.
type Stats struct {
	EdgeConnected     int
	ConsumerConnected int
	ConnectedUsers    []string
	EdgeTotal         int64
	ConsumerTotal     int64
}

// Registry tracks at most one edge connection per user_id and arbitrarily
// many consumer connections keyed by opaque handle. Mutated only by
// connection lifecycle events, never by message traffic. One mutex guards
// both maps; atomic counters track lifetime connect totals and are
// incremented outside the lock.
type Registry struct {
	logger *log.Logger

	mu        sync.Mutex
	edges     map[string]Conn
	consumers map[string]Conn

	edgeConnectedTotal     atomic.Int64
	consumerConnectedTotal atomic.Int64
}

// New creates an empty Registry.
func New(logger *log.Logger) *Registry {
	return &Registry{
		logger:    logger,
		edges:     make(map[string]Conn),
		consumers: make(map[string]Conn),
	}
}

// ConnectEdge records conn as the edge connection for userID. If a prior
// edge connection exists for this user, it is closed first and replaced
// (last-writer-wins).
func (r *Registry) ConnectEdge(userID string, conn Conn) {
	r.mu.Lock()
	prior, ok := r.edges[userID]
	r.edges[userID] = conn
	r.mu.Unlock()

	r.edgeConnectedTotal.Add(1)

	if ok {
		if err := prior.Close(); err != nil {
			r.logger.Warn("failed closing displaced edge connection", map[string]any{"user_id": userID, "error": err.Error()})
		}
	}
}

// DisconnectEdge removes the edge entry for userID if present. Idempotent.
func (r *Registry) DisconnectEdge(userID string) {
	r.mu.Lock()
	delete(r.edges, userID)
	r.mu.Unlock()
}

// SendToEdge looks up the edge connection for userID and sends message. On
// send error the entry is removed and delivered is false; there is no
// retry.
func (r *Registry) SendToEdge(userID string, message []byte) (delivered bool) {
	r.mu.Lock()
	conn, ok := r.edges[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := conn.Send(message); err != nil {
		r.mu.Lock()
		delete(r.edges, userID)
		r.mu.Unlock()
		r.logger.Warn("edge send failed, connection deregistered", map[string]any{"user_id": userID, "error": err.Error()})
		return false
	}
	return true
}

// ConnectConsumer records conn under handle.
func (r *Registry) ConnectConsumer(handle string, conn Conn) {
	r.mu.Lock()
	r.consumers[handle] = conn
	r.mu.Unlock()
	r.consumerConnectedTotal.Add(1)
}

// DisconnectConsumer removes the consumer entry for handle if present.
// Idempotent.
func (r *Registry) DisconnectConsumer(handle string) {
	r.mu.Lock()
	delete(r.consumers, handle)
	r.mu.Unlock()
}

// Stats returns connection counts and the currently-connected user list.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.edges))
	for userID := range r.edges {
		users = append(users, userID)
	}

	return Stats{
		EdgeConnected:     len(r.edges),
		ConsumerConnected: len(r.consumers),
		ConnectedUsers:    users,
		EdgeTotal:         r.edgeConnectedTotal.Load(),
		ConsumerTotal:     r.consumerConnectedTotal.Load(),
	}
}
