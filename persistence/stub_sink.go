package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/justapithecus/telemetry-broker/types"
)

// StubSink is an in-memory test sink that can be configured to fail a
// fixed number of times before succeeding, mirroring the teacher's
// StubSink test-double idiom.
type StubSink struct {
	mu sync.Mutex

	FailNTimes    int
	failuresSoFar int

	WrittenPredictions []types.PredictionRecord
	WrittenRawSamples  []types.RawSampleRecord
	PredictionBatches  int
	RawBatches         int
	Closed             bool
}

// NewStubSink creates an empty StubSink.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// WritePredictions records the batch, or returns an injected failure.
func (s *StubSink) WritePredictions(_ context.Context, records []types.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failuresSoFar < s.FailNTimes {
		s.failuresSoFar++
		return errors.New("stub sink: injected failure")
	}

	s.PredictionBatches++
	s.WrittenPredictions = append(s.WrittenPredictions, records...)
	return nil
}

// WriteRawSamples records the batch, or returns an injected failure.
func (s *StubSink) WriteRawSamples(_ context.Context, records []types.RawSampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failuresSoFar < s.FailNTimes {
		s.failuresSoFar++
		return errors.New("stub sink: injected failure")
	}

	s.RawBatches++
	s.WrittenRawSamples = append(s.WrittenRawSamples, records...)
	return nil
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// PredictionCount returns the number of predictions written so far.
func (s *StubSink) PredictionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.WrittenPredictions)
}
