// Package persistence implements the batched time-series persistence
// pipeline: two typed FIFO queues (predictions, raw samples), each with a
// periodic and size-triggered flush, and retry-on-failure semantics that
// preserve queue ordering across retries.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/types"
)

// Sink is the persistence destination. Implementations may write to a
// database, forward to a queue, or stub for testing. Batches must be
// written in order.
type Sink interface {
	WritePredictions(ctx context.Context, records []types.PredictionRecord) error
	WriteRawSamples(ctx context.Context, records []types.RawSampleRecord) error
	Close() error
}

// Stats snapshots queue and flush counters.
type Stats struct {
	PredictionQueueLen   int
	RawQueueLen          int
	PredictionsWritten   int64
	RawSamplesWritten    int64
	PredictionFlushes    int64
	RawFlushes           int64
	PredictionFlushFails int64
	RawFlushFails        int64
}

// Config configures the Pipeline.
type Config struct {
	// BatchSize triggers a synchronous flush once a queue reaches this
	// length (default 50).
	BatchSize int
	// FlushInterval is the ticker period for both queues (default 5s).
	FlushInterval time.Duration
	// HighWaterMark, when > 0, bounds unbounded-retry growth: once a
	// queue's length exceeds this after a failed flush, the batch that
	// just failed is archived via Hooks.OnArchive instead of being
	// retried forever. Disabled (unbounded retry) when zero or when
	// Hooks.OnArchive is nil.
	HighWaterMark int
}

// Hooks lets callers observe flush outcomes (for metrics) without the
// pipeline importing the metrics package directly.
type Hooks struct {
	OnWrite func(table string, n int, duration time.Duration)
	OnFail  func(table string)
	// OnArchive is invoked with the batch that exceeded HighWaterMark
	// after a failed flush. records is []types.PredictionRecord or
	// []types.RawSampleRecord depending on table.
	OnArchive func(ctx context.Context, table string, records any) error
}

// Pipeline runs the two batching queues and their flush ticker.
type Pipeline struct {
	sink   Sink
	logger *log.Logger
	cfg    Config
	hooks  Hooks

	predMu    sync.Mutex
	predQueue []types.PredictionRecord
	predFlush sync.Mutex // serializes flushes of the prediction queue against itself

	rawMu    sync.Mutex
	rawQueue []types.RawSampleRecord
	rawFlush sync.Mutex

	stats struct {
		mu                   sync.Mutex
		predictionsWritten   int64
		rawSamplesWritten    int64
		predictionFlushes    int64
		rawFlushes           int64
		predictionFlushFails int64
		rawFlushFails        int64
	}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Pipeline. Call Start to launch the background ticker.
func New(sink Sink, cfg Config, logger *log.Logger, hooks Hooks) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Pipeline{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		hooks:  hooks,
	}
}

// Start launches the background flush ticker. Not safe to call twice.
func (p *Pipeline) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.FlushPredictions(ctx)
				p.FlushRawSamples(ctx)
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the ticker, awaits its termination, then performs a final
// flush of both queues. Idempotent.
func (p *Pipeline) Stop(ctx context.Context) {
	if p.stopCh == nil {
		return
	}
	select {
	case <-p.stopCh:
		// already stopped
	default:
		close(p.stopCh)
	}
	<-p.doneCh

	p.FlushPredictions(ctx)
	p.FlushRawSamples(ctx)
}

// AddPrediction appends to the prediction queue; if the queue length
// reaches the batch size, triggers a synchronous flush.
func (p *Pipeline) AddPrediction(ctx context.Context, rec types.PredictionRecord) {
	p.predMu.Lock()
	p.predQueue = append(p.predQueue, rec)
	trigger := len(p.predQueue) >= p.cfg.BatchSize
	p.predMu.Unlock()

	if trigger {
		p.FlushPredictions(ctx)
	}
}

// AddRawSample appends to the raw sample queue; if the queue length
// reaches the batch size, triggers a synchronous flush.
func (p *Pipeline) AddRawSample(ctx context.Context, rec types.RawSampleRecord) {
	p.rawMu.Lock()
	p.rawQueue = append(p.rawQueue, rec)
	trigger := len(p.rawQueue) >= p.cfg.BatchSize
	p.rawMu.Unlock()

	if trigger {
		p.FlushRawSamples(ctx)
	}
}

// FlushPredictions detaches the current prediction queue, writes it, and
// on failure re-prepends the batch to the front of the queue so ordering
// is preserved across retries. A flush already in flight short-circuits a
// threshold-triggered call.
func (p *Pipeline) FlushPredictions(ctx context.Context) {
	if !p.predFlush.TryLock() {
		return
	}
	defer p.predFlush.Unlock()

	p.predMu.Lock()
	batch := p.predQueue
	p.predQueue = nil
	p.predMu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := p.sink.WritePredictions(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		p.logger.Error("prediction flush failed, batch restored to queue head", map[string]any{"batch_size": len(batch), "error": err.Error()})
		p.predMu.Lock()
		p.predQueue = append(batch, p.predQueue...)
		var archived []types.PredictionRecord
		if p.cfg.HighWaterMark > 0 && p.hooks.OnArchive != nil && len(p.predQueue) > p.cfg.HighWaterMark {
			archived = p.predQueue[:len(batch)]
			p.predQueue = p.predQueue[len(batch):]
		}
		p.predMu.Unlock()

		p.stats.mu.Lock()
		p.stats.predictionFlushFails++
		p.stats.mu.Unlock()
		if p.hooks.OnFail != nil {
			p.hooks.OnFail("predictions")
		}
		if archived != nil {
			p.archive(ctx, "predictions", archived)
		}
		return
	}

	p.stats.mu.Lock()
	p.stats.predictionsWritten += int64(len(batch))
	p.stats.predictionFlushes++
	p.stats.mu.Unlock()
	if p.hooks.OnWrite != nil {
		p.hooks.OnWrite("predictions", len(batch), duration)
	}
}

// FlushRawSamples is FlushPredictions' symmetric counterpart for the raw
// sample queue.
func (p *Pipeline) FlushRawSamples(ctx context.Context) {
	if !p.rawFlush.TryLock() {
		return
	}
	defer p.rawFlush.Unlock()

	p.rawMu.Lock()
	batch := p.rawQueue
	p.rawQueue = nil
	p.rawMu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := p.sink.WriteRawSamples(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		p.logger.Error("raw sample flush failed, batch restored to queue head", map[string]any{"batch_size": len(batch), "error": err.Error()})
		p.rawMu.Lock()
		p.rawQueue = append(batch, p.rawQueue...)
		var archived []types.RawSampleRecord
		if p.cfg.HighWaterMark > 0 && p.hooks.OnArchive != nil && len(p.rawQueue) > p.cfg.HighWaterMark {
			archived = p.rawQueue[:len(batch)]
			p.rawQueue = p.rawQueue[len(batch):]
		}
		p.rawMu.Unlock()

		p.stats.mu.Lock()
		p.stats.rawFlushFails++
		p.stats.mu.Unlock()
		if p.hooks.OnFail != nil {
			p.hooks.OnFail("raw_samples")
		}
		if archived != nil {
			p.archive(ctx, "raw_samples", archived)
		}
		return
	}

	p.stats.mu.Lock()
	p.stats.rawSamplesWritten += int64(len(batch))
	p.stats.rawFlushes++
	p.stats.mu.Unlock()
	if p.hooks.OnWrite != nil {
		p.hooks.OnWrite("raw_samples", len(batch), duration)
	}
}

// archive hands a batch that exceeded HighWaterMark to the configured
// archiver instead of leaving it queued for another retry. Best effort: an
// archive failure is logged and the batch is otherwise dropped, since the
// alternative is unbounded queue growth.
func (p *Pipeline) archive(ctx context.Context, table string, records any) {
	if p.hooks.OnArchive == nil {
		return
	}
	if err := p.hooks.OnArchive(ctx, table, records); err != nil {
		p.logger.Error("dead-letter archive failed, batch dropped", map[string]any{"table": table, "error": err.Error()})
	}
}

// Stats returns a snapshot of queue lengths and flush counters.
func (p *Pipeline) Stats() Stats {
	p.predMu.Lock()
	predLen := len(p.predQueue)
	p.predMu.Unlock()

	p.rawMu.Lock()
	rawLen := len(p.rawQueue)
	p.rawMu.Unlock()

	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()
	return Stats{
		PredictionQueueLen:   predLen,
		RawQueueLen:          rawLen,
		PredictionsWritten:   p.stats.predictionsWritten,
		RawSamplesWritten:    p.stats.rawSamplesWritten,
		PredictionFlushes:    p.stats.predictionFlushes,
		RawFlushes:           p.stats.rawFlushes,
		PredictionFlushFails: p.stats.predictionFlushFails,
		RawFlushFails:        p.stats.rawFlushFails,
	}
}
