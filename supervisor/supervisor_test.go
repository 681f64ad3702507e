package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/telemetry-broker/log"
	"github.com/justapithecus/telemetry-broker/types"
)

func testLogger() *log.Logger {
	return log.NewLogger(types.SessionContext{Component: "supervisor_test"})
}

type fakeServer struct {
	mu          sync.Mutex
	started     bool
	shutdownErr error
	shutdownCalled bool
}

func (f *fakeServer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalled = true
	return f.shutdownErr
}

type fakePipeline struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakePipeline) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakePipeline) Stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fakeCloser struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.err
}

func TestRunStartsThenDrainsOnCancel(t *testing.T) {
	server := &fakeServer{}
	pipeline := &fakePipeline{}
	closer := &fakeCloser{}

	sup := New(Deps{
		Server:        server,
		Pipeline:      pipeline,
		Closers:       []Closer{closer},
		ShutdownGrace: 100 * time.Millisecond,
		Logger:        testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected no error from Run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !server.started {
		t.Fatal("expected server started")
	}
	if !server.shutdownCalled {
		t.Fatal("expected server shutdown called")
	}
	if !pipeline.started {
		t.Fatal("expected pipeline started")
	}
	if !pipeline.stopped {
		t.Fatal("expected pipeline stopped")
	}
	if !closer.closed {
		t.Fatal("expected closer invoked")
	}
}

func TestShutdownIsolatesStepFailures(t *testing.T) {
	server := &fakeServer{shutdownErr: errors.New("stuck connection")}
	pipeline := &fakePipeline{}
	closer := &fakeCloser{err: errors.New("close failed")}

	sup := New(Deps{
		Server:        server,
		Pipeline:      pipeline,
		Closers:       []Closer{closer},
		ShutdownGrace: 50 * time.Millisecond,
		Logger:        testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected shutdown-step errors to be swallowed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if !pipeline.stopped {
		t.Fatal("expected pipeline stop to still run despite server shutdown failure")
	}
	if !closer.closed {
		t.Fatal("expected closer to still run despite earlier failures")
	}
}

func TestRunReturnsStartupErrorAndStillDrains(t *testing.T) {
	server := &fakeServer{}
	startErr := errors.New("address in use")
	failingServer := startErrServer{fakeServer: server, err: startErr}
	pipeline := &fakePipeline{}

	sup := New(Deps{
		Server:        failingServer,
		Pipeline:      pipeline,
		ShutdownGrace: 50 * time.Millisecond,
		Logger:        testLogger(),
	})

	err := sup.Run(context.Background())
	if !errors.Is(err, startErr) {
		t.Fatalf("expected startup error returned, got %v", err)
	}
	if !pipeline.stopped {
		t.Fatal("expected pipeline drained even though server failed to start")
	}
}

// startErrServer wraps fakeServer to fail Start deterministically.
type startErrServer struct {
	*fakeServer
	err error
}

func (s startErrServer) Start() error { return s.err }
