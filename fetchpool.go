package fetchpool

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Engine fetches targets over HTTP with a bounded number of requests in flight.
// A single engine can run any number of batches and sessions; they share its client and counters,
// but the concurrency limit applies to each batch or session separately.
type Engine struct {
	// Configurable settings
	concurrency    int
	client         *http.Client
	requestTimeout time.Duration
	batchDeadline  time.Duration
	userAgent      string
	maxBodySize    int64
	logger         zerolog.Logger
	registerer     prometheus.Registerer
	metrics        *metrics
	// Atomic counters
	runningCount    atomic.Int64
	peakRunning     atomic.Int64
	submittedCount  atomic.Uint64
	waitingCount    atomic.Int64
	successfulCount atomic.Uint64
	failedCount     atomic.Uint64
	incompleteCount atomic.Uint64
}

// New creates an engine that keeps at most concurrency requests in flight per batch.
// Invalid settings are reported as a *ConfigError.
func New(concurrency int, options ...Option) (*Engine, error) {
	engine := &Engine{
		concurrency: concurrency,
		logger:      zerolog.Nop(),
	}

	for _, option := range options {
		option(engine)
	}

	if err := engine.validate(); err != nil {
		return nil, err
	}

	if engine.client == nil {
		engine.client = newDefaultClient(concurrency)
	}

	if engine.registerer != nil {
		m, err := newMetrics(engine.registerer, engine)
		if err != nil {
			return nil, &ConfigError{Option: "metrics", Err: err}
		}
		engine.metrics = m
	}

	return engine, nil
}

// FetchAll runs a single batch with a throwaway engine
func FetchAll(ctx context.Context, urls []string, concurrency int, options ...Option) (*Batch, error) {
	engine, err := New(concurrency, options...)
	if err != nil {
		return nil, err
	}
	return engine.FetchAll(ctx, urls)
}

func (e *Engine) validate() error {
	switch {
	case e.concurrency <= 0:
		return &ConfigError{Option: "concurrency", Err: ErrInvalidConcurrency}
	case e.requestTimeout < 0:
		return &ConfigError{Option: "request timeout", Err: ErrInvalidOption}
	case e.batchDeadline < 0:
		return &ConfigError{Option: "batch deadline", Err: ErrInvalidOption}
	case e.maxBodySize < 0:
		return &ConfigError{Option: "max body size", Err: ErrInvalidOption}
	}
	return nil
}

func newDefaultClient(concurrency int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if concurrency > transport.MaxIdleConnsPerHost {
		transport.MaxIdleConnsPerHost = concurrency
	}
	if concurrency > transport.MaxIdleConns {
		transport.MaxIdleConns = concurrency
	}
	return &http.Client{Transport: transport}
}

// Concurrency returns the maximum number of requests in flight per batch
func (e *Engine) Concurrency() int {
	return e.concurrency
}

// RunningRequests returns the number of requests currently in flight across all batches
func (e *Engine) RunningRequests() int64 {
	return e.runningCount.Load()
}

// PeakRunningRequests returns the highest number of simultaneous requests observed since creation
func (e *Engine) PeakRunningRequests() int64 {
	return e.peakRunning.Load()
}

// SubmittedTargets returns the total number of targets submitted since the engine was created
func (e *Engine) SubmittedTargets() uint64 {
	return e.submittedCount.Load()
}

// WaitingTargets returns the number of submitted targets not yet admitted
func (e *Engine) WaitingTargets() uint64 {
	if waiting := e.waitingCount.Load(); waiting > 0 {
		return uint64(waiting)
	}
	return 0
}

// SuccessfulTargets returns the number of targets that received an HTTP response
func (e *Engine) SuccessfulTargets() uint64 {
	return e.successfulCount.Load()
}

// FailedTargets returns the number of targets whose request failed
func (e *Engine) FailedTargets() uint64 {
	return e.failedCount.Load()
}

// CompletedTargets returns the number of targets that resolved, successfully or not
func (e *Engine) CompletedTargets() uint64 {
	return e.successfulCount.Load() + e.failedCount.Load()
}

// IncompleteTargets returns the number of targets that were not attempted or left unresolved
func (e *Engine) IncompleteTargets() uint64 {
	return e.incompleteCount.Load()
}

func (e *Engine) admit() {
	running := e.runningCount.Add(1)
	for {
		peak := e.peakRunning.Load()
		if running <= peak || e.peakRunning.CompareAndSwap(peak, running) {
			break
		}
	}
	e.metrics.requestStarted()
}

func (e *Engine) release(result Result) {
	e.runningCount.Add(-1)
	e.metrics.requestFinished(result)
}

func (e *Engine) record(result Result) {
	switch result.Outcome {
	case Succeeded:
		e.successfulCount.Add(1)
	case Failed:
		e.failedCount.Add(1)
	default:
		e.incompleteCount.Add(1)
	}
	e.metrics.resultRecorded(result)
}
