package fetchpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alitto/fetchpool/internal/dispatcher"
)

// Session accepts targets over time and fetches them with the engine's concurrency limit.
// Targets are admitted in submission order and indexed consecutively from 0.
// Results are delivered in completion order and the channel must be drained by the caller.
type Session struct {
	engine          *Engine
	ctx             context.Context
	cancel          context.CancelFunc
	dispatcher      *dispatcher.Dispatcher[Target]
	tasks           chan Target
	results         chan Result
	workerCount     atomic.Int64
	workerWaitGroup sync.WaitGroup
	mutex           sync.Mutex
	nextIndex       int
	incomplete      atomic.Int64
	closing         chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
	err             error
}

// NewSession starts a session bound to ctx. Cancelling ctx aborts in-flight requests and
// marks every pending target as not completed.
func (e *Engine) NewSession(ctx context.Context) *Session {
	return e.newSession(ctx, e.concurrency, nil)
}

// Stream fetches the given URLs and returns their results in completion order.
// The channel yields exactly one result per URL and is closed afterwards.
func (e *Engine) Stream(ctx context.Context, urls []string) <-chan Result {
	if len(urls) == 0 {
		results := make(chan Result)
		close(results)
		return results
	}

	session := e.newSession(ctx, len(urls), NewTargets(urls...))
	session.Close()

	return session.Results()
}

// FetchAll fetches the given URLs and collects one result per URL, in submission order.
// When the caller cancels ctx, the partial batch is returned together with an error wrapping ErrCanceled.
func (e *Engine) FetchAll(ctx context.Context, urls []string) (*Batch, error) {
	batch := &Batch{
		Results: make([]Result, len(urls)),
	}

	if len(urls) == 0 {
		return batch, nil
	}

	session := e.newSession(ctx, len(urls), NewTargets(urls...))
	session.Close()

	for result := range session.Results() {
		batch.Results[result.Target.Index] = result
	}

	return batch, session.Wait()
}

func (e *Engine) newSession(parent context.Context, resultsLen int, initial []Target) *Session {
	ctx, cancel := context.WithCancel(parent)
	if e.batchDeadline > 0 {
		deadlineCtx, cancelDeadline := context.WithTimeoutCause(ctx, e.batchDeadline, ErrBatchDeadline)
		cancelParent := cancel
		ctx = deadlineCtx
		cancel = func() {
			cancelDeadline()
			cancelParent()
		}
	}

	session := &Session{
		engine:    e,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(chan Target),
		results:   make(chan Result, resultsLen),
		nextIndex: len(initial),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	e.submittedCount.Add(uint64(len(initial)))
	e.waitingCount.Add(int64(len(initial)))

	session.dispatcher = dispatcher.New(ctx, session.dispatch, session.discard, initial...)

	go session.run()

	return session
}

// Submit queues URLs for fetching and returns the targets they were assigned
func (s *Session) Submit(urls ...string) ([]Target, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	targets := make([]Target, len(urls))
	for i, u := range urls {
		targets[i] = Target{Index: s.nextIndex + i, URL: u}
	}

	s.engine.waitingCount.Add(int64(len(targets)))

	if err := s.dispatcher.Write(targets...); err != nil {
		s.engine.waitingCount.Add(-int64(len(targets)))
		return nil, ErrSessionClosed
	}

	s.nextIndex += len(targets)
	s.engine.submittedCount.Add(uint64(len(targets)))

	return targets, nil
}

// Submitted returns the number of targets accepted so far
func (s *Session) Submitted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.nextIndex
}

// Close stops accepting targets. Targets already submitted are still fetched.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// Refuse writes right away, run may not have reached CloseAndWait yet
		s.dispatcher.Close()
		close(s.closing)
	})
}

// Results returns the channel on which results are delivered.
// It is closed once every submitted target has been accounted for.
func (s *Session) Results() <-chan Result {
	return s.results
}

// Done returns a channel that is closed when the session has finished
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has finished. It returns an error wrapping ErrCanceled
// if the caller cancelled the session before every target resolved.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// dispatch hands a target to an idle worker, starting a new one while under the limit.
// It runs on the dispatcher goroutine, which is the only one that starts workers.
func (s *Session) dispatch(target Target) bool {

	// Attempt to hand off the target without blocking
	select {
	case s.tasks <- target:
		s.engine.waitingCount.Add(-1)
		return true
	default:
	}

	if int(s.workerCount.Load()) < s.engine.concurrency {
		s.startWorker()
	}

	// Block until a worker frees up
	select {
	case s.tasks <- target:
		s.engine.waitingCount.Add(-1)
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) discard(target Target) {
	s.engine.waitingCount.Add(-1)
	s.emit(s.notAttempted(target))
}

func (s *Session) startWorker() {
	s.workerWaitGroup.Add(1)
	s.workerCount.Add(1)
	go s.worker()
}

func (s *Session) worker() {
	defer s.workerWaitGroup.Done()

	for {
		// Prioritize context cancellation over admitting more targets
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case target, ok := <-s.tasks:
			if !ok {
				return
			}
			s.execute(target)
		}
	}
}

func (s *Session) execute(target Target) {
	if s.ctx.Err() != nil {
		// Received after cancellation, never touch the network
		s.emit(s.notAttempted(target))
		return
	}

	s.engine.logger.Debug().
		Int("index", target.Index).
		Str("url", target.URL).
		Msg("admitting target")

	s.engine.admit()
	result := s.engine.invoke(s.ctx, target)
	s.engine.release(result)

	s.emit(result)
}

func (s *Session) notAttempted(target Target) Result {
	kind := KindCanceled
	if batchTimedOut(s.ctx) {
		kind = KindTimeout
	}
	return Result{
		Target:  target,
		Outcome: NotAttempted,
		Err: &FetchError{
			Kind:    kind,
			Message: "target was not attempted",
			Err:     context.Cause(s.ctx),
		},
	}
}

func (s *Session) emit(result Result) {
	if !result.Completed() {
		s.incomplete.Add(1)
	}

	s.engine.record(result)

	event := s.engine.logger.Debug()
	if result.Outcome == Failed && result.Err.Kind == KindTransport {
		event = s.engine.logger.Warn()
	}
	if result.Err != nil {
		event = event.Str("kind", result.Err.Kind.String()).Str("error", result.Err.Message)
	}
	event.Int("index", result.Target.Index).
		Str("url", result.Target.URL).
		Stringer("outcome", result.Outcome).
		Int("status", result.StatusCode).
		Dur("duration", result.Duration).
		Msg("target resolved")

	s.results <- result
}

// run tears the session down once input is closed or the context is done
func (s *Session) run() {
	select {
	case <-s.closing:
	case <-s.ctx.Done():
	}

	// Wait until every queued target was handed to a worker or discarded
	s.dispatcher.CloseAndWait()

	// No more workers can be started at this point
	close(s.tasks)
	s.workerWaitGroup.Wait()

	incomplete := s.incomplete.Load()
	if incomplete > 0 && !batchTimedOut(s.ctx) {
		s.err = fmt.Errorf("%w: %w", ErrCanceled, context.Cause(s.ctx))
	}

	s.engine.logger.Info().
		Int("submitted", s.Submitted()).
		Int64("incomplete", incomplete).
		Int64("workers", s.workerCount.Load()).
		Msg("session finished")

	s.cancel()
	close(s.results)
	close(s.done)
}
