package fetchpool_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alitto/fetchpool"
)

// countingServer tracks how many requests it received and how many were served concurrently
type countingServer struct {
	*httptest.Server
	hits    atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func newCountingServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()

	s := &countingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		active := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			seen := s.maxSeen.Load()
			if active <= seen || s.maxSeen.CompareAndSwap(seen, active) {
				break
			}
		}
		handler(w, r)
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *countingServer) urls(paths ...string) []string {
	urls := make([]string, len(paths))
	for i, path := range paths {
		urls[i] = s.URL + path
	}
	return urls
}

func repeat(path string, n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s?n=%d", path, i)
	}
	return paths
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestFetchAllCompleteness(t *testing.T) {

	server := newCountingServer(t, okHandler)

	engine, err := fetchpool.New(7)
	require.NoError(t, err)

	urls := server.urls(repeat("/item", 100)...)
	batch, err := engine.FetchAll(context.Background(), urls)

	require.NoError(t, err)
	require.Equal(t, len(urls), batch.Len())
	assert.True(t, batch.Complete())

	seen := make(map[int]bool)
	for i, result := range batch.Results {
		assert.Equal(t, i, result.Target.Index)
		assert.Equal(t, urls[i], result.Target.URL)
		assert.False(t, seen[result.Target.Index])
		seen[result.Target.Index] = true

		assert.Equal(t, fetchpool.Succeeded, result.Outcome)
		assert.Equal(t, http.StatusOK, result.StatusCode)
	}

	assert.Equal(t, int64(len(urls)), server.hits.Load())
	assert.Equal(t, uint64(len(urls)), engine.SubmittedTargets())
	assert.Equal(t, uint64(len(urls)), engine.SuccessfulTargets())
	assert.Equal(t, uint64(len(urls)), engine.CompletedTargets())
	assert.Equal(t, uint64(0), engine.WaitingTargets())
	assert.Equal(t, int64(0), engine.RunningRequests())
}

func TestFetchAllRespectsConcurrencyLimit(t *testing.T) {

	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	limit := 4
	engine, err := fetchpool.New(limit)
	require.NoError(t, err)

	batch, err := engine.FetchAll(context.Background(), server.urls(repeat("/slow", 60)...))

	require.NoError(t, err)
	assert.Len(t, batch.Succeeded(), 60)
	assert.LessOrEqual(t, server.maxSeen.Load(), int64(limit))
	assert.LessOrEqual(t, engine.PeakRunningRequests(), int64(limit))
	assert.Greater(t, engine.PeakRunningRequests(), int64(1))
}

func TestFetchAllAdmitsOnEverySlotRelease(t *testing.T) {

	release := make(chan struct{})
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	engine, err := fetchpool.New(2)
	require.NoError(t, err)

	urls := server.urls(append([]string{"/slow"}, repeat("/fast", 9)...)...)
	results := engine.Stream(context.Background(), urls)

	// The slow target holds one slot while the other slot works through every fast target
	for i := 0; i < 9; i++ {
		result := <-results
		assert.NotEqual(t, 0, result.Target.Index)
		assert.Equal(t, fetchpool.Succeeded, result.Outcome)
	}

	release <- struct{}{}

	last, ok := <-results
	require.True(t, ok)
	assert.Equal(t, 0, last.Target.Index)

	_, ok = <-results
	assert.False(t, ok)
}

func TestFetchAllNonSuccessStatusIsSuccess(t *testing.T) {

	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	batch, err := fetchpool.FetchAll(context.Background(), server.urls("/", "/missing", "/broken"), 3)

	require.NoError(t, err)
	require.Len(t, batch.Succeeded(), 3)
	assert.Equal(t, http.StatusOK, batch.Results[0].StatusCode)
	assert.Equal(t, http.StatusNotFound, batch.Results[1].StatusCode)
	assert.Equal(t, http.StatusInternalServerError, batch.Results[2].StatusCode)
}

func TestFetchAllFailureIsolation(t *testing.T) {

	server := newCountingServer(t, okHandler)

	// Grab an address nobody listens on
	closed := httptest.NewServer(http.HandlerFunc(okHandler))
	refusedURL := closed.URL + "/refused"
	closed.Close()

	urls := []string{
		server.URL + "/a",
		refusedURL,
		"://not a url",
		server.URL + "/b",
		"https://example.test/{}/a/{}",
		"ftp://example.test/file",
		server.URL + "/c",
	}

	batch, err := fetchpool.FetchAll(context.Background(), urls, 2)

	require.NoError(t, err)
	require.Equal(t, len(urls), batch.Len())
	assert.True(t, batch.Complete())

	for _, i := range []int{0, 3, 6} {
		assert.Equal(t, fetchpool.Succeeded, batch.Results[i].Outcome)
	}

	assert.Equal(t, fetchpool.Failed, batch.Results[1].Outcome)
	assert.Equal(t, fetchpool.KindTransport, batch.Results[1].Err.Kind)

	for _, i := range []int{2, 4, 5} {
		result := batch.Results[i]
		assert.Equal(t, fetchpool.Failed, result.Outcome)
		assert.Equal(t, fetchpool.KindInvalidTarget, result.Err.Kind)
		assert.ErrorIs(t, result.Err, fetchpool.ErrInvalidTarget)
	}

	// Invalid targets never reach the network
	assert.Equal(t, int64(3), server.hits.Load())
	assert.Len(t, batch.Failed(), 4)
}

func TestFetchAllEmpty(t *testing.T) {

	engine, err := fetchpool.New(3)
	require.NoError(t, err)

	batch, err := engine.FetchAll(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 0, batch.Len())
	assert.True(t, batch.Complete())

	results := engine.Stream(context.Background(), []string{})
	_, ok := <-results
	assert.False(t, ok)
}

func TestFetchAllInvalidConcurrency(t *testing.T) {

	server := newCountingServer(t, okHandler)

	for _, limit := range []int{0, -1} {
		batch, err := fetchpool.FetchAll(context.Background(), server.urls("/a", "/b"), limit)

		assert.Nil(t, batch)
		assert.ErrorIs(t, err, fetchpool.ErrInvalidConcurrency)

		var configErr *fetchpool.ConfigError
		require.True(t, errors.As(err, &configErr))
		assert.Equal(t, "concurrency", configErr.Option)
	}

	assert.Equal(t, int64(0), server.hits.Load())
}

func TestNewInvalidOptions(t *testing.T) {

	tests := []struct {
		name   string
		option fetchpool.Option
	}{
		{"negative request timeout", fetchpool.WithRequestTimeout(-time.Second)},
		{"negative batch deadline", fetchpool.WithBatchDeadline(-time.Second)},
		{"negative body size", fetchpool.WithMaxBodySize(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := fetchpool.New(1, tt.option)

			assert.Nil(t, engine)
			assert.ErrorIs(t, err, fetchpool.ErrInvalidOption)
		})
	}
}

func TestFetchAllRequestTimeoutIsolation(t *testing.T) {

	release := make(chan struct{})
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hangs" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	urls := server.urls("/fast1", "/fast2", "/fast3", "/fast4", "/hangs")

	batch, err := fetchpool.FetchAll(context.Background(), urls, 5,
		fetchpool.WithRequestTimeout(100*time.Millisecond))

	require.NoError(t, err)
	assert.True(t, batch.Complete())
	assert.Len(t, batch.Succeeded(), 4)

	failed := batch.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].Target.Index)
	assert.Equal(t, fetchpool.KindTimeout, failed[0].Err.Kind)
}

func TestFetchAllCancellation(t *testing.T) {

	release := make(chan struct{})
	var answered atomic.Int64
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Only the first three requests are answered
		if answered.Add(1) > 3 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	// Counts requests that reach the transport with a live context once cancel has returned
	var canceled atomic.Bool
	var started, startedAfterCancel atomic.Int64
	transport := http.DefaultTransport.(*http.Transport).Clone()
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Context().Err() == nil {
			started.Add(1)
			if canceled.Load() {
				startedAfterCancel.Add(1)
			}
		}
		return transport.RoundTrip(r)
	})}

	engine, err := fetchpool.New(2, fetchpool.WithHTTPClient(client))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := engine.NewSession(ctx)
	targets, err := session.Submit(server.urls(repeat("/item", 10)...)...)
	require.NoError(t, err)
	require.Len(t, targets, 10)
	assert.Equal(t, 9, targets[9].Index)
	session.Close()

	resolved := 0
	collected := make([]fetchpool.Result, 0, 10)
	for result := range session.Results() {
		collected = append(collected, result)
		if result.Completed() {
			resolved++
			if resolved == 3 {
				cancel()
				canceled.Store(true)
			}
		}
	}

	err = session.Wait()
	assert.ErrorIs(t, err, fetchpool.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	batch := &fetchpool.Batch{Results: collected}
	require.Equal(t, 10, batch.Len())
	assert.Len(t, batch.Succeeded(), 3)
	assert.Len(t, batch.Incomplete(), 7)
	assert.Equal(t, uint64(7), engine.IncompleteTargets())

	for _, result := range batch.Incomplete() {
		assert.Contains(t, []fetchpool.Outcome{fetchpool.NotAttempted, fetchpool.Unresolved}, result.Outcome)
		assert.Equal(t, fetchpool.KindCanceled, result.Err.Kind)
	}

	// Three answered plus at most one hanging request per worker
	assert.LessOrEqual(t, started.Load(), int64(5))
	assert.Equal(t, int64(0), startedAfterCancel.Load())
}

func TestFetchAllCanceledBeforeStart(t *testing.T) {

	server := newCountingServer(t, okHandler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := fetchpool.FetchAll(ctx, server.urls(repeat("/item", 5)...), 2)

	assert.ErrorIs(t, err, fetchpool.ErrCanceled)
	require.Equal(t, 5, batch.Len())
	for i, result := range batch.Results {
		assert.Equal(t, i, result.Target.Index)
		assert.Equal(t, fetchpool.NotAttempted, result.Outcome)
	}
	assert.Equal(t, int64(0), server.hits.Load())
}

func TestFetchAllBatchDeadline(t *testing.T) {

	release := make(chan struct{})
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hangs" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	engine, err := fetchpool.New(1, fetchpool.WithBatchDeadline(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	batch, err := engine.FetchAll(context.Background(), server.urls("/fast", "/hangs", "/never1", "/never2"))

	// Timeouts are per-target failures, not an operation-level error
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, batch.Complete())

	assert.Equal(t, fetchpool.Succeeded, batch.Results[0].Outcome)

	assert.Equal(t, fetchpool.Failed, batch.Results[1].Outcome)
	assert.Equal(t, fetchpool.KindTimeout, batch.Results[1].Err.Kind)
	assert.ErrorIs(t, batch.Results[1].Err, fetchpool.ErrBatchDeadline)

	for _, result := range batch.Results[2:] {
		assert.Equal(t, fetchpool.NotAttempted, result.Outcome)
		assert.Equal(t, fetchpool.KindTimeout, result.Err.Kind)
	}
}

func TestFetchAllUserAgentAndBody(t *testing.T) {

	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.UserAgent())
		fmt.Fprint(w, "hello, world")
	})

	batch, err := fetchpool.FetchAll(context.Background(), server.urls("/"), 1,
		fetchpool.WithUserAgent("fetchpool-test/1.0"),
		fetchpool.WithMaxBodySize(5))

	require.NoError(t, err)
	result := batch.Results[0]
	assert.Equal(t, fetchpool.Succeeded, result.Outcome)
	assert.Equal(t, "fetchpool-test/1.0", result.Header.Get("X-Agent"))
	assert.Equal(t, "hello", string(result.Body))
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestFetchAllWithCustomClient(t *testing.T) {

	server := newCountingServer(t, okHandler)

	var calls atomic.Int64
	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return http.DefaultTransport.RoundTrip(r)
		}),
	}

	batch, err := fetchpool.FetchAll(context.Background(), server.urls(repeat("/", 10)...), 3,
		fetchpool.WithHTTPClient(client))

	require.NoError(t, err)
	assert.Len(t, batch.Succeeded(), 10)
	assert.Equal(t, int64(10), calls.Load())
}

func TestFetchAllRecoversFromPanics(t *testing.T) {

	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.URL.Path == "/boom" {
				panic("dummy panic")
			}
			return &http.Response{StatusCode: http.StatusAccepted, Header: http.Header{}, Body: http.NoBody, Request: r}, nil
		}),
	}

	batch, err := fetchpool.FetchAll(context.Background(),
		[]string{"http://example.test/ok", "http://example.test/boom"}, 2,
		fetchpool.WithHTTPClient(client))

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, batch.Results[0].StatusCode)
	assert.Equal(t, fetchpool.Failed, batch.Results[1].Outcome)
	assert.ErrorIs(t, batch.Results[1].Err, fetchpool.ErrPanic)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
