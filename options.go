package fetchpool

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option represents an option that can be passed when instantiating an engine to customize it
type Option func(*Engine)

// WithHTTPClient sets the client shared by every request of the engine.
// The client must be safe for concurrent use, which *http.Client is.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithRequestTimeout bounds each individual GET, including reading its body.
// A zero timeout means requests are only bounded by the batch.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.requestTimeout = timeout
	}
}

// WithBatchDeadline bounds the wall-clock time of a whole batch or session.
func WithBatchDeadline(deadline time.Duration) Option {
	return func(e *Engine) {
		e.batchDeadline = deadline
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) Option {
	return func(e *Engine) {
		e.userAgent = userAgent
	}
}

// WithMaxBodySize keeps up to size bytes of each response body in Result.Body.
func WithMaxBodySize(size int64) Option {
	return func(e *Engine) {
		e.maxBodySize = size
	}
}

// WithLogger sets the logger used to trace admissions and resolutions.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics registers the engine's collectors on the given registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = registerer
	}
}
