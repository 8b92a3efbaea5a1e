package fetchpool

import (
	"net/http"
	"time"
)

// Outcome tells whether a target produced a concrete result or was left unfinished
type Outcome int

const (
	// Succeeded means an HTTP response was received, whatever its status code
	Succeeded Outcome = iota + 1
	// Failed means the request could not be completed (see Result.Err)
	Failed
	// NotAttempted means the target was never admitted because the batch was cancelled or timed out
	NotAttempted
	// Unresolved means the request was in flight when the caller cancelled the batch
	Unresolved
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case NotAttempted:
		return "not_attempted"
	case Unresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Result is the outcome of fetching a single target
type Result struct {
	Target        Target
	Outcome       Outcome
	StatusCode    int
	Header        http.Header
	ContentLength int64
	// Body holds at most the engine's max body size. It is nil unless WithMaxBodySize was used.
	Body     []byte
	Err      *FetchError
	Duration time.Duration
}

// Completed reports whether the target resolved to a concrete success or failure
func (r Result) Completed() bool {
	return r.Outcome == Succeeded || r.Outcome == Failed
}

// Batch holds one result per submitted target, in submission order
type Batch struct {
	Results []Result
}

// Len returns the number of targets in the batch
func (b *Batch) Len() int {
	return len(b.Results)
}

// Complete reports whether every target resolved to a concrete result
func (b *Batch) Complete() bool {
	for _, result := range b.Results {
		if !result.Completed() {
			return false
		}
	}
	return true
}

// Succeeded returns the results that received an HTTP response
func (b *Batch) Succeeded() []Result {
	return b.filter(func(r Result) bool { return r.Outcome == Succeeded })
}

// Failed returns the results whose request failed
func (b *Batch) Failed() []Result {
	return b.filter(func(r Result) bool { return r.Outcome == Failed })
}

// Incomplete returns the targets that were never attempted or left unresolved
func (b *Batch) Incomplete() []Result {
	return b.filter(func(r Result) bool { return !r.Completed() })
}

func (b *Batch) filter(keep func(Result) bool) []Result {
	filtered := make([]Result, 0)
	for _, result := range b.Results {
		if keep(result) {
			filtered = append(filtered, result)
		}
	}
	return filtered
}
