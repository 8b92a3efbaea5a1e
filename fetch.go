package fetchpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// drainLimit caps how much of an unwanted body is read so the connection can be reused
const drainLimit = 64 << 10

// invoke performs the request of a single target. It never panics and never returns an error:
// every failure is folded into the result.
func (e *Engine) invoke(batchCtx context.Context, target Target) (result Result) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrPanic, p)
			result = Result{
				Target:  target,
				Outcome: Failed,
				Err:     newFetchError(KindTransport, err),
			}
		}
		result.Duration = time.Since(start)
	}()

	result.Target = target

	u, err := parseTarget(target.URL)
	if err != nil {
		result.Outcome = Failed
		result.Err = newFetchError(KindInvalidTarget, err)
		return
	}

	ctx := batchCtx
	if e.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(batchCtx, e.requestTimeout, errRequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		result.Outcome = Failed
		result.Err = newFetchError(KindInvalidTarget, fmt.Errorf("%w: %v", ErrInvalidTarget, err))
		return
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return e.failure(batchCtx, ctx, result, err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	result.ContentLength = resp.ContentLength

	body, err := readBody(resp.Body, e.maxBodySize)
	if err != nil {
		return e.failure(batchCtx, ctx, result, err)
	}

	result.Outcome = Succeeded
	result.Body = body
	return
}

// failure classifies a request error. Cancellation of the whole batch wins over the
// per-request timeout, which wins over transport errors.
func (e *Engine) failure(batchCtx, requestCtx context.Context, result Result, err error) Result {
	switch {
	case batchCtx.Err() != nil:
		if batchTimedOut(batchCtx) {
			result.Outcome = Failed
			result.Err = newFetchError(KindTimeout, context.Cause(batchCtx))
		} else {
			result.Outcome = Unresolved
			result.Err = newFetchError(KindCanceled, context.Cause(batchCtx))
		}
	case errors.Is(context.Cause(requestCtx), errRequestTimeout), isTimeout(err):
		result.Outcome = Failed
		result.Err = newFetchError(KindTimeout, err)
	default:
		result.Outcome = Failed
		result.Err = newFetchError(KindTransport, err)
	}
	return result
}

// batchTimedOut tells a deadline (ours or the caller's) apart from an explicit cancellation
func batchTimedOut(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrBatchDeadline) || errors.Is(cause, context.DeadlineExceeded)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func readBody(body io.Reader, maxBodySize int64) ([]byte, error) {
	var captured []byte
	if maxBodySize > 0 {
		var err error
		captured, err = io.ReadAll(io.LimitReader(body, maxBodySize))
		if err != nil {
			return nil, err
		}
	}

	if _, err := io.Copy(io.Discard, io.LimitReader(body, drainLimit)); err != nil {
		return nil, err
	}

	return captured, nil
}
