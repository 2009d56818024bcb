package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps an http.Client with timeout, bounded retry and circuit-breaker
// logic for calls to payment and model providers.
//
// Only transport errors and 5xx responses are retried, and only when MaxAttempts
// is above one. A 5xx on the final attempt is handed back to the caller so the
// upstream status and body can be reported.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	// Timeout bounds each attempt. The caller's context bounds the whole call.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Do executes the request. The request body is buffered to support retries.
// ErrOpenCircuit is returned when the breaker refuses the call.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	target := cl.Target
	if target == "" {
		target = breaker.label()
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow(ctx) {
			countAttempt(target, "rejected")
			if lastErr == nil {
				lastErr = ErrOpenCircuit
			}
			break
		}
		resp, cancel, err := cl.doOnce(ctx, req, body)
		switch {
		case err != nil:
			countAttempt(target, "transport_error")
			breaker.Report(ctx, false)
			lastErr = err
		case resp.StatusCode >= http.StatusInternalServerError:
			countAttempt(target, "server_error")
			breaker.Report(ctx, false)
			if attempt == maxAttempts {
				resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
				return resp, nil
			}
			drain(resp)
			cancel()
			lastErr = errors.New(resp.Status)
		default:
			if resp.StatusCode >= http.StatusBadRequest {
				countAttempt(target, "client_error")
			} else {
				countAttempt(target, "ok")
			}
			breaker.Report(ctx, true)
			resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		if attempt == maxAttempts {
			break
		}
		sleepFor := Backoff(baseBackoff, attempt, cl.Jitter)
		cl.Logger.Warn().Err(lastErr).Str("target", target).Int("attempt", attempt).Dur("backoff", sleepFor).Msg("upstream attempt failed, retrying")
		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// doOnce issues a single attempt. The returned cancel func releases the attempt
// timeout and must be called once the body has been consumed.
func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, body []byte) (*http.Response, context.CancelFunc, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	attemptReq := req.Clone(callCtx)
	if body != nil {
		attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		attemptReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	resp, err := cl.Client.Do(attemptReq)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func countAttempt(target, outcome string) {
	UpstreamAttempts.WithLabelValues(target, outcome).Inc()
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = body
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return data, nil
}
