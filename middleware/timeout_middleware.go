package middleware

import (
	"context"
	"time"

	"lucid-rpc/message"
)

// CodeDeadlineExceeded is returned when a request outlives its deadline.
const CodeDeadlineExceeded = "DEADLINE_EXCEEDED"

// TimeOutMiddleware bounds each request by the timeout_ms hint in its meta, or
// by timeout when the hint is absent. A zero timeout without a hint leaves the
// request unbounded; a hint of zero or less fails the request without running
// it.
//
// The handler is not preempted: it observes ctx.Done() if it cares, and its
// eventual result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			d := timeout
			hint, hinted := req.Meta.TimeoutHint()
			if hinted {
				d = hint
			}
			if !hinted && d <= 0 {
				return next(ctx, req)
			}
			if d <= 0 {
				return deadlineExceeded(req, d)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return deadlineExceeded(req, d)
			}
		}
	}
}

func deadlineExceeded(req *message.Request, d time.Duration) *message.Response {
	return message.Fail(req.ID, message.NewError(CodeDeadlineExceeded, "Request timed out",
		map[string]any{"method": req.Method, "timeout_ms": d.Milliseconds()}))
}
