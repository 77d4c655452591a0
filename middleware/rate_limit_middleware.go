package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"lucid-rpc/message"
)

// CodeRateLimited is returned for requests rejected by RateLimitMiddleware.
const CodeRateLimited = "RATE_LIMITED"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// r is the sustained rate in requests per second, burst the bucket size. The
// limiter is shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(req.ID, message.NewError(CodeRateLimited, "Rate limit exceeded",
					map[string]any{"method": req.Method}))
			}
			return next(ctx, req)
		}
	}
}
