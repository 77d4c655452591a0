package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"lucid-rpc/logger"
	"lucid-rpc/message"
)

// LoggingMiddleware logs method, id, duration and outcome of every request.
// It prefers the logger carried by ctx (the server attaches one per
// connection) and falls back to l, or the "rpc" component logger when l is nil.
func LoggingMiddleware(l *zerolog.Logger) Middleware {
	if l == nil {
		l = logger.WithComponent("rpc")
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			log := zerolog.Ctx(ctx)
			if log.GetLevel() == zerolog.Disabled {
				log = l
			}
			ev := log.Info()
			if resp != nil && resp.Error != nil {
				ev = log.Warn().Str("code", resp.Error.Code).Str("error", resp.Error.Message)
			}
			ev.Str("method", req.Method).
				RawJSON("id", idJSON(req.ID)).
				Dur("duration", duration).
				Msg("request handled")
			return resp
		}
	}
}

func idJSON(id []byte) []byte {
	if len(id) == 0 {
		return []byte("null")
	}
	return id
}
