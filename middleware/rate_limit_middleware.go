package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-pool/route"
	"mini-pool/transport"
)

// RateLimitMiddleware 基于令牌桶限制新建连接的速率
//
// Unlike a request limiter it waits for a token instead of rejecting, so a
// burst of cold routes is smoothed instead of failed. The wait honours ctx.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next transport.Factory) transport.Factory {
		return transport.FactoryFunc(func(ctx context.Context, rt route.Route, cfg transport.ConnConfig) (transport.Conn, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next.Create(ctx, rt, cfg)
		})
	}
}
