package middleware

import (
	"context"
	"time"

	"mini-pool/route"
	"mini-pool/transport"
)

// TimeOutMiddleware bounds a single Create call.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next transport.Factory) transport.Factory {
		return transport.FactoryFunc(func(ctx context.Context, r route.Route, cfg transport.ConnConfig) (transport.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				conn transport.Conn
				err  error
			}
			done := make(chan result, 1)
			go func() {
				conn, err := next.Create(ctx, r, cfg)
				done <- result{conn, err}
			}()

			select {
			case res := <-done:
				return res.conn, res.err
			case <-ctx.Done():
				// The late result is closed so the handle does not leak.
				go func() {
					if res := <-done; res.conn != nil {
						res.conn.Close()
					}
				}()
				return nil, ctx.Err()
			}
		})
	}
}
