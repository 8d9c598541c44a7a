package transport

import (
	"context"

	"mini-pool/route"
)

// Factory materializes a connection handle for a route.
type Factory interface {
	Create(ctx context.Context, r route.Route, cfg ConnConfig) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, r route.Route, cfg ConnConfig) (Conn, error)

// Create implements Factory.
func (f FactoryFunc) Create(ctx context.Context, r route.Route, cfg ConnConfig) (Conn, error) {
	return f(ctx, r, cfg)
}

// NewFactory returns a factory producing unbound NetConn handles. The socket
// is opened later by an Operator.
func NewFactory() Factory {
	return FactoryFunc(func(ctx context.Context, _ route.Route, cfg ConnConfig) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewNetConn(cfg), nil
	})
}
