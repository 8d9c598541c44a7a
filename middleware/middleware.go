// Package middleware decorates a transport.Factory the same way handler
// middleware decorates a request handler:
//
//	Chain(A, B, C)(factory) → A(B(C(factory)))
//	Create order: A.before → B.before → C.before → factory → C.after → B.after → A.after
//
// The pool calls Create while it holds a reserved slot, so a slow or failing
// decorator delays only the caller that reserved it.
package middleware

import "mini-pool/transport"

type Middleware func(next transport.Factory) transport.Factory

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next transport.Factory) transport.Factory {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
