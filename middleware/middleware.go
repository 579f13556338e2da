// Package middleware wraps the server's method dispatch.
//
// A middleware sees every decoded request before the handler table is
// consulted, and the handler's result or error on the way back:
//
//	Chain(A, B, C)(dispatch) == A(B(C(dispatch)))
//	A.before → B.before → C.before → dispatch → C.after → B.after → A.after
//
// An error returned by a middleware is sent to the client as the response
// error, exactly like a handler failure.
package middleware

import (
	"context"

	"github.com/studio-ousia/mprpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one. The first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
