package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studio-ousia/mprpc/message"
)

var ErrHandlerTimeout = errors.New("request timed out")

type outcome struct {
	result any
	err    error
}

// Timeout answers with ErrHandlerTimeout when the rest of the chain takes
// longer than d. The handler's context is cancelled but the handler itself
// keeps running until it returns.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				// The caller's recover cannot see this goroutine.
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: panicError(r)}
					}
				}()
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
