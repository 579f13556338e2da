package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/studio-ousia/mprpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects calls beyond a token bucket of r calls per second with
// the given burst. The bucket is shared by every connection of the server.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
