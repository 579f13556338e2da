package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/studio-ousia/mprpc/message"
)

// Logging logs every dispatched call with its duration. Failed calls are
// logged at Warn, successful ones at Debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint32("msgid", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("rpc call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("rpc call", fields...)
			}
			return result, err
		}
	}
}
