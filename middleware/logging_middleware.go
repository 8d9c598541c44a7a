package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/route"
	"mini-pool/transport"
)

func LoggingMiddleware(logger logrus.FieldLogger) Middleware {
	return func(next transport.Factory) transport.Factory {
		return transport.FactoryFunc(func(ctx context.Context, r route.Route, cfg transport.ConnConfig) (transport.Conn, error) {
			start := time.Now()
			conn, err := next.Create(ctx, r, cfg)
			fields := logrus.Fields{
				"route":    r.String(),
				"duration": time.Since(start),
			}
			if err != nil {
				logger.WithFields(fields).WithError(err).Warn("connection create failed")
				return nil, err
			}
			logger.WithFields(fields).Debug("connection created")
			return conn, nil
		})
	}
}
