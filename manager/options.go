package manager

import (
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/middleware"
	"mini-pool/transport"
)

type options struct {
	factory    transport.Factory
	operator   transport.Operator
	connCfg    transport.ConnConfig
	socket     transport.SocketConfig
	logger     logrus.FieldLogger
	now        func() time.Time
	validate   time.Duration
	middleware []middleware.Middleware
}

func defaultOptions() options {
	return options{
		factory: transport.NewFactory(),
		connCfg: transport.DefaultConnConfig(),
		socket:  transport.DefaultSocketConfig(),
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.operator == nil {
		o.operator = transport.NewOperator(nil)
	}
	if len(o.middleware) > 0 {
		o.factory = middleware.Chain(o.middleware...)(o.factory)
	}
	return o
}

// Option configures a manager.
type Option func(*options)

// WithFactory sets the connection factory. The default creates unbound
// transport.NetConn handles.
func WithFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithOperator sets the operator used by Connect and Upgrade.
func WithOperator(op transport.Operator) Option {
	return func(o *options) { o.operator = op }
}

// WithConnConfig sets the config passed to the factory.
func WithConnConfig(cfg transport.ConnConfig) Option {
	return func(o *options) { o.connCfg = cfg }
}

// WithSocketConfig sets the socket options applied on Connect.
func WithSocketConfig(sc transport.SocketConfig) Option {
	return func(o *options) { o.socket = sc }
}

// WithMiddleware decorates the factory, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mws...) }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithValidateAfterInactivity makes the pooling manager check reused
// connections idle longer than d with IsStale before handing them out.
// Zero disables the check.
func WithValidateAfterInactivity(d time.Duration) Option {
	return func(o *options) { o.validate = d }
}
