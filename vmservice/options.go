package vmservice

import (
	"time"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

const (
	// DefaultConnectTimeout bounds the wait for the transport open signal.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultCallTimeout applies to calls whose context has no deadline.
	DefaultCallTimeout = 30 * time.Second
	// DefaultEventMethod is the notification method Dart VM services push events with.
	DefaultEventMethod = "streamNotify"
)

type clientConfig struct {
	logger         observability.Logger
	connectTimeout time.Duration
	callTimeout    time.Duration
	dialect        jsonrpc.Dialect
	eventMethod    string
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

func UseLogger(logger observability.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

func UseConnectTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func UseCallTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// UseDialect selects the envelope dialect. Dart VM services speak jsonrpc.Standard.
func UseDialect(d jsonrpc.Dialect) ClientOption {
	return func(c *clientConfig) {
		c.dialect = d
	}
}

func UseEventMethod(method string) ClientOption {
	return func(c *clientConfig) {
		if method != "" {
			c.eventMethod = method
		}
	}
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		logger:         observability.NewNullLogger(),
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
		dialect:        jsonrpc.Default,
		eventMethod:    DefaultEventMethod,
	}
}
