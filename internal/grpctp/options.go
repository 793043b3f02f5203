package grpctp

import (
	"time"

	"google.golang.org/grpc"
)

const (
	defaultMaxConns   = 2
	defaultRPCTimeout = 3 * time.Second
)

// Options configures a Transport. Calls fail with ErrNoProvider until a
// Provider is set. RPCTimeout applies only when the call context has no
// deadline. Without DialOptions the transport dials insecurely.
type Options struct {
	Provider            EndpointProvider
	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration
	DialOptions         []grpc.DialOption
	// Metadata is appended to the outgoing metadata of every call as
	// key/value pairs.
	Metadata []string
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: defaultMaxConns,
		RPCTimeout:          defaultRPCTimeout,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }

// WithEndpoints serves endpoints from a fixed service map.
func WithEndpoints(m map[string][]string) Option {
	return WithProvider(NewStaticEndpoints(m))
}

func WithMaxConnsPerEndpoint(n int) Option  { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithRPCTimeout(d time.Duration) Option { return func(o *Options) { o.RPCTimeout = d } }

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}

// WithMetadata adds key/value pairs sent with every call. A trailing key
// without a value is dropped.
func WithMetadata(kv ...string) Option {
	return func(o *Options) {
		o.Metadata = append(o.Metadata, kv[:len(kv)&^1]...)
	}
}
