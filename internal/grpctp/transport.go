package grpctp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/remote"
)

// Transport sends remote step batches over gRPC with a small connection
// pool per endpoint. Endpoints come from the configured EndpointProvider and
// are used in rotation.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool
	next   atomic.Uint64
	closed atomic.Bool
}

// New returns a transport. Without dial options it dials insecurely with the
// default backoff.
func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

var _ remote.Transport = (*Transport)(nil)

var (
	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("grpctp: closed")
	// ErrNoProvider is returned when no EndpointProvider is configured.
	ErrNoProvider = errors.New("grpctp: provider not configured")
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
)

func (t *Transport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (resp protoreflect.Message, err error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, ErrNoProvider
	}
	service := string(method.Parent().FullName())
	fullMethod := fmt.Sprintf("/%s/%s", service, method.Name())

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, append([]string{"x-protoplan-service", service}, t.opts.Metadata...)...)

	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[t.next.Add(1)%uint64(len(endpoints))]

	cc, err := t.getConn(endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	items := batchItems(request)
	call := remote.NextCallID()
	start := time.Now()
	eventbus.Publish(ctx, events.RemoteCallStart{Call: call, Service: service, Method: string(method.Name()), Target: endpoint, Items: items})
	resp, err = invoke(ctx, cc, fullMethod, request, method)
	eventbus.Publish(ctx, events.RemoteCallFinish{
		Call:     call,
		Service:  service,
		Method:   string(method.Name()),
		Target:   endpoint,
		Items:    items,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	return resp, err
}

// Close closes every pooled connection. It is safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

func batchItems(req protoreflect.Message) int {
	if req == nil {
		return 0
	}
	fd := req.Descriptor().Fields().ByName("batches")
	if fd == nil || fd.Cardinality() != protoreflect.Repeated {
		return 0
	}
	return req.Get(fd).List().Len()
}

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = defaultMaxConns
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("grpctp: pool closed")
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (t *Transport) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}

func invoke(ctx context.Context, cc *grpc.ClientConn, fullMethod string, req protoreflect.Message, md protoreflect.MethodDescriptor) (protoreflect.Message, error) {
	resp := dynamicpb.NewMessage(md.Output())
	if err := cc.Invoke(ctx, fullMethod, req.Interface(), resp); err != nil {
		return nil, err
	}
	return resp, nil
}
