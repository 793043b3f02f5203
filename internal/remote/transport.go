package remote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/plan"
)

// Transport sends one batched request to a remote method.
// Implementations MUST be safe for concurrent use: sibling buckets may call
// the same transport from several goroutines.
//
// Provided implementations:
// - internal/grpctp.Transport: pooled gRPC client
// - LocalTransport: in-process implementation, for tests and demos
// - MockTransport: canned responses with call recording
type Transport interface {
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

var callSeq atomic.Uint64

// NextCallID returns a process-unique id for remote call events.
func NextCallID() uint64 { return callSeq.Add(1) }

// ItemFunc answers one batch item. args follow the method's declared
// argument order.
type ItemFunc func(ctx context.Context, args []any) (any, error)

// Implementation maps method names to item handlers.
type Implementation map[string]ItemFunc

// Resource declares a shared resource whose handle is the transport returned
// by open. Transports usually outlive a request, so the resource never
// closes them.
func Resource(name string, limit int, open func(ctx context.Context) (Transport, error)) plan.ResourceSpec {
	return plan.ResourceSpec{
		Name:  name,
		Limit: limit,
		Open: func(ctx context.Context) (any, error) {
			return open(ctx)
		},
	}
}

// serve evaluates a batched request against impl. An item handler error is
// reported in that element's error field.
func serve(ctx context.Context, c *Contract, impl Implementation, md protoreflect.MethodDescriptor, req protoreflect.Message) (protoreflect.Message, error) {
	m, err := c.Method(string(md.Name()))
	if err != nil {
		return nil, status.Error(codes.Unimplemented, err.Error())
	}
	fn := impl[m.Name()]
	if fn == nil {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", m.Name())
	}
	in := md.Input().Fields().ByName("batches")
	out := md.Output().Fields().ByName("batches")
	items := req.Get(in).List()

	resp := dynamicpb.NewMessage(md.Output())
	results := resp.Mutable(out).List()
	resultDesc := out.Message()
	dataField := resultDesc.Fields().ByName("data")
	errField := resultDesc.Fields().ByName("error")
	for i := 0; i < items.Len(); i++ {
		args := decodeItem(items.Get(i).Message(), m.spec.Args)
		rm := dynamicpb.NewMessage(resultDesc)
		v, err := fn(ctx, args)
		if err == nil && v != nil {
			err = encodeItem(rm, []Field{{Name: "data", Kind: m.spec.Result.Kind, Repeated: m.spec.Result.Repeated}}, []any{v})
		}
		if err != nil {
			rm.Clear(dataField)
			rm.Set(errField, protoreflect.ValueOfString(err.Error()))
		}
		results.Append(protoreflect.ValueOfMessage(rm))
	}
	return resp, nil
}

func decodeItem(msg protoreflect.Message, args []Field) []any {
	out := make([]any, len(args))
	fields := msg.Descriptor().Fields()
	for i, a := range args {
		fd := fields.ByName(protoreflect.Name(a.Name))
		if fd == nil {
			continue
		}
		if fd.Cardinality() == protoreflect.Repeated {
			lst := msg.Get(fd).List()
			vals := make([]any, lst.Len())
			for j := range vals {
				vals[j] = fromProto(fd, lst.Get(j))
			}
			out[i] = vals
			continue
		}
		if msg.Has(fd) {
			out[i] = fromProto(fd, msg.Get(fd))
		}
	}
	return out
}

// LocalTransport answers calls in process from an Implementation.
type LocalTransport struct {
	contract *Contract
	impl     Implementation
}

// NewLocalTransport returns a transport serving impl for c.
func NewLocalTransport(c *Contract, impl Implementation) *LocalTransport {
	return &LocalTransport{contract: c, impl: impl}
}

var _ Transport = (*LocalTransport)(nil)

func (t *LocalTransport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	service := string(method.Parent().FullName())
	items := request.Get(method.Input().Fields().ByName("batches")).List().Len()
	call := NextCallID()
	start := time.Now()
	eventbus.Publish(ctx, events.RemoteCallStart{Call: call, Service: service, Method: string(method.Name()), Target: "local", Items: items})
	resp, err := serve(ctx, t.contract, t.impl, method, request)
	eventbus.Publish(ctx, events.RemoteCallFinish{
		Call:     call,
		Service:  service,
		Method:   string(method.Name()),
		Target:   "local",
		Items:    items,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	return resp, err
}

// Register serves impl for c on s.
func Register(s grpc.ServiceRegistrar, c *Contract, impl Implementation) {
	s.RegisterService(ServiceDesc(c, impl), struct{}{})
}

// ServiceDesc returns a gRPC service description serving impl for c.
func ServiceDesc(c *Contract, impl Implementation) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: c.ServiceName(),
		HandlerType: (*any)(nil),
		Metadata:    c.File().Path(),
	}
	for _, m := range c.Methods() {
		md := m.Descriptor()
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: string(md.Name()),
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := dynamicpb.NewMessage(md.Input())
				if err := dec(req); err != nil {
					return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("decode %s: %v", md.Name(), err))
				}
				resp, err := serve(ctx, c, impl, md, req)
				if err != nil {
					return nil, err
				}
				return resp.Interface(), nil
			},
		})
	}
	return desc
}
