package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/protoplan/internal/future"
	"github.com/hanpama/protoplan/internal/plan"
)

// ErrMissingElement fails a row whose response element is absent.
var ErrMissingElement = errors.New("missing batch element")

type stepKey struct {
	method    string
	transport plan.ResourceID
}

// Step returns a step calling m once per batch through the transport held
// by the transport resource. The step's dependencies are the method's
// arguments, in order.
//
// Rows whose arguments cannot be encoded fail alone and are left out of the
// request. A transport error fails every row, except codes.Unavailable
// which aborts the request.
func Step(m *Method, transport plan.ResourceID) plan.StepSpec {
	return plan.StepSpec{
		Kind:      plan.KindRemote,
		Name:      string(m.desc.Parent().Name()) + "." + m.Name(),
		Key:       stepKey{method: m.FullMethod(), transport: transport},
		Resources: []plan.ResourceID{transport},
		Batch: func(ctx context.Context, b *plan.Batch) *future.Future {
			return future.Go(ctx, func(ctx context.Context) ([]any, error) {
				t, ok := b.Resource(transport).(Transport)
				if !ok {
					return nil, plan.Systemic(fmt.Errorf("%s: resource %d is not a transport", m.FullMethod(), transport))
				}
				return m.call(ctx, t, b)
			})
		},
	}
}

func (m *Method) call(ctx context.Context, t Transport, b *plan.Batch) ([]any, error) {
	out := make([]any, b.Size)
	in := m.desc.Input()
	bf := in.Fields().ByName("batches")
	req := dynamicpb.NewMessage(in)
	list := req.Mutable(bf).List()

	included := make([]int, 0, b.Size)
	for i := 0; i < b.Size; i++ {
		item := dynamicpb.NewMessage(bf.Message())
		if err := encodeItem(item, m.spec.Args, b.Args(i)); err != nil {
			out[i] = plan.Failure(err)
			continue
		}
		list.Append(protoreflect.ValueOfMessage(item))
		included = append(included, i)
	}
	if len(included) == 0 {
		return out, nil
	}

	resp, err := t.Call(ctx, m.desc, req)
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", m.FullMethod(), err)
		if status.Code(err) == codes.Unavailable {
			return nil, plan.Systemic(wrapped)
		}
		return nil, wrapped
	}
	if resp == nil {
		return nil, fmt.Errorf("%s: empty response", m.FullMethod())
	}
	of := resp.Descriptor().Fields().ByName("batches")
	if of == nil {
		return nil, fmt.Errorf("%s: missing batches field in response", m.FullMethod())
	}
	batches := resp.Get(of).List()
	for k, i := range included {
		if k >= batches.Len() {
			out[i] = plan.Failure(ErrMissingElement)
			continue
		}
		v, err := decodeResult(batches.Get(k).Message())
		if err != nil {
			out[i] = plan.Failure(err)
			continue
		}
		out[i] = v
	}
	return out, nil
}
