package remote

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// CallRecord captures a single Call invocation for assertions.
type CallRecord struct {
	Method protoreflect.MethodDescriptor
	// FullMethod is "/<service full name>/<method>".
	FullMethod string
	// Request is a deep copy of the input.
	Request proto.Message
}

// Items returns the number of batch items in the recorded request.
func (c CallRecord) Items() int {
	if c.Request == nil {
		return 0
	}
	msg := c.Request.ProtoReflect()
	fd := msg.Descriptor().Fields().ByName("batches")
	if fd == nil {
		return 0
	}
	return msg.Get(fd).List().Len()
}

// MockTransport returns pre-seeded responses in order and records every
// call. When a responder is set it answers calls past the seeded ones.
type MockTransport struct {
	mu        sync.Mutex
	responses []protoreflect.Message
	errs      []error
	responder Transport
	idx       int
	calls     []CallRecord
}

// NewMockTransport returns responses in order for successive calls.
func NewMockTransport(responses ...protoreflect.Message) *MockTransport {
	return &MockTransport{responses: append([]protoreflect.Message(nil), responses...)}
}

// NewMockTransportWithErrors seeds per-call errors alongside responses.
// For call i, a non-nil errs[i] is returned instead of responses[i].
func NewMockTransportWithErrors(responses []protoreflect.Message, errs []error) *MockTransport {
	return &MockTransport{
		responses: append([]protoreflect.Message(nil), responses...),
		errs:      append([]error(nil), errs...),
	}
}

// NewRecordingTransport records calls and forwards them to next.
func NewRecordingTransport(next Transport) *MockTransport {
	return &MockTransport{responder: next}
}

var _ Transport = (*MockTransport)(nil)

func (m *MockTransport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	m.mu.Lock()
	var reqClone proto.Message
	if request != nil {
		reqClone = proto.Clone(request.Interface())
	}
	full := ""
	if method != nil {
		full = fmt.Sprintf("/%s/%s", method.Parent().FullName(), method.Name())
	}
	m.calls = append(m.calls, CallRecord{Method: method, FullMethod: full, Request: reqClone})

	idx := m.idx
	m.idx++
	if idx >= len(m.responses) && idx >= len(m.errs) {
		next := m.responder
		m.mu.Unlock()
		if next == nil {
			return nil, fmt.Errorf("mock transport: no more responses")
		}
		return next.Call(ctx, method, request)
	}
	defer m.mu.Unlock()
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	var resp protoreflect.Message
	if idx < len(m.responses) {
		resp = m.responses[idx]
	}
	return resp, nil
}

// Calls returns a snapshot of recorded calls.
func (m *MockTransport) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallRecord(nil), m.calls...)
}
