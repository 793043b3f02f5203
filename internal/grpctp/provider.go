package grpctp

import (
	"context"
	"sync"
)

// EndpointProvider lists reachable targets for a fully-qualified gRPC
// service name such as "demo.users.UserService". It returns at least one
// endpoint or an error, and must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by a fixed map of service name to
// endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

// Set replaces the endpoints of one service.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[service] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), arr...), nil
}
