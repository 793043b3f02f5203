package grpctp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/remote"
)

func squares(t *testing.T) *remote.Contract {
	t.Helper()
	c, err := remote.NewContract(remote.ServiceSpec{
		Package: "demo.math",
		Name:    "MathService",
		Methods: []remote.MethodSpec{{
			Name:   "Square",
			Args:   []remote.Field{{Name: "n", Kind: protoreflect.Int64Kind}},
			Result: remote.Field{Name: "value", Kind: protoreflect.Int64Kind},
		}},
	})
	require.NoError(t, err)
	return c
}

func startServer(t *testing.T, c *remote.Contract) (*bufconn.Listener, *grpc.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	remote.Register(srv, c, remote.Implementation{
		"Square": func(_ context.Context, args []any) (any, error) {
			n := args[0].(int)
			if n < 0 {
				return nil, fmt.Errorf("negative input %d", n)
			}
			return n * n, nil
		},
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis, srv
}

func newTransport(lis *bufconn.Listener) *Transport {
	return New(
		WithEndpoints(map[string][]string{"demo.math.MathService": {"passthrough:///bufnet"}}),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	)
}

func squarePlan(t *testing.T, c *remote.Contract, tr remote.Transport, inputs []any) (*plan.Plan, plan.LayerPlanID, plan.StepID) {
	t.Helper()
	m, err := c.Method("Square")
	require.NoError(t, err)
	b := plan.NewBuilder()
	res, err := b.DeclareResource(remote.Resource("math", 1, func(context.Context) (remote.Transport, error) { return tr, nil }))
	require.NoError(t, err)
	list, _ := b.AddStep(b.Root(), plan.Constant(inputs))
	lp, item, _ := b.ListItem(b.Root(), list)
	sq, err := b.AddStep(lp, remote.Step(m, res), item)
	require.NoError(t, err)
	p, err := b.Finalize()
	require.NoError(t, err)
	return p, lp, sq
}

func TestTransportRoundTrip(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })
	var mu sync.Mutex
	var finished []events.RemoteCallFinish
	eventbus.On(bus, func(_ context.Context, e events.RemoteCallFinish) {
		mu.Lock()
		finished = append(finished, e)
		mu.Unlock()
	})

	c := squares(t)
	lis, _ := startServer(t, c)
	tr := newTransport(lis)
	t.Cleanup(func() { _ = tr.Close() })
	p, lp, sq := squarePlan(t, c, tr, []any{2, -1, 5})

	res := executor.New().Execute(context.Background(), p)
	require.NoError(t, res.Err)

	bkt := res.Buckets(lp)[0]
	var got []any
	for row := 0; row < bkt.Size(); row++ {
		v, err := res.Value(sq, bkt, row)
		if err != nil {
			got = append(got, err.Error())
			continue
		}
		got = append(got, v)
	}
	want := []any{4, fmt.Sprintf("step %d: negative input -1", sq), 25}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, finished, 1)
	require.Equal(t, "demo.math.MathService", finished[0].Service)
	require.Equal(t, "Square", finished[0].Method)
	require.Equal(t, "passthrough:///bufnet", finished[0].Target)
	require.Equal(t, 3, finished[0].Items)
	require.Equal(t, codes.OK, finished[0].Code)
}

func TestTransportUnavailableAborts(t *testing.T) {
	c := squares(t)
	lis, srv := startServer(t, c)
	srv.Stop()
	tr := newTransport(lis)
	t.Cleanup(func() { _ = tr.Close() })

	p, _, _ := squarePlan(t, c, tr, []any{1})
	res := executor.New().Execute(context.Background(), p)
	require.Error(t, res.Err)
	require.True(t, plan.IsSystemic(res.Err))
	require.Equal(t, codes.Unavailable, status.Code(res.Err))
}

func TestTransportErrors(t *testing.T) {
	c := squares(t)
	m, _ := c.Method("Square")
	req := m.Descriptor().Input()

	t.Run("no provider", func(t *testing.T) {
		_, err := New().Call(context.Background(), m.Descriptor(), dynamicRequest(req))
		require.ErrorIs(t, err, ErrNoProvider)
	})
	t.Run("no endpoints", func(t *testing.T) {
		tr := New(WithEndpoints(map[string][]string{}))
		_, err := tr.Call(context.Background(), m.Descriptor(), dynamicRequest(req))
		require.ErrorIs(t, err, ErrNoEndpoints)
	})
	t.Run("closed", func(t *testing.T) {
		tr := New(WithEndpoints(map[string][]string{"demo.math.MathService": {"passthrough:///x"}}))
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
		_, err := tr.Call(context.Background(), m.Descriptor(), dynamicRequest(req))
		require.ErrorIs(t, err, ErrClosed)
	})
}

func TestTransportMetadata(t *testing.T) {
	c := squares(t)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	var mu sync.Mutex
	var seen metadata.MD
	remote.Register(srv, c, remote.Implementation{
		"Square": func(ctx context.Context, args []any) (any, error) {
			md, _ := metadata.FromIncomingContext(ctx)
			mu.Lock()
			seen = md
			mu.Unlock()
			n := args[0].(int)
			return n * n, nil
		},
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	tr := New(
		WithEndpoints(map[string][]string{"demo.math.MathService": {"passthrough:///bufnet"}}),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
		WithMetadata("x-tenant", "acme", "dangling"),
	)
	t.Cleanup(func() { _ = tr.Close() })

	p, _, _ := squarePlan(t, c, tr, []any{3})
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request", "r1")
	require.NoError(t, executor.New().Execute(ctx, p).Err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"demo.math.MathService"}, seen.Get("x-protoplan-service"))
	require.Equal(t, []string{"acme"}, seen.Get("x-tenant"))
	require.Equal(t, []string{"r1"}, seen.Get("x-request"))
	require.Empty(t, seen.Get("dangling"))
}

func TestStaticEndpoints(t *testing.T) {
	src := map[string][]string{"svc": {"a:1"}}
	s := NewStaticEndpoints(src)
	src["svc"][0] = "mutated"
	got, err := s.Endpoints(context.Background(), "svc")
	require.NoError(t, err)
	require.Equal(t, []string{"a:1"}, got)

	s.Set("svc", "b:2", "c:3")
	got, _ = s.Endpoints(context.Background(), "svc")
	require.Equal(t, []string{"b:2", "c:3"}, got)

	_, err = s.Endpoints(context.Background(), "other")
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func dynamicRequest(md protoreflect.MessageDescriptor) protoreflect.Message {
	return dynamicpb.NewMessage(md)
}
