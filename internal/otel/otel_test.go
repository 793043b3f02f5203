package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/remote"
	"github.com/hanpama/protoplan/internal/reqid"
)

func TestSpansFollowExecution(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	unsubscribe := Attach(tp)
	t.Cleanup(unsubscribe)

	c, err := remote.NewContract(remote.ServiceSpec{
		Package: "demo",
		Name:    "Echo",
		Methods: []remote.MethodSpec{{
			Name:   "Echo",
			Args:   []remote.Field{{Name: "v", Kind: protoreflect.Int64Kind}},
			Result: remote.Field{Name: "v", Kind: protoreflect.Int64Kind},
		}},
	})
	require.NoError(t, err)
	m, _ := c.Method("Echo")
	tr := remote.NewLocalTransport(c, remote.Implementation{
		"Echo": func(_ context.Context, args []any) (any, error) { return args[0], nil },
	})

	b := plan.NewBuilder()
	res, _ := b.DeclareResource(remote.Resource("echo", 0, func(context.Context) (remote.Transport, error) { return tr, nil }))
	list, _ := b.AddStep(b.Root(), plan.Constant([]any{1, 2}))
	lp, item, _ := b.ListItem(b.Root(), list)
	b.AddStep(lp, remote.Step(m, res), item)
	p, err := b.Finalize()
	require.NoError(t, err)

	ctx, _ := reqid.NewContext(context.Background())
	require.NoError(t, executor.New().Execute(ctx, p).Err)

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["plan.execute"], 1)
	require.Len(t, byName["plan.bucket"], 2)
	require.Len(t, byName["rpc.client"], 1)
	require.NotEmpty(t, byName["plan.step"])

	exec := byName["plan.execute"][0].SpanContext().SpanID()
	for _, s := range byName["plan.bucket"] {
		require.Equal(t, exec, s.Parent().SpanID())
	}
	require.Equal(t, exec, byName["rpc.client"][0].Parent().SpanID())

	buckets := map[any]bool{}
	for _, s := range byName["plan.bucket"] {
		buckets[s.SpanContext().SpanID()] = true
	}
	for _, s := range byName["plan.step"] {
		require.True(t, buckets[s.Parent().SpanID()], "step span %v must be a child of a bucket span", s.Attributes())
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup("", "protoplan")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
