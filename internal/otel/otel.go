// Package otel turns eventbus events into OpenTelemetry spans: one span per
// HTTP request, execution, bucket, step and remote call.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/reqid"
)

// Setup configures an OTLP gRPC exporter and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)
	unsubscribe := Attach(tp)
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span recording for tp to the global bus.
func Attach(tp trace.TracerProvider) (unsubscribe func()) {
	s := &subscriber{tracer: tp.Tracer("protoplan")}
	return s.register()
}

type spanKey struct {
	rid  int64
	kind string
	a, b int
}

type subscriber struct {
	tracer trace.Tracer
	spans  sync.Map // spanKey -> trace.Span
	calls  sync.Map // call id -> trace.Span
}

func (s *subscriber) start(ctx context.Context, parent, key spanKey, name string, attrs ...attribute.KeyValue) {
	if v, ok := s.spans.Load(parent); ok {
		ctx = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	s.spans.Store(key, span)
}

func (s *subscriber) finish(key spanKey, err error, attrs ...attribute.KeyValue) {
	v, ok := s.spans.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func rid(ctx context.Context) int64 {
	id, _ := reqid.FromContext(ctx)
	return id
}

func (s *subscriber) register() func() {
	var unsubs []func()
	on := func(u func()) { unsubs = append(unsubs, u) }

	on(eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		r := rid(ctx)
		s.start(ctx, spanKey{}, spanKey{rid: r, kind: "http"}, "http.request",
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
	}))
	on(eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		s.finish(spanKey{rid: rid(ctx), kind: "http"}, nil,
			semconv.HTTPStatusCodeKey.Int(e.Status),
			attribute.String("protoplan.plan", e.Plan))
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.ExecutionStart) {
		r := rid(ctx)
		s.start(ctx, spanKey{rid: r, kind: "http"}, spanKey{rid: r, kind: "execute"}, "plan.execute",
			attribute.Int("plan.steps", e.Steps),
			attribute.Int("plan.layer_plans", e.LayerPlans),
			attribute.Int("plan.rows", e.Rows),
		)
	}))
	on(eventbus.Subscribe(func(ctx context.Context, e events.ExecutionFinish) {
		s.finish(spanKey{rid: rid(ctx), kind: "execute"}, e.Err, attribute.Int("plan.buckets", e.Buckets))
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.BucketStart) {
		r := rid(ctx)
		s.start(ctx, spanKey{rid: r, kind: "execute"}, spanKey{rid: r, kind: "bucket", a: e.Bucket}, "plan.bucket",
			attribute.Int("bucket.id", e.Bucket),
			attribute.Int("bucket.layer_plan", e.LayerPlan),
			attribute.String("bucket.reason", e.Reason),
			attribute.Int("bucket.size", e.Size),
		)
	}))
	on(eventbus.Subscribe(func(ctx context.Context, e events.BucketFinish) {
		s.finish(spanKey{rid: rid(ctx), kind: "bucket", a: e.Bucket}, nil, attribute.String("bucket.state", e.State))
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.StepStart) {
		r := rid(ctx)
		s.start(ctx, spanKey{rid: r, kind: "bucket", a: e.Bucket}, spanKey{rid: r, kind: "step", a: e.Bucket, b: e.Step}, "plan.step",
			attribute.Int("step.id", e.Step),
			attribute.String("step.kind", e.Kind),
			attribute.String("step.name", e.Name),
			attribute.Int("step.rows", e.Rows),
		)
	}))
	on(eventbus.Subscribe(func(ctx context.Context, e events.StepFinish) {
		s.finish(spanKey{rid: rid(ctx), kind: "step", a: e.Bucket, b: e.Step}, nil, attribute.Int("step.errors", e.Errors))
	}))

	on(eventbus.Subscribe(func(ctx context.Context, e events.RemoteCallStart) {
		if v, ok := s.spans.Load(spanKey{rid: rid(ctx), kind: "execute"}); ok {
			ctx = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(ctx, "rpc.client", trace.WithAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.Int("rpc.batch_items", e.Items),
		))
		s.calls.Store(e.Call, span)
	}))
	on(eventbus.Subscribe(func(ctx context.Context, e events.RemoteCallFinish) {
		v, ok := s.calls.LoadAndDelete(e.Call)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
		if e.Err != nil {
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		}
		span.End()
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
