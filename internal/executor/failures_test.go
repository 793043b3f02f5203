package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/protoplan/internal/ctxlog"
	"github.com/hanpama/protoplan/internal/future"
	"github.com/hanpama/protoplan/internal/plan"
)

func TestFastPathEquivalence(t *testing.T) {
	run := func(fast bool) ([]any, []Call) {
		rec := NewRecorder()
		b := plan.NewBuilder()
		list, _ := b.AddStep(b.Root(), plan.Access("items"), b.RootValue())
		lp, item, _ := b.ListItem(b.Root(), list)
		d, _ := b.AddStep(lp, rec.Lambda("double", double), item)
		col, _ := b.Collect(b.Root(), lp, d)
		p := mustFinalize(t, b)

		res := New(WithUnbatchedFastPath(fast)).Execute(context.Background(), p,
			map[string]any{"items": []any{1, 2}},
			map[string]any{"items": []any{3}},
		)
		require.NoError(t, res.Err)
		return column(t, res, col, res.Root()), rec.Calls()
	}

	fastValues, fastCalls := run(true)
	slowValues, slowCalls := run(false)
	if diff := cmp.Diff(slowValues, fastValues); diff != "" {
		t.Fatalf("fast path changed results (-want +got):\n%s", diff)
	}
	require.Equal(t, []any{[]any{2, 4}, []any{6}}, fastValues)

	require.Len(t, fastCalls, 3)
	for _, c := range fastCalls {
		require.Equal(t, CallKindSync, c.Kind)
		require.Zero(t, c.BatchID)
	}
	require.Len(t, slowCalls, 3)
	for _, c := range slowCalls {
		require.Equal(t, CallKindBatch, c.Kind)
		require.Equal(t, 1, c.BatchID)
	}
}

func TestContractViolationLengthMismatch(t *testing.T) {
	var logs bytes.Buffer
	logger := ctxlog.New("debug", "json", &logs)

	b := plan.NewBuilder()
	short, _ := b.AddStep(b.Root(), plan.Batched("short", func(ctx context.Context, batch *plan.Batch) ([]any, error) {
		return []any{1}, nil
	}), b.RootValue())
	after, _ := b.AddStep(b.Root(), plan.Lambda("after", double), short)
	p := mustFinalize(t, b)

	res := New(WithLogger(logger)).Execute(context.Background(), p, 1, 2, 3)
	var cv *ContractViolation
	require.ErrorAs(t, res.Err, &cv)
	require.Equal(t, short, cv.Step)
	require.Equal(t, "batch returned 1 results for 3 rows", cv.Reason)
	require.True(t, IsContractViolation(res.Err))
	require.Equal(t, BucketAborted, res.Root().State())

	_, err := res.Value(after, res.Root(), 0)
	require.ErrorIs(t, err, ErrNotExecuted)

	require.Contains(t, logs.String(), `"msg":"contract violation"`)
	require.Contains(t, logs.String(), fmt.Sprintf(`"step":%d`, short))
}

func TestContractViolationUnsettledSyncStep(t *testing.T) {
	b := plan.NewBuilder()
	liar, err := b.AddStep(b.Root(), plan.StepSpec{
		Kind:        plan.KindBatched,
		Name:        "liar",
		SyncAndSafe: true,
		Batch: func(context.Context, *plan.Batch) *future.Future {
			f, _ := future.New()
			return f
		},
	}, b.RootValue())
	require.NoError(t, err)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p)
	var cv *ContractViolation
	require.ErrorAs(t, res.Err, &cv)
	require.Equal(t, liar, cv.Step)
}

func TestBatchErrorFailsEveryRow(t *testing.T) {
	down := errors.New("backend down")
	b := plan.NewBuilder()
	s, _ := b.AddStep(b.Root(), plan.Batched("fetch", func(context.Context, *plan.Batch) ([]any, error) {
		return nil, down
	}), b.RootValue())
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p, 1, 2)
	require.NoError(t, res.Err, "row-level failures never fail the request")
	for row := 0; row < 2; row++ {
		_, err := res.Value(s, res.Root(), row)
		require.ErrorIs(t, err, down)
	}
}

func TestSystemicErrorAbortsRemainingBuckets(t *testing.T) {
	gone := errors.New("database gone")
	b := plan.NewBuilder()
	m1, _ := b.MutationField("first")
	m2, _ := b.MutationField("second")
	m3, _ := b.MutationField("third")
	ok1, _ := b.AddStep(m1, plan.SideEffect("create", func(context.Context, *plan.Batch) ([]any, error) {
		return []any{"created"}, nil
	}), b.RootValue())
	b.AddStep(m2, plan.SideEffect("update", func(context.Context, *plan.Batch) ([]any, error) {
		return nil, plan.Systemic(gone)
	}), b.RootValue())
	b.AddStep(m3, plan.SideEffect("delete", func(context.Context, *plan.Batch) ([]any, error) {
		t.Error("third mutation must not run")
		return []any{nil}, nil
	}), b.RootValue())
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p)
	require.ErrorIs(t, res.Err, gone)
	require.True(t, plan.IsSystemic(res.Err))

	require.Equal(t, BucketComplete, res.Root().State())
	first := res.Buckets(m1)
	require.Len(t, first, 1)
	require.Equal(t, BucketComplete, first[0].State())
	v, err := res.Value(ok1, first[0], 0)
	require.NoError(t, err)
	require.Equal(t, "created", v)

	second := res.Buckets(m2)
	require.Len(t, second, 1)
	require.Equal(t, BucketAborted, second[0].State())
	require.Empty(t, res.Buckets(m3))
}

func TestCanceledContext(t *testing.T) {
	b := plan.NewBuilder()
	s, _ := b.AddStep(b.Root(), plan.Lambda("x", double), b.RootValue())
	p := mustFinalize(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New().Execute(ctx, p, 1)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, BucketAborted, res.Root().State())
	_, err := res.Value(s, res.Root(), 0)
	require.ErrorIs(t, err, ErrNotExecuted)
}

func TestCancelWhileAwaitingBatch(t *testing.T) {
	started := make(chan struct{})
	b := plan.NewBuilder()
	b.AddStep(b.Root(), plan.Batched("slow", func(ctx context.Context, batch *plan.Batch) ([]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}), b.RootValue())
	p := mustFinalize(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := New().Execute(ctx, p, 1)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestAbortSettlesRunningBuckets(t *testing.T) {
	gone := errors.New("cache gone")
	var finished atomic.Bool
	b := plan.NewBuilder()
	list, _ := b.AddStep(b.Root(), plan.Constant([]any{1, 2}))
	lp, item, _ := b.ListItem(b.Root(), list)
	slow, _ := b.AddStep(lp, plan.Batched("slow", func(ctx context.Context, batch *plan.Batch) ([]any, error) {
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return make([]any, batch.Size), nil
	}), item)
	_, err := b.Collect(b.Root(), lp, slow)
	require.NoError(t, err)
	b.AddStep(b.Root(), plan.Batched("fail", func(context.Context, *plan.Batch) ([]any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, plan.Systemic(gone)
	}), b.RootValue())
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p)
	require.ErrorIs(t, res.Err, gone)
	children := res.Buckets(lp)
	require.Len(t, children, 1)
	child := children[0]
	require.Equal(t, BucketAborted, child.State(), "no bucket is still running once Execute returns")
	_, err = res.Value(slow, child, 0)
	require.ErrorIs(t, err, ErrNotExecuted)

	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, BucketAborted, child.State())
	_, err = res.Value(slow, child, 0)
	require.ErrorIs(t, err, ErrNotExecuted, "late batches do not write into the result")
}
