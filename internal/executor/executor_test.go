package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/protoplan/internal/plan"
)

func double(args []any) (any, error) { return args[0].(int) * 2, nil }

func times10(args []any) (any, error) { return args[0].(int) * 10, nil }

func negate(args []any) (any, error) { return -args[0].(int), nil }

// column reads step for every row of b, failing on row errors.
func column(t *testing.T, res *Result, step plan.StepID, b *Bucket) []any {
	t.Helper()
	out := make([]any, b.Size())
	for i := range out {
		v, err := res.Value(step, b, i)
		require.NoError(t, err, "row %d", i)
		out[i] = v
	}
	return out
}

func mustFinalize(t *testing.T, b *plan.Builder) *plan.Plan {
	t.Helper()
	p, err := b.Finalize()
	require.NoError(t, err)
	return p
}

func TestListFanOutAndCollect(t *testing.T) {
	rec := NewRecorder()
	b := plan.NewBuilder()
	list, _ := b.AddStep(b.Root(), plan.Constant([]any{1, 2, 3}))
	lp, item, _ := b.ListItem(b.Root(), list)
	d, _ := b.AddStep(lp, rec.Batched("double", double), item)
	col, err := b.Collect(b.Root(), lp, d)
	require.NoError(t, err)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p)
	require.NoError(t, res.Err)

	kids := res.Buckets(lp)
	require.Len(t, kids, 1)
	child := kids[0]
	require.Equal(t, 3, child.Size())
	require.Equal(t, BucketComplete, child.State())
	for i := 0; i < 3; i++ {
		require.Equal(t, 0, child.ParentRow(i))
	}
	if diff := cmp.Diff([]any{2, 4, 6}, column(t, res, d, child)); diff != "" {
		t.Fatalf("doubled items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{[]any{2, 4, 6}}, column(t, res, col, res.Root())); diff != "" {
		t.Fatalf("collected list mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, rec.Batches(), "all items must be evaluated in one batch")

	// Ancestor columns are visible from child rows.
	v, err := res.Value(list, child, 2)
	require.NoError(t, err)
	require.Equal(t, []any{1, 2, 3}, v)
}

func TestListFanOutAcrossParentRows(t *testing.T) {
	b := plan.NewBuilder()
	lp, item, _ := b.ListItem(b.Root(), b.RootValue())
	d, _ := b.AddStep(lp, plan.Lambda("double", double), item)
	col, _ := b.Collect(b.Root(), lp, d)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p, []any{1, 2}, nil, []int{}, []int{5})
	require.NoError(t, res.Err)

	child := res.Buckets(lp)[0]
	require.Equal(t, 3, child.Size())
	if diff := cmp.Diff([]int{0, 0, 3}, []int{child.ParentRow(0), child.ParentRow(1), child.ParentRow(2)}); diff != "" {
		t.Fatalf("parent rows mismatch (-want +got):\n%s", diff)
	}
	want := []any{[]any{2, 4}, nil, []any{}, []any{10}}
	if diff := cmp.Diff(want, column(t, res, col, res.Root())); diff != "" {
		t.Fatalf("collected lists mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Root().ChildRows(lp, 0), 2)
	require.Empty(t, res.Root().ChildRows(lp, 1))
}

func TestEmptyListCreatesNoBucket(t *testing.T) {
	b := plan.NewBuilder()
	list, _ := b.AddStep(b.Root(), plan.Constant([]any{}))
	lp, item, _ := b.ListItem(b.Root(), list)
	calls := 0
	d, _ := b.AddStep(lp, plan.Lambda("count", func(args []any) (any, error) {
		calls++
		return args[0], nil
	}), item)
	col, _ := b.Collect(b.Root(), lp, d)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p)
	require.NoError(t, res.Err)
	require.Empty(t, res.Buckets(lp))
	require.Zero(t, calls)
	v, err := res.Value(col, res.Root(), 0)
	require.NoError(t, err)
	require.Equal(t, []any{}, v)
}

func TestPolymorphicPartitioning(t *testing.T) {
	b := plan.NewBuilder()
	lp, item, _ := b.Polymorphic(b.Root(), b.RootValue(), "A", "B")
	scaled, _ := b.AddStep(lp, plan.Lambda("scale", times10), item)
	onlyB, _ := b.AddStep(lp, plan.Constant("b-only").WithPaths(">B"))
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p,
		plan.Typed{TypeName: "A", Data: 1},
		plan.Typed{TypeName: "B", Data: 2},
		plan.Typed{TypeName: "A", Data: 3},
		plan.Typed{TypeName: "C", Data: 4},
	)
	require.NoError(t, res.Err)

	buckets := res.Buckets(lp)
	require.Len(t, buckets, 2)
	a, bb := buckets[0], buckets[1]
	require.Equal(t, "A", a.TypeName())
	require.Equal(t, 2, a.Size())
	require.Equal(t, "B", bb.TypeName())
	require.Equal(t, 1, bb.Size())

	require.Equal(t, []int{0, 2}, []int{a.ParentRow(0), a.ParentRow(1)})
	require.Equal(t, ">A", a.PolymorphicPath(0))
	if diff := cmp.Diff([]any{10, 30}, column(t, res, scaled, a)); diff != "" {
		t.Fatalf("A rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{20}, column(t, res, scaled, bb)); diff != "" {
		t.Fatalf("B rows mismatch (-want +got):\n%s", diff)
	}

	_, err := res.Value(onlyB, a, 0)
	require.ErrorIs(t, err, ErrNotApplicable)
	v, err := res.Value(onlyB, bb, 0)
	require.NoError(t, err)
	require.Equal(t, "b-only", v)

	require.Empty(t, res.Root().ChildRows(lp, 3), "rows of unadmitted types are excluded")
}

func TestMergeReadsMatchingBranch(t *testing.T) {
	b := plan.NewBuilder()
	lpA, itemA, _ := b.Polymorphic(b.Root(), b.RootValue(), "A")
	lpB, itemB, _ := b.Polymorphic(b.Root(), b.RootValue(), "B")
	inA, _ := b.AddStep(lpA, plan.Lambda("scale", times10), itemA)
	inB, _ := b.AddStep(lpB, plan.Lambda("negate", negate), itemB)
	merged, err := b.Merge(b.Root(), map[plan.LayerPlanID]plan.StepID{lpA: inA, lpB: inB})
	require.NoError(t, err)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p,
		plan.Typed{TypeName: "A", Data: 1},
		plan.Typed{TypeName: "B", Data: 2},
		plan.Typed{TypeName: "C", Data: 3},
		&plan.Typed{TypeName: "A", Data: 4},
	)
	require.NoError(t, res.Err)
	if diff := cmp.Diff([]any{10, -2, nil, 40}, column(t, res, merged, res.Root())); diff != "" {
		t.Fatalf("merged values mismatch (-want +got):\n%s", diff)
	}
}

func TestPerRowErrorIsolation(t *testing.T) {
	rec := NewRecorder()
	boom := errors.New("boom")
	b := plan.NewBuilder()
	flaky, _ := b.AddStep(b.Root(), rec.Batched("flaky", func(args []any) (any, error) {
		if args[0].(int) == 2 {
			return nil, boom
		}
		return args[0], nil
	}), b.RootValue())
	inc, _ := b.AddStep(b.Root(), rec.Lambda("inc", func(args []any) (any, error) {
		return args[0].(int) + 1, nil
	}), flaky)
	p := mustFinalize(t, b)

	res := New().Execute(context.Background(), p, 1, 2, 3, 4, 5)
	require.NoError(t, res.Err)

	root := res.Root()
	for _, row := range []int{0, 2, 3, 4} {
		v, err := res.Value(inc, root, row)
		require.NoError(t, err)
		require.Equal(t, row+2, v)
	}
	_, err := res.Value(flaky, root, 1)
	require.ErrorIs(t, err, boom)
	var re *plan.RowError
	require.ErrorAs(t, err, &re)
	require.Equal(t, flaky, re.Step)

	_, err = res.Value(inc, root, 1)
	require.ErrorAs(t, err, &re)
	require.Equal(t, flaky, re.Step, "dependents inherit the originating row error")

	incCalls := 0
	for _, c := range rec.Calls() {
		if c.Name == "inc" {
			incCalls++
		}
	}
	require.Equal(t, 4, incCalls, "the failed row must not reach dependents")
}

func TestDeduplicationPreservesResults(t *testing.T) {
	build := func(rec *Recorder) (*plan.Builder, plan.StepID, plan.StepID) {
		b := plan.NewBuilder()
		d1, _ := b.AddStep(b.Root(), rec.Batched("double", double).WithKey("double"), b.RootValue())
		d2, _ := b.AddStep(b.Root(), rec.Batched("double", double).WithKey("double"), b.RootValue())
		return b, d1, d2
	}

	dedupRec := NewRecorder()
	b, d1, d2 := build(dedupRec)
	deduped := mustFinalize(t, b)

	plainRec := NewRecorder()
	b2, e1, e2 := build(plainRec)
	plain, err := b2.Finalize(plan.WithoutDeduplication())
	require.NoError(t, err)

	r1 := New().Execute(context.Background(), deduped, 1, 2)
	r2 := New().Execute(context.Background(), plain, 1, 2)
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)

	if diff := cmp.Diff(column(t, r2, e1, r2.Root()), column(t, r1, d1, r1.Root())); diff != "" {
		t.Fatalf("first step mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(column(t, r2, e2, r2.Root()), column(t, r1, d2, r1.Root())); diff != "" {
		t.Fatalf("second step mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, dedupRec.Batches())
	require.Equal(t, 2, plainRec.Batches())
}

func TestDeduplicationRespectsPolymorphicPaths(t *testing.T) {
	build := func() (*plan.Builder, plan.LayerPlanID, plan.LayerPlanID, plan.StepID) {
		b := plan.NewBuilder()
		lp, item, _ := b.Polymorphic(b.Root(), b.RootValue(), "A", "B")
		b.AddStep(lp, plan.Access("k").WithPaths(">A"), item)
		list, _ := b.AddStep(lp, plan.Constant([]any{"x"}))
		inner, _, _ := b.ListItem(lp, list)
		read, _ := b.AddStep(inner, plan.Access("k"), item)
		return b, lp, inner, read
	}
	rows := func(res *Result, lp, inner plan.LayerPlanID, step plan.StepID) []string {
		var out []string
		for _, branch := range res.Buckets(lp) {
			for _, bkt := range branch.Children(inner) {
				for i := 0; i < bkt.Size(); i++ {
					v, err := res.Value(step, bkt, i)
					if err != nil {
						v = "ERR:" + err.Error()
					}
					out = append(out, fmt.Sprintf("%s=%v", bkt.PolymorphicPath(i), v))
				}
			}
		}
		return out
	}
	roots := []any{
		plan.Typed{TypeName: "B", Data: map[string]any{"k": "b"}},
		plan.Typed{TypeName: "A", Data: map[string]any{"k": "a"}},
	}

	b, lp, inner, read := build()
	deduped := New().Execute(context.Background(), mustFinalize(t, b), roots...)
	require.NoError(t, deduped.Err)

	b2, lp2, inner2, read2 := build()
	p2, err := b2.Finalize(plan.WithoutDeduplication())
	require.NoError(t, err)
	plain := New().Execute(context.Background(), p2, roots...)
	require.NoError(t, plain.Err)

	want := []string{">B=b", ">A=a"}
	if diff := cmp.Diff(want, rows(plain, lp2, inner2, read2)); diff != "" {
		t.Fatalf("plain rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, rows(deduped, lp, inner, read)); diff != "" {
		t.Fatalf("deduplicated rows mismatch (-want +got):\n%s", diff)
	}
}

// sleeper returns a batched step holding every call for d and recording the
// peak number of calls in flight.
func sleeper(name string, d time.Duration, active, peak *atomic.Int32) plan.StepSpec {
	return plan.Batched(name, func(ctx context.Context, batch *plan.Batch) ([]any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(d)
		active.Add(-1)
		return make([]any, batch.Size), nil
	})
}

func TestIndependentWorkOverlaps(t *testing.T) {
	const d = 50 * time.Millisecond

	t.Run("steps in one phase", func(t *testing.T) {
		var active, peak atomic.Int32
		b := plan.NewBuilder()
		b.AddStep(b.Root(), sleeper("left", d, &active, &peak), b.RootValue())
		b.AddStep(b.Root(), sleeper("right", d, &active, &peak), b.RootValue())
		p := mustFinalize(t, b)

		start := time.Now()
		res := New().Execute(context.Background(), p)
		require.NoError(t, res.Err)
		require.Equal(t, int32(2), peak.Load())
		require.Less(t, time.Since(start), 2*d)
	})

	t.Run("sibling branch buckets", func(t *testing.T) {
		var active, peak atomic.Int32
		b := plan.NewBuilder()
		lp, item, _ := b.Polymorphic(b.Root(), b.RootValue(), "A", "B")
		b.AddStep(lp, sleeper("fetch", d, &active, &peak), item)
		p := mustFinalize(t, b)

		start := time.Now()
		res := New().Execute(context.Background(), p,
			plan.Typed{TypeName: "A", Data: 1},
			plan.Typed{TypeName: "B", Data: 2},
		)
		require.NoError(t, res.Err)
		require.Len(t, res.Buckets(lp), 2)
		require.Equal(t, int32(2), peak.Load())
		require.Less(t, time.Since(start), 2*d)
	})
}
