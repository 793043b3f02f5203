package plan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestPhasesSideEffectOrdering(t *testing.T) {
	b := NewBuilder()
	root := b.RootValue()
	a, _ := b.AddStep(b.Root(), Lambda("a", identity), root)
	se1, _ := b.AddStep(b.Root(), SideEffect("se1", noopBatch), root)
	after, _ := b.AddStep(b.Root(), Lambda("b", identity), a)
	se2, _ := b.AddStep(b.Root(), SideEffect("se2", noopBatch), after)
	last, _ := b.AddStep(b.Root(), Lambda("c", identity), a)

	p, err := b.Finalize()
	require.NoError(t, err)

	want := []Phase{
		{Steps: []StepID{root, a, se1, after}},
		{Steps: []StepID{se2}, Exclusive: true},
		{Steps: []StepID{last}},
	}
	if diff := cmp.Diff(want, p.Root().Phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]StepID{se1}, p.Step(after).Ordering); diff != "" {
		t.Fatalf("ordering after first side effect mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]StepID{se2}, p.Step(last).Ordering); diff != "" {
		t.Fatalf("ordering after second side effect mismatch (-want +got):\n%s", diff)
	}
}

func TestPhasesWithoutSideEffects(t *testing.T) {
	b := NewBuilder()
	x, _ := b.AddStep(b.Root(), Constant(1))
	y, _ := b.AddStep(b.Root(), Lambda("y", identity), x)
	z, _ := b.AddStep(b.Root(), Batched("z", noopBatch), y)

	p, err := b.Finalize()
	require.NoError(t, err)
	want := []Phase{{Steps: []StepID{b.RootValue(), x, y, z}}}
	if diff := cmp.Diff(want, p.Root().Phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyStepIDsPropagateThroughNesting(t *testing.T) {
	b := NewBuilder()
	factor, _ := b.AddStep(b.Root(), Constant(3))
	outer, _ := b.AddStep(b.Root(), Constant([]any{[]any{1}}))
	lp1, item1, _ := b.ListItem(b.Root(), outer)
	lp2, item2, _ := b.ListItem(lp1, item1)
	mul, err := b.AddStep(lp2, Lambda("mul", identity), item2, factor)
	require.NoError(t, err)

	p, err := b.Finalize()
	require.NoError(t, err)
	if diff := cmp.Diff([]StepID{factor}, p.LayerPlan(lp1).CopyStepIDs); diff != "" {
		t.Fatalf("lp1 copies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]StepID{factor}, p.LayerPlan(lp2).CopyStepIDs); diff != "" {
		t.Fatalf("lp2 copies mismatch (-want +got):\n%s", diff)
	}
	l2 := p.LayerPlan(lp2)
	require.Equal(t, 3, l2.Width())
	_, ok := l2.Slot(mul)
	require.True(t, ok)
	_, ok = l2.Slot(factor)
	require.True(t, ok)
	_, ok = l2.Slot(outer)
	require.False(t, ok)
}

func TestFanInOrderedAfterChildInputs(t *testing.T) {
	b := NewBuilder()
	list, _ := b.AddStep(b.Root(), Constant([]any{1, 2}))
	lp, item, _ := b.ListItem(b.Root(), list)
	col, err := b.Collect(b.Root(), lp, item)
	require.NoError(t, err)
	offset, _ := b.AddStep(b.Root(), Constant(100))
	_, err = b.AddStep(lp, Lambda("shift", identity), item, offset)
	require.NoError(t, err)

	p, err := b.Finalize()
	require.NoError(t, err)
	if diff := cmp.Diff([]StepID{offset}, p.Step(col).Ordering); diff != "" {
		t.Fatalf("fan-in ordering mismatch (-want +got):\n%s", diff)
	}
	want := []Phase{{Steps: []StepID{b.RootValue(), list, offset, col}}}
	if diff := cmp.Diff(want, p.Root().Phases); diff != "" {
		t.Fatalf("phases mismatch (-want +got):\n%s", diff)
	}
}
