package executor

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hanpama/protoplan/internal/plan"
)

// BucketState is the lifecycle state of a bucket.
type BucketState int32

const (
	BucketPending BucketState = iota
	BucketRunning
	BucketComplete
	BucketAborted
)

func (s BucketState) String() string {
	switch s {
	case BucketPending:
		return "pending"
	case BucketRunning:
		return "running"
	case BucketComplete:
		return "complete"
	case BucketAborted:
		return "aborted"
	}
	return "unknown"
}

// skipped marks a row for which a step is not applicable.
type skipped struct{}

var notApplicable any = skipped{}

func isSkipped(v any) bool {
	_, ok := v.(skipped)
	return ok
}

// RowRef addresses one row of one bucket.
type RowRef struct {
	Bucket *Bucket
	Row    int
}

// Bucket is a columnar row table for one layer plan.
type Bucket struct {
	id        int
	lp        *plan.LayerPlan
	size      int
	parent    *Bucket
	parentRow []int
	paths     []string
	typeName  string

	columns [][]any
	ready   []bool
	state   atomic.Int32

	mu       sync.Mutex
	children map[plan.LayerPlanID]*childSet
}

// childSet is the instantiation of one child layer plan under one bucket.
// Fields other than once are guarded by the parent bucket's mu.
type childSet struct {
	once    sync.Once
	buckets []*Bucket
	// byParent[row] lists the child rows derived from the parent row.
	byParent [][]RowRef
	err      error
}

func newBucket(id int, lp *plan.LayerPlan, parent *Bucket, parentRow []int, paths []string) *Bucket {
	return &Bucket{
		id:        id,
		lp:        lp,
		size:      len(paths),
		parent:    parent,
		parentRow: parentRow,
		paths:     paths,
		columns:   make([][]any, lp.Width()),
		ready:     make([]bool, lp.Width()),
		children:  make(map[plan.LayerPlanID]*childSet),
	}
}

// ID is unique within a request.
func (b *Bucket) ID() int { return b.id }

// LayerPlan returns the blueprint the bucket instantiates.
func (b *Bucket) LayerPlan() *plan.LayerPlan { return b.lp }

// Size is the number of rows.
func (b *Bucket) Size() int { return b.size }

// Parent returns the bucket the rows were derived from, or nil for the root.
func (b *Bucket) Parent() *Bucket { return b.parent }

// ParentRow returns the parent row index of row, or -1 for the root.
func (b *Bucket) ParentRow(row int) int {
	if b.parent == nil {
		return -1
	}
	return b.parentRow[row]
}

// PolymorphicPath returns the concrete-type path of row.
func (b *Bucket) PolymorphicPath(row int) string { return b.paths[row] }

// TypeName returns the concrete type of a polymorphic bucket.
func (b *Bucket) TypeName() string { return b.typeName }

// State returns the current lifecycle state.
func (b *Bucket) State() BucketState { return BucketState(b.state.Load()) }

func (b *Bucket) setState(s BucketState) { b.state.Store(int32(s)) }

// Children returns the buckets instantiated for child layer plan lp.
func (b *Bucket) Children(lp plan.LayerPlanID) []*Bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs := b.children[lp]; cs != nil {
		return append([]*Bucket(nil), cs.buckets...)
	}
	return nil
}

// ChildRows returns the rows of child layer plan lp derived from row.
func (b *Bucket) ChildRows(lp plan.LayerPlanID, row int) []RowRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.children[lp]
	if cs == nil || row >= len(cs.byParent) {
		return nil
	}
	return append([]RowRef(nil), cs.byParent[row]...)
}

// Get returns the value of step at row, searching ancestor buckets through
// the row to parent mapping. Row errors are returned as errors.
func (b *Bucket) Get(step plan.StepID, row int) (any, error) {
	v, ok := b.lookup(step, row)
	if !ok {
		return nil, ErrNotVisible
	}
	return unwrapCell(v)
}

func unwrapCell(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if isSkipped(v) {
		return nil, ErrNotApplicable
	}
	if _, ok := v.(notExecuted); ok {
		return nil, ErrNotExecuted
	}
	if re, ok := plan.AsRowError(v); ok {
		return nil, re
	}
	return v, nil
}

type notExecuted struct{}

func (b *Bucket) lookup(step plan.StepID, row int) (any, bool) {
	for cur := b; cur != nil; cur = cur.parent {
		if slot, ok := cur.lp.Slot(step); ok {
			col := cur.columns[slot]
			if col == nil {
				return notExecuted{}, true
			}
			return col[row], true
		}
		if cur.parent != nil {
			row = cur.parentRow[row]
		}
	}
	return nil, false
}

// cell reads a value that must be visible and ready.
func (b *Bucket) cell(step plan.StepID, row int) any {
	v, ok := b.lookup(step, row)
	if !ok {
		return notApplicable
	}
	return v
}

func (b *Bucket) isReady(step plan.StepID) bool {
	slot, ok := b.lp.Slot(step)
	return ok && b.ready[slot]
}

func (b *Bucket) write(step plan.StepID, col []any) {
	slot, _ := b.lp.Slot(step)
	b.columns[slot] = col
	b.ready[slot] = true
}

// childSetFor returns the child set of lp, creating it on first use.
func (b *Bucket) childSetFor(lp plan.LayerPlanID) *childSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.children[lp]
	if cs == nil {
		cs = &childSet{}
		b.children[lp] = cs
	}
	return cs
}

func (b *Bucket) childLayerPlans() []plan.LayerPlanID {
	ids := append([]plan.LayerPlanID(nil), b.lp.Children...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
