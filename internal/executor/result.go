package executor

import (
	"fmt"

	"github.com/hanpama/protoplan/internal/plan"
)

// Result is the outcome of one execution.
type Result struct {
	// Err is the request-level abort cause. Row errors never appear here.
	Err error

	plan     *plan.Plan
	root     *Bucket
	buckets  map[plan.LayerPlanID][]*Bucket
	deferred []*Bucket
}

// Plan returns the executed plan.
func (r *Result) Plan() *plan.Plan { return r.plan }

// Root returns the root bucket.
func (r *Result) Root() *Bucket { return r.root }

// Buckets returns the buckets created for lp in creation order.
func (r *Result) Buckets(lp plan.LayerPlanID) []*Bucket { return r.buckets[lp] }

// Deferred returns the buckets created by the deferred pass.
func (r *Result) Deferred() []*Bucket { return r.deferred }

func (r *Result) bucketCount() int {
	n := 0
	for _, bs := range r.buckets {
		n += len(bs)
	}
	return n
}

// Value returns the value of step at row of b. The value is read from b or
// the ancestor bucket that owns the step's column. It returns the row's
// *plan.RowError, ErrNotApplicable for rows outside the step's polymorphic
// paths and ErrNotExecuted when the request aborted before the step ran.
func (r *Result) Value(step plan.StepID, b *Bucket, row int) (any, error) {
	if b == nil || row < 0 || row >= b.size {
		return nil, fmt.Errorf("executor: row %d out of range", row)
	}
	s := r.plan.Step(step)
	if s == nil {
		return nil, fmt.Errorf("executor: unknown step %d", step)
	}
	return b.Get(s.ID, row)
}
