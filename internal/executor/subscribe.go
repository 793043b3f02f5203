package executor

import (
	"context"
	"sync"

	"github.com/hanpama/protoplan/internal/plan"
)

// Event is one subscription event: the size-1 bucket executed for a value
// received from a subscription stream.
type Event struct {
	Bucket *Bucket
	Value  any
	Err    error
}

// Subscribe executes p like Execute and then, for every parent row of the
// plan's subscription layer plan, receives values from the stream held
// by the layer plan's root step. Each value becomes a size-1 bucket that is
// executed before its Event is sent. The channel closes when every stream is
// exhausted, the request aborts or ctx is done; callers must drain it or
// cancel ctx.
func (e *Executor) Subscribe(ctx context.Context, p *plan.Plan, rootValues ...any) (*Result, <-chan Event, error) {
	var sub *plan.LayerPlan
	for _, lp := range p.LayerPlans() {
		if lp.Reason.Kind == plan.ReasonSubscription {
			sub = lp
			break
		}
	}
	if sub == nil {
		return nil, nil, ErrNoSubscription
	}

	r := e.newRequest(ctx, p)
	res := r.execute(rootValues)
	if res.Err != nil {
		r.close()
		return res, nil, res.Err
	}

	out := make(chan Event)
	var wg sync.WaitGroup
	for _, parent := range res.Buckets(sub.Parent) {
		cs := parent.childSetFor(sub.ID)
		parent.mu.Lock()
		if cs.byParent == nil {
			cs.byParent = make([][]RowRef, parent.size)
		}
		parent.mu.Unlock()
		for row := 0; row < parent.size; row++ {
			stream, ok := streamOf(parent.cell(sub.RootStep, row))
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.pump(parent, cs, sub, row, stream, out)
			}()
		}
	}
	go func() {
		wg.Wait()
		close(out)
		r.close()
	}()
	return res, out, nil
}

func (r *request) pump(parent *Bucket, cs *childSet, sub *plan.LayerPlan, row int, stream <-chan any, out chan<- Event) {
	for {
		var v any
		var ok bool
		select {
		case <-r.ctx.Done():
			return
		case v, ok = <-stream:
		}
		if !ok {
			return
		}
		child := r.register(sub, parent, []int{row}, []string{parent.paths[row]})
		child.write(sub.ItemStep, []any{v})
		parent.mu.Lock()
		cs.buckets = append(cs.buckets, child)
		cs.byParent[row] = append(cs.byParent[row], RowRef{Bucket: child, Row: 0})
		parent.mu.Unlock()

		err := r.runBucket(child)
		if err == nil {
			r.runDeferred()
		}
		select {
		case out <- Event{Bucket: child, Value: v, Err: err}:
		case <-r.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func streamOf(v any) (<-chan any, bool) {
	switch s := v.(type) {
	case <-chan any:
		return s, s != nil
	case chan any:
		return s, s != nil
	}
	return nil, false
}
