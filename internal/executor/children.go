package executor

import (
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/protoplan/internal/plan"
)

// runChildren instantiates the child layer plans of a completed bucket.
// Mutation fields run one after another in creation order, concurrently with
// the remaining children. Deferred sections are queued for the second pass.
func (r *request) runChildren(b *Bucket) error {
	var g errgroup.Group
	var mutations []*plan.LayerPlan
	for _, id := range b.childLayerPlans() {
		lp := r.plan.LayerPlan(id)
		switch lp.Reason.Kind {
		case plan.ReasonSubscription:
			continue
		case plan.ReasonDefer:
			r.mu.Lock()
			r.deferred = append(r.deferred, deferredWork{parent: b, lp: lp})
			r.mu.Unlock()
			continue
		case plan.ReasonMutationField:
			mutations = append(mutations, lp)
			continue
		}
		g.Go(func() error {
			_, err := r.ensureChildren(b, lp)
			return err
		})
	}
	if len(mutations) > 0 {
		g.Go(func() error {
			for _, lp := range mutations {
				if _, err := r.ensureChildren(b, lp); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runDeferred runs queued deferred sections until none remain.
func (r *request) runDeferred() {
	for {
		r.mu.Lock()
		work := r.deferred
		r.deferred = nil
		r.mu.Unlock()
		if len(work) == 0 || r.aborted() {
			return
		}
		var g errgroup.Group
		for _, w := range work {
			g.Go(func() error {
				set, err := r.ensureChildren(w.parent, w.lp)
				r.mu.Lock()
				r.deferBkt = append(r.deferBkt, set.buckets...)
				r.mu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return
		}
	}
}

// ensureChildren instantiates and runs child layer plan lp under b exactly
// once, returning the resulting child set.
func (r *request) ensureChildren(b *Bucket, lp *plan.LayerPlan) (*childSet, error) {
	cs := b.childSetFor(lp.ID)
	cs.once.Do(func() {
		if r.aborted() {
			cs.err = r.cause()
			return
		}
		buckets, byParent := r.fanOut(b, lp)
		b.mu.Lock()
		cs.buckets = buckets
		cs.byParent = byParent
		b.mu.Unlock()

		g := r.bucketGroup()
		for _, child := range buckets {
			g.Go(func() error { return r.runBucket(child) })
		}
		cs.err = g.Wait()
	})
	return cs, cs.err
}

func (r *request) bucketGroup() *errgroup.Group {
	g := &errgroup.Group{}
	if r.opts.MaxParallelBuckets > 0 {
		g.SetLimit(r.opts.MaxParallelBuckets)
	}
	return g
}

// fanOut creates the buckets of child layer plan lp from the rows of b.
func (r *request) fanOut(b *Bucket, lp *plan.LayerPlan) ([]*Bucket, [][]RowRef) {
	byParent := make([][]RowRef, b.size)
	switch lp.Reason.Kind {
	case plan.ReasonListItem:
		var parentRow []int
		var paths []string
		var items []any
		for row := 0; row < b.size; row++ {
			for _, item := range listItems(b.cell(lp.RootStep, row)) {
				parentRow = append(parentRow, row)
				paths = append(paths, b.paths[row])
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return nil, byParent
		}
		child := r.register(lp, b, parentRow, paths)
		child.write(lp.ItemStep, items)
		for i, row := range parentRow {
			byParent[row] = append(byParent[row], RowRef{Bucket: child, Row: i})
		}
		return []*Bucket{child}, byParent

	case plan.ReasonPolymorphic:
		type group struct {
			parentRow []int
			paths     []string
			items     []any
		}
		var order []string
		groups := map[string]*group{}
		for row := 0; row < b.size; row++ {
			v := b.cell(lp.RootStep, row)
			if isSkipped(v) {
				continue
			}
			if _, failed := plan.AsRowError(v); failed {
				continue
			}
			typeName, data, ok := plan.TypeNameOf(v)
			if !ok || !lp.Reason.Admits(typeName) {
				continue
			}
			g := groups[typeName]
			if g == nil {
				g = &group{}
				groups[typeName] = g
				order = append(order, typeName)
			}
			g.parentRow = append(g.parentRow, row)
			g.paths = append(g.paths, plan.BranchPath(b.paths[row], typeName))
			g.items = append(g.items, data)
		}
		var buckets []*Bucket
		for _, typeName := range order {
			g := groups[typeName]
			child := r.register(lp, b, g.parentRow, g.paths)
			child.typeName = typeName
			child.write(lp.ItemStep, g.items)
			for i, row := range g.parentRow {
				byParent[row] = append(byParent[row], RowRef{Bucket: child, Row: i})
			}
			buckets = append(buckets, child)
		}
		return buckets, byParent

	case plan.ReasonMutationField, plan.ReasonDefer:
		if b.size == 0 {
			return nil, byParent
		}
		parentRow := make([]int, b.size)
		for i := range parentRow {
			parentRow[i] = i
		}
		child := r.register(lp, b, parentRow, append([]string(nil), b.paths...))
		for row := range parentRow {
			byParent[row] = []RowRef{{Bucket: child, Row: row}}
		}
		return []*Bucket{child}, byParent
	}
	return nil, byParent
}

// listItems returns the elements of a list value. Nil, failed and non-list
// values have no items.
func listItems(v any) []any {
	switch l := v.(type) {
	case nil, skipped:
		return nil
	case []any:
		return l
	case error:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// fanIn computes a Collect or Merge step for the given parent rows after its
// child layer plans have run.
func (r *request) fanIn(b *Bucket, s *plan.Step, rows []int) ([]any, error) {
	sets := make([]*childSet, len(s.FanIn))
	for i, fi := range s.FanIn {
		cs, err := r.ensureChildren(b, r.plan.LayerPlan(fi.LayerPlan))
		if err != nil {
			return nil, err
		}
		sets[i] = cs
	}

	values := make([]any, len(rows))
	switch s.Kind {
	case plan.KindCollect:
		fi := s.FanIn[0]
		list := r.plan.LayerPlan(fi.LayerPlan).RootStep
		for i, row := range rows {
			lv := b.cell(list, row)
			if lv == nil {
				continue
			}
			if !isList(lv) {
				values[i] = plan.Failure(fmt.Errorf("expected a list, got %T", lv))
				continue
			}
			refs := sets[0].byParent[row]
			items := make([]any, len(refs))
			for k, ref := range refs {
				items[k] = fanInValue(ref.Bucket.cell(fi.Step, ref.Row))
			}
			values[i] = items
		}
	case plan.KindMerge:
		for i, row := range rows {
			for k, fi := range s.FanIn {
				refs := sets[k].byParent[row]
				if len(refs) == 0 {
					continue
				}
				values[i] = fanInValue(refs[0].Bucket.cell(fi.Step, refs[0].Row))
				break
			}
		}
	}
	return values, nil
}

func fanInValue(v any) any {
	switch v.(type) {
	case skipped, notExecuted:
		return nil
	}
	return v
}
