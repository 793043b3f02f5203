package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/future"
	"github.com/hanpama/protoplan/internal/plan"
)

// runBucket executes the bucket's phases and then its child layer plans.
// It returns a non-nil error only when the request aborted.
func (r *request) runBucket(b *Bucket) error {
	if r.aborted() {
		b.setState(BucketAborted)
		return r.cause()
	}
	start := time.Now()
	b.setState(BucketRunning)
	eventbus.Publish(r.ctx, events.BucketStart{
		Bucket:    b.id,
		LayerPlan: int(b.lp.ID),
		Reason:    b.lp.Reason.String(),
		Size:      b.size,
	})

	err := r.runPhases(b)
	if err != nil {
		b.setState(BucketAborted)
	} else {
		b.setState(BucketComplete)
	}
	eventbus.Publish(r.ctx, events.BucketFinish{
		Bucket:    b.id,
		LayerPlan: int(b.lp.ID),
		State:     b.State().String(),
		Duration:  time.Since(start),
	})
	if err != nil {
		return err
	}
	return r.runChildren(b)
}

func (r *request) runPhases(b *Bucket) error {
	for _, ph := range b.lp.Phases {
		if r.aborted() {
			return r.cause()
		}
		if err := r.runPhase(b, ph); err != nil {
			return err
		}
	}
	return nil
}

// pendingStep is a step whose batch future has not settled yet.
type pendingStep struct {
	run *stepRun
	f   *future.Future
}

// runPhase starts every step of ph as soon as its same-layer inputs are
// ready, consuming futures in completion order.
func (r *request) runPhase(b *Bucket, ph plan.Phase) error {
	started := make(map[plan.StepID]bool, len(ph.Steps))
	settled := make(chan pendingStep, len(ph.Steps))
	inflight := 0
	remaining := len(ph.Steps)

	for remaining > 0 {
		progressed := true
		for progressed {
			progressed = false
			for _, id := range ph.Steps {
				if started[id] {
					continue
				}
				s := r.plan.Step(id)
				if !r.dependenciesReady(b, s) {
					continue
				}
				started[id] = true
				sr, f, err := r.startStep(b, s)
				if err != nil {
					return err
				}
				if f == nil {
					remaining--
					progressed = true
					continue
				}
				inflight++
				go func(p pendingStep) {
					select {
					case <-p.f.Done():
					case <-r.ctx.Done():
					}
					settled <- p
				}(pendingStep{run: sr, f: f})
			}
		}
		if remaining == 0 {
			break
		}
		if inflight == 0 {
			return r.abort(fmt.Errorf("executor: layer plan %d phase stalled with %d steps", b.lp.ID, remaining))
		}
		p := <-settled
		inflight--
		if !p.f.Settled() {
			return r.cause()
		}
		values, err := p.f.Result()
		if err := r.finishStep(p.run, values, err); err != nil {
			return err
		}
		remaining--
	}
	return nil
}

func (r *request) dependenciesReady(b *Bucket, s *plan.Step) bool {
	for _, d := range s.Dependencies {
		if r.plan.Step(d).LayerPlan == b.lp.ID && !b.isReady(d) {
			return false
		}
	}
	for _, d := range s.Ordering {
		if !b.isReady(d) {
			return false
		}
	}
	return true
}

// stepRun is one step evaluated over one bucket.
type stepRun struct {
	bucket *Bucket
	step   *plan.Step
	out    []any
	rows   []int
	start  time.Time
}

// startStep evaluates s over b. It returns a nil future when the column was
// written synchronously.
func (r *request) startStep(b *Bucket, s *plan.Step) (*stepRun, *future.Future, error) {
	switch s.Kind {
	case plan.KindRootValue, plan.KindItem:
		// Filled when the bucket was created.
		return nil, nil, nil
	}

	sr, cols := r.gather(b, s)
	eventbus.Publish(r.ctx, events.StepStart{
		Bucket: b.id,
		Step:   int(s.ID),
		Kind:   s.Kind.String(),
		Name:   s.Name,
		Rows:   len(sr.rows),
	})
	if len(sr.rows) == 0 {
		return nil, nil, r.finishStep(sr, nil, nil)
	}

	switch s.Kind {
	case plan.KindCollect, plan.KindMerge:
		f := r.spawn(func(context.Context) ([]any, error) {
			return r.fanIn(b, s, sr.rows)
		})
		return r.settleOrWait(sr, f)
	}

	if len(s.Resources) > 0 {
		f := r.spawn(func(ctx context.Context) ([]any, error) {
			handles, release, err := r.resources.acquire(ctx, s.Resources)
			if err != nil {
				return nil, err
			}
			defer release()
			inner, err := r.invoke(s, plan.NewBatch(s.ID, len(sr.rows), cols, handles))
			if err != nil {
				return nil, err
			}
			return inner.Await(ctx)
		})
		return r.settleOrWait(sr, f)
	}

	if s.SyncAndSafe && s.Row != nil && r.opts.UnbatchedFastPath {
		values := make([]any, len(sr.rows))
		args := make([]any, len(cols))
		for i := range sr.rows {
			for d := range cols {
				args[d] = cols[d][i]
			}
			v, err := s.Row(r.ctx, args, nil)
			if err != nil {
				v = err
			}
			values[i] = v
		}
		return nil, nil, r.finishStep(sr, values, nil)
	}

	f, err := r.invoke(s, plan.NewBatch(s.ID, len(sr.rows), cols, nil))
	if err != nil {
		return nil, nil, r.finishStep(sr, nil, err)
	}
	return r.settleOrWait(sr, f)
}

// spawn runs fn on a goroutine owned by the request. Execute does not
// return while any of them is still running.
func (r *request) spawn(fn func(ctx context.Context) ([]any, error)) *future.Future {
	r.work.Add(1)
	return future.Go(r.ctx, func(ctx context.Context) ([]any, error) {
		defer r.work.Done()
		return fn(ctx)
	})
}

func (r *request) settleOrWait(sr *stepRun, f *future.Future) (*stepRun, *future.Future, error) {
	if f.Settled() {
		values, err := f.Result()
		return nil, nil, r.finishStep(sr, values, err)
	}
	return sr, f, nil
}

// invoke calls the step's batch operation, adapting a per-row operation into
// an already settled future.
func (r *request) invoke(s *plan.Step, batch *plan.Batch) (*future.Future, error) {
	if s.Batch == nil {
		values := make([]any, batch.Size)
		for i := range values {
			v, err := s.Row(r.ctx, batch.Args(i), batch.Resources())
			if err != nil {
				v = err
			}
			values[i] = v
		}
		return future.Resolved(values), nil
	}
	f := s.Batch(r.ctx, batch)
	if f == nil {
		return nil, &ContractViolation{Step: s.ID, Name: s.Name, Reason: "batch operation returned no future"}
	}
	if s.SyncAndSafe && !f.Settled() {
		return nil, &ContractViolation{Step: s.ID, Name: s.Name, Reason: "sync-and-safe step returned an unsettled future"}
	}
	return f, nil
}

// gather builds the aligned dependency columns for the rows of b that need
// evaluation. Rows that inherit an error or are not applicable are resolved
// in the output column directly.
func (r *request) gather(b *Bucket, s *plan.Step) (*stepRun, [][]any) {
	sr := &stepRun{bucket: b, step: s, out: make([]any, b.size), start: time.Now()}
	cols := make([][]any, len(s.Dependencies))
rows:
	for row := 0; row < b.size; row++ {
		if !s.AppliesTo(b.paths[row]) {
			sr.out[row] = notApplicable
			continue
		}
		var inherited any
		for _, d := range s.Dependencies {
			v := b.cell(d, row)
			if isSkipped(v) {
				sr.out[row] = notApplicable
				continue rows
			}
			if inherited == nil {
				if re, ok := plan.AsRowError(v); ok {
					inherited = re
				}
			}
		}
		if inherited != nil {
			sr.out[row] = inherited
			continue
		}
		sr.rows = append(sr.rows, row)
		for i, d := range s.Dependencies {
			cols[i] = append(cols[i], b.cell(d, row))
		}
	}
	return sr, cols
}

// finishStep scatters a settled batch outcome into the step's column.
func (r *request) finishStep(sr *stepRun, values []any, err error) error {
	s := sr.step
	if err != nil {
		var cv *ContractViolation
		switch {
		case errors.As(err, &cv):
			return r.violate(s, cv.Reason)
		case plan.IsSystemic(err):
			r.logger.Error("systemic failure", "step", s.ID, "name", s.Name, "error", err)
			return r.abort(err)
		case r.aborted():
			return r.cause()
		}
		// A plain batch error fails each evaluated row.
		re := &plan.RowError{Step: s.ID, Err: err}
		for _, row := range sr.rows {
			sr.out[row] = re
		}
	} else {
		if len(values) != len(sr.rows) {
			return r.violate(s, fmt.Sprintf("batch returned %d results for %d rows", len(values), len(sr.rows)))
		}
		for i, row := range sr.rows {
			v := values[i]
			if re, ok := plan.AsRowError(v); ok {
				if plan.IsSystemic(re.Err) {
					r.logger.Error("systemic failure", "step", s.ID, "name", s.Name, "row", row, "error", re.Err)
					return r.abort(re.Err)
				}
				if re.Step == 0 {
					re = &plan.RowError{Step: s.ID, Err: re.Err}
				}
				v = re
			}
			sr.out[row] = v
		}
	}

	failed := 0
	for _, v := range sr.out {
		if _, ok := plan.AsRowError(v); ok {
			failed++
		}
	}
	sr.bucket.write(s.ID, sr.out)
	eventbus.Publish(r.ctx, events.StepFinish{
		Bucket:   sr.bucket.id,
		Step:     int(s.ID),
		Kind:     s.Kind.String(),
		Name:     s.Name,
		Rows:     len(sr.rows),
		Errors:   failed,
		Duration: time.Since(sr.start),
	})
	return nil
}
