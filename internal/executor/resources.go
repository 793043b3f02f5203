package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hanpama/protoplan/internal/plan"
)

// resourcePool holds the per-request state of the plan's shared resources.
type resourcePool struct {
	slots []*resourceSlot
}

type resourceSlot struct {
	id     plan.ResourceID
	spec   plan.ResourceSpec
	once   sync.Once
	opened bool
	handle any
	err    error
	// sem is FIFO: waiters acquire in arrival order.
	sem *semaphore.Weighted
}

func newResourcePool(p *plan.Plan) *resourcePool {
	rp := &resourcePool{}
	for i, spec := range p.Resources() {
		s := &resourceSlot{id: plan.ResourceID(i + 1), spec: spec}
		if spec.Limit > 0 {
			s.sem = semaphore.NewWeighted(int64(spec.Limit))
		}
		rp.slots = append(rp.slots, s)
	}
	return rp
}

// acquire opens the resources on first use and takes one unit of each limit.
// Resources are taken in id order. The returned release must be called once
// the batch has settled.
func (rp *resourcePool) acquire(ctx context.Context, ids []plan.ResourceID) (map[plan.ResourceID]any, func(), error) {
	if len(ids) == 0 {
		return nil, func() {}, nil
	}
	ordered := append([]plan.ResourceID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	handles := make(map[plan.ResourceID]any, len(ordered))
	var held []*resourceSlot
	var once sync.Once
	release := func() {
		once.Do(func() {
			for _, s := range held {
				s.sem.Release(1)
			}
		})
	}
	for _, id := range ordered {
		s := rp.slots[id-1]
		s.once.Do(func() { s.open(ctx) })
		if s.err != nil {
			release()
			return nil, nil, s.err
		}
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				release()
				return nil, nil, err
			}
			held = append(held, s)
		}
		handles[id] = s.handle
	}
	return handles, release, nil
}

func (s *resourceSlot) open(ctx context.Context) {
	if s.spec.Open == nil {
		s.opened = true
		return
	}
	h, err := s.spec.Open(ctx)
	if err != nil {
		s.err = plan.Systemic(fmt.Errorf("resource %q unavailable: %w", s.spec.Name, err))
		return
	}
	s.handle = h
	s.opened = true
}

// close closes every opened resource. Acquisitions only happen on spawned
// goroutines, so the request waits for those before calling close.
func (rp *resourcePool) close(logger *slog.Logger) {
	for _, s := range rp.slots {
		if !s.opened || s.spec.Close == nil {
			continue
		}
		if err := s.spec.Close(s.handle); err != nil {
			logger.Warn("resource close failed", "resource", s.spec.Name, "error", err)
		}
	}
}
