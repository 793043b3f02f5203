package plan

import (
	"fmt"
	"sort"
)

type finalizeOptions struct {
	skipDedup bool
}

// FinalizeOption configures Finalize.
type FinalizeOption func(*finalizeOptions)

// WithoutDeduplication keeps structurally equivalent steps apart.
func WithoutDeduplication() FinalizeOption {
	return func(o *finalizeOptions) { o.skipDedup = true }
}

// Finalize freezes the builder and returns the executable plan.
func (b *Builder) Finalize(opts ...FinalizeOption) (*Plan, error) {
	const op = "finalize"
	if err := b.check(op); err != nil {
		return nil, err
	}
	var o finalizeOptions
	for _, f := range opts {
		f(&o)
	}
	if !o.skipDedup {
		b.Deduplicate()
	}
	b.orderSideEffects()
	needs := b.computeNeeds()
	b.orderFanIns(needs)
	for _, lp := range b.layerPlans {
		lp.CopyStepIDs = sortedIDs(needs[lp.ID])
		lp.slots = make(map[StepID]int, len(lp.Steps)+len(lp.CopyStepIDs))
		for _, id := range lp.Steps {
			lp.slots[id] = len(lp.slots)
		}
		for _, id := range lp.CopyStepIDs {
			lp.slots[id] = len(lp.slots)
		}
		phases, err := b.assignPhases(lp)
		if err != nil {
			return nil, b.fail(op, err)
		}
		lp.Phases = phases
	}
	b.finalized = true
	return b.freeze(), nil
}

// orderSideEffects orders every step created after a side-effecting step
// after the most recent such step of its layer plan.
func (b *Builder) orderSideEffects() {
	for _, lp := range b.layerPlans {
		var last StepID
		for _, id := range lp.Steps {
			s := b.steps[id-1]
			if last != 0 && !containsID(s.Dependencies, last) && !containsID(s.Ordering, last) {
				s.Ordering = append(s.Ordering, last)
			}
			if s.HasSideEffects {
				last = s.ID
			}
		}
	}
}

// computeNeeds returns, per layer plan, the ancestor steps whose values its
// buckets or any descendant buckets read.
func (b *Builder) computeNeeds() map[LayerPlanID]map[StepID]struct{} {
	needs := make(map[LayerPlanID]map[StepID]struct{}, len(b.layerPlans))
	// Children always have larger ids than their parents.
	for i := len(b.layerPlans) - 1; i >= 0; i-- {
		lp := b.layerPlans[i]
		set := make(map[StepID]struct{})
		add := func(id StepID) {
			if b.steps[id-1].LayerPlan != lp.ID {
				set[id] = struct{}{}
			}
		}
		for _, id := range lp.Steps {
			s := b.steps[id-1]
			if s.Kind == KindItem {
				continue
			}
			for _, d := range s.Dependencies {
				add(d)
			}
		}
		for _, cid := range lp.Children {
			c := b.layerPlans[cid-1]
			if c.RootStep != 0 {
				add(c.RootStep)
			}
			for d := range needs[cid] {
				add(d)
			}
		}
		needs[lp.ID] = set
	}
	return needs
}

// orderFanIns orders each fan-in step after the steps of its own layer plan
// that its owned child layer plans read.
func (b *Builder) orderFanIns(needs map[LayerPlanID]map[StepID]struct{}) {
	for _, s := range b.steps {
		if _, gone := b.replaced[s.ID]; gone || len(s.FanIn) == 0 {
			continue
		}
		for _, f := range s.FanIn {
			for _, d := range sortedIDs(needs[f.LayerPlan]) {
				if d == s.ID || b.steps[d-1].LayerPlan != s.LayerPlan {
					continue
				}
				if !containsID(s.Dependencies, d) && !containsID(s.Ordering, d) {
					s.Ordering = append(s.Ordering, d)
				}
			}
		}
	}
}

// assignPhases groups the steps of lp into ordered phases. The first
// side-effecting step shares a phase with ordinary steps; each later one runs
// alone after everything before it.
func (b *Builder) assignPhases(lp *LayerPlan) ([]Phase, error) {
	done := make(map[StepID]bool, len(lp.Steps))
	ready := func(s *Step) bool {
		for _, list := range [][]StepID{s.Dependencies, s.Ordering} {
			for _, d := range list {
				if b.steps[d-1].LayerPlan == lp.ID && !done[d] {
					return false
				}
			}
		}
		return true
	}

	var phases []Phase
	var cur []StepID
	seenSideEffect := false
	remaining := append([]StepID(nil), lp.Steps...)
	for len(remaining) > 0 {
		var wave, rest []StepID
		for _, id := range remaining {
			if ready(b.steps[id-1]) {
				wave = append(wave, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: layer plan %d steps %v", ErrCycle, lp.ID, rest)
		}
		for _, id := range wave {
			s := b.steps[id-1]
			if s.HasSideEffects && seenSideEffect {
				if len(cur) > 0 {
					phases = append(phases, Phase{Steps: cur})
					cur = nil
				}
				phases = append(phases, Phase{Steps: []StepID{id}, Exclusive: true})
				continue
			}
			if s.HasSideEffects {
				seenSideEffect = true
			}
			cur = append(cur, id)
		}
		for _, id := range wave {
			done[id] = true
		}
		remaining = rest
	}
	if len(cur) > 0 {
		phases = append(phases, Phase{Steps: cur})
	}
	return phases, nil
}

func (b *Builder) freeze() *Plan {
	p := &Plan{
		steps:      make([]*Step, len(b.steps)),
		layerPlans: b.layerPlans,
		resources:  b.resources,
		replaced:   make(map[StepID]StepID, len(b.replaced)),
		dependents: make(map[StepID][]StepID),
		rootValue:  b.rootValue,
	}
	for _, s := range b.steps {
		if _, gone := b.replaced[s.ID]; gone {
			continue
		}
		p.steps[s.ID-1] = s
		for _, d := range s.Dependencies {
			if !containsID(p.dependents[d], s.ID) {
				p.dependents[d] = append(p.dependents[d], s.ID)
			}
		}
	}
	for id := range b.replaced {
		p.replaced[id] = b.resolve(id)
	}
	for id := range p.dependents {
		sort.Slice(p.dependents[id], func(i, j int) bool { return p.dependents[id][i] < p.dependents[id][j] })
	}
	return p
}

func containsID(list []StepID, id StepID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

func sortedIDs(set map[StepID]struct{}) []StepID {
	out := make([]StepID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
