package plan

import (
	"fmt"
	"sort"
)

// Builder accumulates steps and layer plans for one plan. It is not safe for
// concurrent use; build separate plans with separate builders.
type Builder struct {
	steps      []*Step
	layerPlans []*LayerPlan
	resources  []ResourceSpec
	replaced   map[StepID]StepID
	rootValue  StepID
	err        error
	finalized  bool
}

// NewBuilder returns a builder holding the root layer plan and its RootValue
// step.
func NewBuilder() *Builder {
	b := &Builder{replaced: make(map[StepID]StepID)}
	root := &LayerPlan{ID: 1, Reason: Reason{Kind: ReasonRoot}, PolymorphicPaths: []string{""}}
	b.layerPlans = append(b.layerPlans, root)
	b.rootValue = b.insert(root, &Step{Kind: KindRootValue, Name: "root"})
	return b
}

// Root returns the root layer plan id.
func (b *Builder) Root() LayerPlanID { return 1 }

// RootValue returns the step holding each root row's input value.
func (b *Builder) RootValue() StepID { return b.rootValue }

// Err returns the sticky construction error, if any.
func (b *Builder) Err() error { return b.err }

// StepCount returns the number of live steps.
func (b *Builder) StepCount() int { return len(b.steps) - len(b.replaced) }

// Step returns a live step by id, following deduplication replacements.
func (b *Builder) Step(id StepID) (*Step, bool) {
	s, err := b.lookup(id)
	return s, err == nil
}

// LayerPlan returns a layer plan by id.
func (b *Builder) LayerPlan(id LayerPlanID) (*LayerPlan, bool) {
	if id < 1 || int(id) > len(b.layerPlans) {
		return nil, false
	}
	return b.layerPlans[id-1], true
}

func (b *Builder) fail(op string, err error) error {
	if b.err == nil {
		b.err = &ConstructionError{Op: op, Err: err}
	}
	return b.err
}

func (b *Builder) check(op string) error {
	if b.err != nil {
		return b.err
	}
	if b.finalized {
		return b.fail(op, ErrFinalized)
	}
	return nil
}

func (b *Builder) resolve(id StepID) StepID {
	for {
		next, ok := b.replaced[id]
		if !ok {
			return id
		}
		id = next
	}
}

func (b *Builder) lookup(id StepID) (*Step, error) {
	id = b.resolve(id)
	if id < 1 || int(id) > len(b.steps) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, id)
	}
	return b.steps[id-1], nil
}

func (b *Builder) layer(id LayerPlanID) (*LayerPlan, error) {
	lp, ok := b.LayerPlan(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLayerPlan, id)
	}
	return lp, nil
}

// ancestorOrSelf reports whether anc is lp or one of its ancestors.
func (b *Builder) ancestorOrSelf(anc, lp LayerPlanID) bool {
	for lp != 0 {
		if lp == anc {
			return true
		}
		lp = b.layerPlans[lp-1].Parent
	}
	return false
}

func (b *Builder) insert(lp *LayerPlan, s *Step) StepID {
	s.ID = StepID(len(b.steps) + 1)
	s.LayerPlan = lp.ID
	if len(s.PolymorphicPaths) == 0 {
		s.PolymorphicPaths = append([]string(nil), lp.PolymorphicPaths...)
	}
	b.steps = append(b.steps, s)
	lp.Steps = append(lp.Steps, s.ID)
	return s.ID
}

// resolveDeps checks that every dependency exists and is visible from lp.
func (b *Builder) resolveDeps(lp LayerPlanID, deps []StepID) ([]StepID, error) {
	out := make([]StepID, len(deps))
	for i, d := range deps {
		dep, err := b.lookup(d)
		if err != nil {
			return nil, err
		}
		if !b.ancestorOrSelf(dep.LayerPlan, lp) {
			return nil, fmt.Errorf("%w: step %d in layer plan %d is not visible from layer plan %d", ErrInvalidNesting, dep.ID, dep.LayerPlan, lp)
		}
		out[i] = dep.ID
	}
	return out, nil
}

// AddStep registers a step in layer plan lp with the given dependencies.
func (b *Builder) AddStep(lp LayerPlanID, spec StepSpec, deps ...StepID) (StepID, error) {
	const op = "add step"
	if err := b.check(op); err != nil {
		return 0, err
	}
	l, err := b.layer(lp)
	if err != nil {
		return 0, b.fail(op, err)
	}
	if !spec.Kind.generic() {
		return 0, b.fail(op, fmt.Errorf("%w: kind %s cannot be added directly", ErrInvalidStep, spec.Kind))
	}
	if spec.Batch == nil && spec.Row == nil {
		return 0, b.fail(op, fmt.Errorf("%w: %s has no operation", ErrInvalidStep, spec.Name))
	}
	for _, p := range spec.PolymorphicPaths {
		if !l.HasPath(p) {
			return 0, b.fail(op, fmt.Errorf("%w: path %q is outside layer plan %d", ErrInvalidStep, p, lp))
		}
	}
	for _, r := range spec.Resources {
		if r < 1 || int(r) > len(b.resources) {
			return 0, b.fail(op, fmt.Errorf("%w: %d", ErrInvalidResource, r))
		}
	}
	resolved, err := b.resolveDeps(lp, deps)
	if err != nil {
		return 0, b.fail(op, err)
	}
	paths := append([]string(nil), spec.PolymorphicPaths...)
	sort.Strings(paths)
	return b.insert(l, &Step{
		Kind:             spec.Kind,
		Name:             spec.Name,
		Key:              spec.Key,
		Dependencies:     resolved,
		PolymorphicPaths: paths,
		HasSideEffects:   spec.HasSideEffects,
		SyncAndSafe:      spec.SyncAndSafe,
		Resources:        append([]ResourceID(nil), spec.Resources...),
		Batch:            spec.Batch,
		Row:              spec.Row,
	}), nil
}

// AddDependency appends dep to the dependencies of step. The dependency must
// be older than the step.
func (b *Builder) AddDependency(step, dep StepID) error {
	const op = "add dependency"
	if err := b.check(op); err != nil {
		return err
	}
	s, err := b.lookup(step)
	if err != nil {
		return b.fail(op, err)
	}
	d, err := b.lookup(dep)
	if err != nil {
		return b.fail(op, err)
	}
	if d.ID >= s.ID {
		return b.fail(op, fmt.Errorf("%w: step %d cannot depend on step %d", ErrForwardDependency, s.ID, d.ID))
	}
	if !b.ancestorOrSelf(d.LayerPlan, s.LayerPlan) {
		return b.fail(op, fmt.Errorf("%w: step %d in layer plan %d is not visible from layer plan %d", ErrInvalidNesting, d.ID, d.LayerPlan, s.LayerPlan))
	}
	s.Dependencies = append(s.Dependencies, d.ID)
	return nil
}

// CreateLayerPlan creates a child layer plan of parent. List item,
// polymorphic and subscription layer plans require rootStep and receive an
// Item step holding the per-row value.
func (b *Builder) CreateLayerPlan(parent LayerPlanID, reason Reason, rootStep StepID) (LayerPlanID, error) {
	const op = "create layer plan"
	if err := b.check(op); err != nil {
		return 0, err
	}
	p, err := b.layer(parent)
	if err != nil {
		return 0, b.fail(op, err)
	}
	needsRoot := false
	switch reason.Kind {
	case ReasonRoot:
		return 0, b.fail(op, fmt.Errorf("%w: only one root layer plan", ErrInvalidNesting))
	case ReasonListItem:
		needsRoot = true
	case ReasonSubscription:
		needsRoot = true
		for _, other := range b.layerPlans {
			if other.Reason.Kind == ReasonSubscription {
				return 0, b.fail(op, fmt.Errorf("%w: layer plan %d is already the subscription", ErrInvalidNesting, other.ID))
			}
		}
	case ReasonPolymorphic:
		needsRoot = true
		if len(reason.TypeNames) == 0 {
			return 0, b.fail(op, fmt.Errorf("%w: polymorphic layer plan without type names", ErrInvalidNesting))
		}
		seen := make(map[string]bool, len(reason.TypeNames))
		for _, t := range reason.TypeNames {
			if t == "" || seen[t] {
				return 0, b.fail(op, fmt.Errorf("%w: bad type name %q", ErrInvalidNesting, t))
			}
			seen[t] = true
		}
	case ReasonMutationField:
		if p.Reason.Kind != ReasonRoot {
			return 0, b.fail(op, fmt.Errorf("%w: mutation fields must be children of the root", ErrInvalidNesting))
		}
	case ReasonDefer:
	default:
		return 0, b.fail(op, fmt.Errorf("%w: unknown reason %d", ErrInvalidNesting, reason.Kind))
	}

	lp := &LayerPlan{
		ID:     LayerPlanID(len(b.layerPlans) + 1),
		Reason: Reason{Kind: reason.Kind, TypeNames: append([]string(nil), reason.TypeNames...), Label: reason.Label},
		Parent: parent,
	}
	if needsRoot {
		if rootStep == 0 {
			return 0, b.fail(op, fmt.Errorf("%w: %s layer plan requires a root step", ErrInvalidNesting, lp.Reason))
		}
		rs, err := b.lookup(rootStep)
		if err != nil {
			return 0, b.fail(op, err)
		}
		if !b.ancestorOrSelf(rs.LayerPlan, parent) {
			return 0, b.fail(op, fmt.Errorf("%w: root step %d is not visible from layer plan %d", ErrInvalidNesting, rs.ID, parent))
		}
		lp.RootStep = rs.ID
	} else if rootStep != 0 {
		return 0, b.fail(op, fmt.Errorf("%w: %s layer plan takes no root step", ErrInvalidNesting, lp.Reason))
	}

	if reason.Kind == ReasonPolymorphic {
		for _, pp := range p.PolymorphicPaths {
			for _, t := range lp.Reason.TypeNames {
				lp.PolymorphicPaths = append(lp.PolymorphicPaths, BranchPath(pp, t))
			}
		}
		sort.Strings(lp.PolymorphicPaths)
	} else {
		lp.PolymorphicPaths = append([]string(nil), p.PolymorphicPaths...)
	}

	b.layerPlans = append(b.layerPlans, lp)
	p.Children = append(p.Children, lp.ID)
	if needsRoot {
		lp.ItemStep = b.insert(lp, &Step{Kind: KindItem, Name: "item", Dependencies: []StepID{lp.RootStep}, SyncAndSafe: true})
	}
	return lp.ID, nil
}

// ListItem creates a list item layer plan iterating list. It returns the
// layer plan and its Item step.
func (b *Builder) ListItem(parent LayerPlanID, list StepID) (LayerPlanID, StepID, error) {
	return b.withItem(b.CreateLayerPlan(parent, Reason{Kind: ReasonListItem}, list))
}

// Polymorphic creates a branch admitting rows whose discriminant reports one
// of typeNames. The Item step holds the branch data.
func (b *Builder) Polymorphic(parent LayerPlanID, discriminant StepID, typeNames ...string) (LayerPlanID, StepID, error) {
	return b.withItem(b.CreateLayerPlan(parent, Reason{Kind: ReasonPolymorphic, TypeNames: typeNames}, discriminant))
}

// Subscription creates a layer plan receiving one row per event of stream.
// The stream step must produce a receive channel per row. A plan has at most
// one subscription layer plan.
func (b *Builder) Subscription(parent LayerPlanID, stream StepID) (LayerPlanID, StepID, error) {
	return b.withItem(b.CreateLayerPlan(parent, Reason{Kind: ReasonSubscription}, stream))
}

// MutationField creates a serially ordered layer plan below the root.
func (b *Builder) MutationField(name string) (LayerPlanID, error) {
	return b.CreateLayerPlan(b.Root(), Reason{Kind: ReasonMutationField, Label: name}, 0)
}

// Defer creates a layer plan executed after the primary tree.
func (b *Builder) Defer(parent LayerPlanID, label string) (LayerPlanID, error) {
	return b.CreateLayerPlan(parent, Reason{Kind: ReasonDefer, Label: label}, 0)
}

func (b *Builder) withItem(id LayerPlanID, err error) (LayerPlanID, StepID, error) {
	if err != nil {
		return 0, 0, err
	}
	return id, b.layerPlans[id-1].ItemStep, nil
}

// Collect adds a list fan-in step in lp: per parent row, the values of inner
// across that row's child rows in child, in order. A nil list yields nil.
func (b *Builder) Collect(lp, child LayerPlanID, inner StepID) (StepID, error) {
	const op = "collect"
	if err := b.check(op); err != nil {
		return 0, err
	}
	l, err := b.layer(lp)
	if err != nil {
		return 0, b.fail(op, err)
	}
	c, err := b.layer(child)
	if err != nil {
		return 0, b.fail(op, err)
	}
	if c.Parent != lp || c.Reason.Kind != ReasonListItem {
		return 0, b.fail(op, fmt.Errorf("%w: layer plan %d is not a list item child of %d", ErrInvalidNesting, child, lp))
	}
	in, err := b.lookup(inner)
	if err != nil {
		return 0, b.fail(op, err)
	}
	if in.LayerPlan != child {
		return 0, b.fail(op, fmt.Errorf("%w: step %d is not in layer plan %d", ErrInvalidNesting, in.ID, child))
	}
	id := b.insert(l, &Step{
		Kind:         KindCollect,
		Name:         "collect",
		Dependencies: []StepID{c.RootStep},
		FanIn:        []FanIn{{LayerPlan: child, Step: in.ID}},
	})
	if c.Owner == 0 {
		c.Owner = id
	}
	return id, nil
}

// Merge adds a polymorphic fan-in step in lp: per parent row, the value of the
// branch inner step from whichever branch matched the row, or nil.
func (b *Builder) Merge(lp LayerPlanID, branches map[LayerPlanID]StepID) (StepID, error) {
	const op = "merge"
	if err := b.check(op); err != nil {
		return 0, err
	}
	l, err := b.layer(lp)
	if err != nil {
		return 0, b.fail(op, err)
	}
	if len(branches) == 0 {
		return 0, b.fail(op, fmt.Errorf("%w: merge without branches", ErrInvalidNesting))
	}
	ids := make([]LayerPlanID, 0, len(branches))
	for id := range branches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var disc StepID
	fanIn := make([]FanIn, 0, len(ids))
	for _, id := range ids {
		c, err := b.layer(id)
		if err != nil {
			return 0, b.fail(op, err)
		}
		if c.Parent != lp || c.Reason.Kind != ReasonPolymorphic {
			return 0, b.fail(op, fmt.Errorf("%w: layer plan %d is not a polymorphic child of %d", ErrInvalidNesting, id, lp))
		}
		if disc != 0 && c.RootStep != disc {
			return 0, b.fail(op, fmt.Errorf("%w: branches use different discriminants", ErrInvalidNesting))
		}
		disc = c.RootStep
		in, err := b.lookup(branches[id])
		if err != nil {
			return 0, b.fail(op, err)
		}
		if in.LayerPlan != id {
			return 0, b.fail(op, fmt.Errorf("%w: step %d is not in layer plan %d", ErrInvalidNesting, in.ID, id))
		}
		fanIn = append(fanIn, FanIn{LayerPlan: id, Step: in.ID})
	}
	sid := b.insert(l, &Step{
		Kind:         KindMerge,
		Name:         "merge",
		Dependencies: []StepID{disc},
		FanIn:        fanIn,
	})
	for _, f := range fanIn {
		if c := b.layerPlans[f.LayerPlan-1]; c.Owner == 0 {
			c.Owner = sid
		}
	}
	return sid, nil
}

// DeclareResource registers a shared resource for steps of this plan.
func (b *Builder) DeclareResource(spec ResourceSpec) (ResourceID, error) {
	const op = "declare resource"
	if err := b.check(op); err != nil {
		return 0, err
	}
	if spec.Name == "" || spec.Open == nil || spec.Limit < 0 {
		return 0, b.fail(op, fmt.Errorf("%w: %q", ErrInvalidResource, spec.Name))
	}
	b.resources = append(b.resources, spec)
	return ResourceID(len(b.resources)), nil
}
