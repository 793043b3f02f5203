package plan

// Plan is a finalized, read-only step graph.
type Plan struct {
	steps      []*Step
	layerPlans []*LayerPlan
	resources  []ResourceSpec
	replaced   map[StepID]StepID
	dependents map[StepID][]StepID
	rootValue  StepID
}

// Root returns the root layer plan.
func (p *Plan) Root() *LayerPlan { return p.layerPlans[0] }

// RootValue returns the id of the RootValue step.
func (p *Plan) RootValue() StepID { return p.rootValue }

// Resolve maps an id removed by deduplication to its surviving step.
func (p *Plan) Resolve(id StepID) StepID {
	if s, ok := p.replaced[id]; ok {
		return s
	}
	return id
}

// Step returns the step with the given id, following deduplication.
func (p *Plan) Step(id StepID) *Step {
	id = p.Resolve(id)
	if id < 1 || int(id) > len(p.steps) {
		return nil
	}
	return p.steps[id-1]
}

// Steps returns the live steps in id order.
func (p *Plan) Steps() []*Step {
	out := make([]*Step, 0, len(p.steps))
	for _, s := range p.steps {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// StepCount returns the number of live steps.
func (p *Plan) StepCount() int { return len(p.steps) - len(p.replaced) }

// LayerPlan returns the layer plan with the given id, or nil.
func (p *Plan) LayerPlan(id LayerPlanID) *LayerPlan {
	if id < 1 || int(id) > len(p.layerPlans) {
		return nil
	}
	return p.layerPlans[id-1]
}

// LayerPlans returns every layer plan in id order.
func (p *Plan) LayerPlans() []*LayerPlan { return p.layerPlans }

// Dependents returns the steps that declare id as a dependency.
func (p *Plan) Dependents(id StepID) []StepID { return p.dependents[p.Resolve(id)] }

// Resources returns the declared shared resources; ResourceID i is at i-1.
func (p *Plan) Resources() []ResourceSpec { return p.resources }

// Resource returns the spec of a declared resource.
func (p *Plan) Resource(id ResourceID) (ResourceSpec, bool) {
	if id < 1 || int(id) > len(p.resources) {
		return ResourceSpec{}, false
	}
	return p.resources[id-1], true
}

// IsAncestorOrSelf reports whether anc is lp or one of its ancestors.
func (p *Plan) IsAncestorOrSelf(anc, lp LayerPlanID) bool {
	for lp != 0 {
		if lp == anc {
			return true
		}
		lp = p.layerPlans[lp-1].Parent
	}
	return false
}
