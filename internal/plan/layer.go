package plan

import (
	"fmt"
	"strings"
)

// LayerPlanID identifies a layer plan within one plan. The root is 1.
type LayerPlanID int

// ReasonKind tags why a layer plan splits rows from its parent.
type ReasonKind int

const (
	ReasonRoot ReasonKind = iota
	ReasonListItem
	ReasonPolymorphic
	ReasonMutationField
	ReasonSubscription
	ReasonDefer
)

// Reason is the tagged partition reason of a layer plan.
type Reason struct {
	Kind ReasonKind
	// TypeNames lists the concrete types admitted by a polymorphic branch.
	TypeNames []string
	// Label names a mutation field or a deferred section.
	Label string
}

func (r Reason) String() string {
	switch r.Kind {
	case ReasonRoot:
		return "root"
	case ReasonListItem:
		return "listItem"
	case ReasonPolymorphic:
		return "polymorphic(" + strings.Join(r.TypeNames, "|") + ")"
	case ReasonMutationField:
		return "mutationField(" + r.Label + ")"
	case ReasonSubscription:
		return "subscription"
	case ReasonDefer:
		if r.Label == "" {
			return "defer"
		}
		return "defer(" + r.Label + ")"
	}
	return fmt.Sprintf("Reason(%d)", int(r.Kind))
}

// Admits reports whether a polymorphic branch accepts typeName.
func (r Reason) Admits(typeName string) bool {
	for _, t := range r.TypeNames {
		if t == typeName {
			return true
		}
	}
	return false
}

// Phase is an ordered step group of a layer plan. An exclusive phase holds a
// single side-effecting step and acts as a barrier.
type Phase struct {
	Steps     []StepID
	Exclusive bool
}

// LayerPlan is the blueprint of one row partition.
type LayerPlan struct {
	ID       LayerPlanID
	Reason   Reason
	Parent   LayerPlanID
	Children []LayerPlanID
	// RootStep defines the rows: the list, discriminant or stream.
	RootStep StepID
	// ItemStep holds the per-row value derived from RootStep.
	ItemStep StepID
	// Owner is the fan-in step that instantiates this layer plan, if any.
	Owner            StepID
	Steps            []StepID
	Phases           []Phase
	CopyStepIDs      []StepID
	PolymorphicPaths []string

	slots map[StepID]int
}

// Slot returns the column index of id in buckets of this layer plan. Both own
// steps and copied ancestor steps have slots.
func (lp *LayerPlan) Slot(id StepID) (int, bool) {
	i, ok := lp.slots[id]
	return i, ok
}

// Width is the number of columns of a bucket of this layer plan.
func (lp *LayerPlan) Width() int { return len(lp.slots) }

// HasPath reports whether path is one of the layer plan's polymorphic paths.
func (lp *LayerPlan) HasPath(path string) bool {
	for _, p := range lp.PolymorphicPaths {
		if p == path {
			return true
		}
	}
	return false
}

// BranchPath extends a row path with a concrete type name.
func BranchPath(parent, typeName string) string { return parent + ">" + typeName }
