package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/protoplan/internal/future"
)

// StepID identifies a step within one plan. Ids start at 1 in creation order.
type StepID int

// ResourceID identifies a shared resource declared on a plan.
type ResourceID int

// Kind is the closed set of step variants.
type Kind int

const (
	KindConstant Kind = iota + 1
	KindRootValue
	KindItem
	KindLambda
	KindBatched
	KindSideEffect
	KindAccess
	KindCollect
	KindMerge
	KindRemote
)

var kindNames = map[Kind]string{
	KindConstant:   "Constant",
	KindRootValue:  "RootValue",
	KindItem:       "Item",
	KindLambda:     "Lambda",
	KindBatched:    "Batched",
	KindSideEffect: "SideEffect",
	KindAccess:     "Access",
	KindCollect:    "Collect",
	KindMerge:      "Merge",
	KindRemote:     "Remote",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// generic reports whether steps of this kind are executed through their
// Batch or Row operation.
func (k Kind) generic() bool {
	switch k {
	case KindConstant, KindLambda, KindBatched, KindSideEffect, KindAccess, KindRemote:
		return true
	}
	return false
}

// Batch is the input of one batched invocation: one aligned value list per
// dependency, restricted to the rows that need evaluation.
type Batch struct {
	Step StepID
	Size int
	// Values[d][i] is the value of dependency d at row i.
	Values    [][]any
	resources map[ResourceID]any
}

// NewBatch returns a batch over the given dependency columns.
func NewBatch(step StepID, size int, values [][]any, resources map[ResourceID]any) *Batch {
	return &Batch{Step: step, Size: size, Values: values, resources: resources}
}

// Args returns the dependency values of row i.
func (b *Batch) Args(i int) []any {
	args := make([]any, len(b.Values))
	for d := range b.Values {
		args[d] = b.Values[d][i]
	}
	return args
}

// Resource returns the handle of an acquired shared resource, or nil.
func (b *Batch) Resource(id ResourceID) any { return b.resources[id] }

// Resources returns all acquired handles keyed by resource id.
func (b *Batch) Resources() map[ResourceID]any { return b.resources }

// BatchFunc evaluates a batch. The settled values must align with the batch
// rows; a slot may hold a *RowError (or any error) to fail that row alone.
type BatchFunc func(ctx context.Context, b *Batch) *future.Future

// RowFunc evaluates a single row synchronously.
type RowFunc func(ctx context.Context, args []any, resources map[ResourceID]any) (any, error)

// StepSpec declares a step to add to a builder.
type StepSpec struct {
	Kind Kind
	Name string
	// Key is the structural equality key used by deduplication. Steps with a
	// nil or non-comparable key are never merged.
	Key            any
	HasSideEffects bool
	SyncAndSafe    bool
	// PolymorphicPaths restricts the step to a subset of its layer plan's
	// paths. Empty means every path of the layer plan.
	PolymorphicPaths []string
	Resources        []ResourceID
	Batch            BatchFunc
	Row              RowFunc
}

// WithKey returns a copy of s with the deduplication key set.
func (s StepSpec) WithKey(key any) StepSpec {
	s.Key = key
	return s
}

// WithPaths returns a copy of s restricted to the given polymorphic paths.
func (s StepSpec) WithPaths(paths ...string) StepSpec {
	s.PolymorphicPaths = append([]string(nil), paths...)
	return s
}

// WithResources returns a copy of s that acquires the given resources.
func (s StepSpec) WithResources(ids ...ResourceID) StepSpec {
	s.Resources = append([]ResourceID(nil), ids...)
	return s
}

// FanIn links a Collect or Merge step to a child layer plan and the step
// inside it whose values are gathered back.
type FanIn struct {
	LayerPlan LayerPlanID
	Step      StepID
}

// Step is a node of the plan graph.
type Step struct {
	ID        StepID
	Kind      Kind
	Name      string
	Key       any
	LayerPlan LayerPlanID
	// Dependencies are the declared inputs, in argument order.
	Dependencies []StepID
	// Ordering holds implicit same-layer predecessors that are not inputs.
	Ordering         []StepID
	PolymorphicPaths []string
	HasSideEffects   bool
	SyncAndSafe      bool
	Resources        []ResourceID
	Batch            BatchFunc
	Row              RowFunc
	FanIn            []FanIn
}

// AppliesTo reports whether the step's value is meaningful for rows on path.
func (s *Step) AppliesTo(path string) bool {
	for _, p := range s.PolymorphicPaths {
		if p == path {
			return true
		}
	}
	return false
}

func (s *Step) String() string {
	if s.Name == "" || s.Name == s.Kind.String() {
		return fmt.Sprintf("%s[%d]", s.Kind, s.ID)
	}
	return fmt.Sprintf("%s[%d] %s", s.Kind, s.ID, s.Name)
}

// RowError marks a failure confined to one row.
type RowError struct {
	Step StepID
	Err  error
}

func (e *RowError) Error() string {
	if e.Step == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Failure wraps err as a per-row error value.
func Failure(err error) *RowError { return &RowError{Err: err} }

// AsRowError reports whether v is a row failure. Plain error values count.
func AsRowError(v any) (*RowError, bool) {
	switch e := v.(type) {
	case *RowError:
		return e, e != nil
	case error:
		var re *RowError
		if errors.As(e, &re) {
			return re, true
		}
		return &RowError{Err: e}, true
	}
	return nil, false
}

// SystemicError marks a failure that invalidates the whole request.
type SystemicError struct{ Err error }

func (e *SystemicError) Error() string { return "systemic: " + e.Err.Error() }
func (e *SystemicError) Unwrap() error { return e.Err }

// Systemic wraps err so the executor aborts the request instead of failing
// individual rows.
func Systemic(err error) error { return &SystemicError{Err: err} }

// IsSystemic reports whether err carries a SystemicError.
func IsSystemic(err error) bool {
	var se *SystemicError
	return errors.As(err, &se)
}

// Typed is a polymorphic value carrying its concrete type name.
type Typed struct {
	TypeName string
	Data     any
}

// TypeNameOf extracts the concrete type name from a discriminant value.
// A bare string is a type name without data.
func TypeNameOf(v any) (string, any, bool) {
	switch t := v.(type) {
	case Typed:
		return t.TypeName, t.Data, true
	case *Typed:
		if t == nil {
			return "", nil, false
		}
		return t.TypeName, t.Data, true
	case string:
		return t, nil, t != ""
	}
	return "", nil, false
}

// ResourceSpec declares a shared external resource. Open runs at most once per
// request; Close receives the opened handle at request end. Limit bounds the
// number of concurrent batches holding the resource; 0 means unbounded.
type ResourceSpec struct {
	Name  string
	Open  func(ctx context.Context) (any, error)
	Close func(handle any) error
	Limit int
}
