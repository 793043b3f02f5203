package plan

import "errors"

var (
	ErrUnknownStep       = errors.New("unknown step")
	ErrUnknownLayerPlan  = errors.New("unknown layer plan")
	ErrForwardDependency = errors.New("dependency on a newer step")
	ErrInvalidNesting    = errors.New("invalid layer plan nesting")
	ErrCycle             = errors.New("dependency cycle")
	ErrInvalidStep       = errors.New("invalid step")
	ErrInvalidResource   = errors.New("invalid resource")
	ErrFinalized         = errors.New("builder already finalized")
)

// ConstructionError reports a fatal graph construction failure. The builder
// that produced it is unusable.
type ConstructionError struct {
	Op  string
	Err error
}

func (e *ConstructionError) Error() string { return "plan: " + e.Op + ": " + e.Err.Error() }
func (e *ConstructionError) Unwrap() error { return e.Err }
