package executor

import (
	"errors"
	"fmt"

	"github.com/hanpama/protoplan/internal/plan"
)

var (
	// ErrNotApplicable is returned for rows whose polymorphic path is outside
	// the step's paths.
	ErrNotApplicable = errors.New("executor: step not applicable to row")
	// ErrNotExecuted is returned for columns that were never written because
	// the request aborted first.
	ErrNotExecuted = errors.New("executor: step not executed")
	// ErrNotVisible is returned when a step is not visible from a bucket.
	ErrNotVisible = errors.New("executor: step not visible from bucket")
	// ErrNoSubscription is returned by Subscribe for plans without a
	// subscription layer plan.
	ErrNoSubscription = errors.New("executor: plan has no subscription layer plan")
)

// ContractViolation reports a step operation that broke the batch contract.
type ContractViolation struct {
	Step   plan.StepID
	Name   string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("executor: contract violation in step %d (%s): %s", e.Step, e.Name, e.Reason)
}

// IsContractViolation reports whether err carries a ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}
