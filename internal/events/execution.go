package events

import "time"

// ExecutionStart is emitted before a plan starts executing.
type ExecutionStart struct {
	Steps      int
	LayerPlans int
	Rows       int
}

// ExecutionFinish is emitted after the primary and deferred passes complete.
type ExecutionFinish struct {
	Buckets  int
	Err      error
	Duration time.Duration
}

// BucketStart is emitted when a bucket begins its phases.
type BucketStart struct {
	Bucket    int
	LayerPlan int
	Reason    string
	Size      int
}

// BucketFinish is emitted when a bucket completes or is aborted.
type BucketFinish struct {
	Bucket    int
	LayerPlan int
	State     string
	Duration  time.Duration
}

// StepStart is emitted before a step operation runs over a bucket.
type StepStart struct {
	Bucket int
	Step   int
	Kind   string
	Name   string
	Rows   int
}

// StepFinish is emitted after a step's column is written.
type StepFinish struct {
	Bucket   int
	Step     int
	Kind     string
	Name     string
	Rows     int
	Errors   int
	Duration time.Duration
}
