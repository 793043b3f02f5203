// Package executor runs a finalized plan over columnar buckets.
//
// # Overview
//
// A request starts with one root bucket whose RootValue column holds the
// request's root values. Each bucket belongs to exactly one layer plan and
// holds one column per step visible to that layer plan: its own steps plus
// the copied ancestor columns listed in CopyStepIDs. Rows of a bucket share a
// common reason for existing: a list item, a polymorphic branch, a mutation
// field, a deferred section or a subscription event.
//
// # Execution Model
//
// A bucket executes its layer plan's phases in order. Within a phase a single
// coordinator goroutine starts every step whose same-layer dependencies and
// ordering predecessors are complete:
//
//   - Rows whose dependency holds a row error inherit that error and are not
//     passed to the operation.
//   - Rows whose polymorphic path is outside the step's paths are marked not
//     applicable.
//   - The remaining rows are compacted into a plan.Batch and handed to the
//     step's batch operation, which returns a future. Settled futures are
//     consumed immediately; pending ones are awaited while other ready steps
//     of the bucket proceed.
//   - Sync-and-safe steps that provide a per-row operation run inline, row by
//     row, without a future; see WithUnbatchedFastPath.
//
// Results are scattered back to the original row positions. Each column is
// written once, by the coordinator.
//
// # Layer Plans
//
// After its phases a bucket instantiates its child layer plans, at most once
// per child:
//
//   - List item children get one row per list element across all parent rows,
//     in parent order. Nil, failed or empty lists contribute no rows and a
//     child with no rows gets no bucket.
//   - Polymorphic children get one bucket per concrete type encountered among
//     the admitted types; rows of other types are excluded.
//   - Mutation field children share the parent's rows and run serially in
//     creation order. Other children run concurrently.
//   - Deferred children run in a second pass after the primary tree.
//   - Subscription children run only under Subscribe, one size-1 bucket per
//     stream event.
//
// A layer plan owned by a Collect or Merge step is instantiated when that step
// runs instead, so the fan-in can read the finished child buckets.
//
// # Errors
//
// Row errors stay in their row. A systemic error (plan.Systemic, a resource
// that fails to open, a canceled context) aborts the request: buckets that have
// not started never start and running buckets stop at the next phase, while
// completed buckets keep their values. A ContractViolation is a step that broke
// the batch contract; it is logged with the step id and aborts the request.
package executor
