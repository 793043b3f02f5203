// Package plan builds and finalizes step graphs for the batched executor.
//
// # Overview
//
// A plan is a directed acyclic graph of steps. Each step is a single
// computation with an ordered list of dependencies, and belongs to exactly one
// layer plan. Layer plans form a tree rooted at the request; each non-root
// layer plan describes why rows split at that point:
//   - list item: each element of a per-row list becomes one child row.
//   - polymorphic: rows are partitioned by the concrete type reported by a
//     discriminant step; only rows of the listed type names enter the branch.
//   - mutation field: a serial ordering point directly below the root.
//   - defer: a section executed after the primary tree completes.
//   - subscription: each event of a per-row stream becomes one child row.
//
// # Construction
//
// Builder is the per-plan construction context. Steps are added with their
// dependencies already resolved to existing step ids, so a dependency on an
// unknown or newer step is rejected immediately. Any construction error is
// sticky: subsequent calls and Finalize return it.
//
// # Finalization
//
// Finalize runs, in order:
//  1. Deduplication of structurally equivalent, side-effect free steps.
//  2. Implicit ordering: every step created after a side-effecting step in the
//     same layer plan is ordered after it.
//  3. Fan-in ordering: Collect and Merge steps are ordered after every step of
//     their layer plan that the owned child layer plans read.
//  4. Copy ids: the ancestor step values each layer plan carries per row.
//  5. Phases: ordered step groups; side-effecting steps after the first one in
//     a layer plan get their own exclusive phase.
//
// A finalized Plan is read-only and safe for concurrent executions.
package plan
