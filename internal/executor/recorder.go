package executor

import (
	"context"
	"sync"

	"github.com/hanpama/protoplan/internal/future"
	"github.com/hanpama/protoplan/internal/plan"
)

// RowResolver computes one row from its dependency values.
type RowResolver func(args []any) (any, error)

// CallKind identifies whether a row ran inline or inside a batch.
const (
	CallKindSync  = "sync"
	CallKindBatch = "batch"
)

// Call records one row evaluation. Rows evaluated by the same batch share a
// BatchID; inline rows have BatchID 0.
type Call struct {
	Kind    string
	Name    string
	Args    []any
	BatchID int
}

// Recorder builds step specs that log every evaluated row. It is meant for
// tests and examples.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	batchSeq int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Lambda returns a sync-and-safe step recording each row. Under the fast path
// rows are recorded as sync; otherwise each invocation gets a batch id.
func (m *Recorder) Lambda(name string, fn RowResolver) plan.StepSpec {
	return plan.StepSpec{
		Kind:        plan.KindLambda,
		Name:        name,
		SyncAndSafe: true,
		Row: func(_ context.Context, args []any, _ map[plan.ResourceID]any) (any, error) {
			m.record(Call{Kind: CallKindSync, Name: name, Args: append([]any(nil), args...)})
			return fn(args)
		},
		Batch: func(_ context.Context, b *plan.Batch) *future.Future {
			return future.Resolved(m.evaluate(name, b, fn))
		},
	}
}

// Batched returns an asynchronous batched step recording each row with the
// id of the batch that evaluated it.
func (m *Recorder) Batched(name string, fn RowResolver) plan.StepSpec {
	return plan.StepSpec{
		Kind: plan.KindBatched,
		Name: name,
		Batch: func(ctx context.Context, b *plan.Batch) *future.Future {
			return future.Go(ctx, func(context.Context) ([]any, error) {
				return m.evaluate(name, b, fn), nil
			})
		},
	}
}

func (m *Recorder) evaluate(name string, b *plan.Batch, fn RowResolver) []any {
	m.mu.Lock()
	m.batchSeq++
	batchID := m.batchSeq
	m.mu.Unlock()

	out := make([]any, b.Size)
	for i := range out {
		args := b.Args(i)
		m.record(Call{Kind: CallKindBatch, Name: name, Args: args, BatchID: batchID})
		v, err := fn(args)
		if err != nil {
			out[i] = plan.Failure(err)
			continue
		}
		out[i] = v
	}
	return out
}

func (m *Recorder) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls in order.
func (m *Recorder) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Batches returns the number of batch invocations recorded.
func (m *Recorder) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSeq
}

// Reset clears recorded calls and counters.
func (m *Recorder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.batchSeq = 0
}
