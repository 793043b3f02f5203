package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanpama/protoplan/internal/ctxlog"
	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/reqid"
)

// Options configures an Executor.
type Options struct {
	// UnbatchedFastPath lets sync-and-safe steps with a per-row operation run
	// inline instead of through a batch future.
	UnbatchedFastPath bool
	// MaxParallelBuckets bounds the sibling buckets running concurrently
	// under one parent. Zero means unbounded.
	MaxParallelBuckets int
	Logger             *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{UnbatchedFastPath: true}
}

// WithUnbatchedFastPath enables or disables the inline path for sync-and-safe
// steps. Results are identical either way.
func WithUnbatchedFastPath(enable bool) Option {
	return func(o *Options) { o.UnbatchedFastPath = enable }
}

// WithMaxParallelBuckets bounds concurrent sibling buckets.
func WithMaxParallelBuckets(n int) Option {
	return func(o *Options) { o.MaxParallelBuckets = n }
}

// WithLogger overrides the logger carried by the request context.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Executor runs finalized plans. It is safe for concurrent use; all
// per-request state lives in the request.
type Executor struct {
	opts Options
}

// New returns an Executor.
func New(opts ...Option) *Executor {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Executor{opts: o}
}

// request is the state of one Execute or Subscribe call.
type request struct {
	opts      Options
	plan      *plan.Plan
	ctx       context.Context
	cancel    context.CancelCauseFunc
	logger    *slog.Logger
	resources *resourcePool

	nextBucket atomic.Int64
	// work counts fan-in and resource goroutines started by spawn.
	work sync.WaitGroup

	mu       sync.Mutex
	buckets  map[plan.LayerPlanID][]*Bucket
	deferred []deferredWork
	deferBkt []*Bucket

	abortOnce sync.Once
	err       error
}

type deferredWork struct {
	parent *Bucket
	lp     *plan.LayerPlan
}

func (e *Executor) newRequest(ctx context.Context, p *plan.Plan) *request {
	if _, ok := reqid.FromContext(ctx); !ok {
		ctx, _ = reqid.NewContext(ctx)
	}
	logger := e.opts.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	if id, ok := reqid.FromContext(ctx); ok {
		logger = logger.With("request_id", id)
	}
	ctx = ctxlog.WithLogger(ctx, logger)
	ctx, cancel := context.WithCancelCause(ctx)
	return &request{
		opts:      e.opts,
		plan:      p,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		resources: newResourcePool(p),
		buckets:   make(map[plan.LayerPlanID][]*Bucket),
	}
}

// Execute runs p over the given root values. The root bucket has one row per
// root value, or a single nil row when none are given. Execute returns once
// the primary tree and every deferred section have completed or the request
// aborted; Result.Err reports the abort cause.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, rootValues ...any) *Result {
	r := e.newRequest(ctx, p)
	defer r.close()
	return r.execute(rootValues)
}

func (r *request) execute(rootValues []any) *Result {
	start := time.Now()
	if len(rootValues) == 0 {
		rootValues = []any{nil}
	}
	eventbus.Publish(r.ctx, events.ExecutionStart{
		Steps:      r.plan.StepCount(),
		LayerPlans: len(r.plan.LayerPlans()),
		Rows:       len(rootValues),
	})
	r.logger.Debug("execution start", "steps", r.plan.StepCount(), "rows", len(rootValues))

	root := r.rootBucket(rootValues)
	if err := r.runBucket(root); err == nil {
		r.runDeferred()
	}
	// After an abort, phases return before the goroutines they started.
	r.work.Wait()

	res := r.result(root)
	eventbus.Publish(r.ctx, events.ExecutionFinish{
		Buckets:  res.bucketCount(),
		Err:      res.Err,
		Duration: time.Since(start),
	})
	if res.Err != nil {
		r.logger.Warn("execution aborted", "error", res.Err, "duration", time.Since(start))
	} else {
		r.logger.Debug("execution finish", "buckets", res.bucketCount(), "duration", time.Since(start))
	}
	return res
}

func (r *request) rootBucket(rootValues []any) *Bucket {
	lp := r.plan.Root()
	paths := make([]string, len(rootValues))
	b := r.register(lp, nil, nil, paths)
	b.write(r.plan.RootValue(), append([]any(nil), rootValues...))
	return b
}

// register allocates a bucket and fills its copied columns from ancestors.
func (r *request) register(lp *plan.LayerPlan, parent *Bucket, parentRow []int, paths []string) *Bucket {
	b := newBucket(int(r.nextBucket.Add(1)), lp, parent, parentRow, paths)
	for _, id := range lp.CopyStepIDs {
		col := make([]any, b.size)
		for i := range col {
			col[i] = parent.cell(id, parentRow[i])
		}
		b.write(id, col)
	}
	r.mu.Lock()
	r.buckets[lp.ID] = append(r.buckets[lp.ID], b)
	r.mu.Unlock()
	return b
}

func (r *request) close() {
	r.cancel(nil)
	r.work.Wait()
	r.resources.close(r.logger)
}

// abort records the first request-level failure and cancels outstanding work.
func (r *request) abort(err error) error {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.cancel(err)
	})
	return r.abortErr()
}

func (r *request) abortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *request) aborted() bool { return r.ctx.Err() != nil }

// cause returns the abort error, falling back to the context cause.
func (r *request) cause() error {
	if err := r.abortErr(); err != nil {
		return err
	}
	return context.Cause(r.ctx)
}

func (r *request) violate(s *plan.Step, reason string) error {
	cv := &ContractViolation{Step: s.ID, Name: s.Name, Reason: reason}
	r.logger.Error("contract violation", "step", s.ID, "name", s.Name, "kind", s.Kind.String(), "reason", reason)
	return r.abort(cv)
}

func (r *request) result(root *Bucket) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil && r.ctx.Err() != nil {
		r.err = context.Cause(r.ctx)
	}
	byLayer := make(map[plan.LayerPlanID][]*Bucket, len(r.buckets))
	for id, bs := range r.buckets {
		byLayer[id] = append([]*Bucket(nil), bs...)
	}
	return &Result{
		Err:      r.err,
		plan:     r.plan,
		root:     root,
		buckets:  byLayer,
		deferred: append([]*Bucket(nil), r.deferBkt...),
	}
}
