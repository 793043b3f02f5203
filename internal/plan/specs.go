package plan

import (
	"context"
	"reflect"
	"strings"

	"github.com/hanpama/protoplan/internal/future"
)

// Constant returns a step producing v for every row.
func Constant(v any) StepSpec {
	var key any
	if v == nil || reflect.ValueOf(v).Comparable() {
		key = constantKey{v}
	}
	return StepSpec{
		Kind:        KindConstant,
		Name:        "constant",
		Key:         key,
		SyncAndSafe: true,
		Row: func(context.Context, []any, map[ResourceID]any) (any, error) {
			return v, nil
		},
	}
}

type constantKey struct{ v any }

// Lambda returns a synchronous, pure per-row transform. It is never
// deduplicated unless given a key with WithKey.
func Lambda(name string, fn func(args []any) (any, error)) StepSpec {
	return StepSpec{
		Kind:        KindLambda,
		Name:        name,
		SyncAndSafe: true,
		Row: func(_ context.Context, args []any, _ map[ResourceID]any) (any, error) {
			return fn(args)
		},
	}
}

// Access returns a step reading a nested key path from its single dependency.
// Missing keys and non-map values yield nil.
func Access(path ...string) StepSpec {
	joined := strings.Join(path, ".")
	return StepSpec{
		Kind:        KindAccess,
		Name:        "access " + joined,
		Key:         joined,
		SyncAndSafe: true,
		Row: func(_ context.Context, args []any, _ map[ResourceID]any) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return accessPath(args[0], path), nil
		},
	}
}

func accessPath(v any, path []string) any {
	for _, k := range path {
		if v == nil {
			return nil
		}
		switch m := v.(type) {
		case map[string]any:
			v = m[k]
		case Typed:
			v = accessPath(m.Data, []string{k})
		default:
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
				return nil
			}
			e := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			if !e.IsValid() {
				return nil
			}
			v = e.Interface()
		}
	}
	return v
}

// Batched returns an asynchronous batched transform. fn receives every row
// that needs evaluation and must return one result per row.
func Batched(name string, fn func(ctx context.Context, b *Batch) ([]any, error)) StepSpec {
	return StepSpec{
		Kind:  KindBatched,
		Name:  name,
		Batch: goBatch(fn),
	}
}

// SideEffect returns a batched step whose effects must not be reordered or
// merged.
func SideEffect(name string, fn func(ctx context.Context, b *Batch) ([]any, error)) StepSpec {
	return StepSpec{
		Kind:           KindSideEffect,
		Name:           name,
		HasSideEffects: true,
		Batch:          goBatch(fn),
	}
}

func goBatch(fn func(ctx context.Context, b *Batch) ([]any, error)) BatchFunc {
	return func(ctx context.Context, b *Batch) *future.Future {
		return future.Go(ctx, func(ctx context.Context) ([]any, error) {
			return fn(ctx, b)
		})
	}
}
