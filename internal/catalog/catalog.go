// Package catalog holds named demonstration plans. Each entry builds a fresh
// plan together with the output tree that renders it, so the CLI and the
// HTTP server can execute plans by name.
package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/remote"
)

// ErrUnknownPlan is returned for names missing from the catalog.
var ErrUnknownPlan = errors.New("catalog: unknown plan")

// Built is a finalized catalog plan.
type Built struct {
	Name   string
	Plan   *plan.Plan
	Output output.Node
	// Roots are the root values to execute with; nil means a single nil row.
	Roots []any
}

// Options configures plan construction.
type Options struct {
	// Transports overrides the transport used for a remote service, keyed
	// by fully-qualified service name. Services without an entry are served
	// in process.
	Transports map[string]remote.Transport
	// RemoteLimits bounds concurrent batches per remote service; a missing
	// entry or 0 is unlimited.
	RemoteLimits map[string]int
}

type Option func(*Options)

func WithTransport(service string, t remote.Transport) Option {
	return func(o *Options) {
		if o.Transports == nil {
			o.Transports = map[string]remote.Transport{}
		}
		o.Transports[service] = t
	}
}

func WithRemoteLimit(service string, n int) Option {
	return func(o *Options) {
		if o.RemoteLimits == nil {
			o.RemoteLimits = map[string]int{}
		}
		o.RemoteLimits[service] = n
	}
}

type entry struct {
	description string
	build       func(o *Options) (*Built, error)
}

var entries = map[string]entry{
	"numbers": {"list fan-out over five numbers with a batched transform and a collected sum", buildNumbers},
	"dedup":   {"duplicate access and keyed lambda steps merged by the deduplicator", buildDedup},
	"shapes":  {"polymorphic partitioning of a shape list with a merged area column", buildShapes},
	"orders":  {"serial mutation fields with side effects and a deferred summary", buildOrders},
	"users":   {"remote batched lookups through a shared transport resource", buildUsers},
}

// Names returns the catalog names in sorted order.
func Names() []string {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe returns the one-line description of name.
func Describe(name string) (string, error) {
	e, ok := entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return e.description, nil
}

// Build constructs a fresh plan for name. Plans with state, such as the
// order store, get new state on every call.
func Build(name string, opts ...Option) (*Built, error) {
	e, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	var o Options
	for _, f := range opts {
		f(&o)
	}
	built, err := e.build(&o)
	if err != nil {
		return nil, fmt.Errorf("catalog: build %s: %w", name, err)
	}
	built.Name = name
	return built, nil
}

// Contracts returns the remote contracts used by catalog plans.
func Contracts() ([]*remote.Contract, error) {
	c, err := UsersContract()
	if err != nil {
		return nil, err
	}
	return []*remote.Contract{c}, nil
}
