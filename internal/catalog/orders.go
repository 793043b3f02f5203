package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
)

type order struct {
	id       int
	item     string
	quantity int
	canceled bool
}

// orderStore is the in-memory state mutated by the orders plan.
type orderStore struct {
	mu     sync.Mutex
	orders []*order
}

func (s *orderStore) place(item string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := &order{id: len(s.orders) + 1, item: item, quantity: quantity}
	s.orders = append(s.orders, o)
	return o.id, nil
}

var errNoOrder = errors.New("no such order")

func (s *orderStore) cancel(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.id == id && !o.canceled {
			o.canceled = true
			return nil
		}
	}
	return fmt.Errorf("%w: %d", errNoOrder, id)
}

func (s *orderStore) open() (count, units int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if !o.canceled {
			count++
			units += o.quantity
		}
	}
	return count, units
}

func buildOrders(*Options) (*Built, error) {
	store := &orderStore{}
	b := plan.NewBuilder()

	place := func(name, item string, quantity int) (plan.LayerPlanID, plan.StepID, plan.StepID) {
		lp, _ := b.MutationField(name)
		it, _ := b.AddStep(b.Root(), plan.Constant(item))
		qty, _ := b.AddStep(b.Root(), plan.Constant(quantity))
		id, _ := b.AddStep(lp, plan.SideEffect("place order", func(_ context.Context, batch *plan.Batch) ([]any, error) {
			out := make([]any, batch.Size)
			for i := range out {
				args := batch.Args(i)
				id, err := store.place(args[0].(string), args[1].(int))
				if err != nil {
					out[i] = plan.Failure(err)
					continue
				}
				out[i] = id
			}
			return out, nil
		}), it, qty)
		open, _ := b.AddStep(lp, plan.Lambda("open orders", func([]any) (any, error) {
			n, _ := store.open()
			return n, nil
		}))
		return lp, id, open
	}

	bookLP, bookID, bookOpen := place("placeBook", "book", 2)
	penLP, penID, penOpen := place("placePen", "pen", 10)
	badLP, badID, _ := place("placeNothing", "air", 0)

	cancelLP, _ := b.MutationField("cancelBook")
	canceled, _ := b.AddStep(cancelLP, plan.SideEffect("cancel order", func(_ context.Context, batch *plan.Batch) ([]any, error) {
		out := make([]any, batch.Size)
		for i := range out {
			if err := store.cancel(1); err != nil {
				out[i] = plan.Failure(err)
				continue
			}
			out[i] = true
		}
		return out, nil
	}))
	cancelOpen, _ := b.AddStep(cancelLP, plan.Lambda("open orders", func([]any) (any, error) {
		n, _ := store.open()
		return n, nil
	}))

	summaryLP, _ := b.Defer(b.Root(), "summary")
	summary, _ := b.AddStep(summaryLP, plan.Batched("summarize", func(_ context.Context, batch *plan.Batch) ([]any, error) {
		n, units := store.open()
		out := make([]any, batch.Size)
		for i := range out {
			out[i] = map[string]any{"open": n, "units": units}
		}
		return out, nil
	}))
	openCount, _ := b.AddStep(summaryLP, plan.Access("open"), summary)
	units, _ := b.AddStep(summaryLP, plan.Access("units"), summary)

	p, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	placed := func(lp plan.LayerPlanID, id, open plan.StepID) output.Node {
		fields := []output.Field{{Name: "id", Node: output.Leaf{Step: id}}}
		if open != 0 {
			fields = append(fields, output.Field{Name: "openOrders", Node: output.Leaf{Step: open}})
		}
		return output.Nested{LayerPlan: lp, Node: output.Object{Fields: fields}}
	}
	return &Built{Plan: p, Output: output.Object{Fields: []output.Field{
		{Name: "placeBook", Node: placed(bookLP, bookID, bookOpen)},
		{Name: "placePen", Node: placed(penLP, penID, penOpen)},
		{Name: "placeNothing", Node: placed(badLP, badID, 0)},
		{Name: "cancelBook", Node: output.Nested{LayerPlan: cancelLP, Node: output.Object{Fields: []output.Field{
			{Name: "canceled", Node: output.Leaf{Step: canceled}},
			{Name: "openOrders", Node: output.Leaf{Step: cancelOpen}},
		}}}},
		{Name: "summary", Node: output.Nested{LayerPlan: summaryLP, Node: output.Object{Fields: []output.Field{
			{Name: "open", Node: output.Leaf{Step: openCount}},
			{Name: "units", Node: output.Leaf{Step: units}},
		}}}},
	}}}, nil
}
