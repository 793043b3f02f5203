package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
)

func buildNumbers(*Options) (*Built, error) {
	b := plan.NewBuilder()
	list, _ := b.AddStep(b.Root(), plan.Constant([]any{1, 2, 3, 4, 5}))
	lp, item, _ := b.ListItem(b.Root(), list)
	doubled, _ := b.AddStep(lp, plan.Lambda("double", func(args []any) (any, error) {
		n, ok := args[0].(int)
		if !ok {
			return nil, fmt.Errorf("expected an int, got %T", args[0])
		}
		return n * 2, nil
	}), item)
	scaled, _ := b.AddStep(lp, plan.Batched("times ten", func(_ context.Context, batch *plan.Batch) ([]any, error) {
		out := make([]any, batch.Size)
		for i := range out {
			out[i] = batch.Args(i)[0].(int) * 10
		}
		return out, nil
	}), doubled)
	collected, _ := b.Collect(b.Root(), lp, scaled)
	sum, _ := b.AddStep(b.Root(), plan.Lambda("sum", func(args []any) (any, error) {
		total := 0
		for _, v := range args[0].([]any) {
			if n, ok := v.(int); ok {
				total += n
			}
		}
		return total, nil
	}), collected)

	p, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	return &Built{Plan: p, Output: output.Object{Fields: []output.Field{
		{Name: "items", Node: output.List{Step: list, LayerPlan: lp, Item: output.Object{Fields: []output.Field{
			{Name: "value", Node: output.Leaf{Step: item}},
			{Name: "doubled", Node: output.Leaf{Step: doubled}},
			{Name: "scaled", Node: output.Leaf{Step: scaled}},
		}}}},
		{Name: "sum", Node: output.Leaf{Step: sum, NonNull: true}},
	}}}, nil
}

func buildDedup(*Options) (*Built, error) {
	b := plan.NewBuilder()
	user, _ := b.AddStep(b.Root(), plan.Constant(map[string]any{
		"name": "ada",
		"address": map[string]any{
			"city": "london",
		},
	}))
	name, _ := b.AddStep(b.Root(), plan.Access("name"), user)
	nameAgain, _ := b.AddStep(b.Root(), plan.Access("name"), user)
	city, _ := b.AddStep(b.Root(), plan.Access("address", "city"), user)
	cityAgain, _ := b.AddStep(b.Root(), plan.Access("address", "city"), user)
	upper := func() plan.StepSpec {
		return plan.Lambda("upper", func(args []any) (any, error) {
			s, _ := args[0].(string)
			return strings.ToUpper(s), nil
		}).WithKey("upper")
	}
	shout, _ := b.AddStep(b.Root(), upper(), name)
	shoutAgain, _ := b.AddStep(b.Root(), upper(), nameAgain)

	p, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	return &Built{Plan: p, Output: output.Object{Fields: []output.Field{
		{Name: "name", Node: output.Leaf{Step: name}},
		{Name: "nameAgain", Node: output.Leaf{Step: nameAgain}},
		{Name: "city", Node: output.Leaf{Step: city}},
		{Name: "cityAgain", Node: output.Leaf{Step: cityAgain}},
		{Name: "shout", Node: output.Leaf{Step: shout}},
		{Name: "shoutAgain", Node: output.Leaf{Step: shoutAgain}},
	}}}, nil
}
