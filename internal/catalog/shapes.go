package catalog

import (
	"fmt"
	"math"

	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
)

func shapeList() []any {
	return []any{
		plan.Typed{TypeName: "Circle", Data: map[string]any{"radius": 1.0}},
		plan.Typed{TypeName: "Square", Data: map[string]any{"side": 2.0}},
		plan.Typed{TypeName: "Triangle", Data: map[string]any{"base": 3.0, "height": 4.0}},
		plan.Typed{TypeName: "Hexagon", Data: map[string]any{"side": 1.0}},
		plan.Typed{TypeName: "Circle", Data: map[string]any{"radius": 2.0}},
	}
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func buildShapes(*Options) (*Built, error) {
	b := plan.NewBuilder()
	list, _ := b.AddStep(b.Root(), plan.Constant(shapeList()))
	lp, item, _ := b.ListItem(b.Root(), list)

	circles, circle, _ := b.Polymorphic(lp, item, "Circle")
	radius, _ := b.AddStep(circles, plan.Access("radius"), circle)
	circleArea, _ := b.AddStep(circles, plan.Lambda("circle area", func(args []any) (any, error) {
		r, err := number(args[0])
		if err != nil {
			return nil, err
		}
		return math.Round(math.Pi*r*r*100) / 100, nil
	}), radius)

	polygons, polygon, _ := b.Polymorphic(lp, item, "Square", "Triangle")
	square := plan.BranchPath("", "Square")
	triangle := plan.BranchPath("", "Triangle")
	side, _ := b.AddStep(polygons, plan.Access("side").WithPaths(square), polygon)
	base, _ := b.AddStep(polygons, plan.Access("base").WithPaths(triangle), polygon)
	height, _ := b.AddStep(polygons, plan.Access("height").WithPaths(triangle), polygon)
	polygonArea, _ := b.AddStep(polygons, plan.Lambda("polygon area", func(args []any) (any, error) {
		m, _ := args[0].(map[string]any)
		if s, ok := m["side"]; ok {
			n, err := number(s)
			return n * n, err
		}
		bs, err := number(m["base"])
		if err != nil {
			return nil, err
		}
		h, err := number(m["height"])
		return bs * h / 2, err
	}), polygon)

	area, _ := b.Merge(lp, map[plan.LayerPlanID]plan.StepID{circles: circleArea, polygons: polygonArea})

	p, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	return &Built{Plan: p, Output: output.Object{Fields: []output.Field{
		{Name: "shapes", Node: output.List{Step: list, LayerPlan: lp, Item: output.Object{Fields: []output.Field{
			{Name: "area", Node: output.Leaf{Step: area}},
			{Name: "detail", Node: output.Branches{Cases: []output.Case{
				{LayerPlan: circles, TypeNames: []string{"Circle"}, Node: output.Object{Fields: []output.Field{
					{Name: "__typename", Node: output.TypeName{}},
					{Name: "radius", Node: output.Leaf{Step: radius}},
				}}},
				{LayerPlan: polygons, TypeNames: []string{"Square", "Triangle"}, Node: output.Object{Fields: []output.Field{
					{Name: "__typename", Node: output.TypeName{}},
					{Name: "side", Node: output.Leaf{Step: side}},
					{Name: "base", Node: output.Leaf{Step: base}},
					{Name: "height", Node: output.Leaf{Step: height}},
				}}},
			}}},
		}}}},
	}}}, nil
}
