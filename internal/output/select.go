package output

import (
	"fmt"

	"github.com/hanpama/protoplan/internal/language"
)

// Select projects node through the selection set of a GraphQL operation.
// Fields are kept in selection order and renamed by their alias; __typename
// is answered from the bucket's concrete type. Selecting into a leaf or an
// unknown field is an error. Select never adds work to a plan; it only
// chooses which planned values are rendered.
func Select(node Node, query, operationName string) (Node, error) {
	doc, err := language.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	op, err := language.Operation(doc, operationName)
	if err != nil {
		return nil, err
	}
	s := selector{doc: doc}
	return s.project(node, op.SelectionSet, "", "")
}

type selector struct {
	doc *language.QueryDocument
}

func (s selector) project(node Node, set language.SelectionSet, typeName, path string) (Node, error) {
	switch n := node.(type) {
	case Leaf, TypeName:
		if len(set) > 0 {
			return nil, fmt.Errorf("output: field %s is a leaf and has no subfields", path)
		}
		return n, nil

	case Object:
		if len(set) == 0 {
			return nil, fmt.Errorf("output: field %s of object type must have a selection", displayPath(path))
		}
		byName := make(map[string]Node, len(n.Fields))
		for _, f := range n.Fields {
			byName[f.Name] = f.Node
		}
		out := Object{NonNull: n.NonNull}
		for _, cf := range language.CollectFields(s.doc, set, typeName) {
			fieldPath := joinPath(path, cf.Key)
			if cf.Name == "__typename" {
				out.Fields = append(out.Fields, Field{Name: cf.Key, Node: TypeName{}})
				continue
			}
			child, ok := byName[cf.Name]
			if !ok {
				return nil, fmt.Errorf("output: unknown field %q at %s", cf.Name, displayPath(path))
			}
			projected, err := s.project(child, cf.SelectionSet, "", fieldPath)
			if err != nil {
				return nil, err
			}
			out.Fields = append(out.Fields, Field{Name: cf.Key, Node: projected})
		}
		return out, nil

	case List:
		item, err := s.project(n.Item, set, typeName, path)
		if err != nil {
			return nil, err
		}
		n.Item = item
		return n, nil

	case Branches:
		out := Branches{NonNull: n.NonNull}
		for _, c := range n.Cases {
			names := c.TypeNames
			if len(names) == 0 {
				names = []string{""}
			}
			// A branch admitting several types keeps the fields of each.
			var merged language.SelectionSet
			for _, t := range names {
				merged = append(merged, s.forType(set, t)...)
			}
			projected, err := s.project(c.Node, merged, "", path)
			if err != nil {
				return nil, err
			}
			out.Cases = append(out.Cases, Case{LayerPlan: c.LayerPlan, TypeNames: c.TypeNames, Node: projected})
		}
		return out, nil

	case Nested:
		inner, err := s.project(n.Node, set, typeName, path)
		if err != nil {
			return nil, err
		}
		n.Node = inner
		return n, nil
	}
	return nil, fmt.Errorf("output: unknown node %T", node)
}

// forType flattens set for one concrete type, keeping each field's own
// selection.
func (s selector) forType(set language.SelectionSet, typeName string) language.SelectionSet {
	var out language.SelectionSet
	for _, cf := range language.CollectFields(s.doc, set, typeName) {
		out = append(out, &language.Field{Alias: cf.Key, Name: cf.Name, SelectionSet: cf.SelectionSet})
	}
	return out
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
