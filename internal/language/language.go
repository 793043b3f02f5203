// Package language parses GraphQL selection documents used to project
// rendered output.
package language

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

type (
	QueryDocument       = ast.QueryDocument
	OperationDefinition = ast.OperationDefinition
	SelectionSet        = ast.SelectionSet
	Field               = ast.Field
	InlineFragment      = ast.InlineFragment
	FragmentSpread      = ast.FragmentSpread
	DirectiveList       = ast.DirectiveList
)

var (
	ErrNoOperation        = errors.New("language: operation not found")
	ErrAmbiguousOperation = errors.New("language: operation name required")
)

// ParseQuery parses an executable document.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, fmt.Errorf("language: %w", err)
	}
	return doc, nil
}

// Operation returns the operation called name, or the only operation when
// name is empty.
func Operation(doc *QueryDocument, name string) (*OperationDefinition, error) {
	if name == "" {
		switch len(doc.Operations) {
		case 0:
			return nil, ErrNoOperation
		case 1:
			return doc.Operations[0], nil
		}
		return nil, ErrAmbiguousOperation
	}
	if op := doc.Operations.ForName(name); op != nil {
		return op, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoOperation, name)
}

// CollectedField is every selection of one response key, merged.
type CollectedField struct {
	Key          string
	Name         string
	SelectionSet SelectionSet
}

// CollectFields flattens set into fields in first-appearance order. Inline
// fragments and fragment spreads are expanded when their type condition is
// empty or equals typeName; an empty typeName expands every fragment. Fields
// skipped by a literal @skip or @include directive are left out.
func CollectFields(doc *QueryDocument, set SelectionSet, typeName string) []CollectedField {
	var out []CollectedField
	index := map[string]int{}
	visited := map[string]bool{}
	var walk func(SelectionSet)
	walk = func(set SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *Field:
				if !included(s.Directives) {
					continue
				}
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				if i, ok := index[key]; ok {
					out[i].SelectionSet = append(out[i].SelectionSet, s.SelectionSet...)
					continue
				}
				index[key] = len(out)
				out = append(out, CollectedField{
					Key:          key,
					Name:         s.Name,
					SelectionSet: append(SelectionSet(nil), s.SelectionSet...),
				})
			case *InlineFragment:
				if included(s.Directives) && matches(s.TypeCondition, typeName) {
					walk(s.SelectionSet)
				}
			case *FragmentSpread:
				if !included(s.Directives) || visited[s.Name] {
					continue
				}
				frag := doc.Fragments.ForName(s.Name)
				if frag == nil || !matches(frag.TypeCondition, typeName) {
					continue
				}
				visited[s.Name] = true
				walk(frag.SelectionSet)
			}
		}
	}
	walk(set)
	return out
}

func matches(condition, typeName string) bool {
	return condition == "" || typeName == "" || condition == typeName
}

func included(dirs DirectiveList) bool {
	if d := dirs.ForName("skip"); d != nil && literalIf(d) {
		return false
	}
	if d := dirs.ForName("include"); d != nil && !literalIf(d) {
		return false
	}
	return true
}

func literalIf(d *ast.Directive) bool {
	arg := d.Arguments.ForName("if")
	return arg != nil && arg.Value != nil && arg.Value.Kind == ast.BooleanValue && arg.Value.Raw == "true"
}
