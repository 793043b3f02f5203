// Package output renders executed buckets into a response tree.
//
// An output tree mirrors the layer plan tree: Leaf reads a step value at the
// current row, Object groups fields evaluated at the same row, List descends
// into the rows of a list item layer plan, Branches descends into the
// polymorphic branch that matched the row and Nested descends into a
// mutation field or deferred section. Render walks the tree in row order and
// returns a JSON-ready value with located errors. A null in a NonNull
// position propagates to the nearest nullable parent.
package output

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/plan"
)

// Path is a response path of field names and list indexes.
type Path []any

func (p Path) String() string {
	var sb strings.Builder
	for i, elem := range p {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(v)
		case int:
			fmt.Fprintf(&sb, "[%d]", v)
		}
	}
	return sb.String()
}

func appendPath(path Path, elem any) Path {
	out := make(Path, len(path)+1)
	copy(out, path)
	out[len(path)] = elem
	return out
}

// Error is a located response error.
type Error struct {
	Message    string         `json:"message"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string { return e.Message }

// Response is the rendered outcome of one execution.
type Response struct {
	Data   any     `json:"data"`
	Errors []Error `json:"errors,omitempty"`
}

// Node is an output tree node.
type Node interface{ isNode() }

// Leaf emits the value of Step at the current row.
type Leaf struct {
	Step    plan.StepID
	NonNull bool
	// Serialize converts the raw value; nil keeps it as is.
	Serialize func(any) (any, error)
}

// TypeName emits the concrete type of the nearest polymorphic bucket.
type TypeName struct{}

// Field is a named member of an Object.
type Field struct {
	Name string
	Node Node
}

// Object emits a map of its fields, in declaration order.
type Object struct {
	Fields  []Field
	NonNull bool
}

// List emits one item per row of LayerPlan derived from the current row.
// Step is the list step whose nil value yields a null list.
type List struct {
	Step         plan.StepID
	LayerPlan    plan.LayerPlanID
	Item         Node
	NonNull      bool
	NonNullItems bool
}

// Case is one polymorphic branch of a Branches node.
type Case struct {
	LayerPlan plan.LayerPlanID
	// TypeNames lists the types the branch admits; used by Select.
	TypeNames []string
	Node      Node
}

// Branches emits the node of the branch whose layer plan holds the row.
type Branches struct {
	Cases   []Case
	NonNull bool
}

// Nested emits Node at the single row of LayerPlan derived from the current
// row, such as a mutation field or a deferred section.
type Nested struct {
	LayerPlan plan.LayerPlanID
	Node      Node
	NonNull   bool
}

func (Leaf) isNode()     {}
func (TypeName) isNode() {}
func (Object) isNode()   {}
func (List) isNode()     {}
func (Branches) isNode() {}
func (Nested) isNode()   {}

// Render renders node at row 0 of the root bucket. A request-level failure is
// reported as an error without a path after whatever was rendered.
func Render(res *executor.Result, node Node) Response {
	return RenderRow(res, node, res.Root(), 0)
}

// RenderRow renders node at row of b.
func RenderRow(res *executor.Result, node Node, b *executor.Bucket, row int) Response {
	st := &state{res: res, errorPaths: map[string]bool{}}
	var data any
	if b != nil && row < b.Size() {
		data = st.complete(node, b, row, nil)
	}
	if res.Err != nil {
		st.errors = append(st.errors, Error{Message: res.Err.Error()})
	}
	return Response{Data: data, Errors: st.errors}
}

type state struct {
	res        *executor.Result
	errors     []Error
	errorPaths map[string]bool
}

func (s *state) addError(err error, path Path) {
	e := Error{Message: err.Error(), Path: path}
	var re *plan.RowError
	if errors.As(err, &re) && re.Step != 0 {
		e.Message = re.Err.Error()
		e.Extensions = map[string]any{"step": int(re.Step)}
	}
	s.errors = append(s.errors, e)
	s.errorPaths[path.String()] = true
}

func (s *state) nonNull(path Path) {
	if !s.errorPaths[path.String()] {
		s.addError(fmt.Errorf("Cannot return null for non-nullable field %s", path), path)
	}
}

// complete renders node with non-null handling at path.
func (s *state) complete(node Node, b *executor.Bucket, row int, path Path) any {
	v := s.completeNullable(node, b, row, path)
	if isNullish(v) {
		if nonNullNode(node) {
			s.nonNull(path)
		}
		return nil
	}
	return v
}

func nonNullNode(node Node) bool {
	switch n := node.(type) {
	case Leaf:
		return n.NonNull
	case Object:
		return n.NonNull
	case List:
		return n.NonNull
	case Branches:
		return n.NonNull
	case Nested:
		return n.NonNull
	}
	return false
}

func (s *state) completeNullable(node Node, b *executor.Bucket, row int, path Path) any {
	switch n := node.(type) {
	case Leaf:
		v, err := s.res.Value(n.Step, b, row)
		if err != nil {
			if errors.Is(err, executor.ErrNotApplicable) {
				return nil
			}
			s.addError(err, path)
			return nil
		}
		if n.Serialize != nil && !isNullish(v) {
			out, err := n.Serialize(v)
			if err != nil {
				s.addError(err, path)
				return nil
			}
			return out
		}
		return v

	case TypeName:
		for cur := b; cur != nil; cur = cur.Parent() {
			if t := cur.TypeName(); t != "" {
				return t
			}
		}
		return nil

	case Object:
		out := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			v := s.complete(f.Node, b, row, appendPath(path, f.Name))
			if isNullish(v) && nonNullNode(f.Node) {
				return nil
			}
			out[f.Name] = v
		}
		return out

	case List:
		lv, err := s.res.Value(n.Step, b, row)
		if err != nil {
			if !errors.Is(err, executor.ErrNotApplicable) {
				s.addError(err, path)
			}
			return nil
		}
		if isNullish(lv) {
			return nil
		}
		if k := reflect.TypeOf(lv).Kind(); k != reflect.Slice && k != reflect.Array {
			s.addError(fmt.Errorf("expected a list, got %T", lv), path)
			return nil
		}
		refs := b.ChildRows(n.LayerPlan, row)
		items := make([]any, len(refs))
		for i, ref := range refs {
			p := appendPath(path, i)
			before := len(s.errors)
			v := s.complete(n.Item, ref.Bucket, ref.Row, p)
			if isNullish(v) && n.NonNullItems {
				if len(s.errors) == before {
					s.nonNull(p)
				}
				return nil
			}
			items[i] = v
		}
		return items

	case Branches:
		for _, c := range n.Cases {
			if refs := b.ChildRows(c.LayerPlan, row); len(refs) > 0 {
				return s.completeNullable(c.Node, refs[0].Bucket, refs[0].Row, path)
			}
		}
		return nil

	case Nested:
		refs := b.ChildRows(n.LayerPlan, row)
		if len(refs) == 0 {
			return nil
		}
		return s.completeNullable(n.Node, refs[0].Bucket, refs[0].Row, path)
	}
	s.addError(fmt.Errorf("unknown output node %T", node), path)
	return nil
}

// isNullish reports nil interfaces and typed nils.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
