package remote

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"github.com/jhump/protoreflect/v2/protoprint"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Field declares one scalar field of a remote method's item or result.
type Field struct {
	Name     string
	Kind     protoreflect.Kind
	Repeated bool
}

// MethodSpec declares a batched remote method. Args map positionally onto
// the dependencies of the step calling it.
type MethodSpec struct {
	Name        string
	Description string
	Args        []Field
	Result      Field
}

// ServiceSpec declares a remote service.
type ServiceSpec struct {
	Package string
	Name    string
	Methods []MethodSpec
}

// Contract is the protobuf description of a remote service built at runtime.
// Every method takes a request with repeated batches of items and answers
// with exactly as many results, in order.
type Contract struct {
	file    protoreflect.FileDescriptor
	service protoreflect.ServiceDescriptor
	methods map[string]*Method
	order   []string
}

// Method is a method of a Contract.
type Method struct {
	spec MethodSpec
	desc protoreflect.MethodDescriptor
}

// Name returns the method name.
func (m *Method) Name() string { return m.spec.Name }

// Descriptor returns the protobuf method descriptor.
func (m *Method) Descriptor() protoreflect.MethodDescriptor { return m.desc }

// FullMethod returns "/<service>/<method>".
func (m *Method) FullMethod() string {
	return fmt.Sprintf("/%s/%s", m.desc.Parent().FullName(), m.desc.Name())
}

var (
	ErrInvalidContract = errors.New("remote: invalid contract")
	ErrUnknownMethod   = errors.New("remote: unknown method")
)

// NewContract builds the protobuf file for spec.
func NewContract(spec ServiceSpec) (*Contract, error) {
	if spec.Name == "" || spec.Package == "" {
		return nil, fmt.Errorf("%w: service needs a package and a name", ErrInvalidContract)
	}
	fb := protobuilder.NewFile(strings.ReplaceAll(spec.Package, ".", "/") + "/" + snakeCase(spec.Name) + ".proto")
	fb.SetPackageName(protoreflect.FullName(spec.Package))
	fb.SetSyntax(protoreflect.Proto3)

	sb := protobuilder.NewService(protoreflect.Name(spec.Name))
	fb.AddService(sb)

	seen := map[string]bool{}
	for _, ms := range spec.Methods {
		if ms.Name == "" || seen[ms.Name] {
			return nil, fmt.Errorf("%w: duplicate or empty method name %q", ErrInvalidContract, ms.Name)
		}
		seen[ms.Name] = true
		if err := addMethod(fb, sb, ms); err != nil {
			return nil, err
		}
	}

	fd, err := fb.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}
	svc := fd.Services().ByName(protoreflect.Name(spec.Name))
	c := &Contract{file: fd, service: svc, methods: make(map[string]*Method, len(spec.Methods))}
	for _, ms := range spec.Methods {
		c.methods[ms.Name] = &Method{spec: ms, desc: svc.Methods().ByName(protoreflect.Name(ms.Name))}
		c.order = append(c.order, ms.Name)
	}
	return c, nil
}

func addMethod(fb *protobuilder.FileBuilder, sb *protobuilder.ServiceBuilder, ms MethodSpec) error {
	item := protobuilder.NewMessage(protoreflect.Name(ms.Name + "Item"))
	fields := make([]*protobuilder.FieldBuilder, 0, len(ms.Args))
	names := map[string]bool{}
	for _, a := range ms.Args {
		if err := checkField(a); err != nil {
			return fmt.Errorf("%w: method %s: %v", ErrInvalidContract, ms.Name, err)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: method %s: duplicate argument %q", ErrInvalidContract, ms.Name, a.Name)
		}
		names[a.Name] = true
		f := protobuilder.NewField(protoreflect.Name(a.Name), protobuilder.FieldTypeScalar(a.Kind))
		if a.Repeated {
			f.SetRepeated()
		}
		item.AddField(f)
		fields = append(fields, f)
	}
	allocateFieldNumbers(fields)

	if err := checkField(Field{Name: "data", Kind: ms.Result.Kind}); err != nil {
		return fmt.Errorf("%w: method %s result: %v", ErrInvalidContract, ms.Name, err)
	}
	result := protobuilder.NewMessage(protoreflect.Name(ms.Name + "Result"))
	data := protobuilder.NewField("data", protobuilder.FieldTypeScalar(ms.Result.Kind))
	data.SetNumber(1)
	if ms.Result.Repeated {
		data.SetRepeated()
	} else {
		data.SetOptional()
	}
	result.AddField(data)
	errField := protobuilder.NewField("error", protobuilder.FieldTypeScalar(protoreflect.StringKind))
	errField.SetNumber(2)
	result.AddField(errField)

	request := batchesMessage(protoreflect.Name(ms.Name+"Request"), item)
	response := batchesMessage(protoreflect.Name(ms.Name+"Response"), result)

	mb := protobuilder.NewMethod(
		protoreflect.Name(ms.Name),
		protobuilder.RpcTypeMessage(request, false),
		protobuilder.RpcTypeMessage(response, false),
	)
	mb.SetComments(comment(ms.Description))
	fb.AddMessage(item)
	fb.AddMessage(result)
	fb.AddMessage(request)
	fb.AddMessage(response)
	sb.AddMethod(mb)
	return nil
}

func batchesMessage(name protoreflect.Name, of *protobuilder.MessageBuilder) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(name)
	f := protobuilder.NewField("batches", protobuilder.FieldTypeMessage(of))
	f.SetNumber(1)
	f.SetRepeated()
	mb.AddField(f)
	return mb
}

func checkField(f Field) error {
	if f.Name == "" {
		return errors.New("empty field name")
	}
	switch f.Kind {
	case protoreflect.BoolKind, protoreflect.Int32Kind, protoreflect.Int64Kind,
		protoreflect.Uint32Kind, protoreflect.Uint64Kind, protoreflect.FloatKind,
		protoreflect.DoubleKind, protoreflect.StringKind, protoreflect.BytesKind:
		return nil
	}
	return fmt.Errorf("field %s: unsupported kind %v", f.Name, f.Kind)
}

// Method returns the named method.
func (c *Contract) Method(name string) (*Method, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return m, nil
}

// Methods returns the methods in declaration order.
func (c *Contract) Methods() []*Method {
	out := make([]*Method, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.methods[n])
	}
	return out
}

// ServiceName returns the fully-qualified service name.
func (c *Contract) ServiceName() string { return string(c.service.FullName()) }

// File returns the built file descriptor.
func (c *Contract) File() protoreflect.FileDescriptor { return c.file }

// Proto renders the contract as .proto source.
func (c *Contract) Proto() (string, error) {
	var buf bytes.Buffer
	if err := (&protoprint.Printer{}).PrintProtoFile(c.file, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// allocateFieldNumbers assigns tag numbers from the FNV-32a hash of each
// field name so that adding a field never renumbers the others.
func allocateFieldNumbers(fbs []*protobuilder.FieldBuilder) {
	names := make([]string, len(fbs))
	for i, fb := range fbs {
		names[i] = string(fb.Name())
	}
	for i, n := range fieldNumbers(names) {
		fbs[i].SetNumber(protoreflect.FieldNumber(n))
	}
}

const maxFieldNumber = 31767

// fieldNumbers maps each name to (fnv32a % 31767) + 1, skipping the reserved
// 19000-19999 block and probing linearly on collisions. Names are visited in
// sorted order so collisions resolve the same way every time.
func fieldNumbers(names []string) []int {
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return strings.Compare(names[a], names[b]) })

	out := make([]int, len(names))
	used := make(map[int]bool, len(names))
	for _, idx := range order {
		start := int(fnv32(names[idx])%maxFieldNumber) + 1
		cand := start
		for {
			if cand >= 19000 && cand <= 19999 {
				cand = 20000
			}
			if !used[cand] {
				used[cand] = true
				out[idx] = cand
				break
			}
			cand++
			if cand > maxFieldNumber {
				cand = 1
			}
			if cand == start {
				panic("remote: exhausted field number space")
			}
		}
	}
	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func comment(desc string) protobuilder.Comments {
	if desc == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}

func snakeCase(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			sb.WriteByte('_')
		}
		sb.WriteRune(r)
	}
	return strings.ToLower(sb.String())
}
