package remote

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// encodeItem sets the fields of one batch item from a row's dependency
// values. A nil value leaves its field unset.
func encodeItem(msg protoreflect.Message, args []Field, values []any) error {
	if len(values) != len(args) {
		return fmt.Errorf("expected %d arguments, got %d", len(args), len(values))
	}
	fields := msg.Descriptor().Fields()
	for i, a := range args {
		fd := fields.ByName(protoreflect.Name(a.Name))
		if fd == nil {
			return fmt.Errorf("unknown field %s", a.Name)
		}
		v := values[i]
		if v == nil {
			continue
		}
		if fd.Cardinality() == protoreflect.Repeated {
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return fmt.Errorf("field %s: expected a list, got %T", a.Name, v)
			}
			list := msg.Mutable(fd).List()
			for j := 0; j < rv.Len(); j++ {
				pv, err := toProtoScalar(fd, rv.Index(j).Interface())
				if err != nil {
					return err
				}
				list.Append(pv)
			}
			continue
		}
		pv, err := toProtoScalar(fd, v)
		if err != nil {
			return err
		}
		msg.Set(fd, pv)
	}
	return nil
}

func toProtoScalar(fd protoreflect.FieldDescriptor, v any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		if b, ok := v.(bool); ok {
			return protoreflect.ValueOfBool(b), nil
		}
	case protoreflect.Int32Kind:
		if n, ok := asInt(v); ok {
			return protoreflect.ValueOfInt32(int32(n)), nil
		}
	case protoreflect.Int64Kind:
		if n, ok := asInt(v); ok {
			return protoreflect.ValueOfInt64(n), nil
		}
	case protoreflect.Uint32Kind:
		if n, ok := asInt(v); ok && n >= 0 {
			return protoreflect.ValueOfUint32(uint32(n)), nil
		}
	case protoreflect.Uint64Kind:
		if n, ok := v.(uint64); ok {
			return protoreflect.ValueOfUint64(n), nil
		}
		if n, ok := asInt(v); ok && n >= 0 {
			return protoreflect.ValueOfUint64(uint64(n)), nil
		}
	case protoreflect.FloatKind:
		if f, ok := asFloat(v); ok {
			return protoreflect.ValueOfFloat32(float32(f)), nil
		}
	case protoreflect.DoubleKind:
		if f, ok := asFloat(v); ok {
			return protoreflect.ValueOfFloat64(f), nil
		}
	case protoreflect.StringKind:
		if s, ok := v.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.BytesKind:
		switch b := v.(type) {
		case []byte:
			return protoreflect.ValueOfBytes(b), nil
		case string:
			return protoreflect.ValueOfBytes([]byte(b)), nil
		}
	}
	return protoreflect.Value{}, fmt.Errorf("field %s: unsupported value %T for %v", fd.Name(), v, fd.Kind())
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// decodeResult reads one response element. An unset scalar data field
// decodes to nil; a non-empty error field fails the row.
func decodeResult(msg protoreflect.Message) (any, error) {
	fields := msg.Descriptor().Fields()
	if ef := fields.ByName("error"); ef != nil {
		if s := msg.Get(ef).String(); s != "" {
			return nil, &ElementError{Message: s}
		}
	}
	fd := fields.ByName("data")
	if fd == nil {
		return nil, fmt.Errorf("missing data field in response")
	}
	if fd.Cardinality() == protoreflect.Repeated {
		lst := msg.Get(fd).List()
		out := make([]any, 0, lst.Len())
		for i := 0; i < lst.Len(); i++ {
			out = append(out, fromProto(fd, lst.Get(i)))
		}
		return out, nil
	}
	if !msg.Has(fd) {
		return nil, nil
	}
	return fromProto(fd, msg.Get(fd)), nil
}

// fromProto converts a scalar protobuf value to int, float64, string, bool
// or []byte. 32-bit and unsigned integers widen to int.
func fromProto(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind, protoreflect.Int64Kind:
		return int(v.Int())
	case protoreflect.Uint32Kind, protoreflect.Uint64Kind:
		return int(v.Uint())
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return []byte(v.Bytes())
	}
	return nil
}

// ElementError is the error a remote service reported for one batch item.
type ElementError struct {
	Message string
}

func (e *ElementError) Error() string { return e.Message }
