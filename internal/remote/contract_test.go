package remote

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func usersSpec() ServiceSpec {
	return ServiceSpec{
		Package: "demo.users",
		Name:    "UserService",
		Methods: []MethodSpec{{
			Name:        "GetUserName",
			Description: "Looks up display names by id.",
			Args:        []Field{{Name: "id", Kind: protoreflect.Int64Kind}},
			Result:      Field{Name: "name", Kind: protoreflect.StringKind},
		}, {
			Name:   "ScoreUsers",
			Args:   []Field{{Name: "id", Kind: protoreflect.Int64Kind}, {Name: "weights", Kind: protoreflect.DoubleKind, Repeated: true}},
			Result: Field{Name: "score", Kind: protoreflect.DoubleKind},
		}},
	}
}

func TestContractShape(t *testing.T) {
	c, err := NewContract(usersSpec())
	require.NoError(t, err)
	require.Equal(t, "demo.users.UserService", c.ServiceName())
	require.Equal(t, "demo/users/user_service.proto", c.File().Path())

	m, err := c.Method("GetUserName")
	require.NoError(t, err)
	require.Equal(t, "/demo.users.UserService/GetUserName", m.FullMethod())

	md := m.Descriptor()
	require.Equal(t, protoreflect.Name("GetUserNameRequest"), md.Input().Name())
	require.Equal(t, protoreflect.Name("GetUserNameResponse"), md.Output().Name())

	batches := md.Input().Fields().ByName("batches")
	require.Equal(t, protoreflect.FieldNumber(1), batches.Number())
	require.Equal(t, protoreflect.Repeated, batches.Cardinality())
	require.Equal(t, protoreflect.Name("GetUserNameItem"), batches.Message().Name())

	result := md.Output().Fields().ByName("batches").Message()
	require.Equal(t, protoreflect.Name("GetUserNameResult"), result.Name())
	require.Equal(t, protoreflect.FieldNumber(1), result.Fields().ByName("data").Number())
	require.Equal(t, protoreflect.FieldNumber(2), result.Fields().ByName("error").Number())

	var names []string
	for _, m := range c.Methods() {
		names = append(names, m.Name())
	}
	if diff := cmp.Diff([]string{"GetUserName", "ScoreUsers"}, names); diff != "" {
		t.Fatalf("methods mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Method("Nope")
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestFieldNumbersAreStable(t *testing.T) {
	a := fieldNumbers([]string{"id", "weights"})
	b := fieldNumbers([]string{"weights", "id"})
	require.Equal(t, a[0], b[1])
	require.Equal(t, a[1], b[0])
	for _, n := range a {
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, maxFieldNumber)
		require.False(t, n >= 19000 && n <= 19999)
	}
	require.Equal(t, int(fnv32("id")%maxFieldNumber)+1, a[0])
}

func TestFieldNumbersProbeOnCollision(t *testing.T) {
	got := fieldNumbers([]string{"x", "x"})
	require.Equal(t, got[0]+1, got[1])
}

func TestContractProto(t *testing.T) {
	c, err := NewContract(usersSpec())
	require.NoError(t, err)
	src, err := c.Proto()
	require.NoError(t, err)
	for _, want := range []string{
		`syntax = "proto3";`,
		"package demo.users;",
		"service UserService {",
		"rpc GetUserName",
		"GetUserNameResponse",
		"message GetUserNameItem {",
		"GetUserNameItem batches = 1;",
		"// Looks up display names by id.",
	} {
		require.Contains(t, src, want)
	}
}

func TestContractRejectsInvalidSpecs(t *testing.T) {
	for name, spec := range map[string]ServiceSpec{
		"no package": {Name: "S"},
		"duplicate method": {Package: "p", Name: "S", Methods: []MethodSpec{
			{Name: "M", Result: Field{Name: "r", Kind: protoreflect.StringKind}},
			{Name: "M", Result: Field{Name: "r", Kind: protoreflect.StringKind}},
		}},
		"message argument": {Package: "p", Name: "S", Methods: []MethodSpec{
			{Name: "M", Args: []Field{{Name: "a", Kind: protoreflect.MessageKind}}, Result: Field{Name: "r", Kind: protoreflect.StringKind}},
		}},
		"duplicate argument": {Package: "p", Name: "S", Methods: []MethodSpec{
			{Name: "M", Args: []Field{{Name: "a", Kind: protoreflect.BoolKind}, {Name: "a", Kind: protoreflect.BoolKind}}, Result: Field{Name: "r", Kind: protoreflect.StringKind}},
		}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewContract(spec)
			require.ErrorIs(t, err, ErrInvalidContract)
		})
	}
}
