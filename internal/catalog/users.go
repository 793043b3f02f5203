package catalog

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/remote"
)

// UsersService is the fully-qualified name of the demo user service.
const UsersService = "demo.users.UserService"

var userNames = map[int]string{1: "ada", 2: "grace", 3: "barbara", 5: "edsger"}

// UsersContract describes the demo user service.
func UsersContract() (*remote.Contract, error) {
	return remote.NewContract(remote.ServiceSpec{
		Package: "demo.users",
		Name:    "UserService",
		Methods: []remote.MethodSpec{{
			Name:        "GetUserName",
			Description: "GetUserName returns the display name of each user id.",
			Args:        []remote.Field{{Name: "id", Kind: protoreflect.Int64Kind}},
			Result:      remote.Field{Name: "name", Kind: protoreflect.StringKind},
		}},
	})
}

// UsersImplementation answers the demo user service in process.
func UsersImplementation() remote.Implementation {
	return remote.Implementation{
		"GetUserName": func(_ context.Context, args []any) (any, error) {
			id, _ := args[0].(int)
			if name, ok := userNames[id]; ok {
				return name, nil
			}
			return nil, fmt.Errorf("user %d not found", id)
		},
	}
}

func buildUsers(o *Options) (*Built, error) {
	c, err := UsersContract()
	if err != nil {
		return nil, err
	}
	m, err := c.Method("GetUserName")
	if err != nil {
		return nil, err
	}
	tr := o.Transports[UsersService]
	if tr == nil {
		tr = remote.NewLocalTransport(c, UsersImplementation())
	}

	b := plan.NewBuilder()
	users, _ := b.DeclareResource(remote.Resource(UsersService, o.RemoteLimits[UsersService], func(context.Context) (remote.Transport, error) {
		return tr, nil
	}))
	ids, _ := b.AddStep(b.Root(), plan.Constant([]any{1, 2, 3, 4, 5}))
	lp, id, _ := b.ListItem(b.Root(), ids)
	name, _ := b.AddStep(lp, remote.Step(m, users), id)
	names, _ := b.Collect(b.Root(), lp, name)
	joined, _ := b.AddStep(b.Root(), plan.Lambda("join names", func(args []any) (any, error) {
		var found []string
		for _, v := range args[0].([]any) {
			if s, ok := v.(string); ok {
				found = append(found, s)
			}
		}
		return strings.Join(found, ", "), nil
	}), names)

	p, err := b.Finalize()
	if err != nil {
		return nil, err
	}
	return &Built{Plan: p, Output: output.Object{Fields: []output.Field{
		{Name: "users", Node: output.List{Step: ids, LayerPlan: lp, Item: output.Object{Fields: []output.Field{
			{Name: "id", Node: output.Leaf{Step: id}},
			{Name: "name", Node: output.Leaf{Step: name}},
		}}}},
		{Name: "names", Node: output.Leaf{Step: joined}},
	}}}, nil
}
