package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/protoplan/internal/catalog"
	"github.com/hanpama/protoplan/internal/config"
)

func runOut(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, &out)
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := runOut(t, "help")
	require.NoError(t, err)
	require.Contains(t, out, "COMMANDS:")

	for _, topic := range []string{"render", "run", "proto", "serve", "backend"} {
		out, err := runOut(t, "help", topic)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(out, topic+" FLAGS:"), out)
	}

	_, err = runOut(t, "help", "nope")
	require.ErrorContains(t, err, "unknown help topic")
}

func TestUnknownAndMissingCommand(t *testing.T) {
	_, err := runOut(t)
	require.ErrorContains(t, err, "missing command")
	_, err = runOut(t, "frobnicate")
	require.ErrorContains(t, err, `unknown command "frobnicate"`)
}

func TestPlans(t *testing.T) {
	out, err := runOut(t, "plans")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(catalog.Names()))
	require.True(t, strings.HasPrefix(lines[0], "dedup"))
}

func TestRender(t *testing.T) {
	out, err := runOut(t, "render", "-plan", "orders")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "graph TD"), out)

	path := filepath.Join(t.TempDir(), "orders.mmd")
	_, err = runOut(t, "render", "-plan", "orders", "-out", path)
	require.NoError(t, err)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, out, string(written))

	_, err = runOut(t, "render")
	require.ErrorContains(t, err, "-plan is required")
	_, err = runOut(t, "render", "-plan", "nope")
	require.ErrorIs(t, err, catalog.ErrUnknownPlan)
}

func TestRunYAML(t *testing.T) {
	out, err := runOut(t, "run", "-plan", "numbers", "-query", "{ sum }")
	require.NoError(t, err)
	require.Equal(t, "data:\n  sum: 300\n", out)
}

func TestRunJSONWithErrors(t *testing.T) {
	out, err := runOut(t, "run", "-plan", "users", "-format", "json", "-query", "{ names users { name } }")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "ada, grace, barbara, edsger", got["data"].(map[string]any)["names"])
	errs := got["errors"].([]any)
	require.Len(t, errs, 1)
	require.Equal(t, []any{"users", float64(3), "name"}, errs[0].(map[string]any)["path"])
}

func TestRunErrors(t *testing.T) {
	_, err := runOut(t, "run")
	require.ErrorContains(t, err, "-plan is required")
	_, err = runOut(t, "run", "-plan", "numbers", "-format", "xml")
	require.ErrorContains(t, err, `unknown format "xml"`)
	_, err = runOut(t, "run", "-plan", "numbers", "-query", "{ nothing }")
	require.ErrorContains(t, err, `unknown field "nothing"`)
	_, err = runOut(t, "run", "-plan", "users", "-transport.backend", "demo.Nope=localhost:1")
	require.ErrorContains(t, err, "no catalog service demo.Nope")
	_, err = runOut(t, "run", "-plan", "numbers", "-transport.backend", "broken")
	require.ErrorContains(t, err, `invalid backend "broken"`)
}

func TestRunAgainstBackend(t *testing.T) {
	s, err := newBackend()
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	out, err := runOut(t, "run", "-plan", "users", "-query", "{ names }",
		"-transport.backend", "*="+lis.Addr().String())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Equal(t, "ada, grace, barbara, edsger", got["data"].(map[string]any)["names"])
}

func TestRunWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protoplan.hcl")
	require.NoError(t, os.WriteFile(path, []byte("executor {\n  unbatched_fast_path = false\n}\n"), 0o644))
	out, err := runOut(t, "run", "-plan", "numbers", "-query", "{ sum }", "-config", path)
	require.NoError(t, err)
	require.Equal(t, "data:\n  sum: 300\n", out)

	_, err = runOut(t, "run", "-plan", "numbers", "-config", filepath.Join(t.TempDir(), "missing.hcl"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestProto(t *testing.T) {
	out, err := runOut(t, "proto")
	require.NoError(t, err)
	require.Contains(t, out, "service UserService")

	dir := t.TempDir()
	_, err = runOut(t, "proto", "-out", dir)
	require.NoError(t, err)
	c, err := catalog.UsersContract()
	require.NoError(t, err)
	written, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(c.File().Path())))
	require.NoError(t, err)
	require.Equal(t, out, string(written))
}

func TestBackendFlagApply(t *testing.T) {
	cfg := config.Default()
	cfg.Remotes = []config.RemoteConfig{{Service: catalog.UsersService, Endpoints: []string{"old:1"}, MaxConns: 5, Limit: 3}}

	var bf backendFlag
	require.NoError(t, bf.Set("*=a:1"))
	require.NoError(t, bf.Set(catalog.UsersService+"=b:1"))
	require.NoError(t, bf.Set(catalog.UsersService+"=b:2"))
	require.NoError(t, bf.apply(cfg))

	want := []config.RemoteConfig{{Service: catalog.UsersService, Endpoints: []string{"b:1", "b:2"}, MaxConns: 5, Limit: 3}}
	if diff := cmp.Diff(want, cfg.Remotes); diff != "" {
		t.Fatalf("remotes mismatch (-want +got):\n%s", diff)
	}
}
