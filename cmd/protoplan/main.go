package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/protoplan/internal/catalog"
	"github.com/hanpama/protoplan/internal/config"
	"github.com/hanpama/protoplan/internal/ctxlog"
	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/grpctp"
	"github.com/hanpama/protoplan/internal/otel"
	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/remote"
	"github.com/hanpama/protoplan/internal/server"
)

const rootUsage = `protoplan: batched step-graph planner & executor

USAGE:
  protoplan <command> [flags]

COMMANDS:
  plans            List the catalog plans
  render           Print a catalog plan as a Mermaid graph
  run              Execute a catalog plan and print the response
  proto            Print or write the .proto contracts of remote services
  serve            Run the HTTP execution endpoint
  backend          Serve the demonstration gRPC services
  help             Show help for any command
`

const renderUsage = `render FLAGS:
  -plan <name>             Catalog plan (required)
  -out  <file>             Write the graph to file (default: stdout)
`

const runUsage = `run FLAGS:
  -plan <name>                        Catalog plan (required)
  -query <graphql>                    Selection narrowing the output
  -operation <name>                   Operation to select from -query
  -format yaml|json                   Output format (default: yaml)
  -config <file>                      HCL config for executor and remote blocks
  -transport.backend <Svc=host:port>  Call a remote service over gRPC. Repeatable;
                                      services without a mapping run in process.
                                      Use wildcard to set default:
                                        -transport.backend *=host:port
`

const protoUsage = `proto FLAGS:
  -out <dir>               Write one .proto file per service (default: stdout)
`

const serveUsage = `serve FLAGS:
  -config <file>                      HCL config file; flags below override it
  -log.level <level>                  debug, info, warn or error (default: info)
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.metadata-header <name>      Forward HTTP header to gRPC metadata. Repeatable
  -transport.backend <Svc=host:port>  Map gRPC service to endpoint. Repeatable.
                                      Use wildcard to set default:
                                        -transport.backend *=host:port
                                      Specific mappings override the wildcard.
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: protoplan)
`

const backendUsage = `backend FLAGS:
  -addr <addr>             gRPC listen address (default: :9090)
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("protoplan", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "plans":
		return cmdPlans(stdout)
	case "render":
		return cmdRender(cmdArgs, stdout)
	case "run":
		return cmdRun(cmdArgs, stdout)
	case "proto":
		return cmdProto(cmdArgs, stdout)
	case "serve":
		return cmdServe(cmdArgs)
	case "backend":
		return cmdBackend(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "render":
		fmt.Fprint(stdout, renderUsage)
	case "run":
		fmt.Fprint(stdout, runUsage)
	case "proto":
		fmt.Fprint(stdout, protoUsage)
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "backend":
		fmt.Fprint(stdout, backendUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type backendFlag struct {
	m map[string][]string
}

func (b *backendFlag) String() string { return "" }

func (b *backendFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid backend %q", v)
	}
	svc := strings.TrimSpace(parts[0])
	ep := strings.TrimSpace(parts[1])
	if svc == "" || ep == "" {
		return fmt.Errorf("invalid backend %q", v)
	}
	if b.m == nil {
		b.m = map[string][]string{}
	}
	b.m[svc] = append(b.m[svc], ep)
	return nil
}

// apply maps every catalog service to its endpoints, replacing remote
// blocks of cfg.
func (b *backendFlag) apply(cfg *config.Config) error {
	if len(b.m) == 0 {
		return nil
	}
	contracts, err := catalog.Contracts()
	if err != nil {
		return err
	}
	wildcard := b.m["*"]
	for _, c := range contracts {
		svc := c.ServiceName()
		eps := b.m[svc]
		if len(eps) == 0 {
			eps = wildcard
		}
		if len(eps) == 0 {
			continue
		}
		rc, ok := cfg.Remote(svc)
		if !ok {
			rc = config.RemoteConfig{Service: svc, MaxConns: 2, RPCTimeout: 3 * time.Second}
		}
		rc.Endpoints = eps
		setRemote(cfg, rc)
	}
	for svc := range b.m {
		if svc == "*" {
			continue
		}
		if _, ok := cfg.Remote(svc); !ok {
			return fmt.Errorf("no catalog service %s", svc)
		}
	}
	return nil
}

func setRemote(cfg *config.Config, rc config.RemoteConfig) {
	for i := range cfg.Remotes {
		if cfg.Remotes[i].Service == rc.Service {
			cfg.Remotes[i] = rc
			return
		}
	}
	cfg.Remotes = append(cfg.Remotes, rc)
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// dialRemotes opens a gRPC transport per remote block and returns the
// catalog options routing plans through them.
func dialRemotes(cfg *config.Config) ([]catalog.Option, func()) {
	var opts []catalog.Option
	var transports []*grpctp.Transport
	for _, rc := range cfg.Remotes {
		tr := grpctp.New(rc.TransportOptions()...)
		transports = append(transports, tr)
		opts = append(opts, catalog.WithTransport(rc.Service, tr), catalog.WithRemoteLimit(rc.Service, rc.Limit))
	}
	closeAll := func() {
		for _, tr := range transports {
			_ = tr.Close()
		}
	}
	return opts, closeAll
}

func cmdPlans(stdout io.Writer) error {
	for _, name := range catalog.Names() {
		d, err := catalog.Describe(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%-10s %s\n", name, d)
	}
	return nil
}

func cmdRender(args []string, stdout io.Writer) error {
	name := ""
	outFile := ""
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&name, "plan", name, "Catalog plan")
	fs.StringVar(&outFile, "out", outFile, "Write the graph to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, renderUsage)
		return err
	}
	if name == "" {
		fmt.Fprint(os.Stderr, renderUsage)
		return fmt.Errorf("-plan is required")
	}
	built, err := catalog.Build(name)
	if err != nil {
		return err
	}
	graph := plan.Render(built.Plan)
	if outFile == "" {
		fmt.Fprint(stdout, graph)
		return nil
	}
	return os.WriteFile(outFile, []byte(graph), 0644)
}

func cmdRun(args []string, stdout io.Writer) error {
	name := ""
	query := ""
	operation := ""
	format := "yaml"
	configFile := ""
	var bf backendFlag
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&name, "plan", name, "Catalog plan")
	fs.StringVar(&query, "query", query, "Selection narrowing the output")
	fs.StringVar(&operation, "operation", operation, "Operation to select")
	fs.StringVar(&format, "format", format, "Output format")
	fs.StringVar(&configFile, "config", configFile, "HCL config file")
	fs.Var(&bf, "transport.backend", "Map gRPC service to endpoint")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, runUsage)
		return err
	}
	if name == "" {
		fmt.Fprint(os.Stderr, runUsage)
		return fmt.Errorf("-plan is required")
	}
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := bf.apply(cfg); err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	catOpts, closeAll := dialRemotes(cfg)
	defer closeAll()

	built, err := catalog.Build(name, catOpts...)
	if err != nil {
		return err
	}
	tree := built.Output
	if query != "" {
		if tree, err = output.Select(built.Output, query, operation); err != nil {
			return err
		}
	}
	ctx := ctxlog.WithLogger(context.Background(), logger)
	res := executor.New(cfg.ExecutorOptions(logger)...).Execute(ctx, built.Plan, built.Roots...)
	return writeResponse(stdout, output.Render(res, tree), format)
}

func writeResponse(w io.Writer, resp output.Response, format string) error {
	doc := map[string]any{"data": resp.Data}
	if len(resp.Errors) > 0 {
		errs := make([]map[string]any, len(resp.Errors))
		for i, e := range resp.Errors {
			m := map[string]any{"message": e.Message}
			if len(e.Path) > 0 {
				m["path"] = []any(e.Path)
			}
			if len(e.Extensions) > 0 {
				m["extensions"] = e.Extensions
			}
			errs[i] = m
		}
		doc["errors"] = errs
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func cmdProto(args []string, stdout io.Writer) error {
	outDir := ""
	fs := flag.NewFlagSet("proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outDir, "out", outDir, "Output directory for .proto files")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, protoUsage)
		return err
	}
	contracts, err := catalog.Contracts()
	if err != nil {
		return err
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ServiceName() < contracts[j].ServiceName() })
	for _, c := range contracts {
		src, err := c.Proto()
		if err != nil {
			return fmt.Errorf("render proto: %w", err)
		}
		if outDir == "" {
			fmt.Fprint(stdout, src)
			continue
		}
		path := filepath.Join(outDir, filepath.FromSlash(c.File().Path()))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(src), 0644); err != nil {
			return err
		}
	}
	return nil
}

func cmdServe(args []string) error {
	configFile := ""
	logLevel := ""
	addr := ""
	pretty := false
	timeout := time.Duration(0)
	otelEndpoint := ""
	otelService := ""
	var metadataHeaders stringListFlag
	var bf backendFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configFile, "config", configFile, "HCL config file")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to gRPC metadata")
	fs.Var(&bf, "transport.backend", "Map gRPC service to endpoint")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log.level":
			cfg.Log.Level = logLevel
		case "server.addr":
			cfg.Server.Addr = addr
		case "server.pretty":
			cfg.Server.Pretty = pretty
		case "server.timeout":
			cfg.Server.Timeout = timeout
		case "server.metadata-header":
			cfg.Server.MetadataHeaders = metadataHeaders
		case "otel.endpoint":
			cfg.Otel.Endpoint = otelEndpoint
		case "otel.service":
			cfg.Otel.Service = otelService
		}
	})
	if err := bf.apply(cfg); err != nil {
		return err
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	eventbus.Use(eventbus.New())
	defer eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		logger.Info("request",
			"method", e.Request.Method,
			"path", e.Request.URL.Path,
			"status", e.Status,
			"duration", e.Duration)
	})()
	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	catOpts, closeAll := dialRemotes(cfg)
	defer closeAll()

	exec := executor.New(cfg.ExecutorOptions(logger)...)
	sopts := append(cfg.ServerOptions(), server.WithCatalogOptions(catOpts...))
	h := server.New(exec, sopts...)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: h}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("protoplan server listening", "addr", cfg.Server.Addr, "remotes", len(cfg.Remotes))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cmdBackend(args []string) error {
	addr := ":9090"
	fs := flag.NewFlagSet("backend", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "addr", addr, "gRPC listen address")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, backendUsage)
		return err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s, err := newBackend()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	slog.Info("backend listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

// newBackend registers every catalog contract with its in-process
// implementation.
func newBackend() (*grpc.Server, error) {
	c, err := catalog.UsersContract()
	if err != nil {
		return nil, err
	}
	s := grpc.NewServer()
	remote.Register(s, c, catalog.UsersImplementation())
	return s, nil
}
