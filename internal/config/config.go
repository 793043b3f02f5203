// Package config loads the protoplan service configuration from HCL.
//
// A configuration file holds optional log, server, otel and executor blocks
// plus one remote block per backend service:
//
//	log {
//	  level  = "debug"
//	  format = "json"
//	}
//
//	server {
//	  addr    = ":8080"
//	  timeout = "5s"
//	}
//
//	remote "demo.users.UserService" {
//	  endpoints = [env.USERS_ADDR]
//	  limit     = 4
//	}
//
// Expressions may read the process environment through the env object.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/hanpama/protoplan/internal/ctxlog"
	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/grpctp"
	"github.com/hanpama/protoplan/internal/server"
)

// ErrInvalidConfig wraps semantic errors in an otherwise well-formed file.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the resolved service configuration.
type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Otel     OtelConfig
	Executor ExecutorConfig
	Remotes  []RemoteConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Addr            string
	Timeout         time.Duration
	Pretty          bool
	MaxBodyBytes    int64
	CORS            []string
	MetadataHeaders []string
}

// OtelConfig enables tracing when Endpoint is set.
type OtelConfig struct {
	Endpoint string
	Service  string
}

type ExecutorConfig struct {
	UnbatchedFastPath  bool
	MaxParallelBuckets int
}

// RemoteConfig describes how to reach one backend service.
type RemoteConfig struct {
	Service    string
	Endpoints  []string
	MaxConns   int
	RPCTimeout time.Duration
	// Limit bounds concurrent batches against the service.
	Limit int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Server:   ServerConfig{Addr: ":8080", Timeout: 10 * time.Second},
		Otel:     OtelConfig{Service: "protoplan"},
		Executor: ExecutorConfig{UnbatchedFastPath: true},
	}
}

type fileRoot struct {
	Log      *logBlock      `hcl:"log,block"`
	Server   *serverBlock   `hcl:"server,block"`
	Otel     *otelBlock     `hcl:"otel,block"`
	Executor *executorBlock `hcl:"executor,block"`
	Remotes  []*remoteBlock `hcl:"remote,block"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type serverBlock struct {
	Addr            *string  `hcl:"addr,optional"`
	Timeout         *string  `hcl:"timeout,optional"`
	Pretty          *bool    `hcl:"pretty,optional"`
	MaxBodyBytes    *int64   `hcl:"max_body_bytes,optional"`
	CORS            []string `hcl:"cors,optional"`
	MetadataHeaders []string `hcl:"metadata_headers,optional"`
}

type otelBlock struct {
	Endpoint *string `hcl:"endpoint,optional"`
	Service  *string `hcl:"service,optional"`
}

type executorBlock struct {
	UnbatchedFastPath  *bool `hcl:"unbatched_fast_path,optional"`
	MaxParallelBuckets *int  `hcl:"max_parallel_buckets,optional"`
}

type remoteBlock struct {
	Service    string   `hcl:"service,label"`
	Endpoints  []string `hcl:"endpoints"`
	MaxConns   *int     `hcl:"max_conns,optional"`
	RPCTimeout *string  `hcl:"rpc_timeout,optional"`
	Limit      *int     `hcl:"limit,optional"`
}

// Load reads and decodes the HCL file at path.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(src, path)
}

// Parse decodes HCL source. filename is used in diagnostics only.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, evalContext(), &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	cfg := Default()
	if err := root.apply(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !validIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

// validIdentifier skips variables an attribute traversal could never name.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func (r *fileRoot) apply(cfg *Config) error {
	if b := r.Log; b != nil {
		setString(&cfg.Log.Level, b.Level)
		setString(&cfg.Log.Format, b.Format)
		switch cfg.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, cfg.Log.Level)
		}
		if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
			return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, cfg.Log.Format)
		}
	}
	if b := r.Server; b != nil {
		setString(&cfg.Server.Addr, b.Addr)
		if err := setDuration(&cfg.Server.Timeout, b.Timeout, "server.timeout"); err != nil {
			return err
		}
		if b.Pretty != nil {
			cfg.Server.Pretty = *b.Pretty
		}
		if b.MaxBodyBytes != nil {
			if *b.MaxBodyBytes < 0 {
				return fmt.Errorf("%w: server.max_body_bytes must not be negative", ErrInvalidConfig)
			}
			cfg.Server.MaxBodyBytes = *b.MaxBodyBytes
		}
		cfg.Server.CORS = b.CORS
		cfg.Server.MetadataHeaders = b.MetadataHeaders
	}
	if b := r.Otel; b != nil {
		setString(&cfg.Otel.Endpoint, b.Endpoint)
		setString(&cfg.Otel.Service, b.Service)
	}
	if b := r.Executor; b != nil {
		if b.UnbatchedFastPath != nil {
			cfg.Executor.UnbatchedFastPath = *b.UnbatchedFastPath
		}
		if b.MaxParallelBuckets != nil {
			if *b.MaxParallelBuckets < 0 {
				return fmt.Errorf("%w: executor.max_parallel_buckets must not be negative", ErrInvalidConfig)
			}
			cfg.Executor.MaxParallelBuckets = *b.MaxParallelBuckets
		}
	}

	seen := make(map[string]bool, len(r.Remotes))
	for _, b := range r.Remotes {
		if seen[b.Service] {
			return fmt.Errorf("%w: duplicate remote %q", ErrInvalidConfig, b.Service)
		}
		seen[b.Service] = true
		if len(b.Endpoints) == 0 {
			return fmt.Errorf("%w: remote %q has no endpoints", ErrInvalidConfig, b.Service)
		}
		rc := RemoteConfig{Service: b.Service, Endpoints: b.Endpoints, MaxConns: 2, RPCTimeout: 3 * time.Second}
		if b.MaxConns != nil {
			if *b.MaxConns < 1 {
				return fmt.Errorf("%w: remote %q: max_conns must be positive", ErrInvalidConfig, b.Service)
			}
			rc.MaxConns = *b.MaxConns
		}
		if err := setDuration(&rc.RPCTimeout, b.RPCTimeout, "remote.rpc_timeout"); err != nil {
			return err
		}
		if b.Limit != nil {
			if *b.Limit < 0 {
				return fmt.Errorf("%w: remote %q: limit must not be negative", ErrInvalidConfig, b.Service)
			}
			rc.Limit = *b.Limit
		}
		cfg.Remotes = append(cfg.Remotes, rc)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	if d < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
	}
	*dst = d
	return nil
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return ctxlog.New(c.Log.Level, c.Log.Format, w)
}

// ExecutorOptions maps the executor block onto executor options.
func (c *Config) ExecutorOptions(logger *slog.Logger) []executor.Option {
	opts := []executor.Option{
		executor.WithUnbatchedFastPath(c.Executor.UnbatchedFastPath),
		executor.WithMaxParallelBuckets(c.Executor.MaxParallelBuckets),
	}
	if logger != nil {
		opts = append(opts, executor.WithLogger(logger))
	}
	return opts
}

// ServerOptions maps the server block onto handler options.
func (c *Config) ServerOptions() []server.Option {
	opts := []server.Option{server.WithTimeout(c.Server.Timeout)}
	if c.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if c.Server.MaxBodyBytes > 0 {
		opts = append(opts, server.WithMaxBodyBytes(c.Server.MaxBodyBytes))
	}
	if len(c.Server.CORS) > 0 {
		opts = append(opts, server.WithCORS(c.Server.CORS...))
	}
	if len(c.Server.MetadataHeaders) > 0 {
		opts = append(opts, server.WithMetadataHeaders(c.Server.MetadataHeaders...))
	}
	return opts
}

// Remote returns the remote block for service.
func (c *Config) Remote(service string) (RemoteConfig, bool) {
	for _, r := range c.Remotes {
		if r.Service == service {
			return r, true
		}
	}
	return RemoteConfig{}, false
}

// TransportOptions maps the block onto gRPC transport options.
func (r RemoteConfig) TransportOptions() []grpctp.Option {
	return []grpctp.Option{
		grpctp.WithEndpoints(map[string][]string{r.Service: r.Endpoints}),
		grpctp.WithMaxConnsPerEndpoint(r.MaxConns),
		grpctp.WithRPCTimeout(r.RPCTimeout),
	}
}
