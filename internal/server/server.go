package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/protoplan/internal/catalog"
	"github.com/hanpama/protoplan/internal/eventbus"
	"github.com/hanpama/protoplan/internal/events"
	"github.com/hanpama/protoplan/internal/executor"
	"github.com/hanpama/protoplan/internal/output"
	"github.com/hanpama/protoplan/internal/plan"
	"github.com/hanpama/protoplan/internal/reqid"
)

// Handler is an http.Handler that executes catalog plans.
//
//	POST /execute  {"plan": "...", "query": "...", "operationName": "..."}
//	GET  /execute?plan=...&query=...
//	GET  /plan?name=...   Mermaid graph of the finalized plan
//	GET  /plans           catalog names and descriptions
type Handler struct {
	exec *executor.Executor
	opt  Options
	mux  *http.ServeMux
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata.
	// Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	// Catalog options applied to every plan build.
	Catalog []catalog.Option
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithCatalogOptions(opts ...catalog.Option) Option {
	return func(o *Options) { o.Catalog = append(o.Catalog, opts...) }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// RequestIDHeader carries the request UUID on every response.
const RequestIDHeader = "X-Request-Id"

// New creates a handler running plans on exec.
func New(exec *executor.Executor, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{exec: exec, opt: op, mux: http.NewServeMux()}
	h.mux.HandleFunc("/execute", h.serveExecute)
	h.mux.HandleFunc("/plan", h.servePlan)
	h.mux.HandleFunc("/plans", h.servePlans)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	if u, ok := reqid.UUIDFromContext(ctx); ok {
		w.Header().Set(RequestIDHeader, u.String())
	}
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: sw.status, Plan: sw.plan, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusNoContent)
		return
	}

	// Map configured headers into metadata
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["protoplan-request-id"] = []string{strconv.FormatInt(rid, 10)}
	ctx = metadata.NewOutgoingContext(ctx, md)

	h.mux.ServeHTTP(sw, r.WithContext(ctx))
}

// ------------------ Endpoints ------------------

// ExecuteRequest names a catalog plan and optionally a GraphQL selection
// narrowing its output.
type ExecuteRequest struct {
	Plan          string `json:"plan"`
	Query         string `json:"query,omitempty"`
	OperationName string `json:"operationName,omitempty"`
}

func (h *Handler) serveExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}
	req, status, msg := parseRequest(r, h.opt.MaxBodyBytes)
	if msg != "" {
		writeJSON(w, status, errorResponse(msg), h.opt.Pretty)
		return
	}
	notePlan(w, req.Plan)
	resp, status := h.execute(r.Context(), req)
	writeJSON(w, status, resp, h.opt.Pretty)
}

func (h *Handler) execute(ctx context.Context, req ExecuteRequest) (output.Response, int) {
	built, err := catalog.Build(req.Plan, h.opt.Catalog...)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPlan) {
			return errorResponse(err.Error()), http.StatusNotFound
		}
		return errorResponse(err.Error()), http.StatusInternalServerError
	}
	tree := built.Output
	if req.Query != "" {
		if tree, err = output.Select(built.Output, req.Query, req.OperationName); err != nil {
			return errorResponse(err.Error()), http.StatusBadRequest
		}
	}
	res := h.exec.Execute(ctx, built.Plan, built.Roots...)
	return output.Render(res, tree), http.StatusOK
}

func (h *Handler) servePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing 'name'"), h.opt.Pretty)
		return
	}
	notePlan(w, name)
	built, err := catalog.Build(name, h.opt.Catalog...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrUnknownPlan) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse(err.Error()), h.opt.Pretty)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, plan.Render(built.Plan))
}

// PlanInfo describes one catalog entry.
type PlanInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) servePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}
	names := catalog.Names()
	out := make([]PlanInfo, len(names))
	for i, n := range names {
		d, _ := catalog.Describe(n)
		out[i] = PlanInfo{Name: n, Description: d}
	}
	writeJSON(w, http.StatusOK, out, h.opt.Pretty)
}

// ------------------ Request parsing ------------------

func parseRequest(r *http.Request, maxBody int64) (ExecuteRequest, int, string) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := ExecuteRequest{Plan: q.Get("plan"), Query: q.Get("query"), OperationName: q.Get("operationName")}
		if req.Plan == "" {
			return req, http.StatusBadRequest, "missing 'plan'"
		}
		return req, 0, ""
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return ExecuteRequest{}, http.StatusUnsupportedMediaType, "unsupported Content-Type"
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	defer r.Body.Close()
	if err != nil {
		return ExecuteRequest{}, http.StatusBadRequest, "failed to read body"
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return ExecuteRequest{}, http.StatusRequestEntityTooLarge, errBodyTooLargeMessage
	}
	var req ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ExecuteRequest{}, http.StatusBadRequest, "invalid JSON"
	}
	if req.Plan == "" {
		return req, http.StatusBadRequest, "missing 'plan'"
	}
	return req, 0, ""
}

// ------------------ Response formatting ------------------

func errorResponse(msg string) output.Response {
	return output.Response{Errors: []output.Error{{Message: msg}}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

// statusWriter records what HTTPFinish reports.
type statusWriter struct {
	http.ResponseWriter
	status int
	plan   string
}

func notePlan(w http.ResponseWriter, name string) {
	if sw, ok := w.(*statusWriter); ok {
		sw.plan = name
	}
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
