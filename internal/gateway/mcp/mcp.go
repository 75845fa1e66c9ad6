// Package mcp exposes the sandbox to AI assistant runtimes over the
// Model Context Protocol. The server speaks MCP over stdio; assistants
// call the sandbox through the execute_code and validate_code tools
// instead of shipping snippets to the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/sandbox"
)

const serverName = "ngome"

// Gateway is the MCP stdio gateway.
type Gateway struct {
	dispatcher *gateway.Dispatcher
	inspector  gateway.Inspector
	logger     *slog.Logger
	version    string
	server     *server.MCPServer

	in  io.Reader
	out io.Writer
}

// NewGateway creates an MCP gateway and registers its tools.
func NewGateway(d *gateway.Dispatcher, inspector gateway.Inspector, version string, logger *slog.Logger) *Gateway {
	g := &Gateway{
		dispatcher: d,
		inspector:  inspector,
		logger:     logger,
		version:    version,
		in:         os.Stdin,
		out:        os.Stdout,
	}

	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Validate and run a Starlark snippet inside the Ngome sandbox. "+
			"Returns captured stdout, the snippet's result binding, and a failure classification when the run did not succeed."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Starlark source to execute"),
		),
		mcp.WithObject("bindings",
			mcp.Description("Host data exposed to the guest as top-level names"),
		),
	), g.handleExecute)

	s.AddTool(mcp.NewTool("validate_code",
		mcp.WithDescription("Statically screen a Starlark snippet without running it. "+
			"Returns the violation list; an empty list means the snippet would be accepted for execution."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Starlark source to screen"),
		),
	), g.handleValidate)

	s.AddTool(mcp.NewTool("sandbox_policy",
		mcp.WithDescription("Show the sandbox policy in force: limits, allowed imports, and permitted file operations."),
	), g.handlePolicy)

	g.server = s
	return g
}

// Start serves MCP over stdio and blocks until the context is canceled
// or stdin closes.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("mcp gateway starting",
		slog.String("server", serverName),
		slog.String("version", g.version),
	)
	return server.NewStdioServer(g.server).Listen(ctx, g.in, g.out)
}

// Stop is a no-op: Listen exits when the Start context is canceled.
func (g *Gateway) Stop(_ context.Context) error {
	g.logger.Info("mcp gateway stopping")
	return nil
}

// --- Tool handlers ---

// executePayload is the JSON document returned by the execute_code tool.
type executePayload struct {
	ID               string             `json:"id"`
	Success          bool               `json:"success"`
	Stdout           string             `json:"stdout,omitempty"`
	Error            string             `json:"error,omitempty"`
	Failure          string             `json:"failure,omitempty"`
	Violations       []violationPayload `json:"violations,omitempty"`
	ReturnValue      any                `json:"return_value,omitempty"`
	ExportedBindings map[string]any     `json:"exported_bindings,omitempty"`
	DurationMS       int64              `json:"duration_ms"`
}

type violationPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (g *Gateway) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var bindings map[string]any
	if raw, ok := req.GetArguments()["bindings"]; ok {
		bindings, _ = raw.(map[string]any)
	}

	// Assistant submissions are guest code like any other: always the
	// full restriction pipeline.
	id, result := g.dispatcher.Dispatch(ctx, "mcp", sandbox.ExecutionRequest{
		Code:             code,
		InjectedBindings: bindings,
	}, sandbox.Sandboxed)

	g.logger.InfoContext(ctx, "mcp execute",
		slog.String("execution_id", id.String()),
		slog.Bool("success", result.Success),
		slog.String("failure", result.Failure.String()),
		slog.Duration("duration", result.Duration),
	)

	payload := executePayload{
		ID:               id.String(),
		Success:          result.Success,
		Stdout:           result.Stdout,
		Error:            result.Error,
		Violations:       violationPayloads(result.Violations),
		ReturnValue:      result.ReturnValue,
		ExportedBindings: result.ExportedBindings,
		DurationMS:       result.Duration.Milliseconds(),
	}
	if result.Failure != sandbox.FailureNone {
		payload.Failure = result.Failure.String()
	}
	return toolResult(payload)
}

// validatePayload is the JSON document returned by the validate_code tool.
type validatePayload struct {
	Valid      bool               `json:"valid"`
	Violations []violationPayload `json:"violations,omitempty"`
}

func (g *Gateway) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	violations := g.inspector.Validate(code)

	g.logger.InfoContext(ctx, "mcp validate",
		slog.Int("code_bytes", len(code)),
		slog.Int("violations", len(violations)),
	)

	return toolResult(validatePayload{
		Valid:      len(violations) == 0,
		Violations: violationPayloads(violations),
	})
}

// policyPayload is the JSON document returned by the sandbox_policy tool.
type policyPayload struct {
	EnableExecution   bool     `json:"enable_execution"`
	Sandboxed         bool     `json:"sandboxed"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	MaxMemoryMB       int      `json:"max_memory_mb"`
	AllowedImports    []string `json:"allowed_imports"`
	BlockedImports    []string `json:"blocked_imports,omitempty"`
	AllowedFileOps    []string `json:"allowed_file_operations,omitempty"`
	RestrictedPaths   []string `json:"restricted_paths,omitempty"`
	BlockedAttributes []string `json:"blocked_attributes"`
}

func (g *Gateway) handlePolicy(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := g.inspector.Policy()
	return toolResult(policyPayload{
		EnableExecution:   p.Enabled,
		Sandboxed:         p.Sandboxed,
		TimeoutSeconds:    p.TimeoutSeconds,
		MaxMemoryMB:       p.MaxMemoryMB,
		AllowedImports:    p.AllowedImports,
		BlockedImports:    p.BlockedImports,
		AllowedFileOps:    p.AllowedFileOps,
		RestrictedPaths:   p.RestrictedPaths,
		BlockedAttributes: p.EffectiveBlockedAttributes(),
	})
}

// toolResult renders the payload as indented JSON text content.
func toolResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encoding result failed"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func violationPayloads(violations []sandbox.Violation) []violationPayload {
	if len(violations) == 0 {
		return nil
	}
	payloads := make([]violationPayload, len(violations))
	for i, v := range violations {
		payloads[i] = violationPayload{Kind: v.Kind.String(), Message: v.Message}
	}
	return payloads
}
