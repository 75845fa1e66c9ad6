package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/sandbox"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := sandbox.NewEngine(sandbox.DefaultPolicy(), logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return NewGateway(gateway.NewDispatcher(engine, logger), engine, "test", logger)
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// textPayload extracts the JSON text content of a tool result and
// decodes it into out.
func textPayload(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool result is an error: %+v", result.Content)
	}
	if len(result.Content) != 1 {
		t.Fatalf("Content has %d items, want 1", len(result.Content))
	}
	tc, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("Content[0] = %T, want text content", result.Content[0])
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("decoding payload: %v\n%s", err, tc.Text)
	}
}

func TestExecuteToolRunsCode(t *testing.T) {
	g := testGateway(t)

	req := toolRequest("execute_code", map[string]any{"code": "result = 1 + 1"})
	result, err := g.handleExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("handleExecute: %v", err)
	}

	var payload executePayload
	textPayload(t, result, &payload)

	if !payload.Success {
		t.Fatalf("Success = false, error = %q", payload.Error)
	}
	if _, err := uuid.Parse(payload.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", payload.ID, err)
	}
	if payload.Failure != "" {
		t.Errorf("Failure = %q, want empty", payload.Failure)
	}
	if got, ok := payload.ReturnValue.(float64); !ok || got != 2 {
		t.Errorf("ReturnValue = %v (%T), want 2", payload.ReturnValue, payload.ReturnValue)
	}
}

func TestExecuteToolBindings(t *testing.T) {
	g := testGateway(t)

	req := toolRequest("execute_code", map[string]any{
		"code":     "result = base * 3",
		"bindings": map[string]any{"base": 7},
	})
	result, err := g.handleExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("handleExecute: %v", err)
	}

	var payload executePayload
	textPayload(t, result, &payload)

	if !payload.Success {
		t.Fatalf("Success = false, error = %q", payload.Error)
	}
	if got, ok := payload.ReturnValue.(float64); !ok || got != 21 {
		t.Errorf("ReturnValue = %v, want 21", payload.ReturnValue)
	}
}

func TestExecuteToolRefusesDangerousCode(t *testing.T) {
	g := testGateway(t)

	req := toolRequest("execute_code", map[string]any{"code": `exec("whoami")`})
	result, err := g.handleExecute(context.Background(), req)
	if err != nil {
		t.Fatalf("handleExecute: %v", err)
	}

	// A refusal is a normal tool result carrying the classification,
	// not a protocol error.
	var payload executePayload
	textPayload(t, result, &payload)

	if payload.Success {
		t.Fatal("Success = true for dangerous code")
	}
	if payload.Failure != "security_violation" {
		t.Errorf("Failure = %q, want security_violation", payload.Failure)
	}
	if len(payload.Violations) == 0 {
		t.Fatal("Violations is empty")
	}
	if payload.Violations[0].Kind != "dangerous_call" {
		t.Errorf("Violations[0].Kind = %q, want dangerous_call", payload.Violations[0].Kind)
	}
}

func TestExecuteToolMissingCode(t *testing.T) {
	g := testGateway(t)

	result, err := g.handleExecute(context.Background(), toolRequest("execute_code", map[string]any{}))
	if err != nil {
		t.Fatalf("handleExecute: %v", err)
	}
	if !result.IsError {
		t.Fatal("IsError = false for request without code")
	}
}

func TestValidateTool(t *testing.T) {
	g := testGateway(t)

	t.Run("clean", func(t *testing.T) {
		req := toolRequest("validate_code", map[string]any{"code": "x = [i for i in range(3)]"})
		result, err := g.handleValidate(context.Background(), req)
		if err != nil {
			t.Fatalf("handleValidate: %v", err)
		}

		var payload validatePayload
		textPayload(t, result, &payload)
		if !payload.Valid {
			t.Errorf("Valid = false, violations = %+v", payload.Violations)
		}
	})

	t.Run("dangerous", func(t *testing.T) {
		req := toolRequest("validate_code", map[string]any{"code": `eval("1")`})
		result, err := g.handleValidate(context.Background(), req)
		if err != nil {
			t.Fatalf("handleValidate: %v", err)
		}

		var payload validatePayload
		textPayload(t, result, &payload)
		if payload.Valid {
			t.Error("Valid = true for eval call")
		}
		if len(payload.Violations) != 1 || payload.Violations[0].Kind != "dangerous_call" {
			t.Errorf("Violations = %+v, want one dangerous_call", payload.Violations)
		}
	})
}

func TestPolicyTool(t *testing.T) {
	g := testGateway(t)

	result, err := g.handlePolicy(context.Background(), toolRequest("sandbox_policy", nil))
	if err != nil {
		t.Fatalf("handlePolicy: %v", err)
	}

	var payload policyPayload
	textPayload(t, result, &payload)

	if !payload.EnableExecution || !payload.Sandboxed {
		t.Errorf("payload = %+v, want execution enabled and sandboxed", payload)
	}
	if payload.TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds = %d, want 10", payload.TimeoutSeconds)
	}
	if !slicesContain(payload.AllowedImports, "math") {
		t.Errorf("AllowedImports = %v, want math present", payload.AllowedImports)
	}
	if !slicesContain(payload.BlockedAttributes, "__globals__") {
		t.Errorf("BlockedAttributes = %v, want __globals__ present", payload.BlockedAttributes)
	}
}

func TestToolRegistration(t *testing.T) {
	g := testGateway(t)
	if g.server == nil {
		t.Fatal("server not built")
	}
	if g.in == nil || g.out == nil {
		t.Fatal("stdio streams not defaulted")
	}
}

func slicesContain(items []string, want string) bool {
	for _, item := range items {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}
