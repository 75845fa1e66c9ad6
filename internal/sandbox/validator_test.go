package sandbox

import (
	"strings"
	"testing"
)

func kinds(report []Violation) []ViolationKind {
	out := make([]ViolationKind, 0, len(report))
	for _, v := range report {
		out = append(out, v.Kind)
	}
	return out
}

func TestValidatorCleanCode(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	code := `
def double(x):
    return x * 2

values = [double(i) for i in range(10)]
result = sum_list(values) if False else len(values)
`
	if report := v.Validate(code); len(report) != 0 {
		t.Fatalf("expected no violations, got %v", report)
	}
}

func TestValidatorSyntaxError(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	report := v.Validate("def broken(:\n")
	if len(report) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(report))
	}
	if report[0].Kind != ViolationSyntax {
		t.Errorf("kind = %s, want %s", report[0].Kind, ViolationSyntax)
	}
	if !strings.Contains(report[0].Message, "syntax error") {
		t.Errorf("message %q missing syntax error detail", report[0].Message)
	}
}

func TestValidatorImports(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
		code   string
		want   []ViolationKind
	}{
		{
			name:   "blocked import",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, BlockedImports: []string{"net"}},
			code:   `load("net", "fetch")`,
			want:   []ViolationKind{ViolationBlockedImport},
		},
		{
			name:   "outside allow-list",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, AllowedImports: []string{"math"}},
			code:   `load("json", "decode")`,
			want:   []ViolationKind{ViolationImportNotAllowed},
		},
		{
			name:   "dangerous module",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64},
			code:   `load("subprocess", "x")`,
			want:   []ViolationKind{ViolationDangerousModule},
		},
		{
			name:   "dangerous module explicitly allowed",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, AllowedImports: []string{"os"}},
			code:   `load("os", "x")`,
			want:   nil,
		},
		{
			name:   "deny wins over allow-list absence",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, BlockedImports: []string{"os"}},
			code:   `load("os", "x")`,
			want:   []ViolationKind{ViolationBlockedImport},
		},
		{
			name:   "dangerous name in from-import",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, AllowedImports: []string{"helpers"}},
			code:   `load("helpers", "eval")`,
			want:   []ViolationKind{ViolationDangerousCall},
		},
		{
			name:   "allowed import is clean",
			policy: &Policy{Enabled: true, Sandboxed: true, TimeoutSeconds: 5, MaxMemoryMB: 64, AllowedImports: []string{"math"}},
			code:   `load("math", "sqrt")`,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewValidator(tt.policy).Validate(tt.code)
			got := kinds(report)
			if len(got) != len(tt.want) {
				t.Fatalf("violations = %v, want kinds %v", report, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("kind[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidatorDangerousCalls(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	tests := []struct {
		name string
		code string
		want int
	}{
		{"eval call", `eval("1 + 1")`, 1},
		{"exec call", `exec(code)`, 1},
		{"dunder import call", `__import__("os")`, 1},
		{"open call", `open("/etc/passwd")`, 1},
		{"method system", `helper.system("ls")`, 1},
		{"method popen", `shell.popen("id")`, 1},
		{"method run", `proc.run()`, 1},
		{"benign call", `compute(1, 2)`, 0},
		{"benign method", `items.append(3)`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.Validate(tt.code)
			if len(report) != tt.want {
				t.Errorf("got %d violations %v, want %d", len(report), report, tt.want)
			}
		})
	}
}

func TestValidatorDangerousCallViaImportName(t *testing.T) {
	// __import__ sits in both the dangerous function table and the
	// attribute blocklist; the dotted form trips both checks.
	v := NewValidator(DefaultPolicy())

	report := v.Validate(`x.__import__("os")`)
	got := kinds(report)
	want := []ViolationKind{ViolationDangerousCall, ViolationDangerousAttribute}
	if len(got) != len(want) {
		t.Fatalf("violations = %v, want kinds %v", report, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kind[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestValidatorDangerousAttributes(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	report := v.Validate(`leak = value.__class__.__bases__`)
	got := kinds(report)
	if len(got) != 2 {
		t.Fatalf("violations = %v, want 2 attribute findings", report)
	}
	for i, kind := range got {
		if kind != ViolationDangerousAttribute {
			t.Errorf("kind[%d] = %s, want %s", i, kind, ViolationDangerousAttribute)
		}
	}
}

func TestValidatorAttributeBlocklistOverride(t *testing.T) {
	policy := DefaultPolicy()
	policy.BlockedAttributes = []string{"secret_field"}

	v := NewValidator(policy)

	if report := v.Validate(`x = value.__class__`); len(report) != 0 {
		t.Errorf("default blocklist should be replaced, got %v", report)
	}
	report := v.Validate(`x = value.secret_field`)
	if len(report) != 1 || report[0].Kind != ViolationDangerousAttribute {
		t.Errorf("expected one attribute violation, got %v", report)
	}
}

func TestValidatorCollectsAllInOrder(t *testing.T) {
	policy := &Policy{
		Enabled:        true,
		Sandboxed:      true,
		TimeoutSeconds: 5,
		MaxMemoryMB:    64,
		BlockedImports: []string{"net"},
	}
	v := NewValidator(policy)

	code := `load("net", "fetch")
eval("x")
y = obj.__dict__
`
	report := v.Validate(code)
	want := []ViolationKind{ViolationBlockedImport, ViolationDangerousCall, ViolationDangerousAttribute}
	got := kinds(report)
	if len(got) != len(want) {
		t.Fatalf("violations = %v, want %d findings", report, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kind[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for i, line := range []string{"line 1", "line 2", "line 3"} {
		if !strings.Contains(report[i].Message, line) {
			t.Errorf("message[%d] = %q, want %s position", i, report[i].Message, line)
		}
	}
}

func TestViolationKindString(t *testing.T) {
	tests := []struct {
		kind ViolationKind
		want string
	}{
		{ViolationSyntax, "syntax_invalid"},
		{ViolationBlockedImport, "blocked_import"},
		{ViolationImportNotAllowed, "import_not_allowed"},
		{ViolationDangerousModule, "dangerous_module"},
		{ViolationDangerousCall, "dangerous_call"},
		{ViolationDangerousAttribute, "dangerous_attribute"},
		{ViolationKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
