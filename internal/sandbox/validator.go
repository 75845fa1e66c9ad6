package sandbox

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/syntax"
)

// ViolationKind identifies the class of a static-analysis rejection.
type ViolationKind int

const (
	// ViolationSyntax means the code could not be parsed. Unparseable
	// code is refused outright; it is never executed "to see".
	ViolationSyntax ViolationKind = iota

	// ViolationBlockedImport means the import is denied by policy.
	ViolationBlockedImport

	// ViolationImportNotAllowed means the import is outside a non-empty
	// allow-list.
	ViolationImportNotAllowed

	// ViolationDangerousModule means the import is on the built-in
	// dangerous module list and not explicitly allow-listed.
	ViolationDangerousModule

	// ViolationDangerousCall means a call names a dangerous function or
	// method.
	ViolationDangerousCall

	// ViolationDangerousAttribute means an attribute access reaches for
	// interpreter internals.
	ViolationDangerousAttribute
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationSyntax:
		return "syntax_invalid"
	case ViolationBlockedImport:
		return "blocked_import"
	case ViolationImportNotAllowed:
		return "import_not_allowed"
	case ViolationDangerousModule:
		return "dangerous_module"
	case ViolationDangerousCall:
		return "dangerous_call"
	case ViolationDangerousAttribute:
		return "dangerous_attribute"
	default:
		return "unknown"
	}
}

func (k ViolationKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Violation is one static-analysis finding. Any violation refuses the
// run; the full list is reported so callers see every issue at once.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

// fileOpts enables the dialect features generated snippets lean on: set
// literals, while loops, top-level control flow, rebinding of globals,
// and recursion.
var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Validator statically screens guest code before execution. It never
// evaluates anything; all checks run over the syntax tree.
type Validator struct {
	allowed      map[string]struct{}
	blocked      map[string]struct{}
	blockedAttrs map[string]struct{}
	checks       map[nodeKind]checkFunc
}

type nodeKind int

const (
	nodeLoad nodeKind = iota
	nodeCall
	nodeDot
	nodeIndex
)

type checkFunc func(n syntax.Node, report *[]Violation)

// NewValidator builds a validator for one policy. Checks dispatch
// through a table keyed by node kind, so a new rule is a table entry
// rather than a walker change.
func NewValidator(policy *Policy) *Validator {
	v := &Validator{
		allowed:      stringSet(policy.AllowedImports...),
		blocked:      stringSet(policy.BlockedImports...),
		blockedAttrs: policy.blockedAttributeSet(),
	}
	v.checks = map[nodeKind]checkFunc{
		nodeLoad:  v.checkLoad,
		nodeCall:  v.checkCall,
		nodeDot:   v.checkDot,
		nodeIndex: v.checkIndex,
	}
	return v
}

// Validate parses code and reports every violation in source order. A
// parse failure is itself a violation: code that cannot be analyzed is
// never run.
func (v *Validator) Validate(code string) []Violation {
	file, err := fileOpts.Parse("guest.star", code, 0)
	if err != nil {
		return []Violation{{
			Kind:    ViolationSyntax,
			Message: fmt.Sprintf("syntax error: %v", err),
		}}
	}

	var report []Violation
	syntax.Walk(file, func(n syntax.Node) bool {
		if n == nil {
			return false
		}
		if kind, ok := categorize(n); ok {
			v.checks[kind](n, &report)
		}
		return true
	})
	return report
}

func categorize(n syntax.Node) (nodeKind, bool) {
	switch n.(type) {
	case *syntax.LoadStmt:
		return nodeLoad, true
	case *syntax.CallExpr:
		return nodeCall, true
	case *syntax.DotExpr:
		return nodeDot, true
	case *syntax.IndexExpr:
		return nodeIndex, true
	}
	return 0, false
}

func (v *Validator) checkLoad(n syntax.Node, report *[]Violation) {
	stmt := n.(*syntax.LoadStmt)
	module, ok := stmt.Module.Value.(string)
	if !ok {
		return
	}
	line := stmt.Load.Line

	_, deny := v.blocked[module]
	_, allow := v.allowed[module]
	_, danger := dangerousModules[module]
	switch {
	case deny:
		*report = append(*report, Violation{
			Kind:    ViolationBlockedImport,
			Message: fmt.Sprintf("line %d: import of %q is blocked by policy", line, module),
		})
	case len(v.allowed) > 0 && !allow:
		*report = append(*report, Violation{
			Kind:    ViolationImportNotAllowed,
			Message: fmt.Sprintf("line %d: import of %q is not on the allow-list", line, module),
		})
	case danger && !allow:
		*report = append(*report, Violation{
			Kind:    ViolationDangerousModule,
			Message: fmt.Sprintf("line %d: module %q is dangerous and not explicitly allowed", line, module),
		})
	}

	for _, ident := range stmt.From {
		if _, bad := dangerousFunctions[ident.Name]; bad {
			*report = append(*report, Violation{
				Kind:    ViolationDangerousCall,
				Message: fmt.Sprintf("line %d: importing %q from %q is not permitted", ident.NamePos.Line, ident.Name, module),
			})
		}
	}
}

func (v *Validator) checkCall(n syntax.Node, report *[]Violation) {
	call := n.(*syntax.CallExpr)

	var name string
	var dotted bool
	switch fn := call.Fn.(type) {
	case *syntax.Ident:
		name = fn.Name
	case *syntax.DotExpr:
		name = fn.Name.Name
		dotted = true
	default:
		return
	}

	start, _ := call.Span()
	if _, bad := dangerousFunctions[name]; bad {
		*report = append(*report, Violation{
			Kind:    ViolationDangerousCall,
			Message: fmt.Sprintf("line %d: call to dangerous function %q is not permitted", start.Line, name),
		})
		return
	}
	if dotted {
		if _, bad := dangerousMethods[name]; bad {
			*report = append(*report, Violation{
				Kind:    ViolationDangerousCall,
				Message: fmt.Sprintf("line %d: call to dangerous method %q is not permitted", start.Line, name),
			})
		}
	}
}

func (v *Validator) checkDot(n syntax.Node, report *[]Violation) {
	dot := n.(*syntax.DotExpr)
	if _, bad := v.blockedAttrs[dot.Name.Name]; bad {
		*report = append(*report, Violation{
			Kind:    ViolationDangerousAttribute,
			Message: fmt.Sprintf("line %d: access to attribute %q is not permitted", dot.Name.NamePos.Line, dot.Name.Name),
		})
	}
}

// checkIndex carries no rules today. The entry keeps the dispatch table
// total so a subscript rule slots in without touching the walker.
func (v *Validator) checkIndex(_ syntax.Node, _ *[]Violation) {}
