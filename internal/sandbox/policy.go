package sandbox

import (
	"fmt"
	"time"
)

// Policy describes what guest code may do. One policy is fixed at engine
// construction and applies to every call; a malformed policy is fatal at
// construction, never silently patched at run time.
type Policy struct {
	// Enabled gates all execution. When false every call is refused
	// up front, before validation or environment construction.
	Enabled bool `yaml:"enable_execution" json:"enable_execution"`

	// Sandboxed selects the full restriction pipeline. When false,
	// every call degrades to direct mode regardless of the requested
	// mode. Direct mode is for pre-trusted contexts only.
	Sandboxed bool `yaml:"sandboxed" json:"sandboxed"`

	// TimeoutSeconds is the wall-clock deadline per call. Must be positive.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// MaxMemoryMB is the per-call heap growth ceiling. Must be positive.
	MaxMemoryMB int `yaml:"max_memory_mb" json:"max_memory_mb"`

	// AllowedImports is a strict allow-list of importable module names.
	// When non-empty, any import outside it is a violation; modules are
	// only ever bound into the guest environment from this list.
	AllowedImports []string `yaml:"allowed_imports" json:"allowed_imports"`

	// BlockedImports denies module names outright. Deny wins over allow.
	BlockedImports []string `yaml:"blocked_imports" json:"blocked_imports"`

	// AllowedFileOps lists the file operations ("read", "write", "list",
	// "exists") the guest file capability may perform. Empty disables
	// the capability entirely.
	AllowedFileOps []string `yaml:"allowed_file_operations" json:"allowed_file_operations"`

	// RestrictedPaths are path prefixes the file capability refuses even
	// for allowed operations.
	RestrictedPaths []string `yaml:"restricted_paths" json:"restricted_paths"`

	// BlockedAttributes overrides the default introspection attribute
	// blocklist when non-empty.
	BlockedAttributes []string `yaml:"blocked_attributes" json:"blocked_attributes"`
}

// DefaultPolicy returns the baseline policy: execution on, fully
// sandboxed, modest limits, and only the safe host modules importable.
func DefaultPolicy() *Policy {
	return &Policy{
		Enabled:        true,
		Sandboxed:      true,
		TimeoutSeconds: 10,
		MaxMemoryMB:    256,
		AllowedImports: []string{"math", "time", "json"},
	}
}

// knownFileOps are the operations the guest file capability implements.
var knownFileOps = stringSet("read", "write", "list", "exists")

// Validate checks the policy's fields. Any error wraps ErrInvalidPolicy.
func (p *Policy) Validate() error {
	if p.TimeoutSeconds <= 0 {
		return &PolicyError{Field: "timeout_seconds", Reason: "must be positive"}
	}
	if p.MaxMemoryMB <= 0 {
		return &PolicyError{Field: "max_memory_mb", Reason: "must be positive"}
	}
	blocked := stringSet(p.BlockedImports...)
	for _, name := range p.AllowedImports {
		if _, ok := blocked[name]; ok {
			return &PolicyError{
				Field:  "allowed_imports",
				Reason: fmt.Sprintf("%q is also in blocked_imports", name),
			}
		}
	}
	for _, op := range p.AllowedFileOps {
		if _, ok := knownFileOps[op]; !ok {
			return &PolicyError{
				Field:  "allowed_file_operations",
				Reason: fmt.Sprintf("unknown operation %q", op),
			}
		}
	}
	return nil
}

// Timeout returns the per-call deadline as a duration.
func (p *Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// MemoryCeilingBytes returns the per-call heap growth ceiling in bytes.
func (p *Policy) MemoryCeilingBytes() uint64 {
	return uint64(p.MaxMemoryMB) << 20
}

// AllowsFileOp reports whether the policy permits the named file operation.
func (p *Policy) AllowsFileOp(op string) bool {
	for _, allowed := range p.AllowedFileOps {
		if allowed == op {
			return true
		}
	}
	return false
}

// blockedAttributeSet returns the effective attribute blocklist.
func (p *Policy) blockedAttributeSet() map[string]struct{} {
	if len(p.BlockedAttributes) > 0 {
		return stringSet(p.BlockedAttributes...)
	}
	return stringSet(defaultBlockedAttributes...)
}

// EffectiveBlockedAttributes returns the attribute blocklist in force:
// the configured override, or the default table when none is set.
func (p *Policy) EffectiveBlockedAttributes() []string {
	if len(p.BlockedAttributes) > 0 {
		return p.BlockedAttributes
	}
	return append([]string(nil), defaultBlockedAttributes...)
}

// Inherently dangerous guest modules: process control, interpreter
// internals, raw sockets, low-level FFI, serialization that executes,
// and filesystem manipulation. Blocked even without a deny entry unless
// the policy allow-lists the name explicitly.
var dangerousModules = stringSet(
	"os",
	"sys",
	"subprocess",
	"socket",
	"ctypes",
	"pickle",
	"marshal",
	"shutil",
	"importlib",
)

// Dangerous free functions: dynamic evaluation, import machinery, raw
// file handles, interactive input, and interpreter exit.
var dangerousFunctions = stringSet(
	"exec",
	"eval",
	"compile",
	"__import__",
	"open",
	"input",
	"exit",
	"quit",
)

// Dangerous method names, checked regardless of receiver. Matching on
// the name alone trades precision for not needing type inference.
var dangerousMethods = stringSet(
	"system",
	"popen",
	"Popen",
	"spawn",
	"fork",
	"execv",
	"execve",
	"run",
	"call",
	"check_call",
	"check_output",
	"startfile",
)

// defaultBlockedAttributes are introspection attributes that walk out of
// the sandbox toward interpreter internals.
var defaultBlockedAttributes = []string{
	"__globals__",
	"__locals__",
	"__dict__",
	"__class__",
	"__bases__",
	"__subclasses__",
	"__mro__",
	"__import__",
	"__builtins__",
}

func stringSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
