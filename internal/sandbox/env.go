package sandbox

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// baseBuiltinNames is the builtin allow-list exposed to sandboxed code:
// pure constructors, conversions, and sequence helpers. The list is
// explicit allow, never "everything except". Reflection helpers
// (getattr, hasattr, dir) stay out so attribute screening cannot be
// bypassed at run time, and fail stays out so guests cannot forge
// host-looking errors.
var baseBuiltinNames = []string{
	"abs",
	"all",
	"any",
	"bool",
	"bytes",
	"chr",
	"dict",
	"enumerate",
	"float",
	"hash",
	"int",
	"len",
	"list",
	"max",
	"min",
	"ord",
	"print",
	"range",
	"repr",
	"reversed",
	"set",
	"sorted",
	"str",
	"tuple",
	"type",
	"zip",
}

// envBuilder assembles the predeclared environment for one sandboxed
// call: allow-listed builtins, denial stubs for everything else in the
// interpreter universe, host modules from the policy's import list, and
// the vetted caller bindings.
type envBuilder struct {
	policy  *Policy
	logger  *slog.Logger
	scratch string
	modules map[string]starlark.Value
}

func newEnvBuilder(policy *Policy, logger *slog.Logger, scratch string) *envBuilder {
	return &envBuilder{
		policy:  policy,
		logger:  logger,
		scratch: scratch,
		modules: make(map[string]starlark.Value),
	}
}

func (b *envBuilder) build(injected map[string]any) starlark.StringDict {
	env := make(starlark.StringDict, len(starlark.Universe)+len(injected))

	// 1. Allow-listed builtins, copied from the interpreter universe.
	allowed := stringSet(baseBuiltinNames...)
	for _, name := range baseBuiltinNames {
		if v, ok := starlark.Universe[name]; ok {
			env[name] = v
		}
	}

	// 2. Denial stubs for every other universe name. Computing the stub
	// set from the live universe means a builtin added by a toolchain
	// upgrade resolves to a stub here, not to the real thing.
	for name := range starlark.Universe {
		if _, ok := allowed[name]; !ok {
			env[name] = deniedBuiltin(name)
		}
	}

	// 3. Host modules named by the import allow-list.
	for _, name := range b.policy.AllowedImports {
		mod := b.resolveModule(name)
		if mod == nil {
			b.logger.Debug("allowed import has no host module", slog.String("module", name))
			continue
		}
		env[name] = mod
	}

	// 4. Vetted caller bindings, merged last.
	for name, value := range injected {
		if reason := vetBinding(name, value); reason != "" {
			b.logger.Debug("binding excluded",
				slog.String("name", name),
				slog.String("reason", reason))
			continue
		}
		sv, err := toStarlark(value)
		if err != nil {
			b.logger.Debug("binding excluded",
				slog.String("name", name),
				slog.String("reason", err.Error()))
			continue
		}
		env[name] = sv
	}

	return env
}

// buildDirect converts a caller namespace without capability
// restriction. The full interpreter universe stays reachable.
func buildDirect(injected map[string]any, logger *slog.Logger) starlark.StringDict {
	env := make(starlark.StringDict, len(injected))
	for name, value := range injected {
		sv, err := toStarlark(value)
		if err != nil {
			logger.Debug("binding excluded",
				slog.String("name", name),
				slog.String("reason", err.Error()))
			continue
		}
		env[name] = sv
	}
	return env
}

// vetBinding decides whether an injected binding may enter the guest
// environment. A non-empty return is the exclusion reason; exclusions
// are silent toward the guest and logged at debug for the operator.
func vetBinding(name string, value any) string {
	if strings.HasPrefix(name, "_") {
		return "private name"
	}
	if value == nil {
		return ""
	}
	if _, ok := value.(*starlarkstruct.Module); ok {
		return "module reference"
	}
	if _, ok := value.(starlark.Callable); ok {
		return "callable"
	}
	if reflect.ValueOf(value).Kind() == reflect.Func {
		return "callable"
	}
	return ""
}

func (b *envBuilder) resolveModule(name string) starlark.Value {
	if mod, ok := b.modules[name]; ok {
		return mod
	}
	var mod starlark.Value
	switch name {
	case "math":
		mod = starlarkmath.Module
	case "time":
		mod = starlarktime.Module
	case "json":
		mod = starlarkjson.Module
	case "files":
		if b.scratch != "" && len(b.policy.AllowedFileOps) > 0 {
			mod = b.filesModule()
		}
	}
	if mod != nil {
		b.modules[name] = mod
	}
	return mod
}

// loader serves load() statements. The validator has already screened
// imports; this enforces the same boundary again at run time and only
// resolves modules the policy names.
func (b *envBuilder) loader(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	for _, name := range b.policy.AllowedImports {
		if name != module {
			continue
		}
		if mod, ok := b.resolveModule(module).(*starlarkstruct.Module); ok {
			return mod.Members, nil
		}
		break
	}
	return nil, fmt.Errorf("module %q is not available in the sandbox", module)
}

// deniedBuiltin returns a stub that fails with a uniform message. The
// name stays resolvable so guest code gets a clear refusal instead of
// an undefined-symbol error.
func deniedBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("%s is not available in the sandbox", name)
	})
}
