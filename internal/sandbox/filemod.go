package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxGuestFileBytes caps reads and writes through the guest file
// capability.
const maxGuestFileBytes = 1 << 20

// filesModule builds the guest file capability. Every operation is
// confined to the per-execution scratch directory and gated by the
// policy's allowed operations and restricted path prefixes. Error
// messages carry only guest-relative names, never host paths.
func (b *envBuilder) filesModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "files",
		Members: starlark.StringDict{
			"read_text":  starlark.NewBuiltin("files.read_text", b.readText),
			"write_text": starlark.NewBuiltin("files.write_text", b.writeText),
			"exists":     starlark.NewBuiltin("files.exists", b.fileExists),
			"list":       starlark.NewBuiltin("files.list", b.listDir),
		},
	}
}

// resolveGuestPath confines a guest-supplied path to the scratch
// directory and applies the policy's restricted prefixes. Rooting the
// path before cleaning strips any ".." escape.
func (b *envBuilder) resolveGuestPath(op, name string) (string, error) {
	if !b.policy.AllowsFileOp(op) {
		return "", fmt.Errorf("%w: operation %q is not permitted by policy", ErrFileOpDenied, op)
	}
	rel := strings.TrimPrefix(filepath.Clean("/"+name), "/")
	for _, prefix := range b.policy.RestrictedPaths {
		trimmed := strings.TrimPrefix(filepath.Clean("/"+prefix), "/")
		if trimmed == "" || trimmed == "." {
			continue
		}
		if rel == trimmed || strings.HasPrefix(rel, trimmed+"/") {
			return "", fmt.Errorf("%w: path %q is restricted by policy", ErrFileOpDenied, name)
		}
	}
	return filepath.Join(b.scratch, rel), nil
}

func (b *envBuilder) readText(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &name); err != nil {
		return nil, err
	}
	path, err := b.resolveGuestPath("read", name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no such file: %q", name)
		}
		return nil, fmt.Errorf("cannot read %q", name)
	}
	if info.Size() > maxGuestFileBytes {
		return nil, fmt.Errorf("file %q exceeds the %d byte limit", name, maxGuestFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q", name)
	}
	return starlark.String(data), nil
}

func (b *envBuilder) writeText(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, data string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &name, "data", &data); err != nil {
		return nil, err
	}
	if len(data) > maxGuestFileBytes {
		return nil, fmt.Errorf("write to %q exceeds the %d byte limit", name, maxGuestFileBytes)
	}
	path, err := b.resolveGuestPath("write", name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cannot write %q", name)
	}
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return nil, fmt.Errorf("cannot write %q", name)
	}
	return starlark.None, nil
}

func (b *envBuilder) fileExists(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &name); err != nil {
		return nil, err
	}
	path, err := b.resolveGuestPath("exists", name)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(path)
	return starlark.Bool(statErr == nil), nil
}

func (b *envBuilder) listDir(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path?", &name); err != nil {
		return nil, err
	}
	path, err := b.resolveGuestPath("list", name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no such directory: %q", name)
		}
		return nil, fmt.Errorf("cannot list %q", name)
	}
	names := make([]starlark.Value, 0, len(entries))
	for _, entry := range entries {
		names = append(names, starlark.String(entry.Name()))
	}
	return starlark.NewList(names), nil
}
