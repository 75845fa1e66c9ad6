package sandbox

import (
	"fmt"
	"os"
)

// WithTempFile creates a temporary file seeded with content, invokes fn
// with its path, and removes the file on every exit path, including a
// panicking fn. The pattern follows os.CreateTemp: a trailing "*" is
// replaced by a random string, so "snippet-*.star" yields a usable
// extension. An empty dir means the system default.
func WithTempFile(dir, pattern string, content []byte, fn func(path string) error) (err error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = fmt.Errorf("removing temp file: %w", rmErr)
		}
	}()

	if _, err = f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	return fn(path)
}
