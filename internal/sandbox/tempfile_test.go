package sandbox

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestWithTempFileLifecycle(t *testing.T) {
	var seen string
	err := WithTempFile(t.TempDir(), "snippet-*.star", []byte("result = 1"), func(path string) error {
		seen = path
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(data) != "result = 1" {
			t.Errorf("content = %q", data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTempFile: %v", err)
	}
	if seen == "" {
		t.Fatal("fn was not invoked")
	}
	if !strings.HasSuffix(seen, ".star") {
		t.Errorf("path %q should keep the pattern suffix", seen)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Errorf("file %q should be removed after the scope", seen)
	}
}

func TestWithTempFilePropagatesError(t *testing.T) {
	wantErr := errors.New("inner failure")
	var seen string
	err := WithTempFile(t.TempDir(), "snippet-*", nil, func(path string) error {
		seen = path
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want inner failure", err)
	}
	if _, statErr := os.Stat(seen); !os.IsNotExist(statErr) {
		t.Error("file should be removed even when fn fails")
	}
}

func TestWithTempFileCleansUpOnPanic(t *testing.T) {
	var seen string
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		_ = WithTempFile(t.TempDir(), "snippet-*", []byte("x"), func(path string) error {
			seen = path
			panic("guest blew up")
		})
	}()

	if seen == "" {
		t.Fatal("fn was not invoked")
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Errorf("file %q should be removed after a panic", seen)
	}
}
