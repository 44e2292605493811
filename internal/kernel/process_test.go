package kernel

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolveKernelPath_ConfiguredWins(t *testing.T) {
	t.Setenv("WOLFRAM_KERNEL_PATH", "/env/kernel")
	got, err := resolveKernelPath("/configured/kernel")
	if err != nil {
		t.Fatalf("resolveKernelPath() error = %v", err)
	}
	if got != "/configured/kernel" {
		t.Errorf("path = %q, want the configured one", got)
	}
}

func TestResolveKernelPath_EnvFallback(t *testing.T) {
	t.Setenv("WOLFRAM_KERNEL_PATH", "/env/kernel")
	got, err := resolveKernelPath("")
	if err != nil {
		t.Fatalf("resolveKernelPath() error = %v", err)
	}
	if got != "/env/kernel" {
		t.Errorf("path = %q, want the env override", got)
	}
}

func TestResolveKernelPath_PathLookup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PATH executable bits are not portable to windows")
	}
	dir := t.TempDir()
	kernel := filepath.Join(dir, "math")
	if err := os.WriteFile(kernel, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("writing stub kernel: %v", err)
	}

	t.Setenv("WOLFRAM_KERNEL_PATH", "")
	t.Setenv("PATH", dir)

	got, err := resolveKernelPath("")
	if err != nil {
		t.Fatalf("resolveKernelPath() error = %v", err)
	}
	if got != kernel {
		t.Errorf("path = %q, want %q", got, kernel)
	}
}

func TestResolveKernelPath_NotFound(t *testing.T) {
	t.Setenv("WOLFRAM_KERNEL_PATH", "")
	t.Setenv("PATH", t.TempDir())

	if _, err := resolveKernelPath(""); err == nil {
		t.Error("resolveKernelPath() should fail with no kernel anywhere")
	}
}
