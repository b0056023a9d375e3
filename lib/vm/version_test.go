package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes an executable shell script at dir/name that prints
// stdout and exits with code, standing in for qemu-system-<arch> --version.
func fakeBinary(t *testing.T, dir, name, stdout string, code int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "\nEOF\nexit " + itoa(code) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	if n == 1 {
		return "1"
	}
	panic("itoa: unsupported value in test helper")
}

// S6: unparsable stdout with exit 0 falls back to "qemu-unknown".
func TestGetBackendVersionString_UnparsableStdout(t *testing.T) {
	bin := fakeBinary(t, t.TempDir(), "qemu-fake", "Unparsable version string", 0)
	got := GetBackendVersionString(context.Background(), bin)
	assert.Equal(t, "qemu-unknown", got)
}

// S6: any nonzero exit code falls back to "qemu-unknown" regardless of stdout.
func TestGetBackendVersionString_NonZeroExit(t *testing.T) {
	bin := fakeBinary(t, t.TempDir(), "qemu-fake", "QEMU emulator version 2.11.1(v2.11.1)", 1)
	got := GetBackendVersionString(context.Background(), bin)
	assert.Equal(t, "qemu-unknown", got)
}

// S6: a recognized version line with exit 0 yields "qemu-<x.y.z>".
func TestGetBackendVersionString_ParsesVersion(t *testing.T) {
	bin := fakeBinary(t, t.TempDir(), "qemu-fake",
		"QEMU emulator version 2.11.1(v2.11.1-dirty)\nCopyright (c) 2003-2017 Fabrice Bellard and the QEMU Project developers", 0)
	got := GetBackendVersionString(context.Background(), bin)
	assert.Equal(t, "qemu-2.11.1", got)
}

// A binary that doesn't exist also falls back to "qemu-unknown".
func TestGetBackendVersionString_MissingBinary(t *testing.T) {
	got := GetBackendVersionString(context.Background(), filepath.Join(t.TempDir(), "no-such-binary"))
	assert.Equal(t, "qemu-unknown", got)
}
