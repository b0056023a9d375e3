package vm

import (
	"bytes"
	"context"
	"regexp"
	"time"

	"github.com/onkernel/qemud/lib/process"
)

// versionTimeout bounds the --version probe; this is a one-shot diagnostic
// command, not a QMP call, so it doesn't share qmp.DefaultCommandTimeout.
var versionTimeout = 5 * time.Second

var versionPattern = regexp.MustCompile(`QEMU emulator version (\d+\.\d+(?:\.\d+)?)`)

// GetBackendVersionString runs "qemu-system-<arch> --version" and returns
// "qemu-<x.y.z>" if the first output line matches the version regex and the
// probe exited 0; otherwise "qemu-unknown". Per spec.md §7, a parse failure
// here is recovered locally, never surfaced as an error.
func GetBackendVersionString(ctx context.Context, qemuSystemBinary string) string {
	stdout, _, state, err := process.Execute(ctx, qemuSystemBinary, []string{"--version"}, versionTimeout)
	if err != nil {
		return "qemu-unknown"
	}
	if state.ExitCode == nil || *state.ExitCode != 0 {
		return "qemu-unknown"
	}

	firstLine := stdout
	if idx := bytes.IndexByte(stdout, '\n'); idx >= 0 {
		firstLine = stdout[:idx]
	}
	m := versionPattern.FindSubmatch(firstLine)
	if m == nil {
		return "qemu-unknown"
	}
	return "qemu-" + string(m[1])
}
