package vm

import (
	"bytes"
	"context"
	"time"

	"github.com/onkernel/qemud/lib/logger"
	"github.com/onkernel/qemud/lib/process"
)

var snapshotProbeTimeout = 10 * time.Second

// hasSuspendTag runs "qemu-img snapshot -l <image>" and reports whether its
// text output mentions tag. A failure to run qemu-img at all (binary
// missing, image corrupt) is treated as "no suspend tag" and logged at
// warn, per spec.md §9's resolved open question.
func hasSuspendTag(ctx context.Context, qemuImgBinary, imagePath, tag string) bool {
	stdout, _, state, err := process.Execute(ctx, qemuImgBinary, []string{"snapshot", "-l", imagePath}, snapshotProbeTimeout)
	if err != nil || state.Err != nil || (state.ExitCode != nil && *state.ExitCode != 0) {
		logger.FromContext(ctx).Warn("qemu-img snapshot -l failed; assuming no suspend tag",
			"image", imagePath, "error", err)
		return false
	}
	return bytes.Contains(stdout, []byte(tag))
}
