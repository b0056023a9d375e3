package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/onkernel/qemud/lib/platform"
	"github.com/onkernel/qemud/lib/vmspec"
)

// buildArgv assembles qemu-system-<arch>'s argv per spec.md §4.D's
// bit-exact contract. Grounded on lib/hypervisor/qemu/config.go's BuildArgs
// for flag ordering discipline (base/accel, machine, cpu, drive, network,
// platform extras), generalized with the -cdrom/-loadvm/metadata-override
// handling the teacher's Cloud-Hypervisor-flavored BuildArgs doesn't need.
//
// QMP is wired over a dedicated unix socket (qmpSocketPath) rather than
// "-qmp stdio" so the production github.com/digitalocean/go-qemu client in
// lib/qmp can be reused as-is instead of hand-rolling framing atop the
// supervised process' stdio (see lib/qmp's package doc).
func buildArgv(ctx context.Context, p platform.Platform, desc vmspec.Description, specs vmspec.Specs, metadata map[string]json.RawMessage, qmpSocketPath string, hasTag bool) ([]string, error) {
	// Step 8: metadata "arguments" fully replaces steps 1-7.
	if raw, ok := metadata[vmspec.MetadataArguments]; ok {
		var override []string
		if err := json.Unmarshal(raw, &override); err == nil {
			return override, nil
		}
	}

	args := []string{
		"-nographic",
		"-serial", "mon:stdio",
		"-chardev", fmt.Sprintf("socket,id=qmp,path=%s,server=on,wait=off", qmpSocketPath),
		"-qmp", "chardev:qmp",
		"-chardev", "null,id=char0",
		"-accel", "kvm",
	}

	// Step 2: -machine, metadata override or backend default.
	machineType := defaultMachineType()
	if raw, ok := metadata[vmspec.MetadataMachineType]; ok {
		var mt string
		if err := json.Unmarshal(raw, &mt); err == nil && mt != "" {
			machineType = mt
		}
	}
	args = append(args, "-machine", machineType)

	// Step 3: -cpu host. NIC specifics are a platform-owned concern (tap
	// device naming), folded into the platform argv in step 7.
	args = append(args, "-cpu", "host")
	args = append(args, "-smp", strconv.Itoa(specs.NumCores))
	args = append(args, "-m", fmt.Sprintf("%dM", specs.MemSize/(1024*1024)))

	// Step 4: -drive.
	args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2,discard=unmap", desc.Image.Path))

	// Step 5: -cdrom unless resuming from a suspend snapshot.
	if !hasTag && desc.CloudInitISO != "" {
		args = append(args, "-cdrom", desc.CloudInitISO)
	}

	// Step 6: -loadvm iff the image carries the suspend tag.
	if hasTag {
		args = append(args, "-loadvm", vmspec.DefaultSuspendTag)
	}

	// Step 7: platform argv (networking, display suppression extras).
	platformArgs, err := p.VMPlatformArgs(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("vm: platform args: %w", err)
	}
	args = append(args, platformArgs...)

	return args, nil
}

func defaultMachineType() string {
	return "q35"
}
