// Package platform implements the host-side resource adapter the VM state
// machine (lib/vm) delegates to for anything that touches the host rather
// than the supervised QEMU process: tap devices, the bridge, DHCP lease
// lookups and per-VM argv fragments.
//
// Grounded on lib/network/{bridge.go,allocate.go,derive.go} in the teacher
// repo, narrowed to spec.md §4.C's six-operation capability set and
// constructor-injected rather than a singleton, per spec.md §9's design
// note. Tap/bridge management uses github.com/vishvananda/netlink exactly
// as the teacher does; golang.org/x/sys/unix supplies the ambient
// CAP_NET_ADMIN flag used when flipping bridge port isolation.
package platform

import (
	"context"

	"github.com/onkernel/qemud/lib/vmspec"
)

// Platform is the capability set spec.md §4.C describes. One instance is
// shared by every VM the factory creates for a given backend.
type Platform interface {
	// VMPlatformArgs returns extra qemu-system-<arch> argv fragments for a
	// VM being started: networking (-netdev/-device for its tap) and any
	// display suppression beyond the base flags lib/vm always adds (which
	// already include -accel).
	VMPlatformArgs(ctx context.Context, desc vmspec.Description) ([]string, error)

	// VMStatePlatformArgs returns argv for a -dump-vmstate probe run. May
	// be empty.
	VMStatePlatformArgs(ctx context.Context) []string

	// GetIPFor returns the current DHCP lease for mac, or ok=false if none
	// is known yet.
	GetIPFor(ctx context.Context, mac string) (ip vmspec.IPAddress, ok bool, err error)

	// RemoveResourcesFor releases the tap device, firewall rules and any
	// state files associated with vmName. Idempotent: safe to call on a VM
	// whose resources were already torn down or never created.
	RemoveResourcesFor(ctx context.Context, vmName string) error

	// PlatformHealthCheck returns an error (wrapping ErrHealthCheck) if the
	// host is unfit to run this backend's VMs.
	PlatformHealthCheck(ctx context.Context) error

	// GetDirectoryName returns the suggested sub-directory under the data
	// root for this backend's files (e.g. "qemu").
	GetDirectoryName() string
}
