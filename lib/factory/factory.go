// Package factory wires lib/vm, lib/platform and lib/monitor into the
// single QEMU backend this engine supports, narrowing the teacher's
// multi-hypervisor VMStarter/Hypervisor abstraction (lib/hypervisor) down to
// spec.md §4.F's six-operation factory contract.
package factory

import (
	"context"
	"fmt"

	"github.com/onkernel/qemud/lib/monitor"
	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/platform"
	"github.com/onkernel/qemud/lib/vm"
	"github.com/onkernel/qemud/lib/vmspec"
)

// ErrNotImplementedOnThisBackend re-exports vm.ErrNotImplementedOnThisBackend
// so callers depending only on lib/factory don't need to import lib/vm's
// error set directly.
var ErrNotImplementedOnThisBackend = vm.ErrNotImplementedOnThisBackend

// Config configures a Factory. QEMUSystemBinary/QEMUImgBinary name the
// system binaries this backend shells out to (spec.md §6).
type Config struct {
	QEMUSystemBinary string
	QEMUImgBinary    string
}

// Factory constructs VMs for the QEMU backend, per spec.md §4.F. One
// Factory is shared across every VM of a given backend instance.
type Factory struct {
	cfg      Config
	platform platform.Platform
	paths    *paths.Paths
}

// New creates a Factory over a platform adapter and the daemon's path
// layout. The platform adapter is constructed by the caller (e.g.
// platform.New for Linux) and injected here, matching spec.md §9's design
// note against a platform-adapter singleton.
func New(cfg Config, p platform.Platform, paths *paths.Paths) *Factory {
	return &Factory{cfg: cfg, platform: p, paths: paths}
}

// CreateVirtualMachine constructs a VM wired to this factory's platform
// adapter and the supplied monitor, per spec.md §4.F.
func (f *Factory) CreateVirtualMachine(ctx context.Context, desc vmspec.Description, mon monitor.Monitor) (*vm.VM, error) {
	return vm.New(ctx, vm.Options{
		Description:      desc,
		Monitor:          mon,
		Platform:         f.platform,
		Paths:            f.paths,
		QEMUSystemBinary: f.cfg.QEMUSystemBinary,
		QEMUImgBinary:    f.cfg.QEMUImgBinary,
	})
}

// RemoveResourcesFor delegates to the platform adapter, per spec.md §4.F.
func (f *Factory) RemoveResourcesFor(ctx context.Context, vmName string) error {
	return f.platform.RemoveResourcesFor(ctx, vmName)
}

// HypervisorHealthCheck runs the platform adapter's own health check, then
// verifies that the QEMU system binary answers --version. The qemu-img
// binary is not checked.
func (f *Factory) HypervisorHealthCheck(ctx context.Context) error {
	if err := f.platform.PlatformHealthCheck(ctx); err != nil {
		return fmt.Errorf("factory: %w", err)
	}
	if vm.GetBackendVersionString(ctx, f.cfg.QEMUSystemBinary) == "qemu-unknown" {
		return fmt.Errorf("factory: %s not usable", f.cfg.QEMUSystemBinary)
	}
	return nil
}

// GetBackendDirectoryName returns the platform adapter's suggested
// sub-directory name for this backend's VM state.
func (f *Factory) GetBackendDirectoryName() string {
	return f.platform.GetDirectoryName()
}

// GetBackendVersionString runs qemu-system-<arch> --version, per spec.md §4.D.
func (f *Factory) GetBackendVersionString(ctx context.Context) string {
	return vm.GetBackendVersionString(ctx, f.cfg.QEMUSystemBinary)
}

// Networks is not implemented on this backend, per spec.md §4.F.
func (f *Factory) Networks(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("factory: %w", vm.ErrNotImplementedOnThisBackend)
}
