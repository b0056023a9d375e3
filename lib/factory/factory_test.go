package factory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/vmspec"
)

type noopMonitor struct{}

func (noopMonitor) PersistStateFor(ctx context.Context, vmName string, state vmspec.State) error {
	return nil
}
func (noopMonitor) RetrieveMetadataFor(ctx context.Context, vmName string) (map[string]json.RawMessage, error) {
	return nil, nil
}
func (noopMonitor) UpdateMetadataFor(ctx context.Context, vmName string, metadata map[string]json.RawMessage) error {
	return nil
}
func (noopMonitor) OnResume(ctx context.Context, vmName string)   {}
func (noopMonitor) OnShutdown(ctx context.Context, vmName string) {}
func (noopMonitor) OnSuspend(ctx context.Context, vmName string)  {}

type noopPlatform struct {
	healthErr error
}

func (p noopPlatform) VMPlatformArgs(ctx context.Context, desc vmspec.Description) ([]string, error) {
	return nil, nil
}
func (noopPlatform) VMStatePlatformArgs(ctx context.Context) []string { return nil }
func (noopPlatform) GetIPFor(ctx context.Context, mac string) (vmspec.IPAddress, bool, error) {
	return "", false, nil
}
func (noopPlatform) RemoveResourcesFor(ctx context.Context, vmName string) error { return nil }
func (p noopPlatform) PlatformHealthCheck(ctx context.Context) error             { return p.healthErr }
func (noopPlatform) GetDirectoryName() string                                   { return "qemu" }

func TestFactory_CreateVirtualMachine(t *testing.T) {
	p := paths.New(t.TempDir(), "qemu")
	f := New(Config{QEMUSystemBinary: "true", QEMUImgBinary: "false"}, noopPlatform{}, p)

	v, err := f.CreateVirtualMachine(context.Background(), vmspec.Description{
		VMName:    "vm1",
		NumCores:  2,
		MemSize:   3 * 1024 * 1024,
		DiskSpace: 1024 * 1024 * 1024,
		Image:     vmspec.Image{Path: "/tmp/does-not-matter.qcow2"},
	}, noopMonitor{})
	require.NoError(t, err)
	assert.Equal(t, vmspec.StateOff, v.CurrentState())
}

func TestFactory_GetBackendDirectoryName(t *testing.T) {
	p := paths.New(t.TempDir(), "qemu")
	f := New(Config{}, noopPlatform{}, p)
	assert.Equal(t, "qemu", f.GetBackendDirectoryName())
}

func TestFactory_Networks_NotImplemented(t *testing.T) {
	p := paths.New(t.TempDir(), "qemu")
	f := New(Config{}, noopPlatform{}, p)
	_, err := f.Networks(context.Background())
	assert.ErrorIs(t, err, ErrNotImplementedOnThisBackend)
}

func TestFactory_HypervisorHealthCheck_PropagatesPlatformError(t *testing.T) {
	p := paths.New(t.TempDir(), "qemu")
	f := New(Config{QEMUSystemBinary: "true"}, noopPlatform{healthErr: assert.AnError}, p)
	err := f.HypervisorHealthCheck(context.Background())
	assert.Error(t, err)
}
