package settings

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/platform"
	"github.com/onkernel/qemud/lib/vm"
	"github.com/onkernel/qemud/lib/vmspec"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		key          string
		wantInstance string
		wantField    Field
		wantErr      bool
	}{
		{"local.myvm.cpus", "myvm", FieldCPUs, false},
		{"local.myvm.memory", "myvm", FieldMemory, false},
		{"local.myvm.disk", "myvm", FieldDisk, false},
		{"local.my-vm-2.disk", "my-vm-2", FieldDisk, false},
		{"local.myvm.nics", "", "", true},
		{"myvm.cpus", "", "", true},
		{"local..cpus", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			instance, field, err := ParseKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSetting)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInstance, instance)
			assert.Equal(t, tt.wantField, field)
		})
	}
}

// spec.md §8 invariant 7: parser accepts "3M", "2.5GiB", "1024", "512K";
// rejects "", "abc", "3Q". Byte-exact conversion for suffixed sizes is
// datasize.ByteSize's concern (grounded on cmd/api/api/instances.go's own
// reuse of it), so this only pins the bare-integer case and relative
// ordering, not the unit's exact multiplier.
func TestParseSize_AcceptsLenientGrammar(t *testing.T) {
	for _, raw := range []string{"3M", "2.5GiB", "1024", "512K"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseSize(raw)
			require.NoError(t, err)
		})
	}
}

func TestParseSize_RejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "abc", "3Q"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseSize(raw)
			assert.ErrorIs(t, err, ErrInvalidSetting)
		})
	}
}

func TestParseSize_BareIntegerIsBytes(t *testing.T) {
	got, err := ParseSize("1024")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), got)
}

func TestParseSize_LargerUnitYieldsLargerValue(t *testing.T) {
	small, err := ParseSize("1K")
	require.NoError(t, err)
	large, err := ParseSize("1M")
	require.NoError(t, err)
	assert.Greater(t, large, small)
}

// fakeRegistry implements Registry over an in-memory set of VMs.
type fakeRegistry struct {
	vms       map[string]*vm.VM
	preparing map[string]bool
	deleted   map[string]bool
}

func (r *fakeRegistry) Lookup(instance string) (*vm.VM, error) {
	if v, ok := r.vms[instance]; ok {
		return v, nil
	}
	return nil, ErrNoSuchInstance
}

func (r *fakeRegistry) IsPreparing(instance string) bool { return r.preparing[instance] }
func (r *fakeRegistry) IsDeleted(instance string) bool   { return r.deleted[instance] }

// noopMonitor satisfies monitor.Monitor with no persistence, for settings
// tests that only need a live *vm.VM to call UpdateCPUs/ResizeMemory on.
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

type noopPlatform struct{}

func (noopPlatform) VMPlatformArgs(ctx context.Context, desc vmspec.Description) ([]string, error) {
	return nil, nil
}
func (noopPlatform) VMStatePlatformArgs(ctx context.Context) []string { return nil }
func (noopPlatform) GetIPFor(ctx context.Context, mac string) (vmspec.IPAddress, bool, error) {
	return "", false, nil
}
func (noopPlatform) RemoveResourcesFor(ctx context.Context, vmName string) error { return nil }
func (noopPlatform) PlatformHealthCheck(ctx context.Context) error               { return nil }
func (noopPlatform) GetDirectoryName() string                                    { return "qemu" }

var _ platform.Platform = noopPlatform{}

func newTestVM(t *testing.T, name string) *vm.VM {
	t.Helper()
	p := paths.New(t.TempDir(), "qemu")
	v, err := vm.New(context.Background(), vm.Options{
		Description: vmspec.Description{
			VMName:    name,
			NumCores:  2,
			MemSize:   3 * 1024 * 1024,
			DiskSpace: 1024 * 1024 * 1024,
			Image:     vmspec.Image{Path: "/tmp/does-not-matter.qcow2"},
		},
		Monitor:          noopMonitor{},
		Platform:         noopPlatform{},
		Paths:            p,
		QEMUSystemBinary: "true",
		QEMUImgBinary:    "false",
	})
	require.NoError(t, err)
	return v
}

func TestHandler_Set_RejectsPreparingInstance(t *testing.T) {
	v := newTestVM(t, "vm1")
	reg := &fakeRegistry{
		vms:       map[string]*vm.VM{"vm1": v},
		preparing: map[string]bool{"vm1": true},
		deleted:   map[string]bool{},
	}
	h := New(reg, nil)
	err := h.Set(context.Background(), "local.vm1.cpus", "4")
	assert.ErrorIs(t, err, ErrBeingPrepared)
}

func TestHandler_Set_RejectsDeletedInstance(t *testing.T) {
	v := newTestVM(t, "vm1")
	reg := &fakeRegistry{
		vms:       map[string]*vm.VM{"vm1": v},
		preparing: map[string]bool{},
		deleted:   map[string]bool{"vm1": true},
	}
	h := New(reg, nil)
	err := h.Set(context.Background(), "local.vm1.cpus", "4")
	assert.ErrorIs(t, err, ErrInstanceDeleted)
}

func TestHandler_Set_RejectsUnknownInstance(t *testing.T) {
	reg := &fakeRegistry{vms: map[string]*vm.VM{}, preparing: map[string]bool{}, deleted: map[string]bool{}}
	h := New(reg, nil)
	err := h.Set(context.Background(), "local.ghost.cpus", "4")
	assert.ErrorIs(t, err, ErrNoSuchInstance)
}

func TestHandler_SetAndGet_CPUs(t *testing.T) {
	v := newTestVM(t, "vm1")
	reg := &fakeRegistry{vms: map[string]*vm.VM{"vm1": v}, preparing: map[string]bool{}, deleted: map[string]bool{}}

	var persistedField Field
	var persistedValue string
	h := New(reg, func(ctx context.Context, instance string, field Field, rawValue string) error {
		persistedField, persistedValue = field, rawValue
		return nil
	})

	require.NoError(t, h.Set(context.Background(), "local.vm1.cpus", "4"))
	assert.Equal(t, FieldCPUs, persistedField)
	assert.Equal(t, "4", persistedValue)

	got, err := h.Get(context.Background(), "local.vm1.cpus")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}

func TestHandler_Set_CPUShrinkRejected(t *testing.T) {
	v := newTestVM(t, "vm1")
	reg := &fakeRegistry{vms: map[string]*vm.VM{"vm1": v}, preparing: map[string]bool{}, deleted: map[string]bool{}}
	h := New(reg, nil)

	err := h.Set(context.Background(), "local.vm1.cpus", "1")
	assert.Error(t, err)
}

func TestHandler_Set_MemoryRejectsInvalidSize(t *testing.T) {
	v := newTestVM(t, "vm1")
	reg := &fakeRegistry{vms: map[string]*vm.VM{"vm1": v}, preparing: map[string]bool{}, deleted: map[string]bool{}}
	h := New(reg, nil)

	err := h.Set(context.Background(), "local.vm1.memory", "not-a-size")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}
