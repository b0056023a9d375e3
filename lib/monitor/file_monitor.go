package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/onkernel/qemud/lib/logger"
	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/vmspec"
)

// record is the on-disk shape of a VM's persisted state, grounded on
// lib/instances/storage.go's metadata.json pattern.
type record struct {
	State    vmspec.State               `json:"state"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// FileMonitor is the default Monitor: one metadata.json per VM under its
// state directory, plus in-process notification hooks. Event hooks default
// to no-ops; callers needing to react to on_resume/on_shutdown/on_suspend
// set them after construction.
type FileMonitor struct {
	paths *paths.Paths

	mu sync.Mutex

	OnResumeFunc   func(ctx context.Context, vmName string)
	OnShutdownFunc func(ctx context.Context, vmName string)
	OnSuspendFunc  func(ctx context.Context, vmName string)
}

var _ Monitor = (*FileMonitor)(nil)

// New creates a FileMonitor rooted at the given Paths.
func New(p *paths.Paths) *FileMonitor {
	return &FileMonitor{paths: p}
}

func (m *FileMonitor) metadataPath(vmName string) (string, error) {
	dir, err := m.paths.VMDir(vmName)
	if err != nil {
		return "", err
	}
	return dir + "/metadata.json", nil
}

func (m *FileMonitor) load(vmName string) (record, error) {
	path, err := m.metadataPath(vmName)
	if err != nil {
		return record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record{Metadata: map[string]json.RawMessage{}}, nil
		}
		return record{}, fmt.Errorf("monitor: read metadata: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("monitor: unmarshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]json.RawMessage{}
	}
	return rec, nil
}

func (m *FileMonitor) save(vmName string, rec record) error {
	dir, err := m.paths.VMDir(vmName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("monitor: create vm dir: %w", err)
	}
	path, err := m.metadataPath(vmName)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("monitor: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("monitor: write metadata: %w", err)
	}
	return nil
}

// PersistStateFor persists the VM's current state. Called under the VM's
// own mutex (spec.md §5); it therefore must not, and does not, call back
// into lib/vm.
func (m *FileMonitor) PersistStateFor(ctx context.Context, vmName string, state vmspec.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(vmName)
	if err != nil {
		return err
	}
	rec.State = state
	return m.save(vmName, rec)
}

func (m *FileMonitor) RetrieveMetadataFor(ctx context.Context, vmName string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(vmName)
	if err != nil {
		return nil, err
	}
	return rec.Metadata, nil
}

func (m *FileMonitor) UpdateMetadataFor(ctx context.Context, vmName string, metadata map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(vmName)
	if err != nil {
		return err
	}
	rec.Metadata = metadata
	return m.save(vmName, rec)
}

func (m *FileMonitor) OnResume(ctx context.Context, vmName string) {
	logger.FromContext(ctx).Info("vm resumed", "vm_name", vmName)
	if m.OnResumeFunc != nil {
		m.OnResumeFunc(ctx, vmName)
	}
}

func (m *FileMonitor) OnShutdown(ctx context.Context, vmName string) {
	logger.FromContext(ctx).Info("vm shut down", "vm_name", vmName)
	if m.OnShutdownFunc != nil {
		m.OnShutdownFunc(ctx, vmName)
	}
}

func (m *FileMonitor) OnSuspend(ctx context.Context, vmName string) {
	logger.FromContext(ctx).Info("vm suspended", "vm_name", vmName)
	if m.OnSuspendFunc != nil {
		m.OnSuspendFunc(ctx, vmName)
	}
}
