// Package monitor defines the status-monitor contract lib/vm calls into at
// every state transition (spec.md §4.E): persistence for specs/metadata,
// plus on_resume/on_shutdown/on_suspend notifications. lib/vm holds this as
// a plain interface field set once at construction — never the reverse —
// so the cyclic-ownership risk spec.md §9 flags cannot arise.
package monitor

import (
	"context"
	"encoding/json"

	"github.com/onkernel/qemud/lib/vmspec"
)

// Monitor is the external collaborator spec.md §4.E describes. Its lifetime
// must outlive every VM it is injected into.
type Monitor interface {
	// PersistStateFor is called under the VM's mutex at every transition
	// (spec.md §5); implementations must not call back into the VM from
	// here.
	PersistStateFor(ctx context.Context, vmName string, state vmspec.State) error
	// RetrieveMetadataFor is read once at VM construction.
	RetrieveMetadataFor(ctx context.Context, vmName string) (map[string]json.RawMessage, error)
	UpdateMetadataFor(ctx context.Context, vmName string, metadata map[string]json.RawMessage) error
	OnResume(ctx context.Context, vmName string)
	OnShutdown(ctx context.Context, vmName string)
	OnSuspend(ctx context.Context, vmName string)
}
