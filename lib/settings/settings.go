// Package settings implements the instance settings handler of spec.md
// §4.G: parsing "local.<instance>.<cpus|memory|disk>" keys, enforcing the
// grow-only/stopped-state rules ahead of lib/vm, and invoking a persister
// callback on success. Grounded on cmd/api/api/instances.go's
// datasize.ByteSize-based size parsing, reused here rather than
// hand-rolling a byte-size parser.
package settings

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/c2h5oh/datasize"

	"github.com/onkernel/qemud/lib/vm"
)

// Sentinel errors for write rejections, per spec.md §4.G.
var (
	ErrInvalidSetting  = errors.New("settings: invalid setting")
	ErrBeingPrepared   = errors.New("settings: instance is being prepared")
	ErrNoSuchInstance  = errors.New("settings: no such instance")
	ErrInstanceDeleted = errors.New("settings: instance is deleted")
)

// Field identifies which of an instance's resizable dimensions a key names.
type Field string

const (
	FieldCPUs   Field = "cpus"
	FieldMemory Field = "memory"
	FieldDisk   Field = "disk"
)

// keyPattern matches "local.<instance>.<cpus|memory|disk>"; <instance> is
// any run of non-dot characters.
var keyPattern = regexp.MustCompile(`^local\.([^.]+)\.(cpus|memory|disk)$`)

// ParseKey splits a settings key into its instance name and field, or
// reports ErrInvalidSetting if key doesn't match the "local.<instance>.
// <cpus|memory|disk>" shape.
func ParseKey(key string) (instance string, field Field, err error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q is not a recognized settings key", ErrInvalidSetting, key)
	}
	return m[1], Field(m[2]), nil
}

// sizePattern is the lenient size grammar spec.md §4.G requires:
// \d+(\.\d+)?[KMG]i?B?, with the unit itself optional so a bare integer is
// taken as bytes (spec.md §8 invariant 7's "1024" case), case-insensitive.
// datasize.ByteSize.UnmarshalText accepts a broader grammar than this (it
// also takes larger units such as T and P), so this regex is
// checked first to reject anything outside the contract before handing the
// matched text to datasize for the actual byte conversion.
var sizePattern = regexp.MustCompile(`(?i)^\d+(\.\d+)?([kmg]i?)?b?$`)

// ParseSize parses a lenient memory/disk size string into bytes.
func ParseSize(raw string) (uint64, error) {
	if !sizePattern.MatchString(raw) {
		return 0, fmt.Errorf("%w: %q is not a valid size (expected e.g. 512M, 2GiB, 1.5G)", ErrInvalidSetting, raw)
	}
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSetting, raw, err)
	}
	return uint64(bs), nil
}

// Registry resolves an instance name to its VM and reports the lifecycle
// state the settings handler must respect before allowing a write: an
// instance mid-provisioning rejects writes with ErrBeingPrepared, and one
// that no longer exists (or has been deleted) rejects with
// ErrNoSuchInstance/ErrInstanceDeleted. Implemented by whatever owns the
// instance registry above this package (out of scope per spec.md §5).
type Registry interface {
	Lookup(instance string) (*vm.VM, error)
	IsPreparing(instance string) bool
	IsDeleted(instance string) bool
}

// Persister is invoked after a setting is successfully applied to the VM,
// so the caller can persist the new value alongside the rest of the
// instance's record.
type Persister func(ctx context.Context, instance string, field Field, rawValue string) error

// Handler implements spec.md §4.G over a Registry and Persister.
type Handler struct {
	registry  Registry
	persister Persister
}

// New constructs a Handler. persister may be nil to skip persistence (e.g.
// in tests exercising only the validation rules).
func New(registry Registry, persister Persister) *Handler {
	return &Handler{registry: registry, persister: persister}
}

// Get reads a setting. Reads are unrestricted by spec.md §4.G: no
// preparing/deleted/state checks apply.
func (h *Handler) Get(ctx context.Context, key string) (string, error) {
	instance, field, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	v, err := h.registry.Lookup(instance)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoSuchInstance, instance)
	}
	specs := v.Specs()
	switch field {
	case FieldCPUs:
		return strconv.Itoa(specs.NumCores), nil
	case FieldMemory:
		return datasize.ByteSize(specs.MemSize).HR(), nil
	case FieldDisk:
		return datasize.ByteSize(specs.DiskSpace).HR(), nil
	default:
		return "", fmt.Errorf("%w: unhandled field %q", ErrInvalidSetting, field)
	}
}

// Set validates and applies a write per spec.md §4.G's rule set, in this
// order: preparing set, deleted instance, unknown instance, value parsing
// (integer for cpus, lenient size for memory/disk), then stopped-state and
// grow-only (both enforced by the underlying lib/vm.VM setter). On success
// the persister callback is invoked with the raw value as received.
func (h *Handler) Set(ctx context.Context, key, value string) error {
	instance, field, err := ParseKey(key)
	if err != nil {
		return err
	}

	if h.registry.IsPreparing(instance) {
		return fmt.Errorf("%w: %s", ErrBeingPrepared, instance)
	}
	if h.registry.IsDeleted(instance) {
		return fmt.Errorf("%w: %s", ErrInstanceDeleted, instance)
	}
	v, err := h.registry.Lookup(instance)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoSuchInstance, instance)
	}

	switch field {
	case FieldCPUs:
		n, convErr := strconv.Atoi(value)
		if convErr != nil {
			return fmt.Errorf("%w: cpus value %q is not an integer", ErrInvalidSetting, value)
		}
		if err := v.UpdateCPUs(n); err != nil {
			return err
		}
	case FieldMemory:
		bytes, parseErr := ParseSize(value)
		if parseErr != nil {
			return parseErr
		}
		if err := v.ResizeMemory(bytes); err != nil {
			return err
		}
	case FieldDisk:
		bytes, parseErr := ParseSize(value)
		if parseErr != nil {
			return parseErr
		}
		if err := v.ResizeDisk(bytes); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unhandled field %q", ErrInvalidSetting, field)
	}

	if h.persister != nil {
		return h.persister(ctx, instance, field, value)
	}
	return nil
}
