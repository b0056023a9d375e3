package vm

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from spec.md §7. Propagation follows spec.md §7
// exactly: StartFailure/Timeout/InvalidSetting/InstanceSettings/
// NotImplementedOnThisBackend are surfaced to the caller; qemu-img/version
// parse failures are recovered locally (see snapshot.go/version.go) and
// never reach here.
var (
	ErrStartFailure                = errors.New("vm: start failure")
	ErrNotImplementedOnThisBackend = errors.New("vm: not implemented on this backend")
	ErrInvalidSetting              = errors.New("vm: invalid setting")
	ErrInstanceSettings            = errors.New("vm: instance settings")
	ErrTimeout                     = errors.New("vm: timeout")
	ErrIOError                     = errors.New("vm: io error")
)

// StartFailureError carries the vm_name and reason spec.md §4.D's
// ensure_vm_is_running requires: "throws a start-failure with vm_name if
// the VM went to off while starting."
type StartFailureError struct {
	VMName string
	Reason string
}

func (e *StartFailureError) Error() string {
	return fmt.Sprintf("vm %s: start failure: %s", e.VMName, e.Reason)
}

func (e *StartFailureError) Unwrap() error { return ErrStartFailure }
