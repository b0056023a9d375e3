// Package vm implements the VM lifecycle engine: the authoritative state
// machine for a single QEMU-backed virtual machine (spec.md §4.D). It
// consumes lib/process (supervises the qemu-system-* child), lib/qmp
// (drives it over QMP), lib/platform (host resources) and lib/monitor
// (persistence/notifications).
//
// Grounded on lib/instances/state.go's table-driven transition validation
// (generalized in lib/vmspec) and on the manager's per-item locking pattern
// in lib/instances/manager.go, specialized per spec.md §5 to a single mutex
// plus condition variable per VM rather than a bare mutex, since spec.md
// requires blocking waits on state predicates that a plain RWMutex cannot
// express.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/onkernel/qemud/lib/logger"
	"github.com/onkernel/qemud/lib/monitor"
	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/platform"
	"github.com/onkernel/qemud/lib/process"
	"github.com/onkernel/qemud/lib/qmp"
	"github.com/onkernel/qemud/lib/vmspec"
)

// newLogger returns a subsystem-scoped logger for vmName, reading
// LOG_LEVEL/LOG_LEVEL_VM the way every other subsystem logger does.
func newLogger(vmName string) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemVM, logger.NewConfig(), nil).With("vm_name", vmName)
}

// QMPSocketWaitTimeout bounds how long Start waits for the QMP socket to
// appear after the child is spawned. Exported so tests can shrink it.
var QMPSocketWaitTimeout = 10 * time.Second

// SuspendResumeTimeout bounds how long Suspend waits for the RESUME event
// QEMU emits once savevm completes. Exported so tests can shrink it.
var SuspendResumeTimeout = 30 * time.Second

// SSHHostnamePollInterval is how often ssh_hostname re-checks the platform
// adapter's DHCP lease while waiting for one to appear.
var SSHHostnamePollInterval = 200 * time.Millisecond

var socketPollInterval = 50 * time.Millisecond

// newSupervisor and connectQMP are package-level indirections so tests can
// substitute fakes without spawning a real qemu-system-* process or dialing
// a real QMP socket.
var newSupervisor = func(program string, argv, env []string) process.Proc {
	return process.New(program, argv, env)
}

// connectQMP goes through lib/qmp's socket-keyed pool rather than dialing
// directly: a restarted VM reuses the same per-VM socket path, and the pool
// is what guarantees a stale, broken session from a prior run is dropped
// and redialed instead of silently reused.
var connectQMP = func(ctx context.Context, socketPath string) (qmp.Conn, error) {
	s, err := qmp.GetOrDial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options configures a new VM.
type Options struct {
	Description      vmspec.Description
	Monitor          monitor.Monitor
	Platform         platform.Platform
	Paths            *paths.Paths
	QEMUSystemBinary string // e.g. "qemu-system-x86_64"
	QEMUImgBinary    string // "qemu-img"
}

// VM is the authoritative lifecycle object for one QEMU-backed instance.
// Operations on the same VM are serialized by mu; the QMP session is owned
// exclusively by this VM for the lifetime of its supervised process.
type VM struct {
	desc     vmspec.Description
	monitor  monitor.Monitor
	platform platform.Platform
	paths    *paths.Paths
	qemuBin  string
	qemuImg  string
	log      *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	specs       vmspec.Specs
	hasSnapshot bool

	proc        process.Proc
	qmpConn     qmp.Conn
	startCancel context.CancelFunc

	lastStartFailureReason string
	consoleStderr          []byte
	suspendResumeSeen      bool
}

// New constructs a VM over an existing (possibly already-provisioned) disk
// image. Per spec.md §4.D, the initial state is computed by inspecting the
// image for the suspend snapshot tag; per invariant 1 (spec.md §8) the
// observed state immediately after construction is always StateOff.
func New(ctx context.Context, opts Options) (*VM, error) {
	metadata, err := opts.Monitor.RetrieveMetadataFor(ctx, opts.Description.VMName)
	if err != nil {
		return nil, fmt.Errorf("vm: retrieve metadata for %s: %w", opts.Description.VMName, err)
	}

	v := &VM{
		desc:     opts.Description,
		monitor:  opts.Monitor,
		platform: opts.Platform,
		paths:    opts.Paths,
		qemuBin:  opts.QEMUSystemBinary,
		qemuImg:  opts.QEMUImgBinary,
		log:      newLogger(opts.Description.VMName),
	}
	v.cond = sync.NewCond(&v.mu)
	v.specs = vmspec.Specs{
		NumCores:    opts.Description.NumCores,
		MemSize:     opts.Description.MemSize,
		DiskSpace:   opts.Description.DiskSpace,
		DefaultMAC:  opts.Description.DefaultMAC,
		ExtraIfaces: opts.Description.ExtraIfaces,
		SSHUsername: opts.Description.SSHUsername,
		State:       vmspec.StateOff,
		Metadata:    metadata,
	}
	v.hasSnapshot = hasSuspendTag(ctx, opts.QEMUImgBinary, opts.Description.Image.Path, vmspec.DefaultSuspendTag)

	return v, nil
}

// CurrentState returns the observed state. Never blocks.
func (v *VM) CurrentState() vmspec.State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.specs.State
}

// Specs returns a copy of the VM's current mutable specs.
func (v *VM) Specs() vmspec.Specs {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.specs
}

// Name returns the VM's name, which never changes.
func (v *VM) Name() string { return v.desc.VMName }

// setStateLocked transitions the VM to newState, persists it via the
// monitor (under v.mu, per spec.md §5 -- the monitor must not call back
// into the VM from here) and wakes every waiter. Must be called with v.mu
// held.
func (v *VM) setStateLocked(ctx context.Context, newState vmspec.State) {
	v.specs.State = newState
	if err := v.monitor.PersistStateFor(ctx, v.desc.VMName, newState); err != nil {
		v.log.Warn("persist state failed", "state", newState, "error", err)
	}
	v.cond.Broadcast()
}

// Start is idempotent if already running/starting; otherwise transitions
// off|suspended -> starting and spawns qemu-system-<arch>.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	switch v.specs.State {
	case vmspec.StateRunning, vmspec.StateStarting:
		v.mu.Unlock()
		return nil
	case vmspec.StateOff, vmspec.StateSuspended:
		// proceed
	default:
		st := v.specs.State
		v.mu.Unlock()
		return fmt.Errorf("vm: start not valid from state %s", st)
	}

	startCtx, cancel := context.WithCancel(context.Background())
	v.startCancel = cancel
	v.lastStartFailureReason = ""
	v.consoleStderr = nil
	v.suspendResumeSeen = false
	desc := v.desc
	specs := v.specs
	metadata := v.specs.Metadata
	hasSnapshot := v.hasSnapshot
	v.setStateLocked(ctx, vmspec.StateStarting)
	v.mu.Unlock()

	sockPath, err := v.paths.VMQMPSocket(desc.VMName)
	if err != nil {
		v.failStart(ctx, fmt.Sprintf("resolve qmp socket path: %v", err))
		return err
	}
	os.Remove(sockPath) // drop a stale socket from a prior run
	qmp.Forget(sockPath) // and any pooled session dialed against it

	argv, err := buildArgv(ctx, v.platform, desc, specs, metadata, sockPath, hasSnapshot)
	if err != nil {
		v.failStart(ctx, err.Error())
		return err
	}

	proc := newSupervisor(v.qemuBin, argv, nil)
	v.mu.Lock()
	v.proc = proc
	v.mu.Unlock()

	var consoleWriter io.Writer
	if logPath, err := v.paths.VMConsoleLog(desc.VMName); err == nil {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			consoleWriter = f
		}
	}

	if err := proc.Start(ctx, process.Options{Stdout: consoleWriter}); err != nil {
		v.failStart(ctx, fmt.Sprintf("process start: %v", err))
		return err
	}

	go v.dispatch(startCtx, proc, sockPath)
	return nil
}

// failStart records reason (first one wins) and transitions to off.
func (v *VM) failStart(ctx context.Context, reason string) {
	v.mu.Lock()
	if v.lastStartFailureReason == "" {
		v.lastStartFailureReason = reason
	}
	v.setStateLocked(ctx, vmspec.StateOff)
	v.mu.Unlock()
}

// dispatch is the single writer goroutine for this VM's process+QMP event
// streams, per spec.md §9's design note: all observable state updates
// happen here, under v.mu, rather than at each blocked caller.
func (v *VM) dispatch(startCtx context.Context, proc process.Proc, sockPath string) {
	ctx := context.Background()

	qc, err := v.waitForQMPSocket(startCtx, sockPath)
	if err != nil {
		v.mu.Lock()
		if v.specs.State == vmspec.StateStarting {
			if v.lastStartFailureReason == "" {
				if errors.Is(err, context.Canceled) {
					// startCtx was cancelled by Shutdown() while the socket
					// was still being polled for, not a genuine connect
					// failure: report it as the same shutdown-while-starting
					// reason the doneCh branch below reports, per spec.md
					// §4.D's "shutdown-while-starting" message contract.
					v.lastStartFailureReason = v.shutdownWhileStartingReasonLocked()
				} else {
					v.lastStartFailureReason = fmt.Sprintf("qmp connect: %v", err)
				}
			}
			v.setStateLocked(ctx, vmspec.StateOff)
		}
		v.mu.Unlock()
		proc.Kill() //nolint:errcheck
		return
	}

	v.mu.Lock()
	v.qmpConn = qc
	v.mu.Unlock()

	procEvents := proc.Events()
	qmpEvents := qc.Events()
	doneCh := startCtx.Done()

	for procEvents != nil || qmpEvents != nil {
		select {
		case ev, ok := <-procEvents:
			if !ok {
				procEvents = nil
				continue
			}
			v.onProcessEvent(ctx, ev)
		case ev, ok := <-qmpEvents:
			if !ok {
				qmpEvents = nil
				continue
			}
			v.onQMPEvent(ctx, ev)
		case <-doneCh:
			doneCh = nil // fire exactly once; a closed context.Done() never blocks again
			v.mu.Lock()
			if v.specs.State == vmspec.StateStarting {
				v.lastStartFailureReason = v.shutdownWhileStartingReasonLocked()
				v.mu.Unlock()
				proc.Kill() //nolint:errcheck
			} else {
				v.mu.Unlock()
			}
		}
	}
}

// shutdownWhileStartingReasonLocked builds the StartFailure reason spec.md
// §4.D's "shutdown-while-starting" guarantee requires: it must contain both
// "shutdown" and "starting" plus the child's captured stderr. Must be called
// with v.mu held. Shared by both places a start can be interrupted by a
// concurrent Shutdown(): the doneCh branch below (already past the QMP
// socket wait) and waitForQMPSocket's context.Canceled return (cancelled
// while still polling for the socket to appear).
func (v *VM) shutdownWhileStartingReasonLocked() string {
	return fmt.Sprintf("shutdown requested while still starting vm %s: %s", v.desc.VMName, string(v.consoleStderr))
}

// waitForQMPSocket polls for the QMP socket file to appear, then dials it.
func (v *VM) waitForQMPSocket(startCtx context.Context, sockPath string) (qmp.Conn, error) {
	deadline := time.Now().Add(QMPSocketWaitTimeout)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			return connectQMP(context.Background(), sockPath)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("qmp socket %s not ready after %s", sockPath, QMPSocketWaitTimeout)
		}
		select {
		case <-startCtx.Done():
			return nil, startCtx.Err()
		case <-time.After(socketPollInterval):
		}
	}
}

func (v *VM) onProcessEvent(ctx context.Context, ev process.Event) {
	switch ev.Kind {
	case process.EventStderr:
		v.mu.Lock()
		v.consoleStderr = append(v.consoleStderr, ev.Data...)
		v.mu.Unlock()

	case process.EventFinished:
		v.mu.Lock()
		switch v.specs.State {
		case vmspec.StateStarting:
			if v.lastStartFailureReason == "" {
				v.lastStartFailureReason = fmt.Sprintf("process exited before reaching running: %s", describeFinal(ev.Final))
			}
			v.setStateLocked(ctx, vmspec.StateOff)
			v.mu.Unlock()
		case vmspec.StateRunning, vmspec.StateUnknown, vmspec.StateDelayedShutdown:
			v.setStateLocked(ctx, vmspec.StateOff)
			v.mu.Unlock()
			v.monitor.OnShutdown(ctx, v.desc.VMName)
		case vmspec.StateSuspending:
			// Suspend() owns this process' teardown and the resulting
			// transition; nothing to do here.
			v.mu.Unlock()
		default:
			v.mu.Unlock()
		}
	}
}

func describeFinal(final *vmspec.ProcessState) string {
	if final == nil {
		return "unknown"
	}
	if final.Err != nil {
		return final.Err.Error()
	}
	if final.ExitCode != nil {
		return fmt.Sprintf("exit code %d", *final.ExitCode)
	}
	return "unknown"
}

func (v *VM) onQMPEvent(ctx context.Context, ev qmp.Event) {
	switch ev.Kind {
	case qmp.EventResume:
		v.mu.Lock()
		switch v.specs.State {
		case vmspec.StateStarting:
			v.setStateLocked(ctx, vmspec.StateRunning)
			v.mu.Unlock()
			v.monitor.OnResume(ctx, v.desc.VMName)
		case vmspec.StateSuspending:
			v.suspendResumeSeen = true
			v.cond.Broadcast()
			v.mu.Unlock()
		default:
			v.mu.Unlock()
		}
	case qmp.EventShutdown, qmp.EventStop, qmp.EventPowerdown:
		// observed for diagnostics; the authoritative off transition comes
		// from the child's process exit (EventFinished), not these QMP
		// notifications, since QEMU may linger briefly after POWERDOWN.
		v.log.Debug("qmp event", "kind", ev.Kind)
	}
}

// Shutdown is a no-op from off/suspended. From starting, it interrupts the
// in-flight start (spec.md §4.D "shutdown-while-starting"). From
// running/unknown, it issues system_powerdown and waits for the child to
// exit.
func (v *VM) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	switch v.specs.State {
	case vmspec.StateOff, vmspec.StateSuspended:
		v.mu.Unlock()
		return nil

	case vmspec.StateStarting:
		cancel := v.startCancel
		v.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_, err := v.waitForState(ctx, QMPSocketWaitTimeout+10*time.Second, func(s vmspec.State) bool {
			return s == vmspec.StateOff
		})
		return err

	case vmspec.StateRunning, vmspec.StateUnknown, vmspec.StateDelayedShutdown:
		// From running specifically, persist the intermediate
		// delayed_shutdown state spec.md §8 scenario S2 names, between the
		// running and off persists, before awaiting the child's exit.
		// unknown has no delayed_shutdown leg in vmspec.ValidTransitions
		// (shutdown from unknown goes straight to off), so only transition
		// through it when starting from running.
		if v.specs.State == vmspec.StateRunning {
			v.setStateLocked(ctx, vmspec.StateDelayedShutdown)
		}
		qc := v.qmpConn
		v.mu.Unlock()
		if qc != nil {
			if err := qc.SystemPowerdown(ctx); err != nil {
				v.log.Warn("system_powerdown failed; forcing kill", "error", err)
				v.mu.Lock()
				proc := v.proc
				v.mu.Unlock()
				if proc != nil {
					proc.Kill() //nolint:errcheck
				}
			}
		}
		_, err := v.waitForState(ctx, qmp.DefaultCommandTimeout, func(s vmspec.State) bool {
			return s == vmspec.StateOff
		})
		return err

	default:
		st := v.specs.State
		v.mu.Unlock()
		return fmt.Errorf("vm: shutdown not valid from state %s", st)
	}
}

// Suspend issues "savevm suspend", waits for QEMU's RESUME event (emitted
// once savevm completes and CPUs resume), kills the process and marks the
// on-disk image as carrying the suspend tag.
func (v *VM) Suspend(ctx context.Context) error {
	v.mu.Lock()
	if v.specs.State != vmspec.StateRunning {
		st := v.specs.State
		v.mu.Unlock()
		return fmt.Errorf("vm: suspend not valid from state %s", st)
	}
	qc := v.qmpConn
	proc := v.proc
	v.suspendResumeSeen = false
	v.setStateLocked(ctx, vmspec.StateSuspending)
	v.mu.Unlock()

	if qc == nil {
		v.mu.Lock()
		v.setStateLocked(ctx, vmspec.StateUnknown)
		v.mu.Unlock()
		return fmt.Errorf("vm: suspend: no qmp session")
	}

	if err := qc.Savevm(ctx, vmspec.DefaultSuspendTag); err != nil {
		v.mu.Lock()
		v.setStateLocked(ctx, vmspec.StateUnknown)
		v.mu.Unlock()
		return fmt.Errorf("vm: savevm: %w", err)
	}

	// waitForState invokes this predicate with v.mu already held, so it must
	// read suspendResumeSeen directly rather than re-locking.
	if _, err := v.waitForState(ctx, SuspendResumeTimeout, func(vmspec.State) bool {
		return v.suspendResumeSeen
	}); err != nil {
		return fmt.Errorf("vm: suspend: waiting for resume event: %w", err)
	}

	if proc != nil {
		proc.Kill() //nolint:errcheck
		proc.WaitForFinished(ctx, qmp.DefaultCommandTimeout) //nolint:errcheck
	}

	v.mu.Lock()
	v.hasSnapshot = true
	v.setStateLocked(ctx, vmspec.StateOff)
	v.mu.Unlock()

	v.monitor.OnSuspend(ctx, v.desc.VMName)
	return nil
}

// EnsureRunning blocks until the state is running or the in-flight start
// has terminated (gone back to off), throwing a start-failure in the
// latter case.
func (v *VM) EnsureRunning(ctx context.Context) error {
	state, err := v.waitForState(ctx, 0, func(s vmspec.State) bool {
		return s != vmspec.StateStarting
	})
	if err != nil {
		return err
	}
	if state == vmspec.StateRunning {
		return nil
	}
	v.mu.Lock()
	reason := v.lastStartFailureReason
	v.mu.Unlock()
	if reason == "" {
		reason = fmt.Sprintf("vm did not reach running (state=%s)", state)
	}
	return &StartFailureError{VMName: v.desc.VMName, Reason: reason}
}

// ManagementIPv4 returns the current lease, or vmspec.UnknownIP if none is
// known. Never throws (spec.md §4.D).
func (v *VM) ManagementIPv4(ctx context.Context) vmspec.IPAddress {
	ip, ok, err := v.platform.GetIPFor(ctx, v.desc.DefaultMAC)
	if err != nil || !ok {
		return vmspec.UnknownIP
	}
	return ip
}

// SSHHostname blocks until a management IP is reachable, or throws a
// Timeout error and transitions the state to unknown after timeout
// elapses. Never returns the UNKNOWN sentinel.
func (v *VM) SSHHostname(ctx context.Context, timeout time.Duration) (vmspec.IPAddress, error) {
	deadline := time.Now().Add(timeout)
	for {
		ip, ok, err := v.platform.GetIPFor(ctx, v.desc.DefaultMAC)
		if err == nil && ok {
			return ip, nil
		}
		if time.Now().After(deadline) {
			v.mu.Lock()
			if v.specs.State != vmspec.StateOff && v.specs.State != vmspec.StateSuspended {
				v.setStateLocked(ctx, vmspec.StateUnknown)
			}
			v.mu.Unlock()
			return "", fmt.Errorf("%w: ssh_hostname: no lease for %s after %s", ErrTimeout, v.desc.VMName, timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(SSHHostnamePollInterval):
		}
	}
}

// UpdateCPUs grows the VM's core count. Only valid when stopped; rejects a
// shrink; is a no-op when unchanged.
func (v *VM) UpdateCPUs(n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.specs.State != vmspec.StateOff {
		return fmt.Errorf("%w: update_cpus requires a stopped vm, got state %s", ErrInstanceSettings, v.specs.State)
	}
	switch {
	case n < v.specs.NumCores:
		return fmt.Errorf("%w: cpus must not shrink (%d < %d)", ErrInvalidSetting, n, v.specs.NumCores)
	case n == v.specs.NumCores:
		return nil
	default:
		v.specs.NumCores = n
		return nil
	}
}

// ResizeMemory grows the VM's memory allocation in bytes.
func (v *VM) ResizeMemory(bytes uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.specs.State != vmspec.StateOff {
		return fmt.Errorf("%w: resize_memory requires a stopped vm, got state %s", ErrInstanceSettings, v.specs.State)
	}
	switch {
	case bytes < v.specs.MemSize:
		return fmt.Errorf("%w: memory must not shrink (%d < %d)", ErrInvalidSetting, bytes, v.specs.MemSize)
	case bytes == v.specs.MemSize:
		return nil
	default:
		v.specs.MemSize = bytes
		return nil
	}
}

// ResizeDisk grows the VM's disk allocation in bytes.
func (v *VM) ResizeDisk(bytes uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.specs.State != vmspec.StateOff {
		return fmt.Errorf("%w: resize_disk requires a stopped vm, got state %s", ErrInstanceSettings, v.specs.State)
	}
	switch {
	case bytes < v.specs.DiskSpace:
		return fmt.Errorf("%w: disk must not shrink (%d < %d)", ErrInvalidSetting, bytes, v.specs.DiskSpace)
	case bytes == v.specs.DiskSpace:
		return nil
	default:
		v.specs.DiskSpace = bytes
		return nil
	}
}

// Networks is not implemented on this backend (spec.md §4.D).
func (v *VM) Networks(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("vm %s: %w", v.desc.VMName, ErrNotImplementedOnThisBackend)
}
