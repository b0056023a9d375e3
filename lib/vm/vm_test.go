package vm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/qemud/lib/paths"
	"github.com/onkernel/qemud/lib/platform"
	"github.com/onkernel/qemud/lib/process"
	"github.com/onkernel/qemud/lib/qmp"
	"github.com/onkernel/qemud/lib/vmspec"
)

// fakeProc is a test double for process.Proc, driven entirely by the test
// pushing events onto its channel rather than spawning a real binary.
type fakeProc struct {
	mu       sync.Mutex
	started  bool
	killed   bool
	events   chan process.Event
	finished chan struct{}
	final    vmspec.ProcessState
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		events:   make(chan process.Event, 16),
		finished: make(chan struct{}),
	}
}

func (f *fakeProc) Start(ctx context.Context, opts process.Options) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProc) Events() <-chan process.Event { return f.events }

func (f *fakeProc) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakeProc) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProc) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeProc) Pid() int { return 4242 }

func (f *fakeProc) WaitForFinished(ctx context.Context, timeout time.Duration) (vmspec.ProcessState, error) {
	select {
	case <-f.finished:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.final, nil
	case <-time.After(timeout):
		return vmspec.ProcessState{}, context.DeadlineExceeded
	}
}

// finish delivers an EventFinished and unblocks WaitForFinished.
func (f *fakeProc) finish(state vmspec.ProcessState) {
	f.mu.Lock()
	f.final = state
	f.mu.Unlock()
	f.events <- process.Event{Kind: process.EventFinished, Final: &state}
	close(f.finished)
}

var _ process.Proc = (*fakeProc)(nil)

// fakeConn is a test double for qmp.Conn.
type fakeConn struct {
	mu       sync.Mutex
	events   chan qmp.Event
	closed   bool
	savevmFn func(ctx context.Context, tag string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan qmp.Event, 16)}
}

func (c *fakeConn) Events() <-chan qmp.Event { return c.events }
func (c *fakeConn) QueryStatus(ctx context.Context) (string, error) { return "running", nil }
func (c *fakeConn) SystemPowerdown(ctx context.Context) error       { return nil }
func (c *fakeConn) Savevm(ctx context.Context, tag string) error {
	if c.savevmFn != nil {
		return c.savevmFn(ctx, tag)
	}
	return nil
}
func (c *fakeConn) Loadvm(ctx context.Context, tag string) error { return nil }
func (c *fakeConn) Continue(ctx context.Context) error           { return nil }
func (c *fakeConn) Broken() bool                                 { return false }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

var _ qmp.Conn = (*fakeConn)(nil)

// fakePlatform is a minimal platform.Platform double.
type fakePlatform struct {
	args []string
	ip   vmspec.IPAddress
	ipOK bool
}

func (p *fakePlatform) VMPlatformArgs(ctx context.Context, desc vmspec.Description) ([]string, error) {
	return p.args, nil
}
func (p *fakePlatform) VMStatePlatformArgs(ctx context.Context) []string { return nil }
func (p *fakePlatform) GetIPFor(ctx context.Context, mac string) (vmspec.IPAddress, bool, error) {
	return p.ip, p.ipOK, nil
}
func (p *fakePlatform) RemoveResourcesFor(ctx context.Context, vmName string) error { return nil }
func (p *fakePlatform) PlatformHealthCheck(ctx context.Context) error               { return nil }
func (p *fakePlatform) GetDirectoryName() string                                    { return "qemu" }

var _ platform.Platform = (*fakePlatform)(nil)

// fakeMonitor records every callback invocation for assertion.
type fakeMonitor struct {
	mu           sync.Mutex
	persisted    []vmspec.State
	resumes      int
	shutdowns    int
	suspends     int
	metadata     map[string]json.RawMessage
	persistErr   error
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{metadata: map[string]json.RawMessage{}}
}

func (m *fakeMonitor) PersistStateFor(ctx context.Context, vmName string, state vmspec.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, state)
	return m.persistErr
}

func (m *fakeMonitor) RetrieveMetadataFor(ctx context.Context, vmName string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata, nil
}

func (m *fakeMonitor) UpdateMetadataFor(ctx context.Context, vmName string, metadata map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata = metadata
	return nil
}

func (m *fakeMonitor) OnResume(ctx context.Context, vmName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
}

func (m *fakeMonitor) OnShutdown(ctx context.Context, vmName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
}

func (m *fakeMonitor) OnSuspend(ctx context.Context, vmName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspends++
}

func (m *fakeMonitor) states() []vmspec.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vmspec.State, len(m.persisted))
	copy(out, m.persisted)
	return out
}

func (m *fakeMonitor) counts() (resumes, shutdowns, suspends int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumes, m.shutdowns, m.suspends
}

// testHarness bundles everything needed to drive a VM through Start without
// touching the filesystem or network beyond a throwaway temp dir, and
// without spawning qemu-system-* or dialing a real QMP socket.
type testHarness struct {
	t       *testing.T
	vm      *VM
	mon     *fakeMonitor
	plat    *fakePlatform
	proc    *fakeProc
	conn    *fakeConn
	restore func()
}

func newHarness(t *testing.T, desc vmspec.Description) *testHarness {
	t.Helper()

	origQMPTimeout, origSuspendTimeout := QMPSocketWaitTimeout, SuspendResumeTimeout
	QMPSocketWaitTimeout = time.Second
	SuspendResumeTimeout = time.Second

	h := &testHarness{
		t:    t,
		mon:  newFakeMonitor(),
		plat: &fakePlatform{},
	}

	origNewSupervisor, origConnectQMP := newSupervisor, connectQMP
	newSupervisor = func(program string, argv, env []string) process.Proc {
		h.proc = newFakeProc()
		return h.proc
	}
	connectQMP = func(ctx context.Context, socketPath string) (qmp.Conn, error) {
		h.conn = newFakeConn()
		return h.conn, nil
	}

	h.restore = func() {
		QMPSocketWaitTimeout = origQMPTimeout
		SuspendResumeTimeout = origSuspendTimeout
		newSupervisor = origNewSupervisor
		connectQMP = origConnectQMP
	}
	t.Cleanup(h.restore)

	p := paths.New(t.TempDir(), "qemu")
	v, err := New(context.Background(), Options{
		Description:      desc,
		Monitor:          h.mon,
		Platform:         h.plat,
		Paths:            p,
		QEMUSystemBinary: "true", // harmless no-op binary; New() only probes qemu-img
		QEMUImgBinary:    "false",
	})
	require.NoError(t, err)
	h.vm = v
	return h
}

func testDescription(name string) vmspec.Description {
	return vmspec.Description{
		NumCores:   2,
		MemSize:    3 * 1024 * 1024,
		DiskSpace:  1024 * 1024 * 1024,
		VMName:     name,
		DefaultMAC: "52:54:00:00:00:01",
		Image:      vmspec.Image{Path: "/tmp/does-not-matter.qcow2"},
	}
}

// S1: off after creation.
func TestNew_StateOffImmediately(t *testing.T) {
	h := newHarness(t, testDescription("s1"))
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())

	err := h.vm.Shutdown(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())
}

// Invariant 2: shutdown() from off is a no-op; no monitor callbacks fire.
func TestShutdown_FromOff_NoOp(t *testing.T) {
	h := newHarness(t, testDescription("invariant2"))
	require.NoError(t, h.vm.Shutdown(context.Background()))

	resumes, shutdowns, suspends := h.mon.counts()
	assert.Zero(t, resumes)
	assert.Zero(t, shutdowns)
	assert.Zero(t, suspends)
	assert.Empty(t, h.mon.states())
}

// update_cpus/resize_memory/resize_disk grow-only + no-op + stopped-state
// rules (invariant 6/7).
func TestUpdateCPUs_GrowOnlyNoOpReject(t *testing.T) {
	h := newHarness(t, testDescription("cpus"))

	require.NoError(t, h.vm.UpdateCPUs(2)) // no-op, unchanged
	assert.Equal(t, 2, h.vm.Specs().NumCores)

	require.NoError(t, h.vm.UpdateCPUs(4)) // grow
	assert.Equal(t, 4, h.vm.Specs().NumCores)

	err := h.vm.UpdateCPUs(1) // shrink rejected
	assert.ErrorIs(t, err, ErrInvalidSetting)
	assert.Equal(t, 4, h.vm.Specs().NumCores)
}

func TestResizeMemory_GrowOnlyNoOpReject(t *testing.T) {
	h := newHarness(t, testDescription("mem"))
	initial := h.vm.Specs().MemSize

	require.NoError(t, h.vm.ResizeMemory(initial))
	assert.Equal(t, initial, h.vm.Specs().MemSize)

	require.NoError(t, h.vm.ResizeMemory(initial*2))
	assert.Equal(t, initial*2, h.vm.Specs().MemSize)

	err := h.vm.ResizeMemory(initial)
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestResizeDisk_RejectsWhenRunning(t *testing.T) {
	h := newHarness(t, testDescription("disk"))
	h.vm.mu.Lock()
	h.vm.specs.State = vmspec.StateRunning
	h.vm.mu.Unlock()

	err := h.vm.ResizeDisk(h.vm.Specs().DiskSpace * 2)
	assert.ErrorIs(t, err, ErrInstanceSettings)
}

// Networks is always unimplemented on this backend.
func TestNetworks_NotImplemented(t *testing.T) {
	h := newHarness(t, testDescription("networks"))
	_, err := h.vm.Networks(context.Background())
	assert.ErrorIs(t, err, ErrNotImplementedOnThisBackend)
}

// management_ipv4 never throws; returns UNKNOWN on no lease (invariant 8).
func TestManagementIPv4_UnknownWhenNoLease(t *testing.T) {
	h := newHarness(t, testDescription("ip"))
	h.plat.ipOK = false
	assert.Equal(t, vmspec.UnknownIP, h.vm.ManagementIPv4(context.Background()))

	h.plat.ip = "10.0.0.5"
	h.plat.ipOK = true
	assert.Equal(t, vmspec.IPAddress("10.0.0.5"), h.vm.ManagementIPv4(context.Background()))
}

// ssh_hostname times out, throws, and transitions to unknown (invariant 8).
func TestSSHHostname_TimesOutAndSetsUnknown(t *testing.T) {
	h := newHarness(t, testDescription("ssh"))
	h.plat.ipOK = false
	SSHHostnamePollInterval = 10 * time.Millisecond

	h.vm.mu.Lock()
	h.vm.specs.State = vmspec.StateRunning
	h.vm.mu.Unlock()

	_, err := h.vm.SSHHostname(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "ssh_hostname")
	assert.Equal(t, vmspec.StateUnknown, h.vm.CurrentState())
}

// S2: start, observe RESUME, observe running; shutdown then process-exit
// drives off, and on_resume / on_shutdown each fire exactly once.
//
// This drives the VM's own event handlers (onQMPEvent/onProcessEvent)
// directly rather than through Start+dispatch, since dispatch's job is
// purely to relay proc/qmp events to these handlers under the mutex (see
// vm.go's dispatch doc) -- exercising them directly is deterministic and
// doesn't require a real socket or child process.
func TestStartShutdown_EventSequence(t *testing.T) {
	h := newHarness(t, testDescription("s2"))

	conn := newFakeConn()
	proc := newFakeProc()
	h.vm.mu.Lock()
	h.vm.specs.State = vmspec.StateStarting
	h.vm.setStateLocked(context.Background(), vmspec.StateStarting)
	h.vm.qmpConn = conn
	h.vm.proc = proc
	h.vm.mu.Unlock()

	h.vm.onQMPEvent(context.Background(), qmp.Event{Kind: qmp.EventResume})
	assert.Equal(t, vmspec.StateRunning, h.vm.CurrentState())

	// Shutdown() issues system_powerdown then blocks waiting for the state
	// to reach off; that only happens once the process-exit event below is
	// delivered, so run it concurrently the way a real caller would race
	// it against dispatch.
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- h.vm.Shutdown(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	final := vmspec.ProcessState{ExitCode: intPtr(0)}
	proc.finish(final)
	h.vm.onProcessEvent(context.Background(), process.Event{Kind: process.EventFinished, Final: &final})

	require.NoError(t, <-shutdownDone)
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())
	resumes, shutdowns, _ := h.mon.counts()
	assert.Equal(t, 1, resumes)
	assert.Equal(t, 1, shutdowns)

	// spec.md §8 scenario S2 names the exact persisted sequence, including
	// the delayed_shutdown state between running and off.
	assert.Equal(t, []vmspec.State{
		vmspec.StateStarting,
		vmspec.StateRunning,
		vmspec.StateDelayedShutdown,
		vmspec.StateOff,
	}, h.mon.states())
}

func intPtr(n int) *int { return &n }

// S4: shutdown while starting must surface a StartFailureError containing
// both "shutdown" and "starting", once ensure_vm_is_running is called.
func TestShutdownWhileStarting_StartFailure(t *testing.T) {
	h := newHarness(t, testDescription("s4"))

	h.vm.mu.Lock()
	h.vm.specs.State = vmspec.StateStarting
	ctx, cancel := context.WithCancel(context.Background())
	h.vm.startCancel = cancel
	h.vm.mu.Unlock()

	// Simulate dispatch's doneCh branch directly: a concurrent shutdown
	// cancels startCtx while the supervised process has not reported
	// running yet.
	go func() {
		<-ctx.Done()
		h.vm.mu.Lock()
		if h.vm.specs.State == vmspec.StateStarting {
			h.vm.lastStartFailureReason = "shutdown requested while still starting vm s4: boot failed"
			h.vm.setStateLocked(context.Background(), vmspec.StateOff)
		}
		h.vm.mu.Unlock()
	}()

	require.NoError(t, h.vm.Shutdown(context.Background()))
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())

	err := h.vm.EnsureRunning(context.Background())
	require.Error(t, err)
	var sfe *StartFailureError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "s4", sfe.VMName)
	assert.Contains(t, sfe.Reason, "shutdown")
	assert.Contains(t, sfe.Reason, "starting")
}

// S4, real dispatch race: shutdown cancels the in-flight start while
// waitForQMPSocket is still polling for the socket file to appear -- before
// any QMP session exists, not just after dispatch reaches its doneCh select
// branch. The fake supervisor never creates the socket file, so Start's
// dispatch goroutine is guaranteed to still be inside waitForQMPSocket's
// poll loop when Shutdown cancels it.
func TestShutdownWhileStarting_RealDispatchRace(t *testing.T) {
	h := newHarness(t, testDescription("s4-race"))

	require.NoError(t, h.vm.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, vmspec.StateStarting, h.vm.CurrentState())

	require.NoError(t, h.vm.Shutdown(context.Background()))
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())
	assert.True(t, h.proc.wasKilled())

	err := h.vm.EnsureRunning(context.Background())
	require.Error(t, err)
	var sfe *StartFailureError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "s4-race", sfe.VMName)
	assert.Contains(t, sfe.Reason, "shutdown")
	assert.Contains(t, sfe.Reason, "starting")
}

// S5: metadata "arguments" fully overrides computed argv.
func TestBuildArgv_MetadataArgumentsOverride(t *testing.T) {
	desc := testDescription("s5")
	specs := vmspec.Specs{NumCores: 2, MemSize: 3 * 1024 * 1024}
	metadata := map[string]json.RawMessage{
		vmspec.MetadataArguments: json.RawMessage(`["-hi_there","-hows_it_going"]`),
	}
	argv, err := buildArgv(context.Background(), &fakePlatform{}, desc, specs, metadata, "/tmp/sock", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"-hi_there", "-hows_it_going"}, argv)
	assert.NotContains(t, argv, "-nographic")
}

// S3 (argv half): a VM carrying the suspend tag gets -loadvm <tag>.
func TestBuildArgv_LoadvmWhenTagPresent(t *testing.T) {
	desc := testDescription("s3")
	specs := vmspec.Specs{NumCores: 2, MemSize: 3 * 1024 * 1024}
	argv, err := buildArgv(context.Background(), &fakePlatform{}, desc, specs, nil, "/tmp/sock", true)
	require.NoError(t, err)

	found := false
	for i, a := range argv {
		if a == "-loadvm" && i+1 < len(argv) && argv[i+1] == vmspec.DefaultSuspendTag {
			found = true
		}
	}
	assert.True(t, found, "expected -loadvm %s in argv %v", vmspec.DefaultSuspendTag, argv)
}

// Suspend waits for the RESUME event that follows savevm, then kills the
// process and marks hasSnapshot.
func TestSuspend_WaitsForResumeThenKills(t *testing.T) {
	h := newHarness(t, testDescription("suspend"))

	conn := newFakeConn()
	proc := newFakeProc()
	h.vm.mu.Lock()
	h.vm.specs.State = vmspec.StateRunning
	h.vm.qmpConn = conn
	h.vm.proc = proc
	h.vm.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.vm.Suspend(context.Background()) }()

	// savevm completes, QEMU emits RESUME; deliver it the way dispatch
	// would relay it from the (here, absent) event-pump goroutine, once
	// Suspend has had a chance to reach its wait.
	time.Sleep(20 * time.Millisecond)
	h.vm.onQMPEvent(context.Background(), qmp.Event{Kind: qmp.EventResume})
	proc.finish(vmspec.ProcessState{ExitCode: intPtr(0)})

	require.NoError(t, <-done)
	assert.Equal(t, vmspec.StateOff, h.vm.CurrentState())
	assert.True(t, proc.wasKilled())
	assert.True(t, h.vm.hasSnapshot)

	_, _, suspends := h.mon.counts()
	assert.Equal(t, 1, suspends)
}

// Suspend is only valid from running.
func TestSuspend_InvalidFromOff(t *testing.T) {
	h := newHarness(t, testDescription("suspend-invalid"))
	err := h.vm.Suspend(context.Background())
	assert.Error(t, err)
}

// S6: version parse fallback cases are covered in version_test.go.
