// Package process supervises a single external binary: it spawns the child,
// exposes its stdin for writing, fans out stdout/stderr as an ordered event
// stream, and reports how the child ended. lib/vm uses it to supervise the
// qemu-system-* child (whose QMP channel is a separate unix socket, see
// lib/qmp) and for one-shot probes like `qemu-system-* --version` and
// `qemu-img`.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onkernel/qemud/lib/vmspec"
)

// RunState mirrors the running/not-running axis of the supervised child,
// independent of any VM-level state.
type RunState int

const (
	NotRunning RunState = iota
	Running
)

// EventKind identifies which of the supervisor's signals an Event carries.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStateChanged
	EventStdout
	EventStderr
	EventFinished
	EventError
)

// Event is one entry in the supervisor's ordered signal stream. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	RunState RunState
	Data     []byte
	Final    *vmspec.ProcessState
	ErrKind  vmspec.ProcessErrorKind
	ErrMsg   string
}

// Proc is the subset of Supervisor's behavior lib/vm depends on. Production
// code always gets a *Supervisor; tests substitute a fake satisfying this
// interface so the VM state machine can be driven without spawning a real
// qemu-system-* binary.
type Proc interface {
	Start(ctx context.Context, opts Options) error
	Events() <-chan Event
	Write(p []byte) (int, error)
	Kill() error
	Pid() int
	WaitForFinished(ctx context.Context, timeout time.Duration) (vmspec.ProcessState, error)
}

// Supervisor runs and supervises one external process. All byte streams are
// preserved lossless; events are delivered in causal order (started before
// any read, finished last).
type Supervisor struct {
	program string
	argv    []string
	env     []string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	started  bool
	finished bool
	final    vmspec.ProcessState

	events chan Event
	done   chan struct{}
}

var _ Proc = (*Supervisor)(nil)

// New creates a supervisor for (program, argv, env). Nothing is spawned
// until Start or Execute is called.
func New(program string, argv, env []string) *Supervisor {
	return &Supervisor{
		program: program,
		argv:    argv,
		env:     env,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
}

// Events returns the supervisor's signal stream. Callers must keep draining
// it once Start has been called, or the supervisor's pump goroutines block.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Options configures where a supervised process' output streams are
// additionally copied; the QEMU process itself speaks QMP over a dedicated
// unix socket (see lib/qmp), so the supervisor's own stdout/stderr carry
// only diagnostic console output, which the VM state machine redirects to
// the per-VM console log.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Start launches the child asynchronously and begins emitting events.
func (s *Supervisor) Start(ctx context.Context, opts Options) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("process: already started")
	}
	s.started = true

	cmd := exec.Command(s.program, s.argv...)
	if len(s.env) > 0 {
		cmd.Env = s.env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return s.failToStart(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return s.failToStart(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return s.failToStart(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return s.failToStart(fmt.Errorf("start: %w", err))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	s.events <- Event{Kind: EventStarted}
	s.events <- Event{Kind: EventStateChanged, RunState: Running}

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, opts.Stdout, s.events, EventStdout) })
	g.Go(func() error { return pump(stderr, opts.Stderr, s.events, EventStderr) })

	go func() {
		g.Wait() //nolint:errcheck // pump only returns on EOF/read error, both expected at process exit
		waitErr := cmd.Wait()
		final := processStateFromWait(waitErr)

		s.mu.Lock()
		s.finished = true
		s.final = final
		s.mu.Unlock()

		s.events <- Event{Kind: EventStateChanged, RunState: NotRunning}
		s.events <- Event{Kind: EventFinished, Final: &final}
		close(s.done)
	}()

	return nil
}

// failToStart reports a FailedToStart error followed by a terminal Finished
// event, per the process supervisor's contract for a child that never ran.
func (s *Supervisor) failToStart(err error) error {
	perr := &vmspec.ProcessError{Kind: vmspec.ProcessErrorFailedToStart, Message: err.Error()}
	final := vmspec.ProcessState{Err: perr}
	s.mu.Lock()
	s.finished = true
	s.final = final
	s.mu.Unlock()
	s.events <- Event{Kind: EventError, ErrKind: perr.Kind, ErrMsg: perr.Message}
	s.events <- Event{Kind: EventFinished, Final: &final}
	close(s.done)
	return err
}

func pump(r io.Reader, tee io.Writer, events chan<- Event, kind EventKind) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			events <- Event{Kind: kind, Data: chunk}
			if tee != nil {
				tee.Write(chunk) //nolint:errcheck // best-effort console mirror
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func processStateFromWait(err error) vmspec.ProcessState {
	if err == nil {
		code := 0
		return vmspec.ProcessState{ExitCode: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return vmspec.ProcessState{ExitCode: &code}
	}
	return vmspec.ProcessState{Err: &vmspec.ProcessError{
		Kind:    vmspec.ProcessErrorUnknownError,
		Message: err.Error(),
	}}
}

// Write sends bytes to the child's stdin.
func (s *Supervisor) Write(p []byte) (int, error) {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return 0, fmt.Errorf("process: not started")
	}
	return stdin.Write(p)
}

// Kill forcibly terminates the process group. A no-op if the process is not
// running (never started, or already finished).
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	started := s.started
	finished := s.finished
	s.mu.Unlock()

	if !started || finished || cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// Pid returns the child's process ID, or 0 if not started.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// WaitForFinished blocks until the process exits or the timeout elapses.
func (s *Supervisor) WaitForFinished(ctx context.Context, timeout time.Duration) (vmspec.ProcessState, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.final, nil
	case <-timeoutCh:
		return vmspec.ProcessState{}, fmt.Errorf("process: wait for finished: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		return vmspec.ProcessState{}, ctx.Err()
	}
}

// Execute runs the child to completion synchronously, capturing stdout and
// stderr in full, for one-shot probes (qemu-img, --version) rather than the
// long-lived supervised QEMU process.
func Execute(ctx context.Context, program string, argv []string, timeout time.Duration) ([]byte, []byte, vmspec.ProcessState, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, program, argv...)
	var stdout, stderr sliceWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.buf, stderr.buf, vmspec.ProcessState{
			Err: &vmspec.ProcessError{Kind: vmspec.ProcessErrorTimedout, Message: "timed out"},
		}, runCtx.Err()
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return stdout.buf, stderr.buf, vmspec.ProcessState{
				Err: &vmspec.ProcessError{Kind: vmspec.ProcessErrorFailedToStart, Message: runErr.Error()},
			}, runErr
		}
	}
	return stdout.buf, stderr.buf, processStateFromWait(runErr), nil
}

type sliceWriter struct {
	buf []byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
