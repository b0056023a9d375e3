// Package qmp drives a single QEMU process over QMP (QEMU Machine Protocol):
// correlating commands and events on the control channel that lib/vm uses to
// move a VM through its state machine.
//
// Grounded on lib/hypervisor/qemu/qmp.go and pool.go in the teacher repo:
// rather than hand-rolling line-delimited JSON framing, this wraps
// github.com/digitalocean/go-qemu's qmp.SocketMonitor, qemu.Domain and
// qmp/raw.Monitor, which already implement the handshake, command
// correlation and event decoding spec.md §4.B describes. QEMU is started
// with its QMP control channel on a dedicated unix socket (server=on,
// wait=off) rather than stdio, so the same production client library used
// for the teacher's Cloud Hypervisor/QEMU process can be reused verbatim.
package qmp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/digitalocean/go-qemu/qmp/raw"
)

// DefaultCommandTimeout is how long lib/vm waits for the outcome of a
// QMP-driven step (the child's exit after system_powerdown or after the
// post-savevm kill). Session's own command methods do not apply it: a
// command call waits for its reply without a deadline. It is exported so
// tests can override it with a much shorter value.
var DefaultCommandTimeout = 30 * time.Second

// DefaultConnectTimeout bounds how long Dial waits for the QMP socket to
// accept a connection after QEMU has been started.
var DefaultConnectTimeout = 10 * time.Second

// EventKind enumerates the QMP events the VM state machine reacts to.
// All other event types are observed and discarded.
type EventKind string

const (
	EventResume    EventKind = "RESUME"
	EventShutdown  EventKind = "SHUTDOWN"
	EventStop      EventKind = "STOP"
	EventPowerdown EventKind = "POWERDOWN"
)

// Event is a single QMP event relevant to the VM lifecycle.
type Event struct {
	Kind EventKind
}

// Conn is the QMP session contract lib/vm consumes. Tests substitute a fake
// satisfying this interface instead of driving a real QEMU process.
type Conn interface {
	// Events returns the channel of lifecycle-relevant events. Closed when
	// the underlying connection is torn down.
	Events() <-chan Event
	// QueryStatus returns QEMU's reported run-state (query-status).
	QueryStatus(ctx context.Context) (string, error)
	// SystemPowerdown requests ACPI graceful shutdown.
	SystemPowerdown(ctx context.Context) error
	// Savevm issues `savevm <tag>` via human-monitor-command.
	Savevm(ctx context.Context, tag string) error
	// Loadvm issues `loadvm <tag>` via human-monitor-command. lib/vm does
	// not call it; resume from the suspend tag happens at QEMU start via
	// the -loadvm argv flag.
	Loadvm(ctx context.Context, tag string) error
	// Continue issues `cont`, resuming a paused CPU.
	Continue(ctx context.Context) error
	// Broken reports whether a prior write failure poisoned this session.
	Broken() bool
	// Close tears down the underlying connection.
	Close() error
}

// Session is the production Conn, backed by a real QEMU QMP socket.
type Session struct {
	socketPath string

	mu     sync.Mutex
	mon    *qmp.SocketMonitor
	domain *qemu.Domain
	raw    *raw.Monitor
	broken bool

	events chan Event
	done   chan struct{}
}

var _ Conn = (*Session)(nil)

// Dial connects to a QEMU QMP unix socket, performs the qmp_capabilities
// handshake (done once, internally, by qemu.NewDomain) and starts the event
// pump. socketPath must already exist (QEMU created it with server=on).
func Dial(ctx context.Context, socketPath string) (*Session, error) {
	mon, err := qmp.NewSocketMonitor("unix", socketPath, DefaultConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("qmp: create socket monitor: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("qmp: connect: %w", err)
	}

	domain, err := qemu.NewDomain(mon, socketPath)
	if err != nil {
		mon.Disconnect() //nolint:errcheck
		return nil, fmt.Errorf("qmp: capabilities handshake: %w", err)
	}

	s := &Session{
		socketPath: socketPath,
		mon:        mon,
		domain:     domain,
		raw:        raw.NewMonitor(mon),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}

	rawEvents, stop, err := domain.Events()
	if err != nil {
		domain.Close() //nolint:errcheck
		return nil, fmt.Errorf("qmp: subscribe events: %w", err)
	}
	go s.pumpEvents(rawEvents, stop)

	return s, nil
}

// pumpEvents filters go-qemu's raw event stream down to the lifecycle
// events lib/vm cares about. A malformed or unrecognized event is simply
// not forwarded — this is the "logged and discarded" behavior spec.md §4.B
// requires for frames that don't parse into something actionable.
func (s *Session) pumpEvents(raw <-chan qmp.Event, stop chan<- struct{}) {
	defer close(s.events)
	for ev := range raw {
		switch EventKind(ev.Event) {
		case EventResume, EventShutdown, EventStop, EventPowerdown:
			select {
			case s.events <- Event{Kind: EventKind(ev.Event)}:
			case <-s.done:
				return
			}
		default:
			// not a lifecycle event; ignored
		}
	}
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) markBroken(err error) error {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	return err
}

func (s *Session) QueryStatus(ctx context.Context) (string, error) {
	info, err := s.raw.QueryStatus()
	if err != nil {
		return "", s.markBroken(fmt.Errorf("qmp: query-status: %w", err))
	}
	return string(info.Status), nil
}

func (s *Session) SystemPowerdown(ctx context.Context) error {
	if err := s.raw.SystemPowerdown(); err != nil {
		return s.markBroken(fmt.Errorf("qmp: system_powerdown: %w", err))
	}
	return nil
}

func (s *Session) Savevm(ctx context.Context, tag string) error {
	cmdLine := fmt.Sprintf("savevm %s", tag)
	if _, err := s.raw.HumanMonitorCommand(cmdLine, nil); err != nil {
		return s.markBroken(fmt.Errorf("qmp: human-monitor-command %q: %w", cmdLine, err))
	}
	return nil
}

func (s *Session) Loadvm(ctx context.Context, tag string) error {
	cmdLine := fmt.Sprintf("loadvm %s", tag)
	if _, err := s.raw.HumanMonitorCommand(cmdLine, nil); err != nil {
		return s.markBroken(fmt.Errorf("qmp: human-monitor-command %q: %w", cmdLine, err))
	}
	return nil
}

func (s *Session) Continue(ctx context.Context) error {
	if err := s.raw.Cont(); err != nil {
		return s.markBroken(fmt.Errorf("qmp: cont: %w", err))
	}
	return nil
}

func (s *Session) Close() error {
	close(s.done)
	return s.domain.Close()
}
