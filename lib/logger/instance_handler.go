// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VMLogHandler wraps an slog.Handler and additionally writes logs that carry
// a "vm_name" attribute to that VM's per-instance log file. This gives every
// VM a self-contained log without manual instrumentation at each call site.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VMLogHandler struct {
	slog.Handler
	logPathFunc func(vmName string) string // returns path to the VM's log file
	state       *sharedState                // shared across all handlers derived via WithAttrs/WithGroup
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup.
// Using a pointer ensures all derived handlers share the same mutex and file cache.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewVMLogHandler creates a new handler that wraps the given handler and
// writes VM-related logs to per-VM log files. logPathFunc should return the
// path to the log file for a given VM name.
func NewVMLogHandler(wrapped slog.Handler, logPathFunc func(vmName string) string) *VMLogHandler {
	return &VMLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state: &sharedState{
			fileCache: make(map[string]*os.File),
		},
	}
}

// Handle processes a log record, passing it to the wrapped handler and
// optionally writing to a per-VM log file if a "vm_name" attribute is present.
func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var vmName string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "vm_name" {
			vmName = a.Value.String()
			return false
		}
		return true
	})

	if vmName != "" {
		h.writeToVMLog(vmName, r)
	}

	return nil
}

// writeToVMLog writes a log record to the VM's log file.
func (h *VMLogHandler) writeToVMLog(vmName string, r slog.Record) {
	logPath := h.logPathFunc(vmName)
	if logPath == "" {
		return
	}

	// Format log line outside the lock: timestamp LEVEL message key=value key=value...
	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "vm_name" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[vmName]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return // silently skip if can't create directory
		}

		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return // silently skip if can't open file
		}
		h.state.fileCache[vmName] = f
	}

	f.WriteString(line)
}

// Enabled reports whether the handler handles records at the given level.
func (h *VMLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// WithGroup returns a new handler with the given group name.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// CloseVMLog closes and removes a cached file handle for a VM.
// Call this when a VM is deleted.
func (h *VMLogHandler) CloseVMLog(vmName string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[vmName]; ok {
		f.Close()
		delete(h.state.fileCache, vmName)
	}
}

// CloseAll closes all cached file handles. Call this during shutdown.
func (h *VMLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for name, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, name)
	}
}
