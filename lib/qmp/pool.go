package qmp

import (
	"context"
	"sync"
)

// pool keeps at most one Session per socket path, since a QMP server only
// accepts a single control connection at a time. Grounded on
// lib/hypervisor/qemu/pool.go's clientPool.
var pool = struct {
	sync.RWMutex
	sessions map[string]*Session
}{
	sessions: make(map[string]*Session),
}

// GetOrDial returns the pooled Session for socketPath, dialing a new one if
// none exists yet.
func GetOrDial(ctx context.Context, socketPath string) (*Session, error) {
	pool.RLock()
	if s, ok := pool.sessions[socketPath]; ok && !s.Broken() {
		pool.RUnlock()
		return s, nil
	}
	pool.RUnlock()

	pool.Lock()
	defer pool.Unlock()
	if s, ok := pool.sessions[socketPath]; ok && !s.Broken() {
		return s, nil
	}

	s, err := Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	pool.sessions[socketPath] = s
	return s, nil
}

// Forget drops and closes the pooled session for socketPath, if any, so a
// subsequent GetOrDial reconnects from scratch. Used after a broken session
// or once a VM tears down its socket.
func Forget(socketPath string) {
	pool.Lock()
	s, ok := pool.sessions[socketPath]
	if ok {
		delete(pool.sessions, socketPath)
	}
	pool.Unlock()

	if ok {
		go s.Close() //nolint:errcheck
	}
}
