package vm

import (
	"context"
	"time"

	"github.com/onkernel/qemud/lib/vmspec"
)

// waitForState blocks, per spec.md §5, on v.cond until predicate(state)
// holds, the context is done, or timeout elapses (timeout<=0 means no
// timeout beyond ctx). current_state() never blocks; this helper backs
// every other suspension point (ensure_vm_is_running, shutdown, suspend,
// ssh_hostname).
//
// Must be called without holding v.mu.
func (v *VM) waitForState(ctx context.Context, timeout time.Duration, predicate func(vmspec.State) bool) (vmspec.State, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	// sync.Cond has no timeout/context support, so a watcher goroutine
	// wakes every waiter periodically; each waiter re-checks its own
	// deadline/ctx after being woken. This is the condition-variable
	// analogue of the source's ad-hoc polling loop, but centralized to one
	// wake source per VM instead of "while(state!=x) sleep 1ms" at every
	// call site (spec.md §9).
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				v.mu.Lock()
				v.cond.Broadcast()
				v.mu.Unlock()
			}
		}
	}()

	v.mu.Lock()
	defer v.mu.Unlock()
	for {
		state := v.specs.State
		if predicate(state) {
			return state, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return state, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}
		v.cond.Wait()
	}
}
