package exec

import (
	"sync"
	"syscall"
)

// ProcessRegistry tracks the process groups of live shell-step children
// process-wide, so a central shutdown entry point can terminate all of
// them (§5 "Process-tree tracking"), adapted from the detached-process
// spawning technique in the retrieval pack's lifecycle package: each
// child is started in its own process group (Setpgid, no Setsid, since
// the step handler waits on the child rather than detaching it) so a
// negative-pid signal reaches the whole tree, not just the direct child.
type ProcessRegistry struct {
	mu   sync.Mutex
	pgid map[int]bool
}

// NewProcessRegistry builds an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{pgid: map[int]bool{}}
}

// Track registers a newly started child's process group.
func (r *ProcessRegistry) Track(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pgid[pgid] = true
}

// Untrack removes a process group once its child has exited.
func (r *ProcessRegistry) Untrack(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pgid, pgid)
}

// Terminate sends sig to the process group, or SIGKILL if sig is 0.
func (r *ProcessRegistry) Terminate(pgid int, sig syscall.Signal) {
	if sig == 0 {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pgid, sig)
}

// Shutdown terminates every tracked process group with SIGTERM then, the
// caller is expected to wait a grace period and call ForceShutdown.
func (r *ProcessRegistry) Shutdown() {
	r.mu.Lock()
	pgids := make([]int, 0, len(r.pgid))
	for pgid := range r.pgid {
		pgids = append(pgids, pgid)
	}
	r.mu.Unlock()
	for _, pgid := range pgids {
		r.Terminate(pgid, syscall.SIGTERM)
	}
}

// ForceShutdown sends SIGKILL to every still-tracked process group.
func (r *ProcessRegistry) ForceShutdown() {
	r.mu.Lock()
	pgids := make([]int, 0, len(r.pgid))
	for pgid := range r.pgid {
		pgids = append(pgids, pgid)
	}
	r.mu.Unlock()
	for _, pgid := range pgids {
		r.Terminate(pgid, syscall.SIGKILL)
	}
}
