package chat

import "sync"

// RoleLocker admits at most one running turn per role. Acquisition never
// blocks: a second turn on a busy role is rejected immediately so the
// client gets a role_busy frame instead of a hung connection. Turns on
// different roles proceed in parallel.
type RoleLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewRoleLocker() *RoleLocker {
	return &RoleLocker{held: make(map[string]struct{})}
}

// TryAcquire claims the role. It returns false when a turn already holds it.
func (l *RoleLocker) TryAcquire(roleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[roleID]; busy {
		return false
	}
	l.held[roleID] = struct{}{}
	return true
}

// Release frees the role. Releasing an unheld role is a no-op.
func (l *RoleLocker) Release(roleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, roleID)
}
