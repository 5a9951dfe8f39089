package orchestrator

import "sync"

// LockTable is the in-process view of target locks. The ledger holds the
// durable copy; this table keeps two starts in one process from racing to it.
type LockTable struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLockTable() *LockTable {
	return &LockTable{held: map[string]string{}}
}

// TryAcquire takes key for runID, or reports the current holder.
func (t *LockTable) TryAcquire(key, runID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, ok := t.held[key]; ok && holder != runID {
		return holder, false
	}
	t.held[key] = runID
	return runID, true
}

// Release drops key if runID still holds it.
func (t *LockTable) Release(key, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[key] == runID {
		delete(t.held, key)
	}
}

func (t *LockTable) Holder(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.held[key]
	return holder, ok
}
