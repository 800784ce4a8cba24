package exchange

import (
	"sort"
	"sync"
)

// lockManager serializes operations that touch the same entities while
// letting disjoint ones run in parallel. Keys are locked in sorted order
// so two operations never wait on each other in a cycle.
//
// Operations that sweep the whole ledger (IPO close, market-wide price
// moves) take the ledger lock exclusively instead of enumerating keys.
type lockManager struct {
	ledger sync.RWMutex

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockManager() *lockManager {
	return &lockManager{keys: make(map[string]*keyLock)}
}

// lock acquires the shared ledger lock and then every distinct non-empty
// key. The returned func releases them.
func (m *lockManager) lock(keys ...string) func() {
	keys = normalizeKeys(keys)

	m.ledger.RLock()
	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		l := m.acquire(k)
		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			m.release(keys[i])
		}
		m.ledger.RUnlock()
	}
}

// lockAll excludes every other operation until the returned func is called.
func (m *lockManager) lockAll() func() {
	m.ledger.Lock()
	return m.ledger.Unlock
}

func (m *lockManager) acquire(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.keys[key]
	if !ok {
		l = &keyLock{}
		m.keys[key] = l
	}
	l.refs++
	return l
}

func (m *lockManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.keys[key]
	l.refs--
	if l.refs == 0 {
		delete(m.keys, key)
	}
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func accountLock(id string) string {
	if id == "" {
		return ""
	}
	return "account:" + id
}

func stockLock(id string) string {
	if id == "" {
		return ""
	}
	return "stock:" + id
}

func houseLock(name string) string {
	if name == "" {
		return ""
	}
	return "house:" + name
}

func requestLock(id string) string {
	if id == "" {
		return ""
	}
	return "request:" + id
}
