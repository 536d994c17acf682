package registry

import "sync"

// Listener is notified after its registry re-resolves. It should re-query the
// registry rather than rely on any payload.
type Listener func() error

// RemoveFunc unregisters a listener. Calling it more than once is harmless.
type RemoveFunc func()

type listenerEntry struct {
	token    int
	listener Listener
}

// listenerTable is a token-keyed subscription table. Entries are kept in
// registration order; the same func added twice gets two tokens.
type listenerTable struct {
	mu      sync.Mutex
	next    int
	entries []listenerEntry
}

func (t *listenerTable) add(listener Listener) RemoveFunc {
	t.mu.Lock()
	t.next++
	token := t.next
	t.entries = append(t.entries, listenerEntry{token: token, listener: listener})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(token) })
	}
}

func (t *listenerTable) remove(token int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, entry := range t.entries {
		if entry.token == token {
			t.entries = append(t.entries[:i:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *listenerTable) snapshot() []listenerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]listenerEntry(nil), t.entries...)
}

// live reports whether token is still registered.
func (t *listenerTable) live(token int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.token == token {
			return true
		}
	}
	return false
}

func (t *listenerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *listenerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
