package board

import "sync"

// MemTransport is an in-process Transport: a mutex-guarded map with a
// version counter. Tests and single-process multi-node demos share one
// instance between clients.
type MemTransport struct {
	mu      sync.Mutex
	version uint64
	objects map[string][]byte
}

var _ Transport = (*MemTransport)(nil)

func NewMemTransport() *MemTransport {
	return &MemTransport{objects: make(map[string][]byte)}
}

func (t *MemTransport) Pull() (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	objects := make(map[string][]byte, len(t.objects))
	for path, blob := range t.objects {
		objects[path] = append([]byte(nil), blob...)
	}
	return &Snapshot{Version: t.version, Objects: objects}, nil
}

func (t *MemTransport) Push(baseVersion uint64, writes map[string][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if baseVersion != t.version {
		return ErrConflict
	}
	for path, blob := range writes {
		t.objects[path] = append([]byte(nil), blob...)
	}
	t.version++
	return nil
}

// Delete removes a path directly on the remote, bypassing the protocol.
// Tests use it to simulate a board rewind by an attacker.
func (t *MemTransport) Delete(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, path)
	t.version++
}
