package document

import (
	"sync"

	"github.com/trellis-notes/trellis/backend/internal/crdt"
)

// Registry holds the single in-memory CRDT instance per loaded document,
// reference-counted by active connections. The instance is shared by all
// connections in this process and dropped when the last one releases it.
type Registry struct {
	mu   sync.Mutex
	docs map[Key]*docHandle
}

type docHandle struct {
	doc  *crdt.Doc
	refs int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[Key]*docHandle)}
}

// Acquire returns the live document for key, loading it with the supplied
// loader when no connection holds it yet. Loads are serialized under the
// registry lock so two near-simultaneous first connections observe a
// single load.
func (r *Registry) Acquire(key Key, load func() (*crdt.Doc, error)) (*crdt.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.docs[key]; ok {
		handle.refs++
		return handle.doc, nil
	}
	doc, err := load()
	if err != nil {
		return nil, err
	}
	r.docs[key] = &docHandle{doc: doc, refs: 1}
	return doc, nil
}

// Release drops one reference; the instance unloads when the count hits zero.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.docs[key]
	if !ok {
		return
	}
	handle.refs--
	if handle.refs <= 0 {
		delete(r.docs, key)
	}
}

// Peek returns the live document without taking a reference. Used by the
// gatekeeper to derive access from in-memory state when someone is
// already connected.
func (r *Registry) Peek(key Key) (*crdt.Doc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.docs[key]
	if !ok {
		return nil, false
	}
	return handle.doc, true
}

// Refs reports how many connections currently hold the document.
func (r *Registry) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.docs[key]
	if !ok {
		return 0
	}
	return handle.refs
}

// Loaded reports how many documents are currently held in memory.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}
