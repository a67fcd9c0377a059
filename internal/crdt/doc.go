package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Well-known root container names shared with clients.
const (
	RootMeta       = "meta"
	RootBody       = "body"
	RootUserAccess = "userAccess"
	RootTreeNodes  = "treeNodes"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidValue indicates that a value could not be serialized into the document.
	ErrInvalidValue = errors.New("crdt: invalid value")
)

// entry is a single last-writer-wins register. Ties on clock are broken by
// actor id so that merge order never changes the outcome.
type entry struct {
	Value   json.RawMessage `json:"value"`
	Clock   int64           `json:"clock"`
	Actor   string          `json:"actor"`
	Deleted bool            `json:"deleted,omitempty"`
}

func (e entry) wins(other entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Actor > other.Actor
}

type statePayload struct {
	Clock int64                       `json:"clock"`
	Roots map[string]map[string]entry `json:"roots"`
}

// Doc is a delta-state document made of named map roots. Concurrent
// ApplyUpdate calls from multiple connections are safe; merge is
// commutative, associative, and idempotent.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock int64
	roots map[string]map[string]entry
}

// NewDoc returns an empty document writing under the provided actor id.
// An empty actor id is replaced with a random one.
func NewDoc(actor string) *Doc {
	if actor == "" {
		actor = uuid.NewString()
	}
	return &Doc{
		actor: actor,
		roots: make(map[string]map[string]entry),
	}
}

// Root returns the named map view, creating it on first use.
func (d *Doc) Root(name string) *Map {
	return &Map{doc: d, name: name}
}

// ApplyUpdate merges a serialized state into the document.
func ApplyUpdate(doc *Doc, data []byte) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidUpdate)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if payload.Clock > doc.clock {
		doc.clock = payload.Clock
	}
	for rootName, incoming := range payload.Roots {
		existing := doc.roots[rootName]
		if existing == nil {
			existing = make(map[string]entry, len(incoming))
			doc.roots[rootName] = existing
		}
		for key, candidate := range incoming {
			current, ok := existing[key]
			if !ok || candidate.wins(current) {
				existing[key] = candidate
			}
			if candidate.Clock > doc.clock {
				doc.clock = candidate.Clock
			}
		}
	}
	return nil
}

// EncodeStateAsUpdate serializes the full document state. The output is
// deterministic for a given state and can be applied to any replica.
func EncodeStateAsUpdate(doc *Doc) ([]byte, error) {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	payload := statePayload{Clock: doc.clock, Roots: doc.roots}
	if payload.Roots == nil {
		payload.Roots = map[string]map[string]entry{}
	}
	return json.Marshal(payload)
}

// Map is a typed view over one named root container.
type Map struct {
	doc  *Doc
	name string
}

func (m *Map) entries() map[string]entry {
	root := m.doc.roots[m.name]
	if root == nil {
		root = make(map[string]entry)
		m.doc.roots[m.name] = root
	}
	return root
}

// Set writes a value under key, claiming the next clock tick.
func (m *Map) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.doc.clock++
	m.entries()[key] = entry{Value: raw, Clock: m.doc.clock, Actor: m.doc.actor}
	return nil
}

// SetDefault writes a value at clock zero when the key has never been
// written, without advancing the document clock. A default loses every
// merge against a genuine write, so seeding a replica this way can never
// shadow an edit made elsewhere. It reports whether the write happened.
// Tombstoned keys count as present.
func (m *Map) SetDefault(key string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	if _, ok := m.entries()[key]; ok {
		return false, nil
	}
	m.entries()[key] = entry{Value: raw}
	return true, nil
}

// Delete tombstones a key. The tombstone participates in merges so the
// deletion survives concurrent rewrites with older clocks.
func (m *Map) Delete(key string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.doc.clock++
	m.entries()[key] = entry{Clock: m.doc.clock, Actor: m.doc.actor, Deleted: true}
}

// Get returns the raw JSON value for key.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries()[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetString returns the value for key when it is a JSON string.
func (m *Map) GetString(key string) (string, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len counts live entries.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	count := 0
	for _, e := range m.entries() {
		if !e.Deleted {
			count++
		}
	}
	return count
}

// Keys returns live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries()))
	for key, e := range m.entries() {
		if !e.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Items returns a copy of the live entries keyed by map key.
func (m *Map) Items() map[string]json.RawMessage {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	items := make(map[string]json.RawMessage, len(m.entries()))
	for key, e := range m.entries() {
		if e.Deleted {
			continue
		}
		items[key] = append(json.RawMessage(nil), e.Value...)
	}
	return items
}
