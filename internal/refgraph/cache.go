package refgraph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trellis-notes/trellis/backend/internal/document"
)

var errMissingFetcher = errors.New("edge fetcher is required")

// Fetcher retrieves the authoritative edge slice for one artifact: every
// stored edge where the artifact is either source or target.
type Fetcher interface {
	FetchEdges(ctx context.Context, artifactID string) ([]document.Edge, error)
}

// View is the merged per-artifact edge picture handed to listeners.
type View struct {
	IncomingEdges []document.Edge
	OutgoingEdges []document.Edge
}

// Listener receives the refreshed view whenever an artifact's edges change.
type Listener func(artifactID string, view View)

// EdgeRef names one logical reference for lookup. Both sides of a
// reference hash to the same edge id, so a lookup built from either the
// source or the target perspective resolves the same edge.
type EdgeRef struct {
	SourceArtifactID string
	SourceBlockID    string
	TargetArtifactID string
	TargetBlockID    string
	TargetDate       string
}

type cacheEntry struct {
	local          []document.Edge
	localFetched   bool
	static         []document.Edge
	staticProvider string
	listeners      map[int64]Listener
}

// CacheConfig describes the cache dependencies.
type CacheConfig struct {
	Fetcher      Fetcher
	Logger       *zap.Logger
	CleanupEvery time.Duration
}

// Cache mirrors the server's edge store on the consuming side. Each
// artifact id combines a local slice fetched from the server with an
// optional static slice injected by a caller with out-of-band knowledge.
// Slices without listeners are dropped on a fixed cleanup interval.
type Cache struct {
	mu           sync.Mutex
	fetcher      Fetcher
	logger       *zap.Logger
	cleanupEvery time.Duration
	nextHandle   int64
	entries      map[string]*cacheEntry
}

// NewCache constructs the cache, validating its dependencies.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanupEvery := cfg.CleanupEvery
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	return &Cache{
		fetcher:      cfg.Fetcher,
		logger:       logger,
		cleanupEvery: cleanupEvery,
		entries:      make(map[string]*cacheEntry),
	}, nil
}

// Register adds a listener for an artifact id. The first registration
// for an id fetches the local slice from the server; later registrations
// reuse it. The listener is invoked once with the current view before
// Register returns.
func (c *Cache) Register(ctx context.Context, artifactID string, listener Listener) (int64, error) {
	if listener == nil {
		return 0, errors.New("refgraph: listener is required")
	}

	c.mu.Lock()
	entry, ok := c.entries[artifactID]
	if !ok {
		entry = &cacheEntry{listeners: make(map[int64]Listener)}
		c.entries[artifactID] = entry
	}
	needsFetch := !entry.localFetched
	c.mu.Unlock()

	var fetched []document.Edge
	if needsFetch {
		edges, err := c.fetcher.FetchEdges(ctx, artifactID)
		if err != nil {
			return 0, err
		}
		fetched = edges
	}

	c.mu.Lock()
	// The lock was dropped during the fetch and the entry had no
	// listeners yet, so a cleanup pass may have evicted it. Later writers
	// (Invalidate, SetStatic) only see entries reachable from the map, so
	// the listener must attach to whatever is in the map now.
	if current, ok := c.entries[artifactID]; ok {
		entry = current
	} else {
		c.entries[artifactID] = entry
	}
	if needsFetch && !entry.localFetched {
		entry.local = fetched
		entry.localFetched = true
	}
	c.nextHandle++
	handle := c.nextHandle
	entry.listeners[handle] = listener
	view := mergeView(artifactID, entry)
	c.mu.Unlock()

	listener(artifactID, view)
	return handle, nil
}

// Unregister removes a listener. The cached slice stays until the next
// cleanup pass so a quick re-register does not refetch.
func (c *Cache) Unregister(artifactID string, handle int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[artifactID]
	if !ok {
		return
	}
	delete(entry.listeners, handle)
}

// SetStatic installs the static edge slice for an artifact id. Only one
// provider is supported per id at a time; a second provider replaces the
// first and the overlap is logged, not failed.
func (c *Cache) SetStatic(artifactID, provider string, edges []document.Edge) {
	c.mu.Lock()
	entry, ok := c.entries[artifactID]
	if !ok {
		entry = &cacheEntry{listeners: make(map[int64]Listener)}
		c.entries[artifactID] = entry
	}
	if entry.staticProvider != "" && entry.staticProvider != provider {
		c.logger.Warn("static edge provider replaced",
			zap.String("artifactId", artifactID),
			zap.String("previousProvider", entry.staticProvider),
			zap.String("provider", provider))
	}
	entry.staticProvider = provider
	entry.static = edges
	view := mergeView(artifactID, entry)
	listeners := snapshotListeners(entry)
	c.mu.Unlock()

	notify(listeners, artifactID, view)
}

// ClearStatic removes the static slice if the given provider owns it.
func (c *Cache) ClearStatic(artifactID, provider string) {
	c.mu.Lock()
	entry, ok := c.entries[artifactID]
	if !ok || entry.staticProvider != provider {
		c.mu.Unlock()
		return
	}
	entry.staticProvider = ""
	entry.static = nil
	view := mergeView(artifactID, entry)
	listeners := snapshotListeners(entry)
	c.mu.Unlock()

	notify(listeners, artifactID, view)
}

// Edges returns the merged view for an artifact id without registering.
func (c *Cache) Edges(artifactID string) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[artifactID]
	if !ok {
		return View{}
	}
	return mergeView(artifactID, entry)
}

// GetEdge resolves one logical edge by its deterministic id, checking
// both sides of every cached slice the artifact appears in.
func (c *Cache) GetEdge(artifactID string, ref EdgeRef) (document.Edge, bool) {
	edgeID := document.EdgeID(ref.SourceArtifactID, ref.SourceBlockID,
		ref.TargetArtifactID, ref.TargetBlockID, ref.TargetDate)

	view := c.Edges(artifactID)
	for _, edge := range view.OutgoingEdges {
		if edge.EdgeID == edgeID {
			return edge, true
		}
	}
	for _, edge := range view.IncomingEdges {
		if edge.EdgeID == edgeID {
			return edge, true
		}
	}
	return document.Edge{}, false
}

// Invalidate refreshes the local slice for every listed artifact id that
// has active listeners and notifies them. Callers feed it the artifact
// ids carried by edges-changed room events. Ids nobody is watching are
// skipped until someone next registers interest.
func (c *Cache) Invalidate(ctx context.Context, artifactIDs []string) {
	for _, artifactID := range artifactIDs {
		c.mu.Lock()
		entry, ok := c.entries[artifactID]
		if !ok || len(entry.listeners) == 0 {
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		edges, err := c.fetcher.FetchEdges(ctx, artifactID)
		if err != nil {
			c.logger.Warn("edge refetch failed",
				zap.String("artifactId", artifactID),
				zap.Error(err))
			continue
		}

		c.mu.Lock()
		entry.local = edges
		entry.localFetched = true
		view := mergeView(artifactID, entry)
		listeners := snapshotListeners(entry)
		c.mu.Unlock()

		notify(listeners, artifactID, view)
	}
}

// Run drops listenerless slices on a fixed interval until the context
// ends.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for artifactID, entry := range c.entries {
		if len(entry.listeners) == 0 && entry.staticProvider == "" {
			delete(c.entries, artifactID)
		}
	}
}

// mergeView combines the local and static slices, deduped by edge id
// with the local slice winning, and splits them by direction relative to
// the artifact. Callers must hold the cache mutex.
func mergeView(artifactID string, entry *cacheEntry) View {
	merged := make(map[string]document.Edge, len(entry.local)+len(entry.static))
	for _, edge := range entry.static {
		merged[edge.EdgeID] = edge
	}
	for _, edge := range entry.local {
		merged[edge.EdgeID] = edge
	}

	var view View
	for _, edge := range merged {
		if edge.SourceArtifactID == artifactID {
			view.OutgoingEdges = append(view.OutgoingEdges, edge)
		}
		if edge.TargetArtifactID == artifactID && edge.TargetArtifactID != edge.SourceArtifactID {
			view.IncomingEdges = append(view.IncomingEdges, edge)
		}
	}
	sortEdges(view.OutgoingEdges)
	sortEdges(view.IncomingEdges)
	return view
}

func sortEdges(edges []document.Edge) {
	sort.Slice(edges, func(left, right int) bool {
		return edges[left].EdgeID < edges[right].EdgeID
	})
}

func snapshotListeners(entry *cacheEntry) []Listener {
	listeners := make([]Listener, 0, len(entry.listeners))
	for _, listener := range entry.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []Listener, artifactID string, view View) {
	for _, listener := range listeners {
		listener(artifactID, view)
	}
}
