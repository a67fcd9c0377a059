package document

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trellis-notes/trellis/backend/internal/crdt"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
)

// JobKindPropagation names the queue kind consumed by the consistency
// propagation pipeline.
const JobKindPropagation = "propagation"

const (
	opLoad = "document.load"
	opSave = "document.save"

	serverActor = "trellis-backend"

	defaultSaveDebounce = 2 * time.Second
	defaultSaveMaxDelay = 15 * time.Second
)

// Enqueuer is the queue collaborator surface the lifecycle needs: a job
// insert that rides the save transaction so persisting a document and
// enqueueing its propagation job are atomic.
type Enqueuer interface {
	EnqueueTx(tx *gorm.DB, kind string, payload any) (string, error)
}

// Broadcaster delivers lightweight events to realtime rooms.
type Broadcaster interface {
	Publish(room, event string, payload map[string]any)
}

// LifecycleConfig describes the dependencies of the lifecycle manager.
type LifecycleConfig struct {
	Database     *gorm.DB
	Registry     *Registry
	Queue        Enqueuer
	Broadcaster  Broadcaster
	Logger       *zap.Logger
	Clock        func() time.Time
	SaveDebounce time.Duration
	SaveMaxDelay time.Duration
}

// Lifecycle drives the per-document load/merge/persist state machine:
// load on first connection, debounced serialized saves, propagation
// enqueue, unload on last disconnect.
type Lifecycle struct {
	db          *gorm.DB
	registry    *Registry
	queue       Enqueuer
	broadcaster Broadcaster
	logger      *zap.Logger
	clock       func() time.Time
	debounce    time.Duration
	maxDelay    time.Duration

	mu        sync.Mutex
	pending   map[Key]*pendingSave
	saveLocks map[Key]*sync.Mutex
}

type pendingSave struct {
	timer       *time.Timer
	deadline    time.Time
	triggeredBy string
}

var errMissingQueue = errors.New("queue enqueuer is required")

// NewLifecycle constructs the lifecycle manager.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Database == nil {
		return nil, newError(opLoad, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newError(opLoad, "missing_registry", errMissingRegistry)
	}
	if cfg.Queue == nil {
		return nil, newError(opLoad, "missing_queue", errMissingQueue)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	debounce := cfg.SaveDebounce
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	maxDelay := cfg.SaveMaxDelay
	if maxDelay < debounce {
		maxDelay = defaultSaveMaxDelay
	}
	return &Lifecycle{
		db:          cfg.Database,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
		clock:       clock,
		debounce:    debounce,
		maxDelay:    maxDelay,
		pending:     make(map[Key]*pendingSave),
		saveLocks:   make(map[Key]*sync.Mutex),
	}, nil
}

// Load returns the shared in-memory document for key, reading the durable
// snapshot and backfilling missing metadata on first load. Backfill never
// clobbers fields already present, so concurrent first loads are
// idempotent. Callers must Release when the connection closes.
func (l *Lifecycle) Load(ctx context.Context, key Key) (*crdt.Doc, error) {
	return l.registry.Acquire(key, func() (*crdt.Doc, error) {
		return l.loadFresh(ctx, key)
	})
}

// Release drops one connection's reference to the document. The last
// reference flushes any pending save first so edits survive the unload.
func (l *Lifecycle) Release(key Key) {
	l.mu.Lock()
	plan, pendingSaveArmed := l.pending[key]
	var triggeredBy string
	if pendingSaveArmed {
		triggeredBy = plan.triggeredBy
	}
	l.mu.Unlock()

	if pendingSaveArmed && l.registry.Refs(key) == 1 {
		if err := l.Flush(context.Background(), key, triggeredBy); err != nil {
			l.logError(opSave, "final_save_failed", err, key)
		}
	}
	l.registry.Release(key)
}

func (l *Lifecycle) loadFresh(ctx context.Context, key Key) (*crdt.Doc, error) {
	record, err := l.fetchRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	doc := crdt.NewDoc(serverActor)
	if record.StateB64 != "" {
		stateB64, stateErr := crdt.NewStateBase64(record.StateB64)
		if stateErr != nil {
			return nil, newError(opLoad, "snapshot_invalid", errors.Join(ErrInvalidMetadata, stateErr))
		}
		stateBytes, decodeErr := stateB64.Bytes()
		if decodeErr != nil {
			return nil, newError(opLoad, "snapshot_invalid", errors.Join(ErrInvalidMetadata, decodeErr))
		}
		if applyErr := crdt.ApplyUpdate(doc, stateBytes); applyErr != nil {
			return nil, newError(opLoad, "snapshot_apply_failed", applyErr)
		}
	}

	if err := backfillMeta(doc, record); err != nil {
		return nil, newError(opLoad, "meta_backfill_failed", err)
	}
	return doc, nil
}

func (l *Lifecycle) fetchRecord(ctx context.Context, key Key) (Artifact, error) {
	var record Artifact
	err := l.db.WithContext(ctx).
		Where("artifact_id = ? AND doc_type = ?", key.ID.String(), key.Type.String()).
		Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logError(opLoad, "record_read_failed", err, key)
		return Artifact{}, newError(opLoad, "record_read_failed", err)
	}
	if key.Type != DocTypeUserTree {
		return Artifact{}, newError(opLoad, "record_missing", ErrNotFound)
	}

	// A user's tree exists implicitly; materialize the row on first load.
	now := l.clock().UTC().Unix()
	record = Artifact{
		ArtifactID:       key.ID.String(),
		UserID:           key.ID.String(),
		DocType:          key.Type.String(),
		LinkAccess:       string(LinkAccessNone),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	createErr := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if createErr != nil {
		l.logError(opLoad, "tree_create_failed", createErr, key)
		return Artifact{}, newError(opLoad, "tree_create_failed", createErr)
	}
	return record, nil
}

// backfillMeta seeds the metadata map from the durable record, writing
// only keys that have never been written. Seeds go in as defaults at the
// lowest merge priority so a client edit with any clock still wins when
// its update lands after the load.
func backfillMeta(doc *crdt.Doc, record Artifact) error {
	meta := doc.Root(crdt.RootMeta)
	linkAccess := record.LinkAccess
	if linkAccess == "" {
		linkAccess = string(LinkAccessNone)
	}
	var deletedAt *int64
	if record.DeletedAtSeconds != nil {
		value := *record.DeletedAtSeconds
		deletedAt = &value
	}
	seeds := []struct {
		key   string
		value any
	}{
		{MetaID, record.ArtifactID},
		{MetaUserID, record.UserID},
		{MetaTitle, record.Title},
		{MetaTheme, record.Theme},
		{MetaDocType, record.DocType},
		{MetaLinkAccess, linkAccess},
		{MetaDeletedAt, deletedAt},
	}
	for _, seed := range seeds {
		if _, err := meta.SetDefault(seed.key, seed.value); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleSave arms (or re-arms) the debounced save for a document. Under
// continuous editing the save fires no later than the max-delay bound set
// when the first edit arrived.
func (l *Lifecycle) ScheduleSave(key Key, triggeredBy string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	plan, ok := l.pending[key]
	if !ok {
		plan = &pendingSave{deadline: now.Add(l.maxDelay)}
		l.pending[key] = plan
	}
	plan.triggeredBy = triggeredBy

	fireIn := l.debounce
	if latest := plan.deadline.Sub(now); latest < fireIn {
		fireIn = latest
		if fireIn < 0 {
			fireIn = 0
		}
	}
	if plan.timer != nil {
		plan.timer.Stop()
	}
	plan.timer = time.AfterFunc(fireIn, func() { l.fire(key) })
}

func (l *Lifecycle) fire(key Key) {
	l.mu.Lock()
	plan, ok := l.pending[key]
	if ok {
		delete(l.pending, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.Flush(context.Background(), key, plan.triggeredBy); err != nil {
		l.logError(opSave, "debounced_save_failed", err, key)
	}
}

// Stop cancels all armed debounce timers without saving. Pending edits
// remain in memory; callers wanting durability flush first.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, plan := range l.pending {
		if plan.timer != nil {
			plan.timer.Stop()
		}
		delete(l.pending, key)
	}
}

// Flush persists the document immediately, superseding any armed debounce
// timer. Saves for the same document are serialized: a save in flight
// blocks the next one until complete.
func (l *Lifecycle) Flush(ctx context.Context, key Key, triggeredBy string) error {
	l.mu.Lock()
	if plan, ok := l.pending[key]; ok {
		if plan.timer != nil {
			plan.timer.Stop()
		}
		delete(l.pending, key)
	}
	lock, ok := l.saveLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.saveLocks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return l.save(ctx, key, triggeredBy)
}

func (l *Lifecycle) save(ctx context.Context, key Key, triggeredBy string) error {
	doc, loaded := l.registry.Peek(key)
	if !loaded {
		return nil
	}

	stateBytes, err := crdt.EncodeStateAsUpdate(doc)
	if err != nil {
		l.logError(opSave, "state_encode_failed", err, key)
		return newError(opSave, "state_encode_failed", err)
	}
	newStateB64 := crdt.EncodeState(stateBytes).String()
	proj := Project(key.ID.String(), key.Type, doc)
	now := l.clock().UTC().Unix()

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Artifact
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("artifact_id = ? AND doc_type = ?", key.ID.String(), key.Type.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted out-of-band: abort without enqueueing a job
			// against a missing base artifact.
			return newError(opSave, "record_missing", ErrNotFound)
		}
		if err != nil {
			return newError(opSave, "record_read_failed", err)
		}

		oldStateB64 := record.StateB64
		oldReadable, err := l.readableUserIDs(tx, record)
		if err != nil {
			return newError(opSave, "shares_read_failed", err)
		}

		record.Title = proj.Title
		record.Theme = proj.Theme
		record.LinkAccess = string(proj.LinkAccess)
		record.TextContent = proj.Text
		record.ContentJSON = proj.ContentJSON
		record.StateB64 = newStateB64
		record.DeletedAtSeconds = proj.DeletedAt
		record.UpdatedAtSeconds = now
		if err := tx.Save(&record).Error; err != nil {
			return newError(opSave, "record_update_failed", err)
		}

		// Artifact share rows track the in-document access list so the
		// gatekeeper's storage path stays current; collections reconcile
		// theirs in the propagation pipeline instead.
		if key.Type == DocTypeArtifact {
			if err := ReplaceShares(tx, key.ID.String(), proj.AccessList, now); err != nil {
				return newError(opSave, "shares_replace_failed", err)
			}
		}

		job := PropagationJob{
			ArtifactID:         key.ID.String(),
			DocType:            key.Type.String(),
			UserID:             record.UserID,
			TriggeredByUserID:  triggeredBy,
			OldStateB64:        oldStateB64,
			NewStateB64:        newStateB64,
			OldReadableUserIDs: oldReadable,
			NewReadableUserIDs: proj.ReadableUserIDs(record.UserID),
		}
		if _, err := l.queue.EnqueueTx(tx, JobKindPropagation, job); err != nil {
			return newError(opSave, "job_enqueue_failed", err)
		}
		return nil
	})
	if txErr != nil {
		l.logError(opSave, "transaction_failed", txErr, key)
		return txErr
	}

	if l.broadcaster != nil {
		l.broadcaster.Publish(realtime.RoomForDoc(key.String()), realtime.EventSaved, nil)
	}
	return nil
}

func (l *Lifecycle) readableUserIDs(tx *gorm.DB, record Artifact) ([]string, error) {
	var shares []Share
	if err := tx.Where("artifact_id = ?", record.ArtifactID).Find(&shares).Error; err != nil {
		return nil, err
	}
	set := map[string]struct{}{record.UserID: {}}
	for _, share := range shares {
		set[share.UserID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for userID := range set {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReplaceShares reconciles share rows with the document's access list.
func ReplaceShares(tx *gorm.DB, artifactID string, accessList map[string]ShareLevel, now int64) error {
	if err := tx.Where("artifact_id = ?", artifactID).Delete(&Share{}).Error; err != nil {
		return err
	}
	for userID, level := range accessList {
		share := Share{
			ArtifactID:       artifactID,
			UserID:           userID,
			Level:            string(level),
			CreatedAtSeconds: now,
		}
		if err := tx.Create(&share).Error; err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) logError(operation, reason string, err error, key Key) {
	l.logger.Error("document lifecycle error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("doc_type", key.Type.String()),
		zap.Error(err))
}
