package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trellis-notes/trellis/backend/internal/accounts"
	"github.com/trellis-notes/trellis/backend/internal/crdt"
	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/queue"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
	"github.com/trellis-notes/trellis/backend/internal/search"
)

const (
	opProcess = "propagation.process"

	actorPipeline = "propagation-pipeline"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingQueue    = errors.New("queue enqueuer is required")
	errMissingSearch   = errors.New("search indexer is required")
)

// PipelineConfig describes the pipeline dependencies.
type PipelineConfig struct {
	Database *gorm.DB
	Queue    document.Enqueuer
	Search   search.Indexer
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Pipeline reconciles derived state after every persisted save: the
// reference graph, the bounded revision history, the search index, and
// the notification fan-out, all inside one transaction per job.
type Pipeline struct {
	db      *gorm.DB
	queue   document.Enqueuer
	indexer search.Indexer
	logger  *zap.Logger
	clock   func() time.Time
}

// NewPipeline constructs the pipeline, validating its dependencies.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Search == nil {
		return nil, errMissingSearch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		db:      cfg.Database,
		queue:   cfg.Queue,
		indexer: cfg.Search,
		logger:  logger,
		clock:   clock,
	}, nil
}

// ChangedFields describes which user-visible aspects of a document one
// save touched. Notifications carry only these booleans, never content.
type ChangedFields struct {
	Title           bool `json:"title"`
	Text            bool `json:"text"`
	ReadableUserIDs bool `json:"readableUserIds"`
	References      bool `json:"references"`
}

// CollectionChangedFields is the narrow collection variant.
type CollectionChangedFields struct {
	Title   bool `json:"title"`
	Members bool `json:"members"`
}

// Handle processes one propagation job. Diffs always come from the
// old/new state pair carried in the payload, never from current state, so
// a late-arriving stale job cannot corrupt a later one's work.
func (p *Pipeline) Handle(ctx context.Context, job queue.Job) error {
	var payload document.PropagationJob
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("propagation: decode job payload: %w", err)
	}
	docType, err := document.ParseDocType(payload.DocType)
	if err != nil {
		return fmt.Errorf("propagation: %w", err)
	}

	switch docType {
	case document.DocTypeArtifact, document.DocTypeUserTree:
		return p.processDocument(ctx, docType, payload)
	case document.DocTypeCollection:
		return p.processCollection(ctx, payload)
	}
	return fmt.Errorf("propagation: unhandled document type %q", docType)
}

func (p *Pipeline) processDocument(ctx context.Context, docType document.DocType, payload document.PropagationJob) error {
	oldDoc, err := decodeState(payload.OldStateB64)
	if err != nil {
		return fmt.Errorf("propagation: decode old state: %w", err)
	}
	newDoc, err := decodeState(payload.NewStateB64)
	if err != nil {
		return fmt.Errorf("propagation: decode new state: %w", err)
	}

	oldProj := document.Project(payload.ArtifactID, docType, oldDoc)
	newProj := document.Project(payload.ArtifactID, docType, newDoc)
	now := p.clock().UTC().Unix()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		edgeArtifactIDs, err := p.replaceEdges(tx, payload.ArtifactID, newProj.Edges, now)
		if err != nil {
			return newPipelineError("edges_replace_failed", err)
		}

		if err := p.writeRevision(tx, payload, now); err != nil {
			return err
		}

		if err := p.indexer.IndexArtifact(ctx, tx, search.IndexRequest{
			ArtifactID: payload.ArtifactID,
			UserID:     payload.UserID,
			Old:        searchState(oldProj, payload.OldReadableUserIDs),
			New:        searchState(newProj, payload.NewReadableUserIDs),
		}); err != nil {
			return newPipelineError("search_index_failed", err)
		}

		changed := ChangedFields{
			Title:           oldProj.Title != newProj.Title,
			Text:            oldProj.Text != newProj.Text,
			ReadableUserIDs: !equalStringSlices(payload.OldReadableUserIDs, payload.NewReadableUserIDs),
			References:      len(edgeArtifactIDs) > 0,
		}
		p.enqueueNotifications(tx, payload.ArtifactID,
			unionUserIDs(payload.OldReadableUserIDs, payload.NewReadableUserIDs),
			realtime.EventArtifactSync,
			map[string]any{"artifactId": payload.ArtifactID, "changed": changed})
		p.broadcastEdgesChanged(tx, edgeArtifactIDs)
		return nil
	})
}

// replaceEdges reconciles the artifact's outgoing edge set with the set
// implied by the new content and returns the sorted artifact ids whose
// edge picture changed: the source plus the target of every edge added,
// rewritten, or removed. References to targets missing from the store
// are kept with isBroken=true so editors can render them distinctly.
func (p *Pipeline) replaceEdges(tx *gorm.DB, artifactID string, computed []document.Edge, now int64) ([]string, error) {
	var existing []document.Edge
	if err := tx.Where("source_artifact_id = ?", artifactID).Find(&existing).Error; err != nil {
		return nil, err
	}
	existingByID := make(map[string]document.Edge, len(existing))
	for _, edge := range existing {
		existingByID[edge.EdgeID] = edge
	}

	affected := make(map[string]struct{})
	touch := func(ids ...string) {
		for _, id := range ids {
			if id != "" {
				affected[id] = struct{}{}
			}
		}
	}
	seen := make(map[string]struct{}, len(computed))
	for _, edge := range computed {
		seen[edge.EdgeID] = struct{}{}
		edge.IsBroken = edge.TargetArtifactID != "" && !p.targetExists(tx, edge.TargetArtifactID)
		edge.UpdatedAtSeconds = now

		current, ok := existingByID[edge.EdgeID]
		if ok && current.IsBroken == edge.IsBroken && current.ReferenceText == edge.ReferenceText {
			continue
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&edge).Error; err != nil {
			return nil, err
		}
		touch(artifactID, edge.TargetArtifactID)
	}

	for _, edge := range existing {
		if _, ok := seen[edge.EdgeID]; ok {
			continue
		}
		if err := tx.Where("edge_id = ?", edge.EdgeID).Delete(&document.Edge{}).Error; err != nil {
			return nil, err
		}
		touch(artifactID, edge.TargetArtifactID)
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Pipeline) targetExists(tx *gorm.DB, artifactID string) bool {
	var count int64
	err := tx.Model(&document.Artifact{}).
		Where("artifact_id = ? AND deleted_at_s IS NULL", artifactID).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// revisionSnapshot is the immutable content of one revision row.
type revisionSnapshot struct {
	Title   string          `json:"title"`
	Theme   string          `json:"theme"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

// writeRevision allocates revisionId = max+1 inside the transaction and
// prunes the trailing retention window. Reprocessing the same old/new
// pair is detected by comparing against the newest stored snapshot, so
// at-least-once delivery never duplicates a revision.
func (p *Pipeline) writeRevision(tx *gorm.DB, payload document.PropagationJob, now int64) error {
	var record document.Artifact
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("artifact_id = ?", payload.ArtifactID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newPipelineError("artifact_missing", document.ErrNotFound)
	}
	if err != nil {
		return newPipelineError("artifact_read_failed", err)
	}

	content := record.ContentJSON
	if content == "" {
		content = "null"
	}
	snapshotBytes, err := json.Marshal(revisionSnapshot{
		Title:   record.Title,
		Theme:   record.Theme,
		Text:    record.TextContent,
		Content: json.RawMessage(content),
	})
	if err != nil {
		return newPipelineError("snapshot_marshal_failed", err)
	}
	snapshot := string(snapshotBytes)

	var newest document.Revision
	maxRevisionID := int64(0)
	err = tx.Where("artifact_id = ?", payload.ArtifactID).
		Order("revision_id DESC").
		Take(&newest).Error
	if err == nil {
		maxRevisionID = newest.RevisionID
		if newest.ArtifactJSON == snapshot && newest.FilesJSON == record.FilesJSON {
			return nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return newPipelineError("revision_read_failed", err)
	}

	authorID := payload.TriggeredByUserID
	if authorID == "" {
		authorID = record.UserID
	}
	revision := document.Revision{
		ArtifactID:       payload.ArtifactID,
		RevisionID:       maxRevisionID + 1,
		UserID:           authorID,
		ArtifactJSON:     snapshot,
		FilesJSON:        record.FilesJSON,
		DeletedAtSeconds: record.DeletedAtSeconds,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&revision).Error; err != nil {
		return newPipelineError("revision_insert_failed", err)
	}

	keep := accounts.RetentionFor(accounts.TierForUser(tx, record.UserID))
	if err := tx.Where("artifact_id = ? AND revision_id <= ?", payload.ArtifactID, revision.RevisionID-int64(keep)).
		Delete(&document.Revision{}).Error; err != nil {
		return newPipelineError("revision_prune_failed", err)
	}
	return nil
}

func (p *Pipeline) processCollection(ctx context.Context, payload document.PropagationJob) error {
	oldDoc, err := decodeState(payload.OldStateB64)
	if err != nil {
		return fmt.Errorf("propagation: decode old state: %w", err)
	}
	newDoc, err := decodeState(payload.NewStateB64)
	if err != nil {
		return fmt.Errorf("propagation: decode new state: %w", err)
	}

	oldProj := document.Project(payload.ArtifactID, document.DocTypeCollection, oldDoc)
	newProj := document.Project(payload.ArtifactID, document.DocTypeCollection, newDoc)
	now := p.clock().UTC().Unix()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := document.ReplaceShares(tx, payload.ArtifactID, newProj.AccessList, now); err != nil {
			return newPipelineError("shares_replace_failed", err)
		}

		changed := CollectionChangedFields{
			Title:   oldProj.Title != newProj.Title,
			Members: !equalAccessLists(oldProj.AccessList, newProj.AccessList),
		}
		recipients := unionUserIDs(
			append(accessUserIDs(oldProj.AccessList), payload.UserID),
			accessUserIDs(newProj.AccessList))
		p.enqueueNotifications(tx, payload.ArtifactID, recipients,
			realtime.EventArtifactSync,
			map[string]any{"artifactId": payload.ArtifactID, "changed": changed})
		return nil
	})
}

// enqueueNotifications inserts one notification job per recipient. A
// failed enqueue is logged and skipped: a missed realtime nudge is
// non-fatal since clients resync on reconnect.
func (p *Pipeline) enqueueNotifications(tx *gorm.DB, artifactID string, userIDs []string, event string, payload map[string]any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("notification payload marshal failed",
			zap.String("operation", opProcess),
			zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		p.enqueueNotification(tx, realtime.RoomForUser(userID), event, string(payloadBytes))
	}
}

// broadcastEdgesChanged tells every document room whose edge picture the
// save touched which artifact ids changed. Edge caches on the consuming
// side invalidate exactly those ids instead of refetching everything.
func (p *Pipeline) broadcastEdgesChanged(tx *gorm.DB, artifactIDs []string) {
	if len(artifactIDs) == 0 {
		return
	}
	payloadBytes, err := json.Marshal(map[string]any{"artifactIds": artifactIDs})
	if err != nil {
		p.logger.Error("notification payload marshal failed",
			zap.String("operation", opProcess),
			zap.Error(err))
		return
	}
	for _, artifactID := range artifactIDs {
		key := document.Key{Type: document.DocTypeArtifact, ID: document.ArtifactID(artifactID)}
		p.enqueueNotification(tx, realtime.RoomForDoc(key.String()), realtime.EventEdgesChanged, string(payloadBytes))
	}
}

func (p *Pipeline) enqueueNotification(tx *gorm.DB, room, event, payloadJSON string) {
	notification := realtime.Notification{Room: room, Event: event, PayloadJSON: payloadJSON}
	if _, err := p.queue.EnqueueTx(tx, realtime.JobKindNotification, notification); err != nil {
		p.logger.Error("notification enqueue failed",
			zap.String("operation", opProcess),
			zap.String("room", notification.Room),
			zap.Error(err))
	}
}

func decodeState(stateB64 string) (*crdt.Doc, error) {
	doc := crdt.NewDoc(actorPipeline)
	if stateB64 == "" {
		return doc, nil
	}
	payload, err := crdt.NewStateBase64(stateB64)
	if err != nil {
		return nil, err
	}
	raw, err := payload.Bytes()
	if err != nil {
		return nil, err
	}
	if err := crdt.ApplyUpdate(doc, raw); err != nil {
		return nil, err
	}
	return doc, nil
}

func searchState(proj document.Projection, readable []string) search.DocumentState {
	return search.DocumentState{
		Title:           proj.Title,
		Text:            proj.Text,
		ContentJSON:     proj.ContentJSON,
		ReadableUserIDs: readable,
	}
}

func unionUserIDs(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	for _, id := range b {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func accessUserIDs(accessList map[string]document.ShareLevel) []string {
	ids := make([]string, 0, len(accessList))
	for userID := range accessList {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalAccessLists(a, b map[string]document.ShareLevel) bool {
	if len(a) != len(b) {
		return false
	}
	for userID, level := range a {
		if other, ok := b[userID]; !ok || other != level {
			return false
		}
	}
	return true
}

func newPipelineError(reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", opProcess, reason, cause)
}
