package search

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DocumentState is one side of the before/after pair submitted on every
// reindex: the searchable projection plus the set of users allowed to see
// results for the document.
type DocumentState struct {
	Title           string
	Text            string
	ContentJSON     string
	ReadableUserIDs []string
}

// IndexRequest carries the before/after projection of one artifact so the
// indexer can diff and skip no-op writes.
type IndexRequest struct {
	ArtifactID string
	UserID     string
	Old        DocumentState
	New        DocumentState
}

// Indexer is the search collaborator. The transaction handle lets the
// index write commit or roll back with the rest of the propagation work.
type Indexer interface {
	IndexArtifact(ctx context.Context, tx *gorm.DB, req IndexRequest) error
}

// Document is the persisted search projection of one artifact.
type Document struct {
	ArtifactID        string `gorm:"column:artifact_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	Title             string `gorm:"column:title;size:512;not null;default:''"`
	TextContent       string `gorm:"column:text_content;type:text;not null;default:''"`
	ContentJSON       string `gorm:"column:content_json;type:text;not null;default:''"`
	ReadableUsersJSON string `gorm:"column:readable_users_json;type:text;not null;default:'[]'"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "search_documents"
}

// Index is the storage-backed Indexer implementation.
type Index struct {
	logger *zap.Logger
	clock  func() int64
}

// IndexConfig describes the optional dependencies of the index.
type IndexConfig struct {
	Logger *zap.Logger
	Clock  func() int64
}

// NewIndex constructs a storage-backed index.
func NewIndex(cfg IndexConfig) *Index {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{logger: logger, clock: cfg.Clock}
}

func (i *Index) now() int64 {
	if i.clock != nil {
		return i.clock()
	}
	return 0
}

func stateEqual(a, b DocumentState) bool {
	if a.Title != b.Title || a.Text != b.Text || a.ContentJSON != b.ContentJSON {
		return false
	}
	if len(a.ReadableUserIDs) != len(b.ReadableUserIDs) {
		return false
	}
	for index := range a.ReadableUserIDs {
		if a.ReadableUserIDs[index] != b.ReadableUserIDs[index] {
			return false
		}
	}
	return true
}

// IndexArtifact upserts the searchable projection. Identical before/after
// states skip the write.
func (i *Index) IndexArtifact(ctx context.Context, tx *gorm.DB, req IndexRequest) error {
	if stateEqual(req.Old, req.New) {
		return nil
	}
	readable, err := json.Marshal(req.New.ReadableUserIDs)
	if err != nil {
		return err
	}
	record := Document{
		ArtifactID:        req.ArtifactID,
		UserID:            req.UserID,
		Title:             req.New.Title,
		TextContent:       req.New.Text,
		ContentJSON:       req.New.ContentJSON,
		ReadableUsersJSON: string(readable),
		UpdatedAtSeconds:  i.now(),
	}
	if err := tx.Save(&record).Error; err != nil {
		i.logger.Error("search index write failed",
			zap.String("operation", "search.index_artifact"),
			zap.Error(err))
		return err
	}
	return nil
}

// Search returns documents readable by userID whose title or text matches
// the term. Matching is substring only; ranking is out of scope.
func (i *Index) Search(ctx context.Context, db *gorm.DB, userID, term string) ([]Document, error) {
	if term == "" {
		return nil, errors.New("search: empty term")
	}
	pattern := "%" + term + "%"
	member := `%"` + userID + `"%`
	var docs []Document
	err := db.WithContext(ctx).
		Where("readable_users_json LIKE ? AND (title LIKE ? OR text_content LIKE ?)", member, pattern, pattern).
		Order("updated_at_s DESC").
		Find(&docs).Error
	return docs, err
}
