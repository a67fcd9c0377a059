package document

import (
	"context"
	"errors"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/trellis-notes/trellis/backend/internal/crdt"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Artifact{}, &Share{}, &Edge{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustKey(t *testing.T, docType, id string) Key {
	t.Helper()
	key, err := NewKey(docType, id)
	if err != nil {
		t.Fatalf("failed to build key %s:%s: %v", docType, id, err)
	}
	return key
}

func seedArtifact(t *testing.T, db *gorm.DB, record Artifact) {
	t.Helper()
	if record.DocType == "" {
		record.DocType = string(DocTypeArtifact)
	}
	if record.LinkAccess == "" {
		record.LinkAccess = string(LinkAccessNone)
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed artifact %s: %v", record.ArtifactID, err)
	}
}

// stubSessions resolves fixed tokens to user ids.
type stubSessions map[string]string

func (s stubSessions) Resolve(_ context.Context, token string) (Session, error) {
	userID, ok := s[token]
	if !ok {
		return Session{}, errors.New("unknown token")
	}
	return Session{UserID: userID}, nil
}

// recordingEnqueuer captures enqueued jobs inside the caller transaction.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []recordedJob
}

type recordedJob struct {
	kind    string
	payload any
}

func (r *recordingEnqueuer) EnqueueTx(_ *gorm.DB, kind string, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, recordedJob{kind: kind, payload: payload})
	return "job-1", nil
}

func (r *recordingEnqueuer) recorded() []recordedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedJob(nil), r.jobs...)
}

func newLifecycleForTest(t *testing.T, db *gorm.DB, registry *Registry, enqueuer Enqueuer) *Lifecycle {
	t.Helper()
	lifecycle, err := NewLifecycle(LifecycleConfig{
		Database: db,
		Registry: registry,
		Queue:    enqueuer,
	})
	if err != nil {
		t.Fatalf("failed to construct lifecycle: %v", err)
	}
	return lifecycle
}

func setMeta(t *testing.T, doc *crdt.Doc, key string, value any) {
	t.Helper()
	if err := doc.Root(crdt.RootMeta).Set(key, value); err != nil {
		t.Fatalf("failed to set meta %s: %v", key, err)
	}
}
