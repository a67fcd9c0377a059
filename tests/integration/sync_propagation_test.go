package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/trellis-notes/trellis/backend/internal/auth"
	"github.com/trellis-notes/trellis/backend/internal/crdt"
	"github.com/trellis-notes/trellis/backend/internal/database"
	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/propagation"
	"github.com/trellis-notes/trellis/backend/internal/queue"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
	"github.com/trellis-notes/trellis/backend/internal/search"
	"github.com/trellis-notes/trellis/backend/internal/server"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "trellis-api"
	ownerUserID              = "user-owner"
	collaboratorUserID       = "user-collaborator"
	artifactID               = "artifact-plan"
	missingTargetID          = "artifact-missing"
	jsonContentType          = "application/json"
)

type integrationStack struct {
	db         *gorm.DB
	sessions   *auth.Sessions
	broker     *queue.Broker
	dispatcher *realtime.Dispatcher
	index      *search.Index
	server     *httptest.Server
}

func buildStack(t *testing.T) *integrationStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sessions, err := auth.NewSessions(auth.SessionConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct sessions: %v", err)
	}

	registry := document.NewRegistry()
	gatekeeper, err := document.NewGatekeeper(document.GatekeeperConfig{
		Database: db,
		Sessions: sessions,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct gatekeeper: %v", err)
	}

	broker, err := queue.NewBroker(queue.BrokerConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct broker: %v", err)
	}
	dispatcher := realtime.NewDispatcher()

	lifecycle, err := document.NewLifecycle(document.LifecycleConfig{
		Database:     db,
		Registry:     registry,
		Queue:        broker,
		Broadcaster:  dispatcher,
		Logger:       zap.NewNop(),
		SaveDebounce: 10 * time.Millisecond,
		SaveMaxDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct lifecycle: %v", err)
	}
	t.Cleanup(lifecycle.Stop)

	index := search.NewIndex(search.IndexConfig{})
	pipeline, err := propagation.NewPipeline(propagation.PipelineConfig{
		Database: db,
		Queue:    broker,
		Search:   index,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	fanout, err := realtime.NewFanout(realtime.FanoutConfig{Dispatcher: dispatcher, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct fanout: %v", err)
	}
	broker.Register(document.JobKindPropagation, 4, pipeline.Handle)
	broker.Register(realtime.JobKindNotification, 1, fanout.Handle)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gatekeeper: gatekeeper,
		Lifecycle:  lifecycle,
		Database:   db,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &integrationStack{
		db:         db,
		sessions:   sessions,
		broker:     broker,
		dispatcher: dispatcher,
		index:      index,
		server:     testServer,
	}
}

func (s *integrationStack) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.sessions.IssueToken(userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *integrationStack) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request, err := http.NewRequest(http.MethodPost, s.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func decodeResponse(t *testing.T, response *http.Response) map[string]any {
	t.Helper()
	defer response.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// clientUpdate builds the editor-side state for one save: a title, one
// paragraph referencing a target artifact, and a readwrite share.
func clientUpdate(t *testing.T) string {
	t.Helper()
	doc := crdt.NewDoc("integration-client")
	meta := doc.Root(crdt.RootMeta)
	if err := meta.Set(document.MetaTitle, "Quarterly plan"); err != nil {
		t.Fatalf("failed to set title: %v", err)
	}
	block := document.Block{
		Pos:  1,
		Kind: "paragraph",
		Text: "see the budget breakdown",
		Spans: []document.ReferenceSpan{{
			TargetArtifactID: missingTargetID,
			Text:             "budget breakdown",
		}},
	}
	if err := doc.Root(crdt.RootBody).Set("block-1", block); err != nil {
		t.Fatalf("failed to set block: %v", err)
	}
	if err := doc.Root(crdt.RootUserAccess).Set(collaboratorUserID, string(document.ShareReadWrite)); err != nil {
		t.Fatalf("failed to set share: %v", err)
	}

	raw, err := crdt.EncodeStateAsUpdate(doc)
	if err != nil {
		t.Fatalf("failed to encode update: %v", err)
	}
	return crdt.EncodeState(raw).String()
}

func TestSyncAndPropagationFlow(t *testing.T) {
	stack := buildStack(t)

	now := time.Now().UTC().Unix()
	seed := document.Artifact{
		ArtifactID:       artifactID,
		UserID:           ownerUserID,
		DocType:          string(document.DocTypeArtifact),
		LinkAccess:       string(document.LinkAccessNone),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := stack.db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed artifact: %v", err)
	}

	ownerToken := stack.tokenFor(t, ownerUserID)

	// Handshake: the owner connects and receives the full state.
	connectResponse := stack.post(t, "/documents/artifact/"+artifactID+"/connect", ownerToken, nil)
	if connectResponse.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", connectResponse.StatusCode)
	}
	connectBody := decodeResponse(t, connectResponse)
	if connectBody["accessLevel"] != "owner" {
		t.Fatalf("accessLevel = %v", connectBody["accessLevel"])
	}

	// The collaborator cannot connect before the share materializes.
	collaboratorToken := stack.tokenFor(t, collaboratorUserID)
	earlyResponse := stack.post(t, "/documents/artifact/"+artifactID+"/connect", collaboratorToken, nil)
	earlyResponse.Body.Close()
	if earlyResponse.StatusCode != http.StatusForbidden {
		t.Fatalf("pre-share connect status = %d, want 403", earlyResponse.StatusCode)
	}

	updateResponse := stack.post(t, "/documents/artifact/"+artifactID+"/update", ownerToken,
		map[string]string{"update": clientUpdate(t)})
	updateResponse.Body.Close()
	if updateResponse.StatusCode != http.StatusAccepted {
		t.Fatalf("update status = %d", updateResponse.StatusCode)
	}

	ctx := context.Background()
	collaboratorRoom, unsubscribe := stack.dispatcher.Subscribe(ctx, realtime.RoomForUser(collaboratorUserID))
	defer unsubscribe()

	flushResponse := stack.post(t, "/documents/artifact/"+artifactID+"/flush", ownerToken, nil)
	flushResponse.Body.Close()
	if flushResponse.StatusCode != http.StatusOK {
		t.Fatalf("flush status = %d", flushResponse.StatusCode)
	}

	// Process the propagation job and the notification jobs it enqueues.
	if err := stack.broker.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	var edges []document.Edge
	if err := stack.db.Where("source_artifact_id = ?", artifactID).Find(&edges).Error; err != nil {
		t.Fatalf("failed to load edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].TargetArtifactID != missingTargetID || !edges[0].IsBroken {
		t.Fatalf("expected a broken edge to the missing target: %+v", edges[0])
	}

	var revisions []document.Revision
	if err := stack.db.Where("artifact_id = ?", artifactID).Find(&revisions).Error; err != nil {
		t.Fatalf("failed to load revisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].RevisionID != 1 {
		t.Fatalf("unexpected revision set: %+v", revisions)
	}

	var shares []document.Share
	if err := stack.db.Where("artifact_id = ?", artifactID).Find(&shares).Error; err != nil {
		t.Fatalf("failed to load shares: %v", err)
	}
	if len(shares) != 1 || shares[0].UserID != collaboratorUserID {
		t.Fatalf("unexpected share rows: %+v", shares)
	}

	results, err := stack.index.Search(ctx, stack.db, collaboratorUserID, "budget")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ArtifactID != artifactID {
		t.Fatalf("unexpected search results: %+v", results)
	}

	select {
	case message := <-collaboratorRoom:
		if message.Event != realtime.EventArtifactSync {
			t.Fatalf("event = %q, want %q", message.Event, realtime.EventArtifactSync)
		}
		if message.Payload["artifactId"] != artifactID {
			t.Fatalf("payload = %v", message.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("collaborator notification never arrived")
	}

	// With the share persisted the collaborator's connection succeeds at
	// read-write level.
	lateResponse := stack.post(t, "/documents/artifact/"+artifactID+"/connect", collaboratorToken, nil)
	if lateResponse.StatusCode != http.StatusOK {
		t.Fatalf("post-share connect status = %d", lateResponse.StatusCode)
	}
	lateBody := decodeResponse(t, lateResponse)
	if lateBody["accessLevel"] != "read-write" {
		t.Fatalf("collaborator accessLevel = %v", lateBody["accessLevel"])
	}
}
