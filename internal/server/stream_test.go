package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
)

func TestParseDocKeys(t *testing.T) {
	keys, err := parseDocKeys(" artifact:artifact-1 , usertree:user-a ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}
	if keys[0].Type != document.DocTypeArtifact || keys[0].ID.String() != "artifact-1" {
		t.Fatalf("first key = %+v", keys[0])
	}
	if keys[1].Type != document.DocTypeUserTree || keys[1].ID.String() != "user-a" {
		t.Fatalf("second key = %+v", keys[1])
	}

	if keys, err := parseDocKeys(""); err != nil || keys != nil {
		t.Fatalf("empty input: keys = %v, err = %v", keys, err)
	}
	if _, err := parseDocKeys("artifact-without-type"); err == nil {
		t.Fatalf("expected error for key without type")
	}
	if _, err := parseDocKeys("widget:artifact-1"); err == nil {
		t.Fatalf("expected error for unknown doc type")
	}
}

func TestStreamRequiresToken(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.request(t, http.MethodGet, "/realtime/stream", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestStreamRejectsUnauthorizedDocWatch(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.seedArtifact(t, document.Artifact{ArtifactID: "artifact-1", UserID: "user-a"})
	token := fixture.tokenFor(t, "user-b")

	recorder := fixture.request(t, http.MethodGet, "/realtime/stream?docs=artifact:artifact-1", token, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", recorder.Code)
	}
}

func TestStreamDeliversUserRoomEvents(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.tokenFor(t, "user-a")

	dispatcher := fixture.dispatcher
	testServer := httptest.NewServer(fixture.handler)
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		testServer.URL+"/realtime/stream?access_token="+token, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
	if got := response.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("content type = %q", got)
	}

	// The subscription races the first publish; keep publishing until the
	// event comes through.
	publishCtx, stopPublishing := context.WithCancel(ctx)
	defer stopPublishing()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-publishCtx.Done():
				return
			case <-ticker.C:
				dispatcher.Publish(realtime.RoomForUser("user-a"), realtime.EventSaved,
					map[string]any{"artifactId": "artifact-1"})
			}
		}
	}()

	scanner := bufio.NewScanner(response.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: "+realtime.EventSaved {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "artifact-1") {
				t.Fatalf("unexpected data line %q", line)
			}
			return
		}
	}
	t.Fatalf("stream closed before delivering the event: %v", scanner.Err())
}
