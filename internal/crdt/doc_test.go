package crdt

import (
	"testing"
)

func mustSet(t *testing.T, m *Map, key string, value any) {
	t.Helper()
	if err := m.Set(key, value); err != nil {
		t.Fatalf("failed to set %s: %v", key, err)
	}
}

func mustEncode(t *testing.T, doc *Doc) []byte {
	t.Helper()
	data, err := EncodeStateAsUpdate(doc)
	if err != nil {
		t.Fatalf("failed to encode state: %v", err)
	}
	return data
}

func mustApply(t *testing.T, doc *Doc, data []byte) {
	t.Helper()
	if err := ApplyUpdate(doc, data); err != nil {
		t.Fatalf("failed to apply update: %v", err)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	alpha := NewDoc("actor-a")
	mustSet(t, alpha.Root(RootMeta), "title", "from alpha")
	beta := NewDoc("actor-b")
	mustSet(t, beta.Root(RootMeta), "theme", "dark")

	alphaState := mustEncode(t, alpha)
	betaState := mustEncode(t, beta)

	left := NewDoc("merge-left")
	mustApply(t, left, alphaState)
	mustApply(t, left, betaState)

	right := NewDoc("merge-right")
	mustApply(t, right, betaState)
	mustApply(t, right, alphaState)

	for _, key := range []string{"title", "theme"} {
		leftValue, leftOK := left.Root(RootMeta).GetString(key)
		rightValue, rightOK := right.Root(RootMeta).GetString(key)
		if !leftOK || !rightOK {
			t.Fatalf("expected %s on both replicas", key)
		}
		if leftValue != rightValue {
			t.Fatalf("merge order changed %s: %q vs %q", key, leftValue, rightValue)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	doc := NewDoc("actor-a")
	mustSet(t, doc.Root(RootMeta), "title", "stable")
	state := mustEncode(t, doc)

	replica := NewDoc("replica")
	mustApply(t, replica, state)
	mustApply(t, replica, state)
	mustApply(t, replica, state)

	title, ok := replica.Root(RootMeta).GetString("title")
	if !ok || title != "stable" {
		t.Fatalf("unexpected title after repeated merge: %q", title)
	}
	if replica.Root(RootMeta).Len() != 1 {
		t.Fatalf("expected exactly one live entry, got %d", replica.Root(RootMeta).Len())
	}
}

func TestConcurrentWritesResolveByClockThenActor(t *testing.T) {
	alpha := NewDoc("actor-a")
	beta := NewDoc("actor-b")
	// Same clock tick on both replicas; the higher actor id must win on
	// every replica regardless of merge order.
	mustSet(t, alpha.Root(RootMeta), "title", "alpha wins?")
	mustSet(t, beta.Root(RootMeta), "title", "beta wins")

	mustApply(t, alpha, mustEncode(t, beta))
	mustApply(t, beta, mustEncode(t, alpha))

	alphaTitle, _ := alpha.Root(RootMeta).GetString("title")
	betaTitle, _ := beta.Root(RootMeta).GetString("title")
	if alphaTitle != betaTitle {
		t.Fatalf("replicas diverged: %q vs %q", alphaTitle, betaTitle)
	}
	if alphaTitle != "beta wins" {
		t.Fatalf("expected higher actor id to win the tie, got %q", alphaTitle)
	}
}

func TestTombstoneSurvivesMerge(t *testing.T) {
	doc := NewDoc("actor-a")
	mustSet(t, doc.Root(RootBody), "block-1", map[string]any{"text": "hello"})

	stale := mustEncode(t, doc)

	doc.Root(RootBody).Delete("block-1")
	mustApply(t, doc, stale)

	if doc.Root(RootBody).Has("block-1") {
		t.Fatalf("expected stale rewrite to lose against the tombstone")
	}
}

func TestSetDefaultLosesToGenuineWrites(t *testing.T) {
	client := NewDoc("client-actor")
	mustSet(t, client.Root(RootMeta), "title", "typed by client")
	clientState := mustEncode(t, client)

	server := NewDoc("server-actor")
	written, err := server.Root(RootMeta).SetDefault("title", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !written {
		t.Fatalf("expected absent key to be seeded")
	}

	// Client edit arriving after the seed must win the merge.
	mustApply(t, server, clientState)
	title, _ := server.Root(RootMeta).GetString("title")
	if title != "typed by client" {
		t.Fatalf("seed shadowed a client write: %q", title)
	}

	// Seed arriving after the client edit must lose too.
	serverSeed := NewDoc("server-actor")
	if _, err := serverSeed.Root(RootMeta).SetDefault("title", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seedState := mustEncode(t, serverSeed)
	mustApply(t, client, seedState)
	title, _ = client.Root(RootMeta).GetString("title")
	if title != "typed by client" {
		t.Fatalf("late seed shadowed an earlier client write: %q", title)
	}
}

func TestSetDefaultDoesNotOverwrite(t *testing.T) {
	doc := NewDoc("actor-a")
	meta := doc.Root(RootMeta)
	mustSet(t, meta, "title", "original")

	written, err := meta.SetDefault("title", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatalf("expected present key to be left alone")
	}
	title, _ := meta.GetString("title")
	if title != "original" {
		t.Fatalf("expected original value, got %q", title)
	}

	written, err = meta.SetDefault("theme", "dark")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !written {
		t.Fatalf("expected absent key to be written")
	}
}

func TestStateRoundTrip(t *testing.T) {
	doc := NewDoc("actor-a")
	mustSet(t, doc.Root(RootMeta), "title", "round trip")
	mustSet(t, doc.Root(RootTreeNodes), "node-1", map[string]any{"artifactId": "artifact-1", "pos": 1.0})

	replica := NewDoc("replica")
	mustApply(t, replica, mustEncode(t, doc))

	title, ok := replica.Root(RootMeta).GetString("title")
	if !ok || title != "round trip" {
		t.Fatalf("unexpected title: %q", title)
	}
	if !replica.Root(RootTreeNodes).Has("node-1") {
		t.Fatalf("expected tree node to survive the round trip")
	}
}

func TestApplyUpdateRejectsMalformedPayload(t *testing.T) {
	doc := NewDoc("actor-a")
	if err := ApplyUpdate(doc, []byte("not json")); err == nil {
		t.Fatalf("expected malformed payload to be rejected")
	}
	if err := ApplyUpdate(doc, nil); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}
