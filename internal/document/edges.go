package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/trellis-notes/trellis/backend/internal/crdt"
)

// Block is one unit of body content. Blocks live in the body root keyed
// by block id and render in ascending Pos order.
type Block struct {
	Pos   float64         `json:"pos"`
	Kind  string          `json:"kind"`
	Text  string          `json:"text"`
	Spans []ReferenceSpan `json:"spans,omitempty"`
}

// ReferenceSpan encodes one inline reference inside a block: a target
// artifact and/or date, an optional target block, and the literal text
// the editor rendered for it.
type ReferenceSpan struct {
	TargetArtifactID string `json:"targetArtifactId,omitempty"`
	TargetBlockID    string `json:"targetBlockId,omitempty"`
	TargetDate       string `json:"targetDate,omitempty"`
	Text             string `json:"text"`
}

func (s ReferenceSpan) empty() bool {
	return s.TargetArtifactID == "" && s.TargetDate == ""
}

// EdgeID computes the deterministic identity of a reference from its four
// identifying fields plus the optional date. The same logical reference
// hashes identically no matter which side computed it.
func EdgeID(sourceArtifactID, sourceBlockID, targetArtifactID, targetBlockID, targetDate string) string {
	h := sha256.New()
	for i, part := range []string{sourceArtifactID, sourceBlockID, targetArtifactID, targetBlockID, targetDate} {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// extractBodyEdges derives the outgoing edge set implied by a body root.
// IsBroken is left false; target existence is resolved against the store
// by the propagation pipeline. Duplicate logical references collapse to
// one edge.
func extractBodyEdges(artifactID string, body *crdt.Map) []Edge {
	seen := make(map[string]struct{})
	var edges []Edge
	for _, blockID := range body.Keys() {
		raw, ok := body.Get(blockID)
		if !ok {
			continue
		}
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}
		for _, span := range block.Spans {
			if span.empty() {
				continue
			}
			id := EdgeID(artifactID, blockID, span.TargetArtifactID, span.TargetBlockID, span.TargetDate)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			edges = append(edges, Edge{
				EdgeID:           id,
				SourceArtifactID: artifactID,
				SourceBlockID:    blockID,
				TargetArtifactID: span.TargetArtifactID,
				TargetBlockID:    span.TargetBlockID,
				TargetDate:       span.TargetDate,
				ReferenceText:    span.Text,
			})
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].EdgeID < edges[j].EdgeID })
	return edges
}

// TreeNode is one entry of a navigation tree or collection membership
// root, keyed by node id.
type TreeNode struct {
	ArtifactID string  `json:"artifactId,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	Pos        float64 `json:"pos"`
	Label      string  `json:"label,omitempty"`
}

// extractTreeEdges derives edges from a treeNodes root: each node that
// points at an artifact yields one reference from the owning document.
func extractTreeEdges(documentID string, tree *crdt.Map) []Edge {
	seen := make(map[string]struct{})
	var edges []Edge
	for _, nodeID := range tree.Keys() {
		raw, ok := tree.Get(nodeID)
		if !ok {
			continue
		}
		var node TreeNode
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		if node.ArtifactID == "" {
			continue
		}
		id := EdgeID(documentID, nodeID, node.ArtifactID, "", "")
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		edges = append(edges, Edge{
			EdgeID:           id,
			SourceArtifactID: documentID,
			SourceBlockID:    nodeID,
			TargetArtifactID: node.ArtifactID,
			ReferenceText:    node.Label,
		})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].EdgeID < edges[j].EdgeID })
	return edges
}
