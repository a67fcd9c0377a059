package document

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/trellis-notes/trellis/backend/internal/crdt"
)

// Metadata map keys shared with clients. The meta root always carries id,
// userId and deletedAt once a document is loaded.
const (
	MetaID         = "id"
	MetaUserID     = "userId"
	MetaTitle      = "title"
	MetaTheme      = "theme"
	MetaDocType    = "docType"
	MetaLinkAccess = "linkAccess"
	MetaDeletedAt  = "deletedAt"
)

// Projection is the derived, read-optimized view of one document state:
// plain text, ordered structured content, and the implied outgoing edges.
type Projection struct {
	Title       string
	Theme       string
	LinkAccess  LinkAccess
	Text        string
	ContentJSON string
	Edges       []Edge
	AccessList  map[string]ShareLevel
	DeletedAt   *int64
}

// typeHandler gives each document type its projection behavior. The
// switch in handlerFor is the single place a new type must be added.
type typeHandler interface {
	project(id string, doc *crdt.Doc) (text string, contentJSON string, edges []Edge)
}

func handlerFor(docType DocType) typeHandler {
	switch docType {
	case DocTypeArtifact:
		return artifactHandler{}
	case DocTypeUserTree:
		return treeHandler{}
	case DocTypeCollection:
		return collectionHandler{}
	}
	// ParseDocType guards every external entry point.
	panic("document: unhandled document type " + string(docType))
}

type artifactHandler struct{}

func (artifactHandler) project(id string, doc *crdt.Doc) (string, string, []Edge) {
	body := doc.Root(crdt.RootBody)
	text, contentJSON := renderBlocks(body)
	return text, contentJSON, extractBodyEdges(id, body)
}

type treeHandler struct{}

func (treeHandler) project(id string, doc *crdt.Doc) (string, string, []Edge) {
	tree := doc.Root(crdt.RootTreeNodes)
	text, contentJSON := renderTree(tree)
	return text, contentJSON, extractTreeEdges(id, tree)
}

type collectionHandler struct{}

func (collectionHandler) project(id string, doc *crdt.Doc) (string, string, []Edge) {
	tree := doc.Root(crdt.RootTreeNodes)
	text, contentJSON := renderTree(tree)
	return text, contentJSON, extractTreeEdges(id, tree)
}

// Project derives the full read projection from an in-memory document.
func Project(id string, docType DocType, doc *crdt.Doc) Projection {
	meta := doc.Root(crdt.RootMeta)
	proj := Projection{AccessList: map[string]ShareLevel{}}
	proj.Title, _ = meta.GetString(MetaTitle)
	proj.Theme, _ = meta.GetString(MetaTheme)
	if rawAccess, ok := meta.GetString(MetaLinkAccess); ok {
		proj.LinkAccess = LinkAccess(rawAccess)
	} else {
		proj.LinkAccess = LinkAccessNone
	}
	if raw, ok := meta.Get(MetaDeletedAt); ok {
		var deletedAt *int64
		if err := json.Unmarshal(raw, &deletedAt); err == nil {
			proj.DeletedAt = deletedAt
		}
	}

	access := doc.Root(crdt.RootUserAccess)
	for _, userID := range access.Keys() {
		if level, ok := access.GetString(userID); ok {
			proj.AccessList[userID] = ShareLevel(level)
		}
	}

	proj.Text, proj.ContentJSON, proj.Edges = handlerFor(docType).project(id, doc)
	return proj
}

// ReadableUserIDs returns the enumerable set of users who can read the
// document: the owner plus every share entry, sorted for stable payloads.
// Link-level access is deliberately excluded; it is not enumerable.
func (p Projection) ReadableUserIDs(ownerID string) []string {
	set := map[string]struct{}{}
	if ownerID != "" {
		set[ownerID] = struct{}{}
	}
	for userID := range p.AccessList {
		set[userID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for userID := range set {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

type orderedBlock struct {
	ID string `json:"id"`
	Block
}

func renderBlocks(body *crdt.Map) (string, string) {
	items := body.Items()
	ordered := make([]orderedBlock, 0, len(items))
	for blockID, raw := range items {
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}
		ordered = append(ordered, orderedBlock{ID: blockID, Block: block})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Pos != ordered[j].Pos {
			return ordered[i].Pos < ordered[j].Pos
		}
		return ordered[i].ID < ordered[j].ID
	})

	lines := make([]string, 0, len(ordered))
	for _, block := range ordered {
		if block.Text != "" {
			lines = append(lines, block.Text)
		}
	}
	contentJSON, err := json.Marshal(ordered)
	if err != nil {
		contentJSON = []byte("[]")
	}
	return strings.Join(lines, "\n"), string(contentJSON)
}

type orderedNode struct {
	ID string `json:"id"`
	TreeNode
}

func renderTree(tree *crdt.Map) (string, string) {
	items := tree.Items()
	ordered := make([]orderedNode, 0, len(items))
	for nodeID, raw := range items {
		var node TreeNode
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		ordered = append(ordered, orderedNode{ID: nodeID, TreeNode: node})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Pos != ordered[j].Pos {
			return ordered[i].Pos < ordered[j].Pos
		}
		return ordered[i].ID < ordered[j].ID
	})

	lines := make([]string, 0, len(ordered))
	for _, node := range ordered {
		if node.Label != "" {
			lines = append(lines, node.Label)
		}
	}
	contentJSON, err := json.Marshal(ordered)
	if err != nil {
		contentJSON = []byte("[]")
	}
	return strings.Join(lines, "\n"), string(contentJSON)
}
