package document

import (
	"errors"
	"fmt"
	"strings"
)

// DocType identifies which kind of document a key refers to.
type DocType string

const (
	// DocTypeArtifact is a collaboratively edited rich-text document.
	DocTypeArtifact DocType = "artifact"
	// DocTypeUserTree is a user's private navigation tree.
	DocTypeUserTree DocType = "usertree"
	// DocTypeCollection is a shared grouping of artifacts with its own share list.
	DocTypeCollection DocType = "collection"
)

// ErrInvalidDocType indicates an unknown document type value.
var ErrInvalidDocType = errors.New("document: invalid document type")

// ParseDocType validates a raw document type string.
func ParseDocType(rawInput string) (DocType, error) {
	switch DocType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DocTypeArtifact:
		return DocTypeArtifact, nil
	case DocTypeUserTree:
		return DocTypeUserTree, nil
	case DocTypeCollection:
		return DocTypeCollection, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDocType, rawInput)
	}
}

// String returns the wire value of the document type.
func (t DocType) String() string {
	return string(t)
}

// Key identifies one document within the registry and durable store.
type Key struct {
	Type DocType
	ID   ArtifactID
}

// NewKey validates the raw type and identifier pair.
func NewKey(rawType, rawID string) (Key, error) {
	docType, err := ParseDocType(rawType)
	if err != nil {
		return Key{}, err
	}
	id, err := NewArtifactID(rawID)
	if err != nil {
		return Key{}, err
	}
	return Key{Type: docType, ID: id}, nil
}

// String renders the key for log fields and room names.
func (k Key) String() string {
	return string(k.Type) + ":" + string(k.ID)
}

// AccessLevel is the ordered permission tier a user holds for a document.
type AccessLevel int

const (
	// AccessNone permits nothing; connections with this level are rejected.
	AccessNone AccessLevel = iota
	// AccessReadOnly permits loading and observing a document.
	AccessReadOnly
	// AccessReadWrite permits mutating a document.
	AccessReadWrite
	// AccessOwner permits everything read-write does plus share management.
	AccessOwner
)

// String returns the wire value of the access level.
func (l AccessLevel) String() string {
	switch l {
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	case AccessOwner:
		return "owner"
	default:
		return "none"
	}
}

// AllowsRead reports whether the level permits loading the document.
func (l AccessLevel) AllowsRead() bool {
	return l >= AccessReadOnly
}

// AllowsWrite reports whether the level permits mutation.
func (l AccessLevel) AllowsWrite() bool {
	return l >= AccessReadWrite
}

// LinkAccess is the document-wide access granted to any authenticated user.
type LinkAccess string

const (
	// LinkAccessNone grants nothing through the document link.
	LinkAccessNone LinkAccess = "noaccess"
	// LinkAccessReadOnly grants read-only access through the document link.
	LinkAccessReadOnly LinkAccess = "readonly"
	// LinkAccessReadWrite grants read-write access through the document link.
	LinkAccessReadWrite LinkAccess = "readwrite"
)

// Level maps the link access to the access level it grants.
func (a LinkAccess) Level() AccessLevel {
	switch a {
	case LinkAccessReadOnly:
		return AccessReadOnly
	case LinkAccessReadWrite:
		return AccessReadWrite
	default:
		return AccessNone
	}
}

// ShareLevel is the per-user access recorded in a share entry.
type ShareLevel string

const (
	// ShareReadOnly grants read-only access to the shared user.
	ShareReadOnly ShareLevel = "readonly"
	// ShareReadWrite grants read-write access to the shared user.
	ShareReadWrite ShareLevel = "readwrite"
)

// Level maps the share level to the access level it grants.
func (s ShareLevel) Level() AccessLevel {
	switch s {
	case ShareReadWrite:
		return AccessReadWrite
	case ShareReadOnly:
		return AccessReadOnly
	default:
		return AccessNone
	}
}
