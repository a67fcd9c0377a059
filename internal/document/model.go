package document

// Artifact is the durable record backing one document of any type. The
// binary CRDT state is the source of truth; title, text and content JSON
// are read-optimized projections refreshed on every save.
type Artifact struct {
	ArtifactID       string `gorm:"column:artifact_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_artifacts_owner"`
	DocType          string `gorm:"column:doc_type;size:32;not null;default:'artifact'"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	Theme            string `gorm:"column:theme;size:64;not null;default:''"`
	LinkAccess       string `gorm:"column:link_access;size:16;not null;default:'noaccess'"`
	TextContent      string `gorm:"column:text_content;type:text;not null;default:''"`
	ContentJSON      string `gorm:"column:content_json;type:text;not null;default:''"`
	StateB64         string `gorm:"column:state_b64;type:text;not null;default:''"`
	FilesJSON        string `gorm:"column:files_json;type:text;not null;default:''"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Artifact) TableName() string {
	return "artifacts"
}

// Share maps one collaborator to the access level granted on an artifact.
type Share struct {
	ArtifactID       string `gorm:"column:artifact_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_shares_user"`
	Level            string `gorm:"column:level;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "artifact_shares"
}

// Edge is one directed reference derived from document content. Rows are
// recomputed from the source artifact on every save, never authored
// directly. EdgeID is the deterministic content hash, so both sides of a
// reference resolve to the same row.
type Edge struct {
	EdgeID           string `gorm:"column:edge_id;primaryKey;size:64;not null" json:"edgeId"`
	SourceArtifactID string `gorm:"column:source_artifact_id;size:190;not null;index:idx_edges_source" json:"sourceArtifactId"`
	SourceBlockID    string `gorm:"column:source_block_id;size:190;not null;default:''" json:"sourceBlockId,omitempty"`
	TargetArtifactID string `gorm:"column:target_artifact_id;size:190;not null;default:'';index:idx_edges_target" json:"targetArtifactId,omitempty"`
	TargetBlockID    string `gorm:"column:target_block_id;size:190;not null;default:''" json:"targetBlockId,omitempty"`
	TargetDate       string `gorm:"column:target_date;size:32;not null;default:''" json:"targetDate,omitempty"`
	ReferenceText    string `gorm:"column:reference_text;type:text;not null;default:''" json:"referenceText"`
	IsBroken         bool   `gorm:"column:is_broken;not null;default:false" json:"isBroken"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Edge) TableName() string {
	return "artifact_edges"
}

// Revision is an immutable historical snapshot of an artifact's durable
// projection. RevisionID is monotonic per artifact and allocated inside
// the propagation transaction.
type Revision struct {
	ArtifactID       string `gorm:"column:artifact_id;primaryKey;size:190;not null"`
	RevisionID       int64  `gorm:"column:revision_id;primaryKey;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	ArtifactJSON     string `gorm:"column:artifact_json;type:text;not null"`
	FilesJSON        string `gorm:"column:files_json;type:text;not null;default:''"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "artifact_revisions"
}

// PropagationJob is the payload of one asynchronous consistency job. The
// old/new state pair pins the diff so a late-arriving stale job cannot
// corrupt a later one's work.
type PropagationJob struct {
	ArtifactID         string   `json:"artifactId"`
	DocType            string   `json:"docType"`
	UserID             string   `json:"userId"`
	TriggeredByUserID  string   `json:"triggeredByUserId"`
	OldStateB64        string   `json:"oldStateB64"`
	NewStateB64        string   `json:"newStateB64"`
	OldReadableUserIDs []string `json:"oldReadableUserIds"`
	NewReadableUserIDs []string `json:"newReadableUserIds"`
}
