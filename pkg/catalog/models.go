// Package catalog is the relational catalog of artifacts tracked by the
// pipeline. It is the local side of the two-way reconciliation with the
// object store.
package catalog

import "time"

// Kind classifies an artifact by its media type.
type Kind string

const (
	KindVideo Kind = "video"
	KindPDF   Kind = "pdf"
	KindOther Kind = "other"
)

// KindForMime infers the artifact kind from a MIME type.
func KindForMime(mime string) Kind {
	switch {
	case len(mime) >= 6 && mime[:6] == "video/":
		return KindVideo
	case mime == "application/pdf":
		return KindPDF
	default:
		return KindOther
	}
}

// Status is the lifecycle state of an artifact.
//
// Transitions follow PENDING -> PROCESSING -> (COMPLETED | FAILED | CANCELED).
// Terminal states are never left except by deletion.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// validNext lists the allowed transitions out of each state.
var validNext = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCanceled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCanceled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, n := range validNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Artifact is one media item tracked through its lifecycle: spooled locally,
// transformed, uploaded into a per-artifact folder in the object store, and
// served back as byte ranges.
type Artifact struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Owner string `gorm:"index;not null;size:255" json:"owner"`
	Kind  Kind   `gorm:"index;not null;size:16" json:"kind"`
	Title string `gorm:"not null;size:255" json:"title"`

	// HierarchyPath is the /-joined category/organization[/chapter] path the
	// artifact lives under in the object store.
	HierarchyPath string `gorm:"index;size:1024" json:"hierarchy_path"`

	Status   Status `gorm:"index;not null;size:16;default:PENDING" json:"status"`
	Progress int    `gorm:"default:0" json:"progress"`
	Error    string `json:"error,omitempty"`

	// RemoteFileID is the object-store id of the primary artifact;
	// RemoteFolderID the id of its wrapping folder. Both empty until uploaded.
	RemoteFileID   string `gorm:"index;size:255" json:"remote_file_id,omitempty"`
	RemoteFolderID string `gorm:"index;size:255" json:"remote_folder_id,omitempty"`

	SizeBytes       int64   `json:"size_bytes"`
	MimeType        string  `gorm:"size:255" json:"mime_type"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Derived assets (video kind only).
	ThumbnailRef string `gorm:"size:255" json:"thumbnail_ref,omitempty"`
	PreviewRef   string `gorm:"size:255" json:"preview_ref,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Annotations []PDFAnnotation `gorm:"foreignKey:ArtifactID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Artifact) TableName() string { return "artifacts" }

// DisplayProgress is the progress surfaced to clients: failed and cancelled
// attempts always read as 0.
func (a *Artifact) DisplayProgress() int {
	if a.Status == StatusFailed || a.Status == StatusCanceled {
		return 0
	}
	return a.Progress
}

// ChatCredential stores the opaque session blob for a caller's chat-channel
// provider. Credential contents are managed outside the pipeline.
type ChatCredential struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Owner     string    `gorm:"uniqueIndex;not null;size:255" json:"owner"`
	Blob      string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatCredential) TableName() string { return "chat_credentials" }

// PDFAnnotation belongs to a pdf-kind artifact. Annotation editing is out of
// pipeline scope; the rows exist so artifact deletion removes them instead of
// leaking into reconciliation.
type PDFAnnotation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ArtifactID uint      `gorm:"index;not null" json:"artifact_id"`
	Page       int       `gorm:"not null" json:"page"`
	Payload    string    `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PDFAnnotation) TableName() string { return "pdf_annotations" }

// AllModels returns every model migrated into the catalog schema.
func AllModels() []any {
	return []any{&Artifact{}, &ChatCredential{}, &PDFAnnotation{}}
}
