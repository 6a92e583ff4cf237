package store

import (
	"time"

	"github.com/google/uuid"
)

// ChunkLevel distinguishes hierarchical chunk roles.
type ChunkLevel string

const (
	ChunkLevelParent ChunkLevel = "parent"
	ChunkLevelChild  ChunkLevel = "child"
)

// Document is an ingested source document.
type Document struct {
	ID         uuid.UUID
	Title      string
	Source     string
	Content    string
	UniverseID *uuid.UUID
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Chunk is a contiguous fragment of a document, independently embedded
// and retrievable.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	TokenCount int

	// Structural metadata from the chunker.
	SectionHierarchy []string
	HeadingContext   string
	DocumentPosition float64

	// Sequence links within the document.
	PrevChunkID *uuid.UUID
	NextChunkID *uuid.UUID

	// Hierarchy links (hierarchical mode only).
	ParentChunkID *uuid.UUID
	ChunkLevel    ChunkLevel

	Metadata  map[string]any
	CreatedAt time.Time
}

// DocumentImage is an image extracted by the document reader.
type DocumentImage struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	ChunkID     *uuid.UUID
	PageNumber  int
	Position    map[string]any
	OCRText     string
	Description string
	Confidence  float64
	StoragePath string
	CreatedAt   time.Time
}

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Title    string
	Provider string
	UseTools bool

	// RerankingEnabled overrides the global default when non-nil.
	RerankingEnabled *bool

	UniverseID   *uuid.UUID
	CurrentTopic string
	Archived     bool
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageRole is either "user" or "assistant".
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageSource is one sanitised source attached to an assistant
// message. Previews are truncated; full chunk content is never stored
// here.
type MessageSource struct {
	ChunkID        uuid.UUID `json:"chunk_id"`
	DocumentTitle  string    `json:"document_title"`
	Similarity     float64   `json:"similarity"`
	ContentPreview string    `json:"content_preview"`
	PageNumber     int       `json:"page_number,omitempty"`
	SectionTitles  []string  `json:"section_titles,omitempty"`
}

// Message is one turn in a conversation. Messages are never mutated;
// regeneration creates a new message linked via ParentMessageID.
type Message struct {
	ID              uuid.UUID
	ConversationID  uuid.UUID
	Role            MessageRole
	Content         string
	Sources         []MessageSource
	Provider        string
	Model           string
	TokensUsed      int
	ParentMessageID *uuid.UUID
	CreatedAt       time.Time
}

// MessageRating is the one-per-message thumbs up/down signal.
type MessageRating struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	UserID    uuid.UUID
	Rating    int // -1 or +1
	Feedback  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Classification labels assigned to negative feedback.
const (
	ClassBadAnswer      = "bad_answer"
	ClassBadQuestion    = "bad_question"
	ClassMissingSources = "missing_sources"
	ClassAmbiguous      = "ambiguous"
)

// ThumbsDownValidation is the AI classification of one negative rating.
type ThumbsDownValidation struct {
	ID               uuid.UUID
	RatingID         uuid.UUID
	AIClassification string
	Confidence       float64
	Rationale        string
	NeedsAdminReview bool
	AdminDecision    *string
	AdminReason      *string
	CreatedAt        time.Time
}

// DocumentQualityScore is the per-document maintenance aggregate.
type DocumentQualityScore struct {
	DocumentID       uuid.UUID
	NeedsReingestion bool
	AnalysisNotes    string
	LastAnalyzedAt   time.Time
}

// ChunkQualityScore is the per-chunk satisfaction aggregate.
type ChunkQualityScore struct {
	ChunkID           uuid.UUID
	SatisfactionScore float64
	RatingCount       int
	UpdatedAt         time.Time
}

// ChunkBlacklistEntry excludes a chunk from future retrieval.
type ChunkBlacklistEntry struct {
	ChunkID   uuid.UUID
	Reason    string
	Source    string // "ai" or "admin"
	CreatedAt time.Time
}

// JobStatus is the ingestion job lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IngestionJob tracks one document upload through the pipeline.
type IngestionJob struct {
	ID            uuid.UUID
	Filename      string
	FileSize      int64
	Status        JobStatus
	Progress      int
	DocumentID    *uuid.UUID
	ChunksCreated int
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ProductUniverse partitions documents for visibility.
type ProductUniverse struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
}

// UserUniverseAccess grants a user visibility into a universe.
type UserUniverseAccess struct {
	UserID     uuid.UUID
	UniverseID uuid.UUID
	IsDefault  bool
}

// Notification is a queued user-facing notification (pedagogical
// follow-ups for bad_question classifications).
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	Payload   map[string]any
	CreatedAt time.Time
	ReadAt    *time.Time
}

// QualityAuditEntry records every automated or admin quality decision.
type QualityAuditEntry struct {
	ID        uuid.UUID
	Action    string
	TargetID  uuid.UUID
	Actor     string // "scheduler", "analyzer", "admin"
	Details   map[string]any
	CreatedAt time.Time
}
