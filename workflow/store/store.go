// Package store persists applications, documents, workflow steps and
// decisions. It is the single source of truth for resumability: the
// engine derives every scheduling decision from a snapshot read here,
// and no component other than the store mutates application state.
//
// Three implementations are provided:
//   - MemStore: in-memory, for tests and development
//   - SQLiteStore: single-file relational store (modernc.org/sqlite)
//   - MySQLStore: shared relational store for production
package store

import (
	"context"
	"errors"
	"time"

	"github.com/civistack/benefitflow/workflow/decision"
	"github.com/civistack/benefitflow/workflow/state"
)

// ErrNotFound is returned when an application or document id does not
// resolve.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Transition when the expected from-state
// no longer matches. The caller reloads and decides.
var ErrConflict = errors.New("store: state conflict")

// ErrInvalidTransition is returned when the state machine rejects the
// requested transition outright.
var ErrInvalidTransition = errors.New("store: invalid transition")

// ErrInvalidState is returned when an operation is not allowed in the
// application's current state (attach outside the pre-OCR window,
// decision outside MAKING_DECISION).
var ErrInvalidState = errors.New("store: operation invalid in current state")

// Document kinds.
const (
	KindBankStatement = "BANK_STATEMENT"
	KindIdentityCard  = "IDENTITY_CARD"
)

// Kinds lists the required document kinds for a complete application.
var Kinds = []string{KindBankStatement, KindIdentityCard}

// Per-stage document statuses.
const (
	StagePending   = "PENDING"
	StageRunning   = "RUNNING"
	StageCompleted = "COMPLETED"
	StageFailed    = "FAILED"
)

// Workflow step statuses.
const (
	StepStarted   = "STARTED"
	StepCompleted = "COMPLETED"
	StepFailed    = "FAILED"
	StepSkipped   = "SKIPPED"
	StepCancelled = "CANCELLED"
)

// FormData holds the applicant-provided fields. All are required once
// the application reaches FORM_SUBMITTED.
type FormData struct {
	FullName   string `json:"full_name"`
	NationalID string `json:"national_id"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

// Lease is a short-lived exclusive claim on an application's advance
// operation. Expired leases are ignored by AcquireLease but kept
// visible for diagnostics.
type Lease struct {
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Application is the workflow subject.
type Application struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Form            FormData    `json:"form"`
	State           state.State `json:"state"`
	Progress        int         `json:"progress"`
	CancelRequested bool        `json:"cancel_requested"`
	Lease           *Lease      `json:"lease,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	SubmittedAt     *time.Time  `json:"submitted_at,omitempty"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`
	DecidedAt       *time.Time  `json:"decided_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Document is a file attached to an application. At most one per
// (application, kind).
type Document struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Kind          string `json:"kind"`
	Filename      string `json:"filename"`
	ByteSize      int64  `json:"byte_size"`
	ContentType   string `json:"content_type"`
	StorageHandle string `json:"storage_handle"`

	OCRStatus     string  `json:"ocr_status"`
	OCRText       string  `json:"ocr_text,omitempty"`
	OCRConfidence float64 `json:"ocr_confidence,omitempty"`
	OCRError      string  `json:"ocr_error,omitempty"`
	OCRAttempt    int     `json:"ocr_attempt"`

	ExtractStatus     string                 `json:"extract_status"`
	ExtractedFields   map[string]interface{} `json:"extracted_fields,omitempty"`
	ExtractConfidence float64                `json:"extract_confidence,omitempty"`
	ExtractError      string                 `json:"extract_error,omitempty"`
	ExtractAttempt    int                    `json:"extract_attempt"`
}

// WorkflowStep is one append-only journal record of state machine
// activity. Sequence is monotonic per application.
type WorkflowStep struct {
	ID            string                 `json:"id"`
	ApplicationID string                 `json:"application_id"`
	Sequence      int                    `json:"sequence"`
	StepName      string                 `json:"step_name"`
	FromState     state.State            `json:"from_state"`
	ToState       state.State            `json:"to_state"`
	Status        string                 `json:"status"`
	Message       string                 `json:"message"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
	Attempt       int                    `json:"attempt"`
}

// Decision is the terminal verdict, at most one per application.
type Decision struct {
	ApplicationID string           `json:"application_id"`
	Outcome       decision.Outcome `json:"outcome"`
	Confidence    float64          `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	BenefitAmount *int64           `json:"benefit_amount,omitempty"`
	DecidedAt     time.Time        `json:"decided_at"`
}

// Snapshot is a fully-materialized read of an application and
// everything it owns. There is no lazy loading: the advance critical
// section operates on this value alone.
type Snapshot struct {
	Application Application
	Documents   []Document
	Steps       []WorkflowStep
	Decision    *Decision
}

// Document lookup helpers used throughout the engine.

// DocumentByID returns the document with the given id, or nil.
func (s *Snapshot) DocumentByID(id string) *Document {
	for i := range s.Documents {
		if s.Documents[i].ID == id {
			return &s.Documents[i]
		}
	}
	return nil
}

// DocumentByKind returns the document of the given kind, or nil.
func (s *Snapshot) DocumentByKind(kind string) *Document {
	for i := range s.Documents {
		if s.Documents[i].Kind == kind {
			return &s.Documents[i]
		}
	}
	return nil
}

// DocumentSpec describes a document being attached.
type DocumentSpec struct {
	Kind          string
	Filename      string
	ByteSize      int64
	ContentType   string
	StorageHandle string
}

// StepInput describes the journal record written alongside a
// transition or diagnostic entry.
type StepInput struct {
	Name       string
	Status     string // defaults to COMPLETED
	Message    string
	Payload    map[string]interface{}
	Attempt    int // defaults to 1
	DurationMS int64
}

// Stage names used in StageUpdate and job payloads.
const (
	StageOCR     = "ocr"
	StageExtract = "extract"
	StageDecide  = "decide"
)

// StageUpdate writes OCR or extraction fields onto a document. Writes
// are idempotent keyed by (document, stage, attempt): an update whose
// attempt is below the stored attempt, or that targets an
// already-terminal status at the same attempt, is a no-op.
type StageUpdate struct {
	Stage      string // StageOCR or StageExtract
	Status     string
	Attempt    int
	Text       string
	Confidence float64
	Fields     map[string]interface{}
	Error      string
}

// Store is the persistence contract. All writes are atomic per call.
type Store interface {
	// CreateApplication inserts an application in DRAFT and writes the
	// initial workflow step.
	CreateApplication(ctx context.Context, ownerID string, form FormData) (*Application, error)

	// AttachDocument enforces kind uniqueness (replacing an existing
	// document of the same kind) and is allowed only while the
	// application is in FORM_SUBMITTED, DOCUMENTS_UPLOADED or
	// PROCESSING_FAILED.
	AttachDocument(ctx context.Context, appID string, spec DocumentSpec) (*Document, error)

	// Transition performs an atomic compare-and-set on the state,
	// validates the edge against the state machine, writes the journal
	// step and updates timestamps. Returns ErrConflict when the
	// current state differs from expectedFrom.
	Transition(ctx context.Context, appID string, expectedFrom, to state.State, step StepInput) (*WorkflowStep, error)

	// AppendStep writes a diagnostic journal entry without changing
	// state (from = to = current state).
	AppendStep(ctx context.Context, appID string, step StepInput) (*WorkflowStep, error)

	// AcquireLease claims the advance lock. Returns false when a
	// non-expired lease is held by another worker. Re-acquisition by
	// the same worker extends the lease.
	AcquireLease(ctx context.Context, appID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLease clears the lease iff held by workerID.
	ReleaseLease(ctx context.Context, appID, workerID string) error

	// RequestCancel sets the cancellation flag. The engine observes it
	// at the next advance.
	RequestCancel(ctx context.Context, appID string) error

	// UpdateDocumentStage writes stage result fields; see StageUpdate
	// for the idempotency contract.
	UpdateDocumentStage(ctx context.Context, docID string, upd StageUpdate) error

	// RecordDecision writes the 0..1 decision row. Only valid while
	// the application is in MAKING_DECISION; idempotent when the same
	// decision is already recorded.
	RecordDecision(ctx context.Context, appID string, d Decision) error

	// Load returns the application row only.
	Load(ctx context.Context, appID string) (*Application, error)

	// LoadFull returns the application with documents, journal and
	// decision.
	LoadFull(ctx context.Context, appID string) (*Snapshot, error)

	// DeleteApplication removes the application and everything it
	// owns.
	DeleteApplication(ctx context.Context, appID string) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
