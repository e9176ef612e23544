package domain

import (
	"time"

	"esign-workflow/internal/lifecycle"

	"gorm.io/datatypes"
)

type FieldType string

const (
	FieldText      FieldType = "text"
	FieldSignature FieldType = "signature"
	FieldDate      FieldType = "date"
	FieldCheckbox  FieldType = "checkbox"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldSignature, FieldDate, FieldCheckbox:
		return true
	}
	return false
}

type TokenScope string

const (
	ScopeView TokenScope = "view"
	ScopeSign TokenScope = "sign"
)

type Document struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	OwnerID   string    `gorm:"size:64;index;not null" json:"owner_id"`
	Versions  []Version `gorm:"constraint:OnDelete:CASCADE" json:"versions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is the signable instance of a document's content and field layout.
type Version struct {
	ID              string           `gorm:"primaryKey;size:36" json:"id"`
	DocumentID      string           `gorm:"size:36;index;not null;uniqueIndex:idx_document_version" json:"document_id"`
	VersionNumber   int              `gorm:"not null;uniqueIndex:idx_document_version" json:"version_number"`
	Title           string           `gorm:"size:255;not null" json:"title"`
	Status          lifecycle.Status `gorm:"size:32;not null;default:draft" json:"status"`
	SignedPDFSHA256 *string          `gorm:"column:signed_pdf_sha256;size:64" json:"signed_pdf_sha256"`
	LockedAt        *time.Time       `json:"locked_at"`
	CompletedAt     *time.Time       `json:"completed_at"`
	Fields          []Field          `gorm:"constraint:OnDelete:CASCADE" json:"fields,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type Field struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	VersionID  string    `gorm:"size:36;index;not null" json:"version_id"`
	FieldType  FieldType `gorm:"size:16;not null" json:"field_type"`
	Label      string    `gorm:"size:255" json:"label"`
	Recipient  string    `gorm:"size:255;index" json:"recipient"`
	PageNumber int       `gorm:"not null" json:"page_number"`
	XPct       float64   `gorm:"column:x_pct;not null" json:"x_pct"`
	YPct       float64   `gorm:"column:y_pct;not null" json:"y_pct"`
	WidthPct   float64   `gorm:"column:width_pct;not null" json:"width_pct"`
	HeightPct  float64   `gorm:"column:height_pct;not null" json:"height_pct"`
	Required   bool      `gorm:"not null;default:false" json:"required"`
	Value      *string   `json:"value"`
	Locked     bool      `gorm:"not null;default:false" json:"locked"`
	Position   int       `gorm:"not null" json:"position"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasValue reports whether the field carries a non-empty value.
func (f *Field) HasValue() bool {
	return f.Value != nil && *f.Value != ""
}

// VersionRecipient is one row of the materialized recipient roster of a version.
type VersionRecipient struct {
	VersionID string `gorm:"primaryKey;size:36"`
	Recipient string `gorm:"primaryKey;size:255"`
}

type SigningToken struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	VersionID string     `gorm:"size:36;index;not null" json:"version_id"`
	Token     string     `gorm:"size:64;uniqueIndex;not null" json:"token"`
	Scope     TokenScope `gorm:"size:8;not null" json:"scope"`
	Recipient string     `gorm:"size:255" json:"recipient"`
	ExpiresAt *time.Time `json:"expires_at"`
	Used      bool       `gorm:"not null;default:false" json:"used"`
	Revoked   bool       `gorm:"not null;default:false" json:"revoked"`
	UsedAt    *time.Time `json:"used_at"`
	RevokedAt *time.Time `json:"revoked_at"`
	CreatedAt time.Time  `json:"created_at"`
}

type FieldValue struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// SignatureEvent rows are append-only. Nothing updates or deletes them.
type SignatureEvent struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	VersionID       string         `gorm:"size:36;not null;uniqueIndex:idx_version_sequence" json:"version_id"`
	Sequence        int            `gorm:"not null;uniqueIndex:idx_version_sequence" json:"sequence"`
	Recipient       string         `gorm:"size:255;not null" json:"recipient"`
	SignerName      string         `gorm:"size:255;not null" json:"signer_name"`
	SignedAt        time.Time      `gorm:"not null" json:"signed_at"`
	IPAddress       string         `gorm:"size:64" json:"ip_address"`
	UserAgent       string         `gorm:"size:512" json:"user_agent"`
	FieldValues     datatypes.JSON `json:"field_values"`
	DocumentSHA256  string         `gorm:"column:document_sha256;size:64;not null" json:"document_sha256"`
	PriorEventHash  string         `gorm:"size:64" json:"prior_event_hash"`
	EventHash       string         `gorm:"size:64;not null" json:"event_hash"`
	SignedPDFSHA256 *string        `gorm:"column:signed_pdf_sha256;size:64" json:"signed_pdf_sha256"`
}

type Group struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	Title     string      `gorm:"size:255;not null" json:"title"`
	OwnerID   string      `gorm:"size:64;index;not null" json:"owner_id"`
	IsLocked  bool        `gorm:"not null;default:false" json:"is_locked"`
	LockedAt  *time.Time  `json:"locked_at"`
	Items     []GroupItem `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type GroupItem struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	GroupID    string    `gorm:"size:36;index;not null" json:"group_id"`
	VersionID  string    `gorm:"size:36;not null" json:"version_id"`
	OrderIndex int       `gorm:"not null" json:"order_index"`
	IsLocked   bool      `gorm:"not null;default:false" json:"is_locked"`
	CreatedAt  time.Time `json:"created_at"`
}

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

type GroupSigningSession struct {
	ID           string             `gorm:"primaryKey;size:36" json:"id"`
	Token        string             `gorm:"size:64;uniqueIndex;not null" json:"token"`
	GroupID      string             `gorm:"size:36;index;not null" json:"group_id"`
	Recipient    string             `gorm:"size:255;not null" json:"recipient"`
	CurrentIndex int                `gorm:"not null;default:0" json:"current_index"`
	Status       SessionStatus      `gorm:"size:16;not null" json:"status"`
	ExpiresAt    *time.Time         `json:"expires_at"`
	Items        []GroupSessionItem `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type GroupSessionItem struct {
	SessionID      string     `gorm:"primaryKey;size:36" json:"session_id"`
	OrderIndex     int        `gorm:"primaryKey" json:"order_index"`
	GroupItemID    string     `gorm:"size:36;not null" json:"group_item_id"`
	VersionID      string     `gorm:"size:36;not null" json:"version_id"`
	SigningTokenID *string    `gorm:"size:36" json:"signing_token_id"`
	PresentedAt    *time.Time `json:"presented_at"`
}

type EventKind string

const (
	EventSignatureCreated EventKind = "signature_created"
	EventVersionLocked    EventKind = "version_locked"
	EventVersionCompleted EventKind = "version_completed"
	EventStatusChanged    EventKind = "status_changed"
)

// OutboxEvent is written in the same transaction as the state change it announces.
type OutboxEvent struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	Kind         EventKind      `gorm:"size:32;not null" json:"kind"`
	AggregateID  string         `gorm:"size:36;index;not null" json:"aggregate_id"`
	Payload      datatypes.JSON `json:"payload"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
	DispatchedAt *time.Time     `gorm:"index" json:"dispatched_at"`
}
