// Package notify records lifecycle notifications in a transactional outbox
// and dispatches them to a webhook endpoint.
package notify

import (
	"encoding/json"
	"time"

	"esign-workflow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record appends an outbox row using tx, so the notification commits or rolls
// back together with the state change it describes.
func Record(tx *gorm.DB, kind domain.EventKind, aggregateID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return tx.Create(&domain.OutboxEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}).Error
}

type StatusChangedPayload struct {
	VersionID string `json:"version_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type VersionLockedPayload struct {
	VersionID  string   `json:"version_id"`
	DocumentID string   `json:"document_id"`
	Recipients []string `json:"recipients"`
}

type VersionCompletedPayload struct {
	VersionID       string `json:"version_id"`
	DocumentID      string `json:"document_id"`
	SignedPDFSHA256 string `json:"signed_pdf_sha256"`
}

type SignatureCreatedPayload struct {
	VersionID  string   `json:"version_id"`
	EventID    string   `json:"event_id"`
	Sequence   int      `json:"sequence"`
	Recipient  string   `json:"recipient"`
	SignerName string   `json:"signer_name"`
	EventHash  string   `json:"event_hash"`
	FieldIDs   []string `json:"field_ids"`
}
