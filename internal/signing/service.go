// Package signing issues scoped access tokens for a version and accepts
// value submissions through them, extending the audit chain.
package signing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	defError "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"esign-workflow/internal/audit"
	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/lifecycle"
	"esign-workflow/internal/notify"
	"esign-workflow/internal/render"
	"esign-workflow/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReasonOK is the resolution reason of a live token.
const ReasonOK = "ok"

type VersionProvider interface {
	GetOwnedVersion(ctx context.Context, versionID, ownerID string) (*domain.Version, error)
}

type Service interface {
	Issue(ctx context.Context, ownerID, versionID string, in IssueRequest) (*domain.SigningToken, error)
	IssueStepToken(ctx context.Context, versionID, recipient string, expiresAt *time.Time) (*domain.SigningToken, error)
	GetToken(ctx context.Context, id string) (*domain.SigningToken, error)
	Resolve(ctx context.Context, token string) (*Resolution, error)
	Revoke(ctx context.Context, ownerID, tokenID string) (*domain.SigningToken, error)
	Submit(ctx context.Context, token string, in SubmitInput) (*SubmitResult, error)
	VerifyEvent(ctx context.Context, ownerID, eventID string) (*audit.Report, error)
	ExportVersion(ctx context.Context, ownerID, versionID string) (*audit.Bundle, error)
	BuildBundle(ctx context.Context, versionID string) (*audit.Bundle, error)
}

type DefaultService struct {
	repository TokenRepository
	versions   VersionProvider
	renderer   render.Renderer
	locker     redis.Locker
	cache      *redis.Cache
	logger     *zap.Logger
	auditTTL   time.Duration
	now        func() time.Time
}

func NewService(
	repository TokenRepository,
	versions VersionProvider,
	renderer render.Renderer,
	locker redis.Locker,
	cache *redis.Cache,
	logger *zap.Logger,
	auditTTL time.Duration,
) Service {
	return &DefaultService{
		repository: repository,
		versions:   versions,
		renderer:   renderer,
		locker:     locker,
		cache:      cache,
		logger:     logger,
		auditTTL:   auditTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewTokenValue returns 32 random bytes, URL-safe base64 without padding.
func NewTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenState applies the rejection precedence revoked, used, expired.
func TokenState(t *domain.SigningToken, now time.Time) string {
	switch {
	case t.Revoked:
		return errors.ReasonRevoked
	case t.Used:
		return errors.ReasonUsed
	case t.ExpiresAt != nil && !now.Before(*t.ExpiresAt):
		return errors.ReasonExpired
	}
	return ReasonOK
}

type IssueRequest struct {
	Scope         domain.TokenScope `json:"scope" binding:"required,oneof=view sign"`
	Recipient     string            `json:"recipient" binding:"max=255"`
	ExpiresInDays *int              `json:"expires_in_days" binding:"omitempty,min=1"`
}

func (s *DefaultService) Issue(ctx context.Context, ownerID, versionID string, in IssueRequest) (*domain.SigningToken, error) {
	v, err := s.versions.GetOwnedVersion(ctx, versionID, ownerID)
	if err != nil {
		return nil, err
	}

	recipient := strings.TrimSpace(in.Recipient)
	var expiresAt *time.Time
	if in.ExpiresInDays != nil {
		if *in.ExpiresInDays < 1 {
			return nil, errors.Validation("expires_in_days must be at least 1")
		}
		t := s.now().Add(time.Duration(*in.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	switch in.Scope {
	case domain.ScopeSign:
		return s.issueSign(ctx, v, v.Fields, recipient, expiresAt)
	case domain.ScopeView:
		if recipient != "" {
			return nil, errors.Validation("recipient is only accepted on sign tokens")
		}
		return s.store(ctx, v.ID, domain.ScopeView, "", expiresAt)
	}
	return nil, errors.Validation(fmt.Sprintf("unknown scope %q", in.Scope))
}

// IssueStepToken issues a sign token for one step of a group session. The
// caller has already authorized the session.
func (s *DefaultService) IssueStepToken(ctx context.Context, versionID, recipient string, expiresAt *time.Time) (*domain.SigningToken, error) {
	v, fields, err := s.repository.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.issueSign(ctx, v, fields, recipient, expiresAt)
}

func (s *DefaultService) issueSign(ctx context.Context, v *domain.Version, fields []domain.Field, recipient string, expiresAt *time.Time) (*domain.SigningToken, error) {
	if recipient == "" {
		return nil, errors.Validation("recipient is required for sign tokens")
	}
	if !v.Status.Signable() {
		return nil, errors.Precondition(
			fmt.Sprintf("Sign tokens need a locked version, version is %s", v.Status),
			v.ID,
		)
	}
	if document.Outstanding(fields, recipient) == 0 {
		return nil, errors.Precondition(
			fmt.Sprintf("%s has no outstanding required field", recipient),
			v.ID,
		)
	}
	return s.store(ctx, v.ID, domain.ScopeSign, recipient, expiresAt)
}

func (s *DefaultService) store(ctx context.Context, versionID string, scope domain.TokenScope, recipient string, expiresAt *time.Time) (*domain.SigningToken, error) {
	value, err := NewTokenValue()
	if err != nil {
		return nil, err
	}
	t := &domain.SigningToken{
		ID:        uuid.NewString(),
		VersionID: versionID,
		Token:     value,
		Scope:     scope,
		Recipient: recipient,
		ExpiresAt: expiresAt,
		CreatedAt: s.now(),
	}
	if err := s.repository.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("token issued",
		zap.String("version_id", versionID),
		zap.String("token_id", t.ID),
		zap.String("scope", string(scope)),
	)
	return t, nil
}

func (s *DefaultService) GetToken(ctx context.Context, id string) (*domain.SigningToken, error) {
	return s.repository.FindByID(ctx, id)
}

type VersionSummary struct {
	ID            string           `json:"id"`
	DocumentID    string           `json:"document_id"`
	VersionNumber int              `json:"version_number"`
	Title         string           `json:"title"`
	Status        lifecycle.Status `json:"status"`
}

type Resolution struct {
	Reason           string            `json:"reason"`
	TokenID          string            `json:"token_id,omitempty"`
	Scope            domain.TokenScope `json:"scope,omitempty"`
	Recipient        string            `json:"recipient,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Version          *VersionSummary   `json:"version,omitempty"`
	Fields           []domain.Field    `json:"fields,omitempty"`
	EditableFieldIDs []string          `json:"editable_field_ids"`
}

// Resolve reports what a token grants. Rejections come back as a reason,
// not an error.
func (s *DefaultService) Resolve(ctx context.Context, token string) (*Resolution, error) {
	t, err := s.repository.FindByToken(ctx, token)
	if err != nil {
		if defError.Is(err, errors.ErrTokenNotFound) {
			return &Resolution{Reason: errors.ReasonNotFound, EditableFieldIDs: []string{}}, nil
		}
		return nil, err
	}

	res := &Resolution{
		Reason:           TokenState(t, s.now()),
		TokenID:          t.ID,
		Scope:            t.Scope,
		Recipient:        t.Recipient,
		ExpiresAt:        t.ExpiresAt,
		EditableFieldIDs: []string{},
	}
	if res.Reason != ReasonOK {
		return res, nil
	}

	v, fields, err := s.repository.Version(ctx, t.VersionID)
	if err != nil {
		return nil, err
	}
	res.Version = &VersionSummary{
		ID:            v.ID,
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		Title:         v.Title,
		Status:        v.Status,
	}
	res.Fields = fields
	res.EditableFieldIDs = document.EditableFieldIDs(fields, v.Status, t)
	return res, nil
}

func (s *DefaultService) Revoke(ctx context.Context, ownerID, tokenID string) (*domain.SigningToken, error) {
	t, err := s.repository.FindByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if _, err := s.versions.GetOwnedVersion(ctx, t.VersionID, ownerID); err != nil {
		return nil, err
	}
	if err := s.repository.Revoke(ctx, t.ID, s.now()); err != nil {
		return nil, err
	}
	return s.repository.FindByID(ctx, t.ID)
}

type SubmitInput struct {
	SignerName  string              `json:"signer_name" binding:"required,max=255"`
	FieldValues []domain.FieldValue `json:"field_values" binding:"required"`
	IPAddress   string              `json:"-"`
	UserAgent   string              `json:"-"`
}

type SubmitResult struct {
	Event           *domain.SignatureEvent `json:"event"`
	Status          lifecycle.Status       `json:"status"`
	SignedPDFSHA256 *string                `json:"signed_pdf_sha256,omitempty"`
}

// Submit records one recipient's values. Everything after the token check
// runs under the version lock; rendering happens before the transaction so a
// render failure leaves nothing behind.
func (s *DefaultService) Submit(ctx context.Context, token string, in SubmitInput) (*SubmitResult, error) {
	signer := strings.TrimSpace(in.SignerName)
	if signer == "" {
		return nil, errors.Validation("signer_name is required")
	}

	t, err := s.repository.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if reason := TokenState(t, s.now()); reason != ReasonOK {
		return nil, errors.TokenRejected(reason, t.ID)
	}
	if t.Scope != domain.ScopeSign {
		return nil, errors.Precondition("View tokens cannot submit values", t.ID)
	}

	var result *SubmitResult
	err = document.WithLock(ctx, s.locker, document.VersionLockKey(t.VersionID), func() error {
		var err error
		result, err = s.submitLocked(ctx, t, signer, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("signature recorded",
		zap.String("version_id", t.VersionID),
		zap.String("event_id", result.Event.ID),
		zap.Int("sequence", result.Event.Sequence),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *DefaultService) submitLocked(ctx context.Context, t *domain.SigningToken, signer string, in SubmitInput) (*SubmitResult, error) {
	v, fields, err := s.repository.Version(ctx, t.VersionID)
	if err != nil {
		return nil, err
	}
	// a filled field is a ConflictError even once the version has completed
	accepted, after, err := prepare(fields, v.Status, t, in.FieldValues)
	if err != nil {
		return nil, err
	}
	if !v.Status.Signable() {
		return nil, errors.Precondition(fmt.Sprintf("Version is %s and accepts no submissions", v.Status), v.ID)
	}

	docPDF, err := s.render(ctx, v, fields)
	if err != nil {
		return nil, err
	}
	var signedSHA *string
	if lifecycle.Evaluate(v.Status, document.Tally(after)) == lifecycle.Completed {
		signedPDF, err := s.render(ctx, v, after)
		if err != nil {
			return nil, err
		}
		h := audit.SHA256Hex(signedPDF)
		signedSHA = &h
	}

	encoded, err := audit.EncodeValues(accepted)
	if err != nil {
		return nil, err
	}
	now := s.now()
	event := &domain.SignatureEvent{
		ID:             uuid.NewString(),
		VersionID:      v.ID,
		Recipient:      t.Recipient,
		SignerName:     signer,
		SignedAt:       audit.Timestamp(now),
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		FieldValues:    datatypes.JSON(encoded),
		DocumentSHA256: audit.SHA256Hex(docPDF),
	}

	var status lifecycle.Status
	err = s.repository.Transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&domain.SigningToken{}).
			Where("id = ? AND used = ? AND revoked = ?", t.ID, false, false).
			Updates(map[string]any{"used": true, "used_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current domain.SigningToken
			if err := tx.First(&current, "id = ?", t.ID).Error; err != nil {
				return err
			}
			reason := TokenState(&current, now)
			if reason == ReasonOK {
				reason = errors.ReasonUsed
			}
			return errors.TokenRejected(reason, t.ID)
		}

		for _, fv := range accepted {
			res := tx.Model(&domain.Field{}).
				Where("id = ? AND locked = ?", fv.FieldID, false).
				Updates(map[string]any{"value": fv.Value, "locked": true})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errors.Conflict("Field was signed concurrently", fv.FieldID)
			}
		}

		current, err := document.LoadVersionForUpdate(tx, v.ID)
		if err != nil {
			return err
		}

		var last domain.SignatureEvent
		if err := tx.Where("version_id = ?", v.ID).Order("sequence DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		event.Sequence = 1
		if last.ID != "" {
			event.Sequence = last.Sequence + 1
			event.PriorEventHash = last.EventHash
		}
		event.EventHash = audit.EventHash(audit.ChainInput{
			DocumentSHA256: event.DocumentSHA256,
			FieldValues:    accepted,
			SignerName:     event.SignerName,
			SignedAt:       event.SignedAt,
			PriorEventHash: event.PriorEventHash,
		})

		latest, err := document.LoadFields(tx, v.ID)
		if err != nil {
			return err
		}
		status = lifecycle.Evaluate(current.Status, document.Tally(latest))
		if status == lifecycle.Completed {
			if signedSHA == nil {
				return errors.Conflict("Version changed during submission, retry", v.ID)
			}
			event.SignedPDFSHA256 = signedSHA
		}

		if err := tx.Create(event).Error; err != nil {
			return err
		}
		if err := document.SyncRecipients(tx, v.ID); err != nil {
			return err
		}
		if err := notify.Record(tx, domain.EventSignatureCreated, v.ID, notify.SignatureCreatedPayload{
			VersionID:  v.ID,
			EventID:    event.ID,
			Sequence:   event.Sequence,
			Recipient:  event.Recipient,
			SignerName: event.SignerName,
			EventHash:  event.EventHash,
			FieldIDs:   fieldIDs(accepted),
		}); err != nil {
			return err
		}

		return s.transition(tx, current, status, signedSHA, now)
	})
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Event: event, Status: status}
	if status == lifecycle.Completed {
		result.SignedPDFSHA256 = signedSHA
	}
	return result, nil
}

// transition moves the version to status when it differs and records the
// matching outbox rows.
func (s *DefaultService) transition(tx *gorm.DB, v *domain.Version, status lifecycle.Status, signedSHA *string, now time.Time) error {
	changed, err := lifecycle.Transition(v.Status, status)
	if err != nil || !changed {
		return err
	}

	updates := map[string]any{"status": status}
	if status == lifecycle.Completed {
		updates["completed_at"] = now
		updates["signed_pdf_sha256"] = *signedSHA
	}
	res := tx.Model(&domain.Version{}).Where("id = ? AND status = ?", v.ID, v.Status).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Conflict("Version status changed concurrently", v.ID)
	}

	if err := notify.Record(tx, domain.EventStatusChanged, v.ID, notify.StatusChangedPayload{
		VersionID: v.ID,
		From:      string(v.Status),
		To:        string(status),
	}); err != nil {
		return err
	}
	if status == lifecycle.Completed {
		return notify.Record(tx, domain.EventVersionCompleted, v.ID, notify.VersionCompletedPayload{
			VersionID:       v.ID,
			DocumentID:      v.DocumentID,
			SignedPDFSHA256: *signedSHA,
		})
	}
	return nil
}

// prepare checks a payload against the current layout. It returns the values
// to persist and the layout as it will look once they are applied.
func prepare(fields []domain.Field, status lifecycle.Status, t *domain.SigningToken, values []domain.FieldValue) ([]domain.FieldValue, []domain.Field, error) {
	byID := make(map[string]int, len(fields))
	for i := range fields {
		byID[fields[i].ID] = i
	}

	seen := map[string]bool{}
	var rejected, filled []string
	accepted := []domain.FieldValue{}
	for _, fv := range values {
		if seen[fv.FieldID] {
			return nil, nil, errors.Validation("field submitted more than once", fv.FieldID)
		}
		seen[fv.FieldID] = true

		i, ok := byID[fv.FieldID]
		if !ok || fields[i].Recipient != t.Recipient {
			rejected = append(rejected, fv.FieldID)
			continue
		}
		if fields[i].Locked || fields[i].HasValue() {
			filled = append(filled, fv.FieldID)
			continue
		}
		// a blank value counts as not provided
		if strings.TrimSpace(fv.Value) == "" {
			continue
		}
		accepted = append(accepted, fv)
	}
	if len(rejected) > 0 {
		return nil, nil, errors.Validation("fields are unknown or not assigned to this recipient", rejected...)
	}
	if len(filled) > 0 {
		return nil, nil, errors.Conflict("fields are already signed", filled...)
	}

	provided := make(map[string]string, len(accepted))
	for _, fv := range accepted {
		provided[fv.FieldID] = fv.Value
	}
	var missingLabels, missingIDs []string
	after := make([]domain.Field, len(fields))
	for i, f := range fields {
		if value, ok := provided[f.ID]; ok {
			f.Value = &value
			f.Locked = true
		} else if f.Required && document.IsFieldEditable(&fields[i], status, t).Value {
			label := f.Label
			if label == "" {
				label = f.ID
			}
			missingLabels = append(missingLabels, label)
			missingIDs = append(missingIDs, f.ID)
		}
		after[i] = f
	}
	if len(missingIDs) > 0 {
		return nil, nil, errors.IncompleteSubmission(missingLabels, missingIDs)
	}
	if len(accepted) == 0 {
		return nil, nil, errors.Validation("no field values submitted")
	}
	return accepted, after, nil
}

func fieldIDs(values []domain.FieldValue) []string {
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.FieldID)
	}
	return ids
}

func (s *DefaultService) render(ctx context.Context, v *domain.Version, fields []domain.Field) ([]byte, error) {
	pdf, err := s.renderer.Render(ctx, v, fields)
	if err != nil {
		return nil, errors.New(http.StatusBadGateway, errors.KindInternal, "Rendering service failed", err)
	}
	return pdf, nil
}

// VerifyEvent re-renders the document as the signer saw it and checks the
// event against the chain recomputed from genesis.
func (s *DefaultService) VerifyEvent(ctx context.Context, ownerID, eventID string) (*audit.Report, error) {
	ev, err := s.repository.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	v, err := s.versions.GetOwnedVersion(ctx, ev.VersionID, ownerID)
	if err != nil {
		return nil, err
	}
	events, err := s.repository.Events(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range events {
		if events[i].ID == ev.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.NotFound("Signature event not found", nil).WithIDs(eventID)
	}

	before, err := audit.ReplayFields(v.Fields, events, idx)
	if err != nil {
		return nil, err
	}
	docPDF, err := s.render(ctx, v, before)
	if err != nil {
		return nil, err
	}
	in := audit.VerifyInput{DocumentPDF: docPDF, RecordedSignedSHA256: v.SignedPDFSHA256}
	if v.SignedPDFSHA256 != nil {
		final, err := audit.ReplayFields(v.Fields, events, len(events))
		if err != nil {
			return nil, err
		}
		if in.SignedPDF, err = s.render(ctx, v, final); err != nil {
			return nil, err
		}
	}

	report, err := audit.VerifyEvent(events, idx, in)
	if err != nil {
		return nil, err
	}
	if !report.Valid() {
		s.logger.Warn("audit verification failed",
			zap.String("version_id", v.ID),
			zap.String("event_id", ev.ID),
			zap.Bool("event_hash_match", report.EventHashMatch),
			zap.Bool("pdf_hash_match", report.PDFHashMatch),
		)
	}
	return &report, nil
}

func (s *DefaultService) ExportVersion(ctx context.Context, ownerID, versionID string) (*audit.Bundle, error) {
	if _, err := s.versions.GetOwnedVersion(ctx, versionID, ownerID); err != nil {
		return nil, err
	}
	return s.BuildBundle(ctx, versionID)
}

// BuildBundle assembles the audit export of a version. Completed versions
// never change again, so their bundle is cached.
func (s *DefaultService) BuildBundle(ctx context.Context, versionID string) (*audit.Bundle, error) {
	v, fields, err := s.repository.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}

	cacheKey := "audit:version:" + versionID
	if v.Status.Terminal() {
		var cached audit.Bundle
		if found, _ := s.cache.Get(ctx, cacheKey, &cached); found {
			return &cached, nil
		}
	}

	events, err := s.repository.Events(ctx, versionID)
	if err != nil {
		return nil, err
	}
	var signedPDF []byte
	if v.Status.Terminal() {
		if signedPDF, err = s.render(ctx, v, fields); err != nil {
			return nil, err
		}
	}

	b, err := audit.NewBundle(v, events, signedPDF, s.now())
	if err != nil {
		return nil, err
	}
	if v.Status.Terminal() {
		s.cache.Set(ctx, cacheKey, b, s.auditTTL)
	}
	return b, nil
}
