package document

import (
	"context"
	defError "errors"
	"fmt"
	"strings"
	"time"

	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/geometry"
	"esign-workflow/internal/lifecycle"
	"esign-workflow/internal/notify"
	"esign-workflow/redis"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// lockWait bounds how long a request queues behind another writer of the
// same version.
const lockWait = 10 * time.Second

type Service interface {
	CreateDocument(ctx context.Context, ownerID string, title string) (*domain.Document, error)
	GetOwnerDocuments(ctx context.Context, ownerID string, page, pageSize int) (*PaginatedDocuments, error)
	GetDocument(ctx context.Context, ownerID, documentID string) (*domain.Document, error)
	CreateVersion(ctx context.Context, ownerID, documentID string) (*domain.Version, error)
	GetOwnedVersion(ctx context.Context, versionID, ownerID string) (*domain.Version, error)
	AddField(ctx context.Context, ownerID, versionID string, in FieldInput) (*domain.Field, error)
	UpdateField(ctx context.Context, ownerID, fieldID string, in FieldInput) (*domain.Field, error)
	MoveField(ctx context.Context, ownerID, fieldID string, in MoveInput) (*domain.Field, error)
	DeleteField(ctx context.Context, ownerID, fieldID string) error
	AssignableRecipients(ctx context.Context, ownerID, versionID string) ([]string, error)
	Lock(ctx context.Context, ownerID, versionID string) (*domain.Version, error)
}

type DefaultService struct {
	repository DocumentRepository
	cache      *redis.Cache
	locker     redis.Locker
	validate   *validator.Validate
	logger     *zap.Logger
}

func NewService(
	repository DocumentRepository,
	cache *redis.Cache,
	locker redis.Locker,
	logger *zap.Logger,
) Service {
	return &DefaultService{
		repository: repository,
		cache:      cache,
		locker:     locker,
		validate:   validator.New(),
		logger:     logger,
	}
}

// VersionLockKey is the lock key every writer of a version serializes on.
func VersionLockKey(versionID string) string {
	return "version:" + versionID
}

// WithLock runs fn while holding key. A lock wait that runs out surfaces as
// a ConflictError so the caller can retry.
func WithLock(ctx context.Context, locker redis.Locker, key string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	unlock, err := locker.Lock(lockCtx, key)
	if err != nil {
		if defError.Is(err, redis.ErrLockTimeout) {
			return errors.Conflict("Resource is busy, retry later", key)
		}
		return err
	}
	defer unlock()
	return fn()
}

func ownerDocsVersionKey(ownerID string) string {
	return fmt.Sprintf("owner:%s:docs:version", ownerID)
}

func (s *DefaultService) CreateDocument(ctx context.Context, ownerID string, title string) (*domain.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.Validation("Title cannot be empty")
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:      uuid.NewString(),
		Title:   title,
		OwnerID: ownerID,
		Versions: []domain.Version{{
			ID:            uuid.NewString(),
			VersionNumber: 1,
			Title:         title,
			Status:        lifecycle.Draft,
			CreatedAt:     now,
			UpdatedAt:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repository.Create(ctx, doc); err != nil {
		return nil, err
	}
	// bump the list version so cached pages for this owner go stale
	s.cache.IncrementVersion(ctx, ownerDocsVersionKey(ownerID))
	return doc, nil
}

type DocumentShowResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	OwnerID       string    `json:"owner_id"`
	VersionCount  int64     `json:"version_count"`
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type PaginatedDocuments struct {
	Data []DocumentShowResponse `json:"data"`
	Meta DocumentsMeta          `json:"meta"`
}

func (s *DefaultService) GetOwnerDocuments(ctx context.Context, ownerID string, page, pageSize int) (*PaginatedDocuments, error) {
	v := s.cache.GetVersion(ctx, ownerDocsVersionKey(ownerID))
	cacheKey := fmt.Sprintf("docs:o:%s:v:%d:p:%d:ps:%d", ownerID, v, page, pageSize)

	var result PaginatedDocuments
	found, _ := s.cache.Get(ctx, cacheKey, &result)
	if found {
		return &result, nil
	}

	documents, meta, err := s.repository.ListByOwner(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, err
	}
	result = PaginatedDocuments{Data: documents, Meta: meta}
	go s.cache.Set(context.Background(), cacheKey, result, 24*time.Hour)

	return &result, nil
}

func (s *DefaultService) GetDocument(ctx context.Context, ownerID, documentID string) (*domain.Document, error) {
	doc, err := s.repository.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, errors.Forbidden("Only the owner can access this document", nil)
	}
	return doc, nil
}

// GetOwnedVersion returns the version with its fields after checking that
// ownerID owns the parent document.
func (s *DefaultService) GetOwnedVersion(ctx context.Context, versionID, ownerID string) (*domain.Version, error) {
	v, err := s.repository.FindVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetDocument(ctx, ownerID, v.DocumentID); err != nil {
		return nil, err
	}
	return v, nil
}

// CreateVersion opens a new draft that copies the latest version's layout
// with every value cleared. This is the only way to correct a filled field.
func (s *DefaultService) CreateVersion(ctx context.Context, ownerID, documentID string) (*domain.Version, error) {
	doc, err := s.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return nil, err
	}

	var created *domain.Version
	err = WithLock(ctx, s.locker, "document:"+documentID, func() error {
		return s.repository.Transaction(ctx, func(tx *gorm.DB) error {
			var latest domain.Version
			if err := tx.Where("document_id = ?", documentID).Order("version_number DESC").First(&latest).Error; err != nil {
				return err
			}
			if latest.Status == lifecycle.Draft {
				return errors.Precondition("Document already has an open draft", latest.ID)
			}
			fields, err := LoadFields(tx, latest.ID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			v := &domain.Version{
				ID:            uuid.NewString(),
				DocumentID:    documentID,
				VersionNumber: latest.VersionNumber + 1,
				Title:         doc.Title,
				Status:        lifecycle.Draft,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			for _, f := range fields {
				f.ID = uuid.NewString()
				f.VersionID = v.ID
				f.Value = nil
				f.Locked = false
				f.CreatedAt = now
				f.UpdatedAt = now
				v.Fields = append(v.Fields, f)
			}
			if err := tx.Create(v).Error; err != nil {
				return err
			}
			if err := SyncRecipients(tx, v.ID); err != nil {
				return err
			}
			created = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.cache.IncrementVersion(ctx, ownerDocsVersionKey(ownerID))
	s.logger.Info("version created",
		zap.String("document_id", documentID),
		zap.String("version_id", created.ID),
		zap.Int("version_number", created.VersionNumber),
		zap.Int("fields", len(created.Fields)),
	)
	return created, nil
}

type FieldInput struct {
	FieldType  domain.FieldType `json:"field_type" binding:"required"`
	Label      string           `json:"label" binding:"max=255"`
	Recipient  string           `json:"recipient" binding:"max=255"`
	PageNumber int              `json:"page_number" binding:"required,min=1"`
	geometry.Rect
	Required bool `json:"required"`
}

type MoveInput struct {
	// PageNumber moves the field to another page when set.
	PageNumber int                `json:"page_number" binding:"omitempty,min=1"`
	View       geometry.PixelRect `json:"view"`
	PageWidth  float64            `json:"page_width" binding:"required,gt=0"`
	PageHeight float64            `json:"page_height" binding:"required,gt=0"`
	Scale      float64            `json:"scale" binding:"required,gt=0"`
}

func (s *DefaultService) validateField(in *FieldInput) error {
	in.Label = strings.TrimSpace(in.Label)
	in.Recipient = strings.TrimSpace(in.Recipient)
	if !in.FieldType.Valid() {
		return errors.Validation(fmt.Sprintf("unknown field type %q", in.FieldType))
	}
	if in.PageNumber < 1 {
		return errors.Validation("page_number must be at least 1")
	}
	if err := s.validate.Struct(in.Rect); err != nil {
		return errors.NewValidationError(err)
	}
	if !in.Rect.FitsPage() {
		return errors.Validation("field extends past the page edge")
	}
	in.Rect = in.Rect.Round()
	return nil
}

// mutateDraft applies fn to a draft version under the version lock and
// rewrites the roster in the same transaction.
func (s *DefaultService) mutateDraft(ctx context.Context, versionID string, fn func(tx *gorm.DB, v *domain.Version) error) error {
	return WithLock(ctx, s.locker, VersionLockKey(versionID), func() error {
		return s.repository.Transaction(ctx, func(tx *gorm.DB) error {
			v, err := LoadVersionForUpdate(tx, versionID)
			if err != nil {
				return err
			}
			if !v.Status.Structural() {
				return errors.Precondition(
					fmt.Sprintf("Fields can only change while the version is a draft, version is %s", v.Status),
					v.ID,
				)
			}
			if err := fn(tx, v); err != nil {
				return err
			}
			return SyncRecipients(tx, versionID)
		})
	})
}

// ownedField resolves a field and checks ownership through its version.
func (s *DefaultService) ownedField(ctx context.Context, ownerID, fieldID string) (*domain.Field, error) {
	f, err := s.repository.FindField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetOwnedVersion(ctx, f.VersionID, ownerID); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *DefaultService) AddField(ctx context.Context, ownerID, versionID string, in FieldInput) (*domain.Field, error) {
	if _, err := s.GetOwnedVersion(ctx, versionID, ownerID); err != nil {
		return nil, err
	}
	if err := s.validateField(&in); err != nil {
		return nil, err
	}

	field := &domain.Field{
		ID:         uuid.NewString(),
		VersionID:  versionID,
		FieldType:  in.FieldType,
		Label:      in.Label,
		Recipient:  in.Recipient,
		PageNumber: in.PageNumber,
		XPct:       in.X,
		YPct:       in.Y,
		WidthPct:   in.Width,
		HeightPct:  in.Height,
		Required:   in.Required,
	}
	err := s.mutateDraft(ctx, versionID, func(tx *gorm.DB, v *domain.Version) error {
		var maxPos int
		err := tx.Model(&domain.Field{}).
			Where("version_id = ?", versionID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error
		if err != nil {
			return err
		}
		field.Position = maxPos + 1
		return tx.Create(field).Error
	})
	if err != nil {
		return nil, err
	}
	return field, nil
}

func (s *DefaultService) UpdateField(ctx context.Context, ownerID, fieldID string, in FieldInput) (*domain.Field, error) {
	f, err := s.ownedField(ctx, ownerID, fieldID)
	if err != nil {
		return nil, err
	}
	if err := s.validateField(&in); err != nil {
		return nil, err
	}

	var updated domain.Field
	err = s.mutateDraft(ctx, f.VersionID, func(tx *gorm.DB, v *domain.Version) error {
		if err := tx.First(&updated, "id = ?", fieldID).Error; err != nil {
			return err
		}
		updated.FieldType = in.FieldType
		updated.Label = in.Label
		updated.Recipient = in.Recipient
		updated.PageNumber = in.PageNumber
		updated.XPct, updated.YPct, updated.WidthPct, updated.HeightPct = in.X, in.Y, in.Width, in.Height
		updated.Required = in.Required
		return tx.Save(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// MoveField applies one completed drag or resize gesture measured in
// viewport pixels.
func (s *DefaultService) MoveField(ctx context.Context, ownerID, fieldID string, in MoveInput) (*domain.Field, error) {
	f, err := s.ownedField(ctx, ownerID, fieldID)
	if err != nil {
		return nil, err
	}
	rect, err := geometry.FromViewport(in.View, in.PageWidth, in.PageHeight, in.Scale)
	if err != nil {
		return nil, errors.Validation(err.Error(), fieldID)
	}
	if !rect.FitsPage() {
		return nil, errors.Validation("field extends past the page edge", fieldID)
	}

	var moved domain.Field
	err = s.mutateDraft(ctx, f.VersionID, func(tx *gorm.DB, v *domain.Version) error {
		if err := tx.First(&moved, "id = ?", fieldID).Error; err != nil {
			return err
		}
		moved.XPct, moved.YPct, moved.WidthPct, moved.HeightPct = rect.X, rect.Y, rect.Width, rect.Height
		if in.PageNumber > 0 {
			moved.PageNumber = in.PageNumber
		}
		return tx.Save(&moved).Error
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

func (s *DefaultService) DeleteField(ctx context.Context, ownerID, fieldID string) error {
	f, err := s.ownedField(ctx, ownerID, fieldID)
	if err != nil {
		return err
	}
	return s.mutateDraft(ctx, f.VersionID, func(tx *gorm.DB, v *domain.Version) error {
		return tx.Delete(&domain.Field{}, "id = ?", fieldID).Error
	})
}

func (s *DefaultService) AssignableRecipients(ctx context.Context, ownerID, versionID string) ([]string, error) {
	if _, err := s.GetOwnedVersion(ctx, versionID, ownerID); err != nil {
		return nil, err
	}
	return s.repository.Recipients(ctx, versionID)
}

// Lock freezes the layout of a draft. Every field needs a recipient and at
// least one field must be required.
func (s *DefaultService) Lock(ctx context.Context, ownerID, versionID string) (*domain.Version, error) {
	if _, err := s.GetOwnedVersion(ctx, versionID, ownerID); err != nil {
		return nil, err
	}

	var locked *domain.Version
	err := WithLock(ctx, s.locker, VersionLockKey(versionID), func() error {
		return s.repository.Transaction(ctx, func(tx *gorm.DB) error {
			v, err := LoadVersionForUpdate(tx, versionID)
			if err != nil {
				return err
			}
			fields, err := LoadFields(tx, versionID)
			if err != nil {
				return err
			}
			if err := lifecycle.CheckLock(v.Status, MissingRecipients(fields), Tally(fields)); err != nil {
				return err
			}
			if _, err := lifecycle.Transition(v.Status, lifecycle.Locked); err != nil {
				return err
			}

			now := time.Now().UTC()
			res := tx.Model(&domain.Version{}).
				Where("id = ? AND status = ?", v.ID, lifecycle.Draft).
				Updates(map[string]any{"status": lifecycle.Locked, "locked_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errors.Conflict("Version changed while locking", v.ID)
			}
			if err := SyncRecipients(tx, v.ID); err != nil {
				return err
			}

			if err := notify.Record(tx, domain.EventStatusChanged, v.ID, notify.StatusChangedPayload{
				VersionID: v.ID,
				From:      string(v.Status),
				To:        string(lifecycle.Locked),
			}); err != nil {
				return err
			}
			if err := notify.Record(tx, domain.EventVersionLocked, v.ID, notify.VersionLockedPayload{
				VersionID:  v.ID,
				DocumentID: v.DocumentID,
				Recipients: distinctRecipients(fields),
			}); err != nil {
				return err
			}

			v.Status = lifecycle.Locked
			v.LockedAt = &now
			v.Fields = fields
			locked = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("version locked",
		zap.String("version_id", locked.ID),
		zap.Int("fields", len(locked.Fields)),
	)
	return locked, nil
}
