package signing

import (
	"context"
	defError "errors"
	"time"

	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"

	"gorm.io/gorm"
)

type TokenRepository interface {
	Create(ctx context.Context, token *domain.SigningToken) error
	FindByToken(ctx context.Context, token string) (*domain.SigningToken, error)
	FindByID(ctx context.Context, id string) (*domain.SigningToken, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	// Version loads a version and its fields in layout order.
	Version(ctx context.Context, id string) (*domain.Version, []domain.Field, error)
	Events(ctx context.Context, versionID string) ([]domain.SignatureEvent, error)
	FindEvent(ctx context.Context, id string) (*domain.SignatureEvent, error)
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type TokenRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) TokenRepository {
	return &TokenRepositoryImpl{db: db}
}

func (r *TokenRepositoryImpl) Create(ctx context.Context, token *domain.SigningToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *TokenRepositoryImpl) FindByToken(ctx context.Context, token string) (*domain.SigningToken, error) {
	var t domain.SigningToken
	err := r.db.WithContext(ctx).First(&t, "token = ?", token).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.TokenRejected(errors.ReasonNotFound)
	}
	return &t, err
}

func (r *TokenRepositoryImpl) FindByID(ctx context.Context, id string) (*domain.SigningToken, error) {
	var t domain.SigningToken
	err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Token not found", err).WithIDs(id)
	}
	return &t, err
}

// Revoke flips revoked once; revoking twice keeps the first timestamp.
func (r *TokenRepositoryImpl) Revoke(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.SigningToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{"revoked": true, "revoked_at": at}).Error
}

func (r *TokenRepositoryImpl) Version(ctx context.Context, id string) (*domain.Version, []domain.Field, error) {
	db := r.db.WithContext(ctx)
	var v domain.Version
	if err := db.First(&v, "id = ?", id).Error; err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errors.NotFound("Version not found", err).WithIDs(id)
		}
		return nil, nil, err
	}
	fields, err := document.LoadFields(db, id)
	if err != nil {
		return nil, nil, err
	}
	return &v, fields, nil
}

func (r *TokenRepositoryImpl) Events(ctx context.Context, versionID string) ([]domain.SignatureEvent, error) {
	var events []domain.SignatureEvent
	err := r.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("sequence ASC").
		Find(&events).Error
	return events, err
}

func (r *TokenRepositoryImpl) FindEvent(ctx context.Context, id string) (*domain.SignatureEvent, error) {
	var ev domain.SignatureEvent
	err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Signature event not found", err).WithIDs(id)
	}
	return &ev, err
}

func (r *TokenRepositoryImpl) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
