package group

import (
	"context"
	defError "errors"

	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"

	"gorm.io/gorm"
)

type GroupRepository interface {
	Create(ctx context.Context, group *domain.Group) error
	FindByID(ctx context.Context, id string) (*domain.Group, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Group, error)
	FindItem(ctx context.Context, id string) (*domain.GroupItem, error)
	CreateSession(ctx context.Context, session *domain.GroupSigningSession) error
	FindSession(ctx context.Context, id string) (*domain.GroupSigningSession, error)
	FindSessionByToken(ctx context.Context, token string) (*domain.GroupSigningSession, error)
	// Version loads a version and its fields in layout order.
	Version(ctx context.Context, id string) (*domain.Version, []domain.Field, error)
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type GroupRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) GroupRepository {
	return &GroupRepositoryImpl{db: db}
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order("order_index ASC")
}

func (r *GroupRepositoryImpl) Create(ctx context.Context, group *domain.Group) error {
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *GroupRepositoryImpl) FindByID(ctx context.Context, id string) (*domain.Group, error) {
	return loadGroup(r.db.WithContext(ctx), id)
}

func loadGroup(db *gorm.DB, id string) (*domain.Group, error) {
	var g domain.Group
	err := db.Preload("Items", orderedItems).First(&g, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Group not found", err).WithIDs(id)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GroupRepositoryImpl) ListByOwner(ctx context.Context, ownerID string) ([]domain.Group, error) {
	var groups []domain.Group
	err := r.db.WithContext(ctx).
		Preload("Items", orderedItems).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&groups).Error
	return groups, err
}

func (r *GroupRepositoryImpl) FindItem(ctx context.Context, id string) (*domain.GroupItem, error) {
	var item domain.GroupItem
	err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Group item not found", err).WithIDs(id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *GroupRepositoryImpl) CreateSession(ctx context.Context, session *domain.GroupSigningSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *GroupRepositoryImpl) FindSession(ctx context.Context, id string) (*domain.GroupSigningSession, error) {
	var s domain.GroupSigningSession
	err := r.db.WithContext(ctx).Preload("Items", orderedItems).First(&s, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Session not found", err).WithIDs(id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GroupRepositoryImpl) FindSessionByToken(ctx context.Context, token string) (*domain.GroupSigningSession, error) {
	var s domain.GroupSigningSession
	err := r.db.WithContext(ctx).Preload("Items", orderedItems).First(&s, "token = ?", token).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.TokenRejected(errors.ReasonNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GroupRepositoryImpl) Version(ctx context.Context, id string) (*domain.Version, []domain.Field, error) {
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

func (r *GroupRepositoryImpl) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
