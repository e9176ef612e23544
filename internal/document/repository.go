package document

import (
	"context"
	defError "errors"

	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"

	"gorm.io/gorm"
)

type DocumentRepository interface {
	Create(ctx context.Context, document *domain.Document) error
	ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]DocumentShowResponse, DocumentsMeta, error)
	FindByID(ctx context.Context, id string) (*domain.Document, error)
	FindVersion(ctx context.Context, id string) (*domain.Version, error)
	FindField(ctx context.Context, id string) (*domain.Field, error)
	Recipients(ctx context.Context, versionID string) ([]string, error)
	// Transaction runs fn in one database transaction.
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type DocumentRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) DocumentRepository {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a document together with its first version.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, document *domain.Document) error {
	return r.db.WithContext(ctx).Create(document).Error
}

type DocumentsMeta struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalPage   int   `json:"total_page"`
}

func (r *DocumentRepositoryImpl) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]DocumentShowResponse, DocumentsMeta, error) {
	db := r.db.WithContext(ctx)
	documents := []DocumentShowResponse{}
	var totalRecords int64

	if err := db.Model(&domain.Document{}).Where("owner_id = ?", ownerID).Count(&totalRecords).Error; err != nil {
		return documents, DocumentsMeta{}, err
	}

	offset := (page - 1) * pageSize
	err := db.Table("documents").
		Select(`documents.id, documents.title, documents.owner_id, documents.created_at, documents.updated_at,
			COUNT(versions.id) AS version_count, COALESCE(MAX(versions.version_number), 0) AS latest_version`).
		Joins("LEFT JOIN versions ON versions.document_id = documents.id").
		Where("documents.owner_id = ?", ownerID).
		Group("documents.id, documents.title, documents.owner_id, documents.created_at, documents.updated_at").
		Order("documents.created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Scan(&documents).Error

	totalPages := int((totalRecords + int64(pageSize) - 1) / int64(pageSize))

	return documents, DocumentsMeta{
		Total:       totalRecords,
		PerPage:     pageSize,
		TotalPage:   totalPages,
		CurrentPage: page,
	}, err
}

func (r *DocumentRepositoryImpl) FindByID(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	err := r.db.WithContext(ctx).
		Preload("Versions", func(db *gorm.DB) *gorm.DB { return db.Order("version_number ASC") }).
		First(&doc, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Document not found", err).WithIDs(id)
	}
	return &doc, err
}

func (r *DocumentRepositoryImpl) FindVersion(ctx context.Context, id string) (*domain.Version, error) {
	var v domain.Version
	err := r.db.WithContext(ctx).
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&v, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Version not found", err).WithIDs(id)
	}
	return &v, err
}

func (r *DocumentRepositoryImpl) FindField(ctx context.Context, id string) (*domain.Field, error) {
	var f domain.Field
	err := r.db.WithContext(ctx).First(&f, "id = ?", id).Error
	if defError.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("Field not found", err).WithIDs(id)
	}
	return &f, err
}

func (r *DocumentRepositoryImpl) Recipients(ctx context.Context, versionID string) ([]string, error) {
	return Recipients(r.db.WithContext(ctx), versionID)
}

func (r *DocumentRepositoryImpl) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
