package db

import (
	"esign-workflow/internal/domain"

	"gorm.io/gorm"
)

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&domain.Document{},
		&domain.Version{},
		&domain.Field{},
		&domain.VersionRecipient{},
		&domain.SigningToken{},
		&domain.SignatureEvent{},
		&domain.Group{},
		&domain.GroupItem{},
		&domain.GroupSigningSession{},
		&domain.GroupSessionItem{},
		&domain.OutboxEvent{},
	}
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
