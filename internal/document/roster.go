package document

import (
	defError "errors"
	"sort"
	"strings"

	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/lifecycle"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadVersionForUpdate reads a version inside tx, row-locked where the
// dialect supports it.
func LoadVersionForUpdate(tx *gorm.DB, versionID string) (*domain.Version, error) {
	var v domain.Version
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, "id = ?", versionID).Error
	if err != nil {
		if defError.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Version not found", err).WithIDs(versionID)
		}
		return nil, err
	}
	return &v, nil
}

// LoadFields returns the fields of a version in creation order.
func LoadFields(tx *gorm.DB, versionID string) ([]domain.Field, error) {
	var fields []domain.Field
	err := tx.Where("version_id = ?", versionID).Order("position ASC").Find(&fields).Error
	return fields, err
}

// SyncRecipients rewrites the recipient roster of a version from its fields.
// It must run in the same transaction as the change that touched the fields.
func SyncRecipients(tx *gorm.DB, versionID string) error {
	if err := tx.Where("version_id = ?", versionID).Delete(&domain.VersionRecipient{}).Error; err != nil {
		return err
	}

	var names []string
	err := tx.Model(&domain.Field{}).
		Where("version_id = ? AND recipient <> ''", versionID).
		Distinct("recipient").
		Pluck("recipient", &names).Error
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	rows := make([]domain.VersionRecipient, 0, len(names))
	for _, n := range names {
		rows = append(rows, domain.VersionRecipient{VersionID: versionID, Recipient: n})
	}
	return tx.Create(&rows).Error
}

// Recipients reads the roster in byte order, whatever the database collation.
func Recipients(tx *gorm.DB, versionID string) ([]string, error) {
	var names []string
	err := tx.Model(&domain.VersionRecipient{}).
		Where("version_id = ?", versionID).
		Pluck("recipient", &names).Error
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	sort.Strings(names)
	return names, nil
}

// Tally counts required fields and how many of them are locked.
func Tally(fields []domain.Field) lifecycle.Tally {
	var t lifecycle.Tally
	for _, f := range fields {
		if !f.Required {
			continue
		}
		t.Required++
		if f.Locked {
			t.RequiredLocked++
		}
	}
	return t
}

// MissingRecipients returns the ids of fields nobody is assigned to.
func MissingRecipients(fields []domain.Field) []string {
	var ids []string
	for _, f := range fields {
		if strings.TrimSpace(f.Recipient) == "" {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// Outstanding counts required fields of recipient that are not locked yet.
func Outstanding(fields []domain.Field, recipient string) int {
	n := 0
	for _, f := range fields {
		if f.Required && !f.Locked && f.Recipient == recipient {
			n++
		}
	}
	return n
}

func distinctRecipients(fields []domain.Field) []string {
	seen := map[string]struct{}{}
	for _, f := range fields {
		if f.Recipient != "" {
			seen[f.Recipient] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
