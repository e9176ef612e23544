// Package group composes versions into ordered packages and walks one
// recipient through them in a sequential signing session.
package group

import (
	"context"
	"fmt"
	"strings"
	"time"

	"esign-workflow/internal/audit"
	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type VersionProvider interface {
	GetOwnedVersion(ctx context.Context, versionID, ownerID string) (*domain.Version, error)
}

// StepSigner issues the per-document tokens a session hands out and
// assembles the audit bundles of its items.
type StepSigner interface {
	IssueStepToken(ctx context.Context, versionID, recipient string, expiresAt *time.Time) (*domain.SigningToken, error)
	GetToken(ctx context.Context, id string) (*domain.SigningToken, error)
	BuildBundle(ctx context.Context, versionID string) (*audit.Bundle, error)
}

type Service interface {
	CreateGroup(ctx context.Context, ownerID, title string) (*domain.Group, error)
	GetGroup(ctx context.Context, ownerID, groupID string) (*domain.Group, error)
	ListGroups(ctx context.Context, ownerID string) ([]domain.Group, error)
	AddItem(ctx context.Context, ownerID, groupID, versionID string) (*domain.GroupItem, error)
	Reorder(ctx context.Context, ownerID, groupID string, itemIDs []string) (*domain.Group, error)
	LockItem(ctx context.Context, ownerID, itemID string) (*domain.GroupItem, error)
	LockGroup(ctx context.Context, ownerID, groupID string) (*domain.Group, error)
	DeleteItem(ctx context.Context, ownerID, itemID string) error
	CreateSession(ctx context.Context, ownerID, groupID string, in SessionRequest) (*domain.GroupSigningSession, error)
	NextStep(ctx context.Context, token string) (*Step, error)
	Advance(ctx context.Context, token string, in AdvanceRequest) (*Step, error)
	RevokeSession(ctx context.Context, ownerID, sessionID string) (*domain.GroupSigningSession, error)
	ExportGroup(ctx context.Context, ownerID, groupID string) (*audit.GroupBundle, error)
}

type DefaultService struct {
	repository GroupRepository
	versions   VersionProvider
	signer     StepSigner
	locker     redis.Locker
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(
	repository GroupRepository,
	versions VersionProvider,
	signer StepSigner,
	locker redis.Locker,
	logger *zap.Logger,
) Service {
	return &DefaultService{
		repository: repository,
		versions:   versions,
		signer:     signer,
		locker:     locker,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func LockKey(groupID string) string {
	return "group:" + groupID
}

func sessionLockKey(sessionID string) string {
	return "session:" + sessionID
}

func (s *DefaultService) CreateGroup(ctx context.Context, ownerID, title string) (*domain.Group, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.Validation("Title cannot be empty")
	}
	now := s.now()
	g := &domain.Group{
		ID:        uuid.NewString(),
		Title:     title,
		OwnerID:   ownerID,
		Items:     []domain.GroupItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repository.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *DefaultService) GetGroup(ctx context.Context, ownerID, groupID string) (*domain.Group, error) {
	g, err := s.repository.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.OwnerID != ownerID {
		return nil, errors.Forbidden("You don't have access to this group", nil).WithIDs(groupID)
	}
	return g, nil
}

func (s *DefaultService) ListGroups(ctx context.Context, ownerID string) ([]domain.Group, error) {
	groups, err := s.repository.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []domain.Group{}
	}
	return groups, nil
}

// mutate runs fn on a fresh read of an owned group while holding its lock.
func (s *DefaultService) mutate(ctx context.Context, ownerID, groupID string, fn func(tx *gorm.DB, g *domain.Group) error) error {
	if _, err := s.GetGroup(ctx, ownerID, groupID); err != nil {
		return err
	}
	return document.WithLock(ctx, s.locker, LockKey(groupID), func() error {
		return s.repository.Transaction(ctx, func(tx *gorm.DB) error {
			g, err := loadGroup(tx, groupID)
			if err != nil {
				return err
			}
			return fn(tx, g)
		})
	})
}

func (s *DefaultService) AddItem(ctx context.Context, ownerID, groupID, versionID string) (*domain.GroupItem, error) {
	if _, err := s.versions.GetOwnedVersion(ctx, versionID, ownerID); err != nil {
		return nil, err
	}

	var item *domain.GroupItem
	err := s.mutate(ctx, ownerID, groupID, func(tx *gorm.DB, g *domain.Group) error {
		if g.IsLocked {
			return errors.LockedGroup(g.ID)
		}
		for _, it := range g.Items {
			if it.VersionID == versionID {
				return errors.Validation("Version is already part of this group", it.ID)
			}
		}
		item = &domain.GroupItem{
			ID:         uuid.NewString(),
			GroupID:    g.ID,
			VersionID:  versionID,
			OrderIndex: len(g.Items),
			CreatedAt:  s.now(),
		}
		return tx.Create(item).Error
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// checkPermutation requires ids to name every item of g exactly once.
func checkPermutation(g *domain.Group, ids []string) error {
	known := make(map[string]bool, len(g.Items))
	for _, it := range g.Items {
		known[it.ID] = true
	}

	var offending []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		switch {
		case seen[id]:
			offending = append(offending, id)
		case !known[id]:
			offending = append(offending, id)
		}
		seen[id] = true
	}
	for _, it := range g.Items {
		if !seen[it.ID] {
			offending = append(offending, it.ID)
		}
	}
	if len(offending) > 0 {
		return errors.Validation("Reorder must list every item of the group exactly once", offending...)
	}
	return nil
}

func (s *DefaultService) Reorder(ctx context.Context, ownerID, groupID string, itemIDs []string) (*domain.Group, error) {
	var reordered *domain.Group
	err := s.mutate(ctx, ownerID, groupID, func(tx *gorm.DB, g *domain.Group) error {
		if g.IsLocked {
			return errors.LockedGroup(g.ID)
		}
		if err := checkPermutation(g, itemIDs); err != nil {
			return err
		}
		for i, id := range itemIDs {
			err := tx.Model(&domain.GroupItem{}).
				Where("id = ? AND group_id = ?", id, g.ID).
				Update("order_index", i).Error
			if err != nil {
				return err
			}
		}
		var err error
		reordered, err = loadGroup(tx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reordered, nil
}

func (s *DefaultService) LockItem(ctx context.Context, ownerID, itemID string) (*domain.GroupItem, error) {
	item, err := s.repository.FindItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	v, err := s.versions.GetOwnedVersion(ctx, item.VersionID, ownerID)
	if err != nil {
		return nil, err
	}
	if v.Status.Structural() {
		return nil, errors.Precondition("Lock the version before locking its group item", item.ID, v.ID)
	}

	err = s.mutate(ctx, ownerID, item.GroupID, func(tx *gorm.DB, g *domain.Group) error {
		res := tx.Model(&domain.GroupItem{}).
			Where("id = ? AND is_locked = ?", item.ID, false).
			Update("is_locked", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Precondition("Item is already locked", item.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	item.IsLocked = true
	return item, nil
}

// LockGroup never cascades: every item has to be locked on its own first.
func (s *DefaultService) LockGroup(ctx context.Context, ownerID, groupID string) (*domain.Group, error) {
	var locked *domain.Group
	err := s.mutate(ctx, ownerID, groupID, func(tx *gorm.DB, g *domain.Group) error {
		if g.IsLocked {
			return errors.Precondition("Group is already locked", g.ID)
		}
		if len(g.Items) == 0 {
			return errors.Precondition("Group has no items", g.ID)
		}
		var unlocked []string
		for _, it := range g.Items {
			if !it.IsLocked {
				unlocked = append(unlocked, it.ID)
			}
		}
		if len(unlocked) > 0 {
			return errors.Precondition(
				fmt.Sprintf("%d item(s) must be locked before the group", len(unlocked)),
				unlocked...,
			)
		}

		now := s.now()
		res := tx.Model(&domain.Group{}).
			Where("id = ? AND is_locked = ?", g.ID, false).
			Updates(map[string]any{"is_locked": true, "locked_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Precondition("Group is already locked", g.ID)
		}
		g.IsLocked = true
		g.LockedAt = &now
		locked = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("group locked", zap.String("group_id", groupID), zap.Int("items", len(locked.Items)))
	return locked, nil
}

func (s *DefaultService) DeleteItem(ctx context.Context, ownerID, itemID string) error {
	item, err := s.repository.FindItem(ctx, itemID)
	if err != nil {
		return err
	}
	return s.mutate(ctx, ownerID, item.GroupID, func(tx *gorm.DB, g *domain.Group) error {
		if g.IsLocked {
			return errors.LockedGroup(g.ID)
		}
		if err := tx.Delete(&domain.GroupItem{}, "id = ?", item.ID).Error; err != nil {
			return err
		}
		// close the gap so indices stay contiguous
		i := 0
		for _, it := range g.Items {
			if it.ID == item.ID {
				continue
			}
			if it.OrderIndex != i {
				if err := tx.Model(&domain.GroupItem{}).Where("id = ?", it.ID).Update("order_index", i).Error; err != nil {
					return err
				}
			}
			i++
		}
		return nil
	})
}

func (s *DefaultService) ExportGroup(ctx context.Context, ownerID, groupID string) (*audit.GroupBundle, error) {
	g, err := s.GetGroup(ctx, ownerID, groupID)
	if err != nil {
		return nil, err
	}
	bundles := make([]audit.Bundle, 0, len(g.Items))
	for _, it := range g.Items {
		b, err := s.signer.BuildBundle(ctx, it.VersionID)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, *b)
	}
	return audit.NewGroupBundle(g, bundles, s.now()), nil
}
