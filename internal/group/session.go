package group

import (
	"context"
	"strings"
	"time"

	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/signing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SessionRequest struct {
	Recipient     string `json:"recipient" binding:"required,max=255"`
	ExpiresInDays *int   `json:"expires_in_days" binding:"omitempty,min=1"`
}

// AdvanceRequest optionally names the index the caller believes is current;
// a stale index makes the call a no-op.
type AdvanceRequest struct {
	FromIndex *int `json:"from_index" binding:"omitempty,min=0"`
}

// Step is what a session shows its recipient: the current item, or a
// terminal completed marker once past the end.
type Step struct {
	SessionID   string               `json:"session_id"`
	Status      domain.SessionStatus `json:"status"`
	Index       int                  `json:"index"`
	Total       int                  `json:"total"`
	GroupItemID string               `json:"group_item_id,omitempty"`
	VersionID   string               `json:"version_id,omitempty"`
	Title       string               `json:"title,omitempty"`
	Outstanding int                  `json:"outstanding"`
	SignToken   string               `json:"sign_token,omitempty"`
}

func finished(sess *domain.GroupSigningSession) bool {
	return sess.Status == domain.SessionCompleted || sess.CurrentIndex >= len(sess.Items)
}

func completedStep(sess *domain.GroupSigningSession) *Step {
	return &Step{
		SessionID: sess.ID,
		Status:    domain.SessionCompleted,
		Index:     len(sess.Items),
		Total:     len(sess.Items),
	}
}

// checkSession maps a session that can no longer be walked to the token
// rejection its recipient sees. Completed sessions stay readable forever.
func (s *DefaultService) checkSession(sess *domain.GroupSigningSession) error {
	switch {
	case sess.Status == domain.SessionCancelled:
		return errors.TokenRejected(errors.ReasonRevoked, sess.ID)
	case finished(sess):
		return nil
	case sess.ExpiresAt != nil && !s.now().Before(*sess.ExpiresAt):
		return errors.TokenRejected(errors.ReasonExpired, sess.ID)
	}
	return nil
}

// lockedSession resolves token, then runs fn on a re-read of the session
// while holding the session lock.
func (s *DefaultService) lockedSession(ctx context.Context, token string, fn func(sess *domain.GroupSigningSession) error) error {
	sess, err := s.repository.FindSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.checkSession(sess); err != nil {
		return err
	}
	return document.WithLock(ctx, s.locker, sessionLockKey(sess.ID), func() error {
		fresh, err := s.repository.FindSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := s.checkSession(fresh); err != nil {
			return err
		}
		return fn(fresh)
	})
}

func (s *DefaultService) CreateSession(ctx context.Context, ownerID, groupID string, in SessionRequest) (*domain.GroupSigningSession, error) {
	g, err := s.GetGroup(ctx, ownerID, groupID)
	if err != nil {
		return nil, err
	}
	recipient := strings.TrimSpace(in.Recipient)
	if recipient == "" {
		return nil, errors.Validation("recipient is required")
	}
	if in.ExpiresInDays != nil && *in.ExpiresInDays < 1 {
		return nil, errors.Validation("expires_in_days must be at least 1")
	}
	if len(g.Items) == 0 {
		return nil, errors.Precondition("Group has no items", g.ID)
	}
	if !g.IsLocked {
		var unlocked []string
		for _, it := range g.Items {
			if !it.IsLocked {
				unlocked = append(unlocked, it.ID)
			}
		}
		if len(unlocked) > 0 {
			return nil, errors.Precondition("Sessions need a locked group or locked items", unlocked...)
		}
	}

	value, err := signing.NewTokenValue()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &domain.GroupSigningSession{
		ID:        uuid.NewString(),
		Token:     value,
		GroupID:   g.ID,
		Recipient: recipient,
		Status:    domain.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.ExpiresInDays != nil {
		exp := now.Add(time.Duration(*in.ExpiresInDays) * 24 * time.Hour)
		sess.ExpiresAt = &exp
	}
	// the session keeps its own copy of the order
	for i, it := range g.Items {
		sess.Items = append(sess.Items, domain.GroupSessionItem{
			SessionID:   sess.ID,
			OrderIndex:  i,
			GroupItemID: it.ID,
			VersionID:   it.VersionID,
		})
	}
	if err := s.repository.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created",
		zap.String("group_id", g.ID),
		zap.String("session_id", sess.ID),
		zap.Int("items", len(sess.Items)),
	)
	return sess, nil
}

// describe reports the current item without issuing anything.
func (s *DefaultService) describe(ctx context.Context, sess *domain.GroupSigningSession) (*Step, error) {
	if finished(sess) {
		return completedStep(sess), nil
	}
	item := sess.Items[sess.CurrentIndex]
	v, fields, err := s.repository.Version(ctx, item.VersionID)
	if err != nil {
		return nil, err
	}
	return &Step{
		SessionID:   sess.ID,
		Status:      sess.Status,
		Index:       sess.CurrentIndex,
		Total:       len(sess.Items),
		GroupItemID: item.GroupItemID,
		VersionID:   item.VersionID,
		Title:       v.Title,
		Outstanding: document.Outstanding(fields, sess.Recipient),
	}, nil
}

// NextStep returns the current item together with its sign token. The token
// is issued on first request and reused until it is spent.
func (s *DefaultService) NextStep(ctx context.Context, token string) (*Step, error) {
	var step *Step
	err := s.lockedSession(ctx, token, func(sess *domain.GroupSigningSession) error {
		if sess.Status == domain.SessionPending && !finished(sess) {
			err := s.repository.Transaction(ctx, func(tx *gorm.DB) error {
				return tx.Model(&domain.GroupSigningSession{}).
					Where("id = ? AND status = ?", sess.ID, domain.SessionPending).
					Updates(map[string]any{"status": domain.SessionInProgress, "updated_at": s.now()}).Error
			})
			if err != nil {
				return err
			}
			sess.Status = domain.SessionInProgress
		}

		var err error
		step, err = s.describe(ctx, sess)
		if err != nil || step.Status == domain.SessionCompleted {
			return err
		}
		if err := s.markPresented(ctx, &sess.Items[sess.CurrentIndex]); err != nil {
			return err
		}
		if step.Outstanding == 0 {
			return nil
		}

		tok, err := s.stepToken(ctx, sess, &sess.Items[sess.CurrentIndex])
		if err != nil {
			return err
		}
		step.SignToken = tok.Token
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// markPresented records that NextStep has shown the item. Advance only
// moves past presented items.
func (s *DefaultService) markPresented(ctx context.Context, item *domain.GroupSessionItem) error {
	if item.PresentedAt != nil {
		return nil
	}
	now := s.now()
	err := s.repository.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&domain.GroupSessionItem{}).
			Where("session_id = ? AND order_index = ? AND presented_at IS NULL", item.SessionID, item.OrderIndex).
			Update("presented_at", now).Error
	})
	if err != nil {
		return err
	}
	item.PresentedAt = &now
	return nil
}

func (s *DefaultService) stepToken(ctx context.Context, sess *domain.GroupSigningSession, item *domain.GroupSessionItem) (*domain.SigningToken, error) {
	if item.SigningTokenID != nil {
		tok, err := s.signer.GetToken(ctx, *item.SigningTokenID)
		if err != nil {
			return nil, err
		}
		if signing.TokenState(tok, s.now()) == signing.ReasonOK {
			return tok, nil
		}
	}

	tok, err := s.signer.IssueStepToken(ctx, item.VersionID, sess.Recipient, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	err = s.repository.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&domain.GroupSessionItem{}).
			Where("session_id = ? AND order_index = ?", item.SessionID, item.OrderIndex).
			Update("signing_token_id", tok.ID).Error
	})
	if err != nil {
		return nil, err
	}
	item.SigningTokenID = &tok.ID
	return tok, nil
}

// stepDone reports whether the recipient is finished with the current item:
// it was presented, and its step token was spent or nothing required is left
// for them.
func (s *DefaultService) stepDone(ctx context.Context, item *domain.GroupSessionItem, outstanding int) (bool, error) {
	if item.PresentedAt == nil {
		return false, nil
	}
	if outstanding == 0 {
		return true, nil
	}
	if item.SigningTokenID == nil {
		return false, nil
	}
	tok, err := s.signer.GetToken(ctx, *item.SigningTokenID)
	if err != nil {
		return false, err
	}
	return tok.Used, nil
}

// Advance moves past the current item once it is done. An item NextStep has
// not shown yet is never skipped, so repeated or stale calls leave the
// session where it is, and it never moves past the end.
func (s *DefaultService) Advance(ctx context.Context, token string, in AdvanceRequest) (*Step, error) {
	var step *Step
	err := s.lockedSession(ctx, token, func(sess *domain.GroupSigningSession) error {
		current, err := s.describe(ctx, sess)
		if err != nil {
			return err
		}
		step = current
		if finished(sess) || (in.FromIndex != nil && *in.FromIndex != sess.CurrentIndex) {
			return nil
		}

		done, err := s.stepDone(ctx, &sess.Items[sess.CurrentIndex], current.Outstanding)
		if err != nil || !done {
			return err
		}

		from := sess.CurrentIndex
		next := from + 1
		status := domain.SessionInProgress
		if next >= len(sess.Items) {
			status = domain.SessionCompleted
		}
		var moved bool
		err = s.repository.Transaction(ctx, func(tx *gorm.DB) error {
			res := tx.Model(&domain.GroupSigningSession{}).
				Where("id = ? AND current_index = ? AND status <> ?", sess.ID, from, domain.SessionCancelled).
				Updates(map[string]any{"current_index": next, "status": status, "updated_at": s.now()})
			moved = res.RowsAffected == 1
			return res.Error
		})
		if err != nil || !moved {
			return err
		}

		sess.CurrentIndex = next
		sess.Status = status
		s.logger.Info("session advanced",
			zap.String("session_id", sess.ID),
			zap.Int("index", next),
			zap.String("status", string(status)),
		)
		step, err = s.describe(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *DefaultService) RevokeSession(ctx context.Context, ownerID, sessionID string) (*domain.GroupSigningSession, error) {
	sess, err := s.repository.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetGroup(ctx, ownerID, sess.GroupID); err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionCompleted {
		return nil, errors.Precondition("Completed sessions cannot be revoked", sess.ID)
	}

	err = s.repository.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&domain.GroupSigningSession{}).
			Where("id = ? AND status NOT IN ?", sess.ID, []domain.SessionStatus{domain.SessionCancelled, domain.SessionCompleted}).
			Updates(map[string]any{"status": domain.SessionCancelled, "updated_at": s.now()}).Error
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("session revoked", zap.String("session_id", sess.ID))
	return s.repository.FindSession(ctx, sessionID)
}
