package group

import (
	"context"
	"testing"
	"time"

	"esign-workflow/internal/audit"
	"esign-workflow/internal/db/dbtest"
	"esign-workflow/internal/document"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/geometry"
	"esign-workflow/internal/lifecycle"
	"esign-workflow/internal/render/rendertest"
	"esign-workflow/internal/signing"
	"esign-workflow/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const owner = "owner-1"

type fixture struct {
	db     *gorm.DB
	docs   document.Service
	signer signing.Service
	svc    Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	locker := redis.NewLocalLocker()
	cache := redis.NewCache(nil, zap.NewNop())
	docs := document.NewService(document.NewRepository(db), cache, locker, zap.NewNop())
	signer := signing.NewService(signing.NewRepository(db), docs, &rendertest.Fake{}, locker, cache, zap.NewNop(), time.Hour)
	return &fixture{
		db:     db,
		docs:   docs,
		signer: signer,
		svc:    NewService(NewRepository(db), docs, signer, locker, zap.NewNop()),
	}
}

// version creates a document whose first version has one required
// signature field for alice, locked unless draft is set.
func (f *fixture) version(t *testing.T, title string, draft bool) *domain.Version {
	t.Helper()
	ctx := context.Background()
	doc, err := f.docs.CreateDocument(ctx, owner, title)
	require.NoError(t, err)
	v := doc.Versions[0]
	_, err = f.docs.AddField(ctx, owner, v.ID, document.FieldInput{
		FieldType:  domain.FieldSignature,
		Label:      "Signature",
		Recipient:  "alice",
		PageNumber: 1,
		Rect:       geometry.Rect{X: 0.1, Y: 0.8, Width: 0.3, Height: 0.05},
		Required:   true,
	})
	require.NoError(t, err)
	if draft {
		return &v
	}
	locked, err := f.docs.Lock(ctx, owner, v.ID)
	require.NoError(t, err)
	return locked
}

// lockedGroup builds a group over the given titles with every item and the
// group itself locked.
func (f *fixture) lockedGroup(t *testing.T, titles ...string) (*domain.Group, []*domain.Version) {
	t.Helper()
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Onboarding packet")
	require.NoError(t, err)

	var versions []*domain.Version
	for _, title := range titles {
		v := f.version(t, title, false)
		item, err := f.svc.AddItem(ctx, owner, g.ID, v.ID)
		require.NoError(t, err)
		_, err = f.svc.LockItem(ctx, owner, item.ID)
		require.NoError(t, err)
		versions = append(versions, v)
	}
	locked, err := f.svc.LockGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	return locked, versions
}

func (f *fixture) sign(t *testing.T, step *Step) {
	t.Helper()
	res, err := f.signer.Resolve(context.Background(), step.SignToken)
	require.NoError(t, err)
	require.Equal(t, signing.ReasonOK, res.Reason)
	require.Len(t, res.EditableFieldIDs, 1)

	_, err = f.signer.Submit(context.Background(), step.SignToken, signing.SubmitInput{
		SignerName:  "Alice",
		FieldValues: []domain.FieldValue{{FieldID: res.EditableFieldIDs[0], Value: "data:image/png;base64,AAA"}},
	})
	require.NoError(t, err)
}

func TestSession_WalksItemsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, versions := f.lockedGroup(t, "A", "B", "C")

	sess, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, sess.Status)
	assert.Len(t, sess.Token, 43)

	for i, title := range []string{"A", "B", "C"} {
		step, err := f.svc.NextStep(ctx, sess.Token)
		require.NoError(t, err)
		assert.Equal(t, i, step.Index)
		assert.Equal(t, 3, step.Total)
		assert.Equal(t, title, step.Title)
		assert.Equal(t, versions[i].ID, step.VersionID)
		assert.Equal(t, domain.SessionInProgress, step.Status)
		assert.Equal(t, 1, step.Outstanding)
		require.NotEmpty(t, step.SignToken)

		f.sign(t, step)

		advanced, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
		require.NoError(t, err)
		assert.Equal(t, i+1, advanced.Index)
	}

	for range 2 {
		step, err := f.svc.NextStep(ctx, sess.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCompleted, step.Status)
		assert.Equal(t, 3, step.Index)
	}

	step, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, step.Status)
	assert.Equal(t, 3, step.Index)

	for _, v := range versions {
		got, err := f.docs.GetOwnedVersion(ctx, v.ID, owner)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Completed, got.Status)
	}
}

func TestNextStep_ReusesStepToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.lockedGroup(t, "A", "B")
	sess, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)

	first, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)
	second, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, first.SignToken, second.SignToken)

	var tokens int64
	require.NoError(t, f.db.Model(&domain.SigningToken{}).Count(&tokens).Error)
	assert.Equal(t, int64(1), tokens)
}

func TestAdvance_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.lockedGroup(t, "A", "B")
	sess, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)

	step, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)

	// nothing signed yet, so nothing moves
	early, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, early.Index)

	f.sign(t, step)

	from := 0
	moved, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{FromIndex: &from})
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Index)

	again, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{FromIndex: &from})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Index)

	plain, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, plain.Index)

	stored, err := NewRepository(f.db).FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentIndex)
	assert.Equal(t, domain.SessionInProgress, stored.Status)
}

func TestAdvance_DuplicateDoesNotSkipUnseenItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, versions := f.lockedGroup(t, "A", "B", "C")

	// alice signs B outside the session, so nothing is outstanding there
	direct, err := f.signer.Issue(ctx, owner, versions[1].ID, signing.IssueRequest{Scope: domain.ScopeSign, Recipient: "alice"})
	require.NoError(t, err)
	f.sign(t, &Step{SignToken: direct.Token})

	sess, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)
	step, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)
	f.sign(t, step)

	first, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "B", first.Title)
	assert.Equal(t, 0, first.Outstanding)

	duplicate, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, duplicate.Index)
	assert.Equal(t, "B", duplicate.Title)

	shown, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, shown.Index)
	assert.Empty(t, shown.SignToken)

	next, err := f.svc.Advance(ctx, sess.Token, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Index)
	assert.Equal(t, "C", next.Title)
}

func TestSession_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.lockedGroup(t, "A")

	_, err := f.svc.NextStep(ctx, "no-such-session")
	assert.ErrorIs(t, err, errors.ErrTokenNotFound)

	revoked, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)
	cancelled, err := f.svc.RevokeSession(ctx, owner, revoked.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, cancelled.Status)
	for range 2 {
		_, err = f.svc.NextStep(ctx, revoked.Token)
		assert.ErrorIs(t, err, errors.ErrTokenRevoked)
	}
	_, err = f.svc.Advance(ctx, revoked.Token, AdvanceRequest{})
	assert.ErrorIs(t, err, errors.ErrTokenRevoked)

	days := 1
	expiring, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice", ExpiresInDays: &days})
	require.NoError(t, err)
	require.NotNil(t, expiring.ExpiresAt)
	require.NoError(t, f.db.Model(&domain.GroupSigningSession{}).
		Where("id = ?", expiring.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)
	_, err = f.svc.NextStep(ctx, expiring.Token)
	assert.ErrorIs(t, err, errors.ErrTokenExpired)

	_, err = f.svc.RevokeSession(ctx, "intruder", expiring.ID)
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func TestCreateSession_NeedsLockedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Packet")
	require.NoError(t, err)

	_, err = f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	v := f.version(t, "A", false)
	item, err := f.svc.AddItem(ctx, owner, g.ID, v.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	// locked items suffice without locking the group
	_, err = f.svc.LockItem(ctx, owner, item.ID)
	require.NoError(t, err)
	_, err = f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	assert.NoError(t, err)

	_, err = f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "  "})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestReorder_LockedGroupLeavesOrderUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.lockedGroup(t, "A", "B", "C")

	ids := []string{g.Items[2].ID, g.Items[1].ID, g.Items[0].ID}
	_, err := f.svc.Reorder(ctx, owner, g.ID, ids)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockedGroup)
	assert.ErrorIs(t, err, errors.ErrPrecondition)

	after, err := f.svc.GetGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	for i, it := range after.Items {
		assert.Equal(t, g.Items[i].ID, it.ID)
		assert.Equal(t, i, it.OrderIndex)
	}
}

func TestReorder_RequiresFullPermutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Packet")
	require.NoError(t, err)
	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		item, err := f.svc.AddItem(ctx, owner, g.ID, f.version(t, title, true).ID)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	_, err = f.svc.Reorder(ctx, owner, g.ID, []string{ids[1], ids[0]})
	require.ErrorIs(t, err, errors.ErrValidation)
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{ids[2]}, apiErr.EntityIDs)

	_, err = f.svc.Reorder(ctx, owner, g.ID, []string{ids[0], ids[0], ids[1], ids[2]})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = f.svc.Reorder(ctx, owner, g.ID, []string{ids[0], ids[1], ids[2], "ghost"})
	assert.ErrorIs(t, err, errors.ErrValidation)

	reordered, err := f.svc.Reorder(ctx, owner, g.ID, []string{ids[2], ids[0], ids[1]})
	require.NoError(t, err)
	require.Len(t, reordered.Items, 3)
	assert.Equal(t, ids[2], reordered.Items[0].ID)
	assert.Equal(t, ids[0], reordered.Items[1].ID)
	assert.Equal(t, ids[1], reordered.Items[2].ID)
	for i, it := range reordered.Items {
		assert.Equal(t, i, it.OrderIndex)
	}
}

func TestLockRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Packet")
	require.NoError(t, err)

	_, err = f.svc.LockGroup(ctx, owner, g.ID)
	assert.ErrorIs(t, err, errors.ErrPrecondition, "empty group")

	draft := f.version(t, "Draft", true)
	draftItem, err := f.svc.AddItem(ctx, owner, g.ID, draft.ID)
	require.NoError(t, err)
	_, err = f.svc.LockItem(ctx, owner, draftItem.ID)
	assert.ErrorIs(t, err, errors.ErrPrecondition, "draft version")

	_, err = f.svc.LockGroup(ctx, owner, g.ID)
	require.ErrorIs(t, err, errors.ErrPrecondition, "unlocked item")
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{draftItem.ID}, apiErr.EntityIDs)

	_, err = f.docs.Lock(ctx, owner, draft.ID)
	require.NoError(t, err)
	locked, err := f.svc.LockItem(ctx, owner, draftItem.ID)
	require.NoError(t, err)
	assert.True(t, locked.IsLocked)
	_, err = f.svc.LockItem(ctx, owner, draftItem.ID)
	assert.ErrorIs(t, err, errors.ErrPrecondition, "item locked twice")

	lockedGroup, err := f.svc.LockGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	assert.True(t, lockedGroup.IsLocked)
	assert.NotNil(t, lockedGroup.LockedAt)

	_, err = f.svc.LockGroup(ctx, owner, g.ID)
	assert.ErrorIs(t, err, errors.ErrPrecondition, "group locked twice")
	assert.NotErrorIs(t, err, errors.ErrLockedGroup)

	_, err = f.svc.AddItem(ctx, owner, g.ID, f.version(t, "Late", false).ID)
	assert.ErrorIs(t, err, errors.ErrLockedGroup)
}

func TestDeleteItem_CompactsIndices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Packet")
	require.NoError(t, err)
	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		item, err := f.svc.AddItem(ctx, owner, g.ID, f.version(t, title, false).ID)
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	require.NoError(t, f.svc.DeleteItem(ctx, owner, ids[0]))

	after, err := f.svc.GetGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	require.Len(t, after.Items, 2)
	assert.Equal(t, ids[1], after.Items[0].ID)
	assert.Equal(t, 0, after.Items[0].OrderIndex)
	assert.Equal(t, ids[2], after.Items[1].ID)
	assert.Equal(t, 1, after.Items[1].OrderIndex)

	for _, id := range ids[1:] {
		_, err := f.svc.LockItem(ctx, owner, id)
		require.NoError(t, err)
	}
	_, err = f.svc.LockGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeleteItem(ctx, owner, ids[1]), errors.ErrLockedGroup)
}

func TestAddItem_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, owner, "Packet")
	require.NoError(t, err)
	v := f.version(t, "A", false)

	_, err = f.svc.AddItem(ctx, owner, g.ID, v.ID)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, owner, g.ID, v.ID)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = f.svc.AddItem(ctx, "intruder", g.ID, v.ID)
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))

	_, err = f.svc.CreateGroup(ctx, owner, " ")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestExportGroup_ManifestFollowsGroupOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, versions := f.lockedGroup(t, "A", "B")
	sess, err := f.svc.CreateSession(ctx, owner, g.ID, SessionRequest{Recipient: "alice"})
	require.NoError(t, err)
	step, err := f.svc.NextStep(ctx, sess.Token)
	require.NoError(t, err)
	f.sign(t, step)

	bundle, err := f.svc.ExportGroup(ctx, owner, g.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.GroupBundleFormat, bundle.Format)
	require.Len(t, bundle.Manifest, 2)
	require.Len(t, bundle.Items, 2)

	assert.Equal(t, versions[0].ID, bundle.Manifest[0].VersionID)
	assert.Equal(t, 1, bundle.Manifest[0].EventCount)
	assert.Equal(t, string(lifecycle.Completed), bundle.Manifest[0].Status)
	assert.NotNil(t, bundle.Manifest[0].SignedPDFSHA256)
	assert.Equal(t, bundle.Items[0].HeadHash, bundle.Manifest[0].HeadHash)

	assert.Equal(t, versions[1].ID, bundle.Manifest[1].VersionID)
	assert.Equal(t, 0, bundle.Manifest[1].EventCount)
	assert.Nil(t, bundle.Manifest[1].SignedPDFSHA256)

	report, err := audit.VerifyGroupBundle(bundle)
	require.NoError(t, err)
	assert.True(t, report.ManifestHashMatch)
	assert.True(t, report.ManifestMatch)
	assert.True(t, report.Items[0].ChainIntact)
	require.NotNil(t, report.Items[0].SignedPDFHashMatch)
	assert.True(t, *report.Items[0].SignedPDFHashMatch)

	bundle.Manifest[0], bundle.Manifest[1] = bundle.Manifest[1], bundle.Manifest[0]
	report, err = audit.VerifyGroupBundle(bundle)
	require.NoError(t, err)
	assert.False(t, report.ManifestHashMatch)
	assert.False(t, report.ManifestMatch)
}
