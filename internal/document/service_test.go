package document

import (
	"context"
	"testing"

	"esign-workflow/internal/db/dbtest"
	"esign-workflow/internal/domain"
	"esign-workflow/internal/errors"
	"esign-workflow/internal/geometry"
	"esign-workflow/internal/lifecycle"
	"esign-workflow/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const owner = "owner-1"

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	svc := NewService(NewRepository(db), redis.NewCache(nil, zap.NewNop()), redis.NewLocalLocker(), zap.NewNop())
	return svc, db
}

func field(recipient string, required bool) FieldInput {
	return FieldInput{
		FieldType:  domain.FieldText,
		Label:      "Name of " + recipient,
		Recipient:  recipient,
		PageNumber: 1,
		Rect:       geometry.Rect{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.05},
		Required:   required,
	}
}

func newDraft(t *testing.T, svc Service) *domain.Version {
	t.Helper()
	doc, err := svc.CreateDocument(context.Background(), owner, "Lease agreement")
	require.NoError(t, err)
	require.Len(t, doc.Versions, 1)
	return &doc.Versions[0]
}

func TestCreateDocument_StartsWithDraftVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, owner, "  Lease agreement ")
	require.NoError(t, err)
	assert.Equal(t, "Lease agreement", doc.Title)
	require.Len(t, doc.Versions, 1)
	assert.Equal(t, 1, doc.Versions[0].VersionNumber)
	assert.Equal(t, lifecycle.Draft, doc.Versions[0].Status)

	list, err := svc.GetOwnerDocuments(ctx, owner, 1, 10)
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, doc.ID, list.Data[0].ID)
	assert.Equal(t, int64(1), list.Data[0].VersionCount)
	assert.Equal(t, int64(1), list.Meta.Total)

	_, err = svc.CreateDocument(ctx, owner, "   ")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestFields_RosterFollowsEveryMutation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)

	f1, err := svc.AddField(ctx, owner, v.ID, field("bob", true))
	require.NoError(t, err)
	_, err = svc.AddField(ctx, owner, v.ID, field("alice", true))
	require.NoError(t, err)
	_, err = svc.AddField(ctx, owner, v.ID, field("alice", false))
	require.NoError(t, err)

	recipients, err := svc.AssignableRecipients(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, recipients)

	in := field("carol", true)
	_, err = svc.UpdateField(ctx, owner, f1.ID, in)
	require.NoError(t, err)
	recipients, err = svc.AssignableRecipients(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, recipients)

	require.NoError(t, svc.DeleteField(ctx, owner, f1.ID))
	recipients, err = svc.AssignableRecipients(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, recipients)
}

func TestRecipients_ByteOrder(t *testing.T) {
	svc, db := newTestService(t)
	v := newDraft(t, svc)

	require.NoError(t, db.Create(&[]domain.VersionRecipient{
		{VersionID: v.ID, Recipient: "alice"},
		{VersionID: v.ID, Recipient: "Bob"},
		{VersionID: v.ID, Recipient: "carol"},
	}).Error)

	names, err := Recipients(db, v.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "alice", "carol"}, names)
}

func TestAddField_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)

	bad := field("alice", true)
	bad.FieldType = "stamp"
	_, err := svc.AddField(ctx, owner, v.ID, bad)
	assert.ErrorIs(t, err, errors.ErrValidation)

	bad = field("alice", true)
	bad.Rect = geometry.Rect{X: 0.9, Y: 0.1, Width: 0.3, Height: 0.1}
	_, err = svc.AddField(ctx, owner, v.ID, bad)
	assert.ErrorIs(t, err, errors.ErrValidation)

	bad = field("alice", true)
	bad.Rect.Width = 1.5
	_, err = svc.AddField(ctx, owner, v.ID, bad)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestAddField_PositionsFollowCreationOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)

	for i := 0; i < 3; i++ {
		_, err := svc.AddField(ctx, owner, v.ID, field("alice", true))
		require.NoError(t, err)
	}
	got, err := svc.GetOwnedVersion(ctx, v.ID, owner)
	require.NoError(t, err)
	require.Len(t, got.Fields, 3)
	for i, f := range got.Fields {
		assert.Equal(t, i+1, f.Position)
	}
}

func TestMoveField_ConvertsViewportGesture(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)
	f, err := svc.AddField(ctx, owner, v.ID, field("alice", true))
	require.NoError(t, err)

	moved, err := svc.MoveField(ctx, owner, f.ID, MoveInput{
		PageNumber: 2,
		View:       geometry.PixelRect{X: 122.4, Y: 158.4, Width: 244.8, Height: 79.2},
		PageWidth:  612,
		PageHeight: 792,
		Scale:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, moved.PageNumber)
	assert.InDelta(t, 0.1, moved.XPct, 1e-4)
	assert.InDelta(t, 0.1, moved.YPct, 1e-4)
	assert.InDelta(t, 0.2, moved.WidthPct, 1e-4)
	assert.InDelta(t, 0.05, moved.HeightPct, 1e-4)

	_, err = svc.MoveField(ctx, owner, f.ID, MoveInput{PageWidth: 612, PageHeight: 792, Scale: 0})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestLock_RequiresEveryRecipient(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)

	_, err := svc.AddField(ctx, owner, v.ID, field("alice", true))
	require.NoError(t, err)
	f2, err := svc.AddField(ctx, owner, v.ID, field("", true))
	require.NoError(t, err)
	f3, err := svc.AddField(ctx, owner, v.ID, field("", false))
	require.NoError(t, err)

	_, err = svc.Lock(ctx, owner, v.ID)
	require.ErrorIs(t, err, errors.ErrValidation)
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "2 field(s)")
	assert.ElementsMatch(t, []string{f2.ID, f3.ID}, apiErr.EntityIDs)

	got, err := svc.GetOwnedVersion(ctx, v.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Draft, got.Status)
}

func TestLock_RejectsVersionWithoutRequiredField(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)
	_, err := svc.AddField(ctx, owner, v.ID, field("alice", false))
	require.NoError(t, err)

	_, err = svc.Lock(ctx, owner, v.ID)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestLock_FreezesLayoutAndRecordsOutbox(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)
	f, err := svc.AddField(ctx, owner, v.ID, field("alice", true))
	require.NoError(t, err)

	locked, err := svc.Lock(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Locked, locked.Status)
	assert.NotNil(t, locked.LockedAt)

	var kinds []string
	require.NoError(t, db.Model(&domain.OutboxEvent{}).Where("aggregate_id = ?", v.ID).Order("kind").Pluck("kind", &kinds).Error)
	assert.Equal(t, []string{"status_changed", "version_locked"}, kinds)

	_, err = svc.AddField(ctx, owner, v.ID, field("bob", true))
	assert.ErrorIs(t, err, errors.ErrPrecondition)
	_, err = svc.UpdateField(ctx, owner, f.ID, field("bob", true))
	assert.ErrorIs(t, err, errors.ErrPrecondition)
	assert.ErrorIs(t, svc.DeleteField(ctx, owner, f.ID), errors.ErrPrecondition)

	_, err = svc.Lock(ctx, owner, v.ID)
	assert.ErrorIs(t, err, errors.ErrPrecondition)
}

func TestCreateVersion_ClonesLayoutWithoutValues(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)
	f, err := svc.AddField(ctx, owner, v.ID, field("alice", true))
	require.NoError(t, err)

	_, err = svc.CreateVersion(ctx, owner, v.DocumentID)
	assert.ErrorIs(t, err, errors.ErrPrecondition, "a draft is already open")

	_, err = svc.Lock(ctx, owner, v.ID)
	require.NoError(t, err)
	value := "Alice"
	require.NoError(t, db.Model(&domain.Field{}).Where("id = ?", f.ID).Updates(map[string]any{"value": value, "locked": true}).Error)

	v2, err := svc.CreateVersion(ctx, owner, v.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, lifecycle.Draft, v2.Status)
	require.Len(t, v2.Fields, 1)
	assert.NotEqual(t, f.ID, v2.Fields[0].ID)
	assert.Nil(t, v2.Fields[0].Value)
	assert.False(t, v2.Fields[0].Locked)
	assert.Equal(t, "alice", v2.Fields[0].Recipient)

	recipients, err := svc.AssignableRecipients(ctx, owner, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, recipients)
}

func TestOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	v := newDraft(t, svc)

	_, err := svc.GetOwnedVersion(ctx, v.ID, "someone-else")
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
	_, err = svc.AddField(ctx, "someone-else", v.ID, field("alice", true))
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))

	_, err = svc.GetOwnedVersion(ctx, "missing", owner)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
