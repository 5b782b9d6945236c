package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return New(db)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{
		BusinessPhoneID: "phone-athens",
		CustomerWaID:    "306912345678",
		IsRetarget:      true,
		RetargetStage:   models.StageInitiated,
		OwnerRole:       models.RoleAdvert,
	}
	require.NoError(t, s.Create(ctx, &conv))
	assert.NotEmpty(t, conv.ID)

	got, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageInitiated, got.RetargetStage)
	assert.Equal(t, models.RoleAdvert, got.OwnerRole)
	assert.True(t, got.IsRetarget)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByPhone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []models.Conversation{
		{BusinessPhoneID: "phone-athens", CustomerWaID: "1"},
		{BusinessPhoneID: "phone-milan", CustomerWaID: "2"},
		{BusinessPhoneID: "phone-athens", CustomerWaID: "3", IsRetarget: true, RetargetStage: models.StageEngaged},
	} {
		c := c
		require.NoError(t, s.Create(ctx, &c))
	}

	all, err := s.List(ctx, ListFilter{PhoneIDs: []string{"phone-athens"}})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	retarget := true
	only, err := s.List(ctx, ListFilter{PhoneIDs: []string{"phone-athens", "phone-milan"}, IsRetarget: &retarget})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "3", only[0].CustomerWaID)

	none, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListInternal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &models.Conversation{BusinessPhoneID: "p", CustomerWaID: "1", Source: models.SourceInternal}))
	require.NoError(t, s.Create(ctx, &models.Conversation{BusinessPhoneID: "p", CustomerWaID: "2"}))
	require.NoError(t, s.Create(ctx, &models.Conversation{BusinessPhoneID: "q", CustomerWaID: "3"}))

	convs, err := s.List(ctx, ListFilter{IncludeInternal: true})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "1", convs[0].CustomerWaID)

	convs, err = s.List(ctx, ListFilter{PhoneIDs: []string{"q"}, IncludeInternal: true})
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestListPagesWithOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, &models.Conversation{BusinessPhoneID: "p", CustomerWaID: fmt.Sprint(i)}))
	}

	seen := map[string]bool{}
	for offset := 0; offset < 5; offset += 2 {
		page, err := s.List(ctx, ListFilter{PhoneIDs: []string{"p"}, Limit: 2, Offset: offset})
		require.NoError(t, err)
		for _, c := range page {
			assert.False(t, seen[c.ID], "conversation returned twice")
			seen[c.ID] = true
		}
	}
	assert.Len(t, seen, 5)
}

func TestFindOrCreateInbound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.FindOrCreateInbound(ctx, "phone-athens", "3069")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.IsRetarget)

	again, created, err := s.FindOrCreateInbound(ctx, "phone-athens", "3069")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := s.FindOrCreateInbound(ctx, "phone-milan", "3069")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{BusinessPhoneID: "p", CustomerWaID: "1"}
	require.NoError(t, s.Create(ctx, &conv))

	for _, body := range []string{"hello", "are the dates free?"} {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Direction:      models.DirectionInbound,
			Content:        body,
			Type:           "text",
		}))
	}

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)

	got, err := s.Message(ctx, msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "are the dates free?", got.Content)

	_, err = s.Message(ctx, 9999)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.AppendMessage(ctx, &models.Message{ConversationID: "missing", Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceStageHandover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{
		BusinessPhoneID: "phone-athens",
		CustomerWaID:    "1",
		IsRetarget:      true,
		RetargetStage:   models.StageInitiated,
		OwnerRole:       models.RoleAdvert,
	}
	require.NoError(t, s.Create(ctx, &conv))

	engaged, err := s.AdvanceStage(ctx, conv.ID, models.StageEngaged, "ignored")
	require.NoError(t, err)
	assert.Equal(t, models.StageEngaged, engaged.RetargetStage)
	assert.Equal(t, models.RoleAdvert, engaged.OwnerRole)
	assert.Empty(t, engaged.AssignedAgent)

	handed, err := s.AdvanceStage(ctx, conv.ID, models.StageHandedToSales, "agent1")
	require.NoError(t, err)
	assert.Equal(t, models.StageHandedToSales, handed.RetargetStage)
	assert.Equal(t, models.RoleSales, handed.OwnerRole)
	assert.Equal(t, "agent1", handed.AssignedAgent)
	assert.Equal(t, "agent1", handed.OwnerUserID)

	_, err = s.AdvanceStage(ctx, conv.ID, models.StageHandedToSales, "agent2")
	assert.ErrorIs(t, err, ErrStageRegression)

	_, err = s.AdvanceStage(ctx, conv.ID, models.StageEngaged, "")
	assert.ErrorIs(t, err, ErrStageRegression)

	stored, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent1", stored.AssignedAgent)
}

func TestAdvanceStageSkipsForwardFromUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{BusinessPhoneID: "p", CustomerWaID: "1", IsRetarget: true}
	require.NoError(t, s.Create(ctx, &conv))

	handed, err := s.AdvanceStage(ctx, conv.ID, models.StageHandedToSales, "")
	require.NoError(t, err)
	assert.True(t, handed.RetargetStage.HandedOver())
	assert.False(t, handed.HasAssignee())
}

func TestAdvanceStageRejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plain := models.Conversation{BusinessPhoneID: "p", CustomerWaID: "1"}
	require.NoError(t, s.Create(ctx, &plain))

	_, err := s.AdvanceStage(ctx, plain.ID, models.StageEngaged, "")
	assert.ErrorIs(t, err, ErrNotRetarget)

	_, err = s.AdvanceStage(ctx, "missing", models.StageEngaged, "")
	assert.ErrorIs(t, err, ErrNotFound)

	rt := models.Conversation{BusinessPhoneID: "p", CustomerWaID: "2", IsRetarget: true, RetargetStage: models.StageEngaged}
	require.NoError(t, s.Create(ctx, &rt))
	_, err = s.AdvanceStage(ctx, rt.ID, models.StageUnset, "")
	assert.ErrorIs(t, err, ErrStageRegression)
}

func TestUpdateMessageStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{BusinessPhoneID: "p", CustomerWaID: "1"}
	require.NoError(t, s.Create(ctx, &conv))
	msg := models.Message{ConversationID: conv.ID, WaMessageID: "wamid.1", Direction: models.DirectionOutbound, Status: "sent"}
	require.NoError(t, s.AppendMessage(ctx, &msg))

	got, err := s.UpdateMessageStatus(ctx, "wamid.1", "read")
	require.NoError(t, err)
	assert.Equal(t, "read", got.Status)
	assert.Equal(t, conv.ID, got.ConversationID)

	_, err = s.UpdateMessageStatus(ctx, "wamid.unknown", "read")
	assert.ErrorIs(t, err, ErrNotFound)
}
