package store_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/chatrelay/internal/db"
	"github.com/wuwenbin0122/chatrelay/internal/models"
	"github.com/wuwenbin0122/chatrelay/internal/store"
	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

func TestPostgresConversationStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	cfg := utils.PostgresConfig{DSN: dsn, ConnectTimeout: 5 * time.Second, MaxConns: 4}

	pg, err := db.NewPostgres(ctx, cfg, nil)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.EnsureSchema(ctx))

	gormDB, err := db.NewGORM(cfg)
	require.NoError(t, err)
	defer db.CloseGORM(gormDB)

	users := store.NewGormUsers(gormDB)
	convs := store.NewPostgres(pg.Pool)

	email := "user_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "@example.com"
	user := &models.User{Name: "tester", Email: email, Password: "hash"}
	require.NoError(t, users.CreateUser(ctx, user))
	defer users.DeleteUser(ctx, user.ID)

	err = users.CreateUser(ctx, &models.User{Name: "dup", Email: email, Password: "hash"})
	require.True(t, errors.Is(err, store.ErrEmailTaken), "got %v", err)

	_, err = convs.CreateConversation(ctx, -1, "general")
	require.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	empty, err := convs.ListConversations(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	c1, err := convs.CreateConversation(ctx, user.ID, "general")
	require.NoError(t, err)
	require.True(t, c1.StartDate.Equal(c1.EndDate))
	c2, err := convs.CreateConversation(ctx, user.ID, "support")
	require.NoError(t, err)

	_, err = convs.AppendMessage(ctx, c2.ID+1000000, "lost", time.Now())
	require.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	_, err = convs.AppendMessage(ctx, c1.ID, "m1", base)
	require.NoError(t, err)
	_, err = convs.AppendMessage(ctx, c1.ID, "m2", base.Add(time.Second))
	require.NoError(t, err)
	_, err = convs.AppendMessage(ctx, c2.ID, "m3", base.Add(2*time.Second))
	require.NoError(t, err)

	msgs, err := convs.ListMessages(ctx, c1.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].Content)

	groups, err := convs.ListConversationsWithMessages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, c1.ID, groups[0].ID)
	require.Len(t, groups[0].Messages, 2)
	require.Equal(t, "m3", groups[1].Messages[0].Content)
}
