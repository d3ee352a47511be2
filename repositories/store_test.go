package repositories

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"agrichat/domain"
	apperrors "agrichat/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	// Reduced value log size for testing (avoid gigabytes of preallocation)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMessage(groupID domain.GroupID, seq uint64, sender, content string) domain.Message {
	return domain.Message{
		ID:          uuid.New(),
		GroupID:     groupID,
		SenderID:    sender,
		DisplayName: sender,
		Seq:         seq,
		Content:     content,
		CreatedAt:   time.Now().UTC().Truncate(time.Nanosecond),
	}
}

func TestBadgerStore_Group_And_Membership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	// Given no group exists
	exists, err := store.GroupExists(ctx, groupID)
	req.NoError(err)
	req.False(exists)

	// When the group and a member are provisioned
	req.NoError(store.CreateGroup(ctx, domain.Group{ID: groupID, Name: "Wheat growers"}))
	req.NoError(store.AddMember(ctx, groupID, "alice"))

	// Then both are visible
	exists, err = store.GroupExists(ctx, groupID)
	req.NoError(err)
	req.True(exists)

	member, err := store.IsMember(ctx, groupID, "alice")
	req.NoError(err)
	req.True(member)

	member, err = store.IsMember(ctx, groupID, "bob")
	req.NoError(err)
	req.False(member)

	// And removal revokes durable membership
	req.NoError(store.RemoveMember(ctx, groupID, "alice"))
	member, err = store.IsMember(ctx, groupID, "alice")
	req.NoError(err)
	req.False(member)
}

func TestBadgerStore_NextSeq_Starts_At_One_And_Increases(t *testing.T) {
	req := require.New(t)
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	first, err := store.NextSeq(groupID)
	req.NoError(err)
	req.Equal(uint64(1), first)

	second, err := store.NextSeq(groupID)
	req.NoError(err)
	req.Equal(uint64(2), second)

	// Sequences are independent per group
	other, err := store.NextSeq(domain.GroupID(2))
	req.NoError(err)
	req.Equal(uint64(1), other)
}

func TestBadgerStore_NextSeq_Survives_Restart_Without_Reuse(t *testing.T) {
	req := require.New(t)
	db := openTestDB(t)
	groupID := domain.GroupID(1)

	store := NewBadgerStore(db, slog.Default(), nil)
	last, err := store.NextSeq(groupID)
	req.NoError(err)
	req.NoError(store.Close())

	// When a new store opens over the same database
	reopened := NewBadgerStore(db, slog.Default(), nil)
	next, err := reopened.NextSeq(groupID)
	req.NoError(err)

	// Then the counter moved forward; gaps are fine, reuse is not
	req.Greater(next, last)
	req.NoError(reopened.Close())
}

func TestBadgerStore_MessageByID(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	message := testMessage(groupID, 1, "alice", "hello")
	req.NoError(store.SaveMessage(ctx, message))

	fetched, err := store.MessageByID(ctx, groupID, message.ID)
	req.NoError(err)
	req.Equal(message, fetched)

	// Unknown id
	_, err = store.MessageByID(ctx, groupID, uuid.New())
	req.ErrorIs(err, apperrors.ErrUnknownMessage)

	// Right id, wrong group
	_, err = store.MessageByID(ctx, domain.GroupID(2), message.ID)
	req.ErrorIs(err, apperrors.ErrUnknownMessage)
}

func TestBadgerStore_Messages_Returns_Newest_First(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	for seq := uint64(1); seq <= 3; seq++ {
		req.NoError(store.SaveMessage(ctx, testMessage(groupID, seq, "alice", fmt.Sprintf("message %d", seq))))
	}

	messages, _, err := store.Messages(ctx, groupID, nil)
	req.NoError(err)
	req.Len(messages, 3)
	req.Equal(uint64(3), messages[0].Seq)
	req.Equal(uint64(2), messages[1].Seq)
	req.Equal(uint64(1), messages[2].Seq)
}

func TestBadgerStore_Messages_Cursor_Pagination(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), lo.ToPtr(2))
	groupID := domain.GroupID(1)

	for seq := uint64(1); seq <= 5; seq++ {
		req.NoError(store.SaveMessage(ctx, testMessage(groupID, seq, "alice", fmt.Sprintf("message %d", seq))))
	}

	// First page: the two newest messages
	page, cursor, err := store.Messages(ctx, groupID, nil)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(5), page[0].Seq)
	req.Equal(uint64(4), page[1].Seq)

	// Second page continues past the cursor
	page, _, err = store.Messages(ctx, groupID, cursor)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(3), page[0].Seq)
	req.Equal(uint64(2), page[1].Seq)
}

func TestBadgerStore_Receipts_Are_Monotonic(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	// Given no receipt, the default is zero
	seq, err := store.Receipt(ctx, "alice", groupID)
	req.NoError(err)
	req.Equal(uint64(0), seq)

	// When the receipt advances to 5
	advanced, err := store.AdvanceReceipt(ctx, "alice", groupID, 5)
	req.NoError(err)
	req.True(advanced)

	// Then a stale ack at 3 does not move it back
	advanced, err = store.AdvanceReceipt(ctx, "alice", groupID, 3)
	req.NoError(err)
	req.False(advanced)

	seq, err = store.Receipt(ctx, "alice", groupID)
	req.NoError(err)
	req.Equal(uint64(5), seq)
}

func TestBadgerStore_CountAfter(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewBadgerStore(openTestDB(t), slog.Default(), nil)
	groupID := domain.GroupID(1)

	for seq := uint64(1); seq <= 4; seq++ {
		req.NoError(store.SaveMessage(ctx, testMessage(groupID, seq, "alice", fmt.Sprintf("message %d", seq))))
	}

	count, err := store.CountAfter(ctx, groupID, 2)
	req.NoError(err)
	req.Equal(2, count)

	count, err = store.CountAfter(ctx, groupID, 0)
	req.NoError(err)
	req.Equal(4, count)

	count, err = store.CountAfter(ctx, groupID, 4)
	req.NoError(err)
	req.Equal(0, count)
}
