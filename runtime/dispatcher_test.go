package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"agrichat/domain"
	"agrichat/domain/event"
	apperrors "agrichat/errors"
	"agrichat/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testMaxContentLength = 500

func joinedSession(t *testing.T, registry *Registry, store *mocks.MockStore,
	groupID domain.GroupID, userID, name string) *stubSession {
	t.Helper()
	session := newStubSession(userID, name)
	store.EXPECT().GroupExists(gomock.Any(), groupID).Return(true, nil)
	store.EXPECT().IsMember(gomock.Any(), groupID, userID).Return(true, nil)
	require.NoError(t, registry.Join(context.Background(), session, groupID))
	return session
}

func TestDispatcher_Send_Fans_Out_To_All_Members_Including_Sender(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupID := domain.GroupID(1)

	alice := joinedSession(t, registry, store, groupID, "alice", "Alice")
	bob := joinedSession(t, registry, store, groupID, "bob", "Bob")

	store.EXPECT().NextSeq(groupID).Return(uint64(1), nil)
	store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(nil)

	// When alice sends a message
	message, err := dispatcher.Send(ctx, alice, groupID, "Hello from Alice!")

	// Then the message carries the assigned sequence number
	req.NoError(err)
	req.Equal(uint64(1), message.Seq)
	req.Equal("alice", message.SenderID)

	// And both members received the broadcast, sender included
	for _, session := range []*stubSession{alice, bob} {
		events := session.received()
		req.Len(events, 1)
		evt, ok := events[0].(event.NewMessage)
		req.True(ok)
		req.Equal("Hello from Alice!", evt.Message.Content)
	}
}

func TestDispatcher_Send_Rejects_Non_Member(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)

	outsider := newStubSession("mallory", "Mallory")

	_, err := dispatcher.Send(ctx, outsider, domain.GroupID(1), "should not pass")

	req.ErrorIs(err, apperrors.ErrNotMember)
}

func TestDispatcher_Send_Rejects_Invalid_Content(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupID := domain.GroupID(1)

	alice := joinedSession(t, registry, store, groupID, "alice", "Alice")

	// Empty after trimming
	_, err := dispatcher.Send(ctx, alice, groupID, "   ")
	req.ErrorIs(err, apperrors.ErrInvalidContent)

	// Over the maximum length
	_, err = dispatcher.Send(ctx, alice, groupID, strings.Repeat("x", testMaxContentLength+1))
	req.ErrorIs(err, apperrors.ErrInvalidContent)

	// And nothing was broadcast
	req.Empty(alice.received())
}

func TestDispatcher_Send_Does_Not_Broadcast_On_Store_Failure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupID := domain.GroupID(1)

	alice := joinedSession(t, registry, store, groupID, "alice", "Alice")
	bob := joinedSession(t, registry, store, groupID, "bob", "Bob")

	store.EXPECT().NextSeq(groupID).Return(uint64(7), nil)
	store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(fmt.Errorf("disk on fire"))

	_, err := dispatcher.Send(ctx, alice, groupID, "will not be seen")

	// Then the caller gets a transient store error and no partial visibility
	req.ErrorIs(err, apperrors.ErrStoreUnavailable)
	req.Empty(alice.received())
	req.Empty(bob.received())
}

func TestDispatcher_Send_Preserves_Sequence_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupID := domain.GroupID(1)

	alice := joinedSession(t, registry, store, groupID, "alice", "Alice")
	bob := joinedSession(t, registry, store, groupID, "bob", "Bob")

	seq := uint64(0)
	store.EXPECT().NextSeq(groupID).DoAndReturn(func(domain.GroupID) (uint64, error) {
		seq++
		return seq, nil
	}).Times(10)
	store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(nil).Times(10)

	for i := 0; i < 10; i++ {
		sender := alice
		if i%2 == 1 {
			sender = bob
		}
		_, err := dispatcher.Send(ctx, sender, groupID, fmt.Sprintf("message %d", i))
		req.NoError(err)
	}

	// Then bob observed the events in strictly increasing sequence order
	events := bob.received()
	req.Len(events, 10)
	var last uint64
	for _, e := range events {
		evt, ok := e.(event.NewMessage)
		req.True(ok)
		req.Greater(evt.Message.Seq, last)
		last = evt.Message.Seq
	}
}

func TestDispatcher_Send_Never_Reaches_Other_Groups(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupA := domain.GroupID(1)
	groupB := domain.GroupID(2)

	alice := joinedSession(t, registry, store, groupA, "alice", "Alice")
	carol := joinedSession(t, registry, store, groupB, "carol", "Carol")

	store.EXPECT().NextSeq(groupA).Return(uint64(1), nil)
	store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(nil)

	_, err := dispatcher.Send(ctx, alice, groupA, "only for group A")

	req.NoError(err)
	req.Len(alice.received(), 1)
	req.Empty(carol.received())
}

func TestDispatcher_Send_Releases_The_Group_Lock_Entry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)
	groupA := domain.GroupID(1)
	groupB := domain.GroupID(2)

	alice := joinedSession(t, registry, store, groupA, "alice", "Alice")
	carol := joinedSession(t, registry, store, groupB, "carol", "Carol")

	store.EXPECT().NextSeq(groupA).Return(uint64(1), nil)
	store.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).Return(nil)
	_, err := dispatcher.Send(ctx, alice, groupA, "first")
	req.NoError(err)

	// The error path must release too
	store.EXPECT().NextSeq(groupB).Return(uint64(0), fmt.Errorf("disk on fire"))
	_, err = dispatcher.Send(ctx, carol, groupB, "never stored")
	req.ErrorIs(err, apperrors.ErrStoreUnavailable)

	// Then no lock entry outlives its send; the map does not accumulate one
	// entry per group ever messaged
	dispatcher.mu.Lock()
	entries := len(dispatcher.locks)
	dispatcher.mu.Unlock()
	req.Zero(entries)
}

func TestDispatcher_Archive_Invokes_Registered_Hooks(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	registry := NewRegistry(slog.Default(), store)
	dispatcher := NewDispatcher(slog.Default(), registry, store, testMaxContentLength, time.Second)

	var gotGroup domain.GroupID
	dispatcher.OnArchive(func(groupID domain.GroupID, _ uuid.UUID) {
		gotGroup = groupID
	})

	dispatcher.Archive(domain.GroupID(3), uuid.New())

	req.Equal(domain.GroupID(3), gotGroup)
}
