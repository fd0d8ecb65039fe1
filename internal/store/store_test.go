package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a private in-memory SQLite database for one test.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := Open(dsn)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, nickname string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), nickname+"@example.com", nickname, "USER")
	require.NoError(t, err)
	return u
}

func TestAppendMessageWritesReadMarkers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)
	require.NoError(t, s.JoinGroupRoom(ctx, room.ID, bob.ID))

	msg, err := s.AppendMessage(ctx, room.ID, alice.ID, "hi")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "hi", msg.Contents)

	var markers []ReadStatus
	require.NoError(t, s.db.Where("chat_message_id = ?", msg.ID).Order("user_id").Find(&markers).Error)
	require.Len(t, markers, 2)
	assert.Equal(t, alice.ID, markers[0].UserID)
	assert.True(t, markers[0].IsRead, "sender marker must be read")
	assert.Equal(t, bob.ID, markers[1].UserID)
	assert.False(t, markers[1].IsRead)
}

func TestAppendMessageUnknownRoomOrSender(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, 999, alice.ID, "hi")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.AppendMessage(ctx, room.ID, 999, "hi")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	var count int64
	require.NoError(t, s.db.Model(&Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIsParticipant(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	ok, err := s.IsParticipant(ctx, alice.ID, room.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsParticipant(ctx, bob.ID, room.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.IsParticipant(ctx, alice.ID, 12345)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.IsParticipant(ctx, 12345, room.ID)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestNickname(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")

	nick, err := s.Nickname(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)

	_, err = s.Nickname(ctx, 777)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestHistoryOrderAndAccess(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	carol := seedUser(t, s, "carol")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)
	require.NoError(t, s.JoinGroupRoom(ctx, room.ID, bob.ID))

	// A frozen clock still yields strictly increasing creation times.
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	for i, sender := range []int64{alice.ID, bob.ID, alice.ID} {
		_, err := s.AppendMessage(ctx, room.ID, sender, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	entries, err := s.History(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m0", entries[0].Message)
	assert.Equal(t, "alice", entries[0].NickName)
	assert.Equal(t, "m1", entries[1].Message)
	assert.Equal(t, bob.ID, entries[1].SenderID)
	assert.Equal(t, "m2", entries[2].Message)
	assert.True(t, entries[1].CreatedAt.After(entries[0].CreatedAt))

	_, err = s.History(ctx, room.ID, carol.ID)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = s.History(ctx, 4242, alice.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMarkReadAndMyRooms(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	group, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)
	require.NoError(t, s.JoinGroupRoom(ctx, group.ID, bob.ID))
	private, err := s.GetOrCreatePrivateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, group.ID, alice.ID, "hello")
		require.NoError(t, err)
	}
	_, err = s.AppendMessage(ctx, private, alice.ID, "psst")
	require.NoError(t, err)

	rooms, err := s.MyRooms(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, group.ID, rooms[0].RoomID)
	assert.Equal(t, int64(3), rooms[0].UnreadCount)
	assert.True(t, rooms[0].IsGroupChat)
	assert.Equal(t, private, rooms[1].RoomID)
	assert.Equal(t, int64(1), rooms[1].UnreadCount)
	assert.Equal(t, "alice-bob", rooms[1].RoomName)

	require.NoError(t, s.MarkRead(ctx, group.ID, bob.ID))

	rooms, err = s.MyRooms(ctx, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, rooms[0].UnreadCount)
	assert.Equal(t, int64(1), rooms[1].UnreadCount)

	senderRooms, err := s.MyRooms(ctx, alice.ID)
	require.NoError(t, err)
	for _, r := range senderRooms {
		assert.Zero(t, r.UnreadCount, "sender never has unread messages of their own")
	}

	assert.ErrorIs(t, s.MarkRead(ctx, 999, bob.ID), ErrRoomNotFound)
	_, err = s.MyRooms(ctx, 999)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestListGroupRoomsPaging(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	for i := 0; i < GroupRoomPageSize+2; i++ {
		_, err := s.CreateGroupRoom(ctx, fmt.Sprintf("room-%d", i), alice.ID)
		require.NoError(t, err)
	}
	_, err := s.GetOrCreatePrivateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	first, err := s.ListGroupRooms(ctx, 0)
	require.NoError(t, err)
	require.Len(t, first.Rooms, GroupRoomPageSize)
	assert.True(t, first.HasNext)
	assert.Equal(t, "room-6", first.Rooms[0].Name, "newest first")

	second, err := s.ListGroupRooms(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second.Rooms, 2)
	assert.False(t, second.HasNext)
	for _, r := range second.Rooms {
		assert.True(t, r.IsGroupChat)
	}

	empty, err := s.ListGroupRooms(ctx, 9)
	require.NoError(t, err)
	assert.NotNil(t, empty.Rooms)
	assert.Empty(t, empty.Rooms)
}

func TestGroupRoomByName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)
	_, err = s.GetOrCreatePrivateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	found, err := s.GroupRoomByName(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	_, err = s.GroupRoomByName(ctx, "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.GroupRoomByName(ctx, "alice-bob")
	assert.ErrorIs(t, err, ErrNotGroupChat)
}

func TestCreateGroupRoomRejectsBlankName(t *testing.T) {
	s := setupTestStore(t)
	alice := seedUser(t, s, "alice")

	_, err := s.CreateGroupRoom(context.Background(), "   ", alice.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestJoinAndLeaveGroupRoom(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	require.NoError(t, s.JoinGroupRoom(ctx, room.ID, bob.ID))
	require.NoError(t, s.JoinGroupRoom(ctx, room.ID, bob.ID), "joining twice is a no-op")

	var count int64
	require.NoError(t, s.db.Model(&Participant{}).Where("chat_room_id = ?", room.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	_, err = s.AppendMessage(ctx, room.ID, bob.ID, "bye")
	require.NoError(t, err)

	require.NoError(t, s.LeaveGroupRoom(ctx, room.ID, bob.ID))
	assert.ErrorIs(t, s.LeaveGroupRoom(ctx, room.ID, bob.ID), ErrMemberNotFound)

	require.NoError(t, s.LeaveGroupRoom(ctx, room.ID, alice.ID))
	_, err = findRoom(s.db, room.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound, "room is deleted once empty")

	var leftovers int64
	require.NoError(t, s.db.Model(&Message{}).Where("chat_room_id = ?", room.ID).Count(&leftovers).Error)
	assert.Zero(t, leftovers)
	require.NoError(t, s.db.Model(&ReadStatus{}).Where("chat_room_id = ?", room.ID).Count(&leftovers).Error)
	assert.Zero(t, leftovers)
}

func TestGroupOperationsOnPrivateRoom(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	carol := seedUser(t, s, "carol")
	private, err := s.GetOrCreatePrivateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, s.JoinGroupRoom(ctx, private, carol.ID), ErrNotGroupChat)
	assert.ErrorIs(t, s.LeaveGroupRoom(ctx, private, alice.ID), ErrNotGroupChat)
}

func TestGetOrCreatePrivateRoomIsStable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")

	first, err := s.GetOrCreatePrivateRoom(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	again, err := s.GetOrCreatePrivateRoom(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = s.GetOrCreatePrivateRoom(ctx, alice.ID, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.GetOrCreatePrivateRoom(ctx, 404, alice.ID)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestConcurrentAppends(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice")
	room, err := s.CreateGroupRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, room.ID, alice.ID, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := s.History(ctx, room.ID, alice.ID)
	require.NoError(t, err)
	assert.Len(t, entries, n)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt))
	}
}
