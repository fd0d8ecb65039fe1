// Package store persists chat rooms, participants, messages and read markers
// in a relational database through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GroupRoomPageSize is the number of group rooms per listing page.
const GroupRoomPageSize = 5

// Store is the chat persistence layer.
type Store struct {
	db *gorm.DB

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked"
	// under concurrent appends and keeps shared in-memory databases alive.
	sqlDB.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the chat tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&User{}, &Room{}, &Participant{}, &Message{}, &ReadStatus{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// timestamp returns a strictly increasing creation time for this store.
func (s *Store) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	now := s.now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// CreateUser inserts a member. Token issuance and profiles live elsewhere;
// this is used for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, email, nickname, role string) (*User, error) {
	if role == "" {
		role = "USER"
	}
	user := &User{Email: email, Nickname: nickname, Role: role, CreatedAt: s.timestamp()}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func findRoom(tx *gorm.DB, roomID int64) (*Room, error) {
	var room Room
	if err := tx.First(&room, "chat_room_id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

func findUser(tx *gorm.DB, userID int64) (*User, error) {
	var user User
	if err := tx.First(&user, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

func isParticipant(tx *gorm.DB, roomID, userID int64) (bool, error) {
	var count int64
	err := tx.Model(&Participant{}).
		Where("chat_room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return count > 0, nil
}

func addParticipant(tx *gorm.DB, roomID, userID int64, at time.Time) error {
	p := &Participant{RoomID: roomID, UserID: userID, CreatedAt: at}
	if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// AppendMessage persists a message and one read marker per current
// participant, read only for the sender. Both are written in one transaction.
func (s *Store) AppendMessage(ctx context.Context, roomID, senderID int64, text string) (*Message, error) {
	var msg *Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findRoom(tx, roomID); err != nil {
			return err
		}
		if _, err := findUser(tx, senderID); err != nil {
			return err
		}

		msg = &Message{RoomID: roomID, UserID: senderID, Contents: text, CreatedAt: s.timestamp()}
		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		var participants []Participant
		if err := tx.Where("chat_room_id = ?", roomID).Find(&participants).Error; err != nil {
			return fmt.Errorf("failed to list participants: %w", err)
		}
		if len(participants) == 0 {
			return nil
		}

		markers := make([]ReadStatus, 0, len(participants))
		for _, p := range participants {
			markers = append(markers, ReadStatus{
				RoomID:    roomID,
				MessageID: msg.ID,
				UserID:    p.UserID,
				IsRead:    p.UserID == senderID,
				CreatedAt: msg.CreatedAt,
			})
		}
		if err := tx.Omit(clause.Associations).Create(&markers).Error; err != nil {
			return fmt.Errorf("failed to create read markers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// IsParticipant reports whether userID belongs to roomID. A missing room or
// user is an error, not a false answer.
func (s *Store) IsParticipant(ctx context.Context, userID, roomID int64) (bool, error) {
	db := s.db.WithContext(ctx)
	if _, err := findRoom(db, roomID); err != nil {
		return false, err
	}
	if _, err := findUser(db, userID); err != nil {
		return false, err
	}
	return isParticipant(db, roomID, userID)
}

// Nickname returns the display name of userID.
func (s *Store) Nickname(ctx context.Context, userID int64) (string, error) {
	user, err := findUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return "", err
	}
	return user.Nickname, nil
}

// CreateGroupRoom creates a group room with the creator as first participant.
func (s *Store) CreateGroupRoom(ctx context.Context, name string, userID int64) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidInput
	}

	var room *Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findUser(tx, userID); err != nil {
			return err
		}
		room = &Room{Name: name, IsGroupChat: true, CreatedAt: s.timestamp()}
		if err := tx.Create(room).Error; err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		return addParticipant(tx, room.ID, userID, room.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ListGroupRooms returns a page of group rooms, newest first. Pages start at 0.
func (s *Store) ListGroupRooms(ctx context.Context, page int) (RoomPage, error) {
	if page < 0 {
		page = 0
	}

	var rooms []Room
	err := s.db.WithContext(ctx).
		Where("is_group_chat = ?", true).
		Order("created_at DESC").Order("chat_room_id DESC").
		Offset(page * GroupRoomPageSize).
		Limit(GroupRoomPageSize + 1).
		Find(&rooms).Error
	if err != nil {
		return RoomPage{}, fmt.Errorf("failed to list group rooms: %w", err)
	}

	result := RoomPage{Rooms: rooms}
	if len(rooms) > GroupRoomPageSize {
		result.Rooms = rooms[:GroupRoomPageSize]
		result.HasNext = true
	}
	if result.Rooms == nil {
		result.Rooms = []Room{}
	}
	return result, nil
}

// GroupRoomByName looks up a group room by its exact name.
func (s *Store) GroupRoomByName(ctx context.Context, name string) (*Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).First(&room, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	if !room.IsGroupChat {
		return nil, ErrNotGroupChat
	}
	return &room, nil
}

// JoinGroupRoom adds userID to a group room. Joining twice is a no-op.
func (s *Store) JoinGroupRoom(ctx context.Context, roomID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := findRoom(tx, roomID)
		if err != nil {
			return err
		}
		if !room.IsGroupChat {
			return ErrNotGroupChat
		}
		if _, err := findUser(tx, userID); err != nil {
			return err
		}
		joined, err := isParticipant(tx, roomID, userID)
		if err != nil || joined {
			return err
		}
		return addParticipant(tx, roomID, userID, s.timestamp())
	})
}

// LeaveGroupRoom removes userID from a group room and deletes the room, with
// its messages and read markers, once nobody is left.
func (s *Store) LeaveGroupRoom(ctx context.Context, roomID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := findRoom(tx, roomID)
		if err != nil {
			return err
		}
		if _, err := findUser(tx, userID); err != nil {
			return err
		}
		if !room.IsGroupChat {
			return ErrNotGroupChat
		}

		result := tx.Where("chat_room_id = ? AND user_id = ?", roomID, userID).Delete(&Participant{})
		if result.Error != nil {
			return fmt.Errorf("failed to remove participant: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrMemberNotFound
		}

		var remaining int64
		if err := tx.Model(&Participant{}).Where("chat_room_id = ?", roomID).Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		return deleteRoom(tx, roomID)
	})
}

func deleteRoom(tx *gorm.DB, roomID int64) error {
	for _, model := range []any{&ReadStatus{}, &Message{}, &Participant{}} {
		if err := tx.Where("chat_room_id = ?", roomID).Delete(model).Error; err != nil {
			return fmt.Errorf("failed to delete room data: %w", err)
		}
	}
	if err := tx.Delete(&Room{}, "chat_room_id = ?", roomID).Error; err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// GetOrCreatePrivateRoom returns the 1:1 room shared by userID and otherID,
// creating it (named "<mine>-<theirs>") when none exists.
func (s *Store) GetOrCreatePrivateRoom(ctx context.Context, otherID, userID int64) (int64, error) {
	if otherID == userID {
		return 0, ErrInvalidInput
	}

	var roomID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := findUser(tx, userID)
		if err != nil {
			return err
		}
		other, err := findUser(tx, otherID)
		if err != nil {
			return err
		}

		var existing []int64
		err = tx.Table("chat_rooms AS r").
			Select("r.chat_room_id").
			Joins("JOIN chat_participants p1 ON p1.chat_room_id = r.chat_room_id AND p1.user_id = ?", user.ID).
			Joins("JOIN chat_participants p2 ON p2.chat_room_id = r.chat_room_id AND p2.user_id = ?", other.ID).
			Where("r.is_group_chat = ?", false).
			Limit(1).
			Pluck("r.chat_room_id", &existing).Error
		if err != nil {
			return fmt.Errorf("failed to find private room: %w", err)
		}
		if len(existing) > 0 {
			roomID = existing[0]
			return nil
		}

		room := &Room{Name: user.Nickname + "-" + other.Nickname, IsGroupChat: false, CreatedAt: s.timestamp()}
		if err := tx.Create(room).Error; err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		if err := addParticipant(tx, room.ID, user.ID, room.CreatedAt); err != nil {
			return err
		}
		if err := addParticipant(tx, room.ID, other.ID, room.CreatedAt); err != nil {
			return err
		}
		roomID = room.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return roomID, nil
}

// History returns every message of roomID in creation order. Only
// participants may read it.
func (s *Store) History(ctx context.Context, roomID, userID int64) ([]HistoryEntry, error) {
	db := s.db.WithContext(ctx)
	if _, err := findRoom(db, roomID); err != nil {
		return nil, err
	}
	if _, err := findUser(db, userID); err != nil {
		return nil, err
	}
	ok, err := isParticipant(db, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	entries := []HistoryEntry{}
	err = db.Table("chat_messages AS m").
		Select("m.user_id AS sender_id, u.nickname AS nick_name, m.contents AS message, m.created_at AS created_at").
		Joins("JOIN users u ON u.user_id = m.user_id").
		Where("m.chat_room_id = ?", roomID).
		Order("m.created_at ASC").Order("m.chat_message_id ASC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

// MarkRead marks every read marker of userID in roomID as read.
func (s *Store) MarkRead(ctx context.Context, roomID, userID int64) error {
	db := s.db.WithContext(ctx)
	if _, err := findRoom(db, roomID); err != nil {
		return err
	}
	if _, err := findUser(db, userID); err != nil {
		return err
	}
	err := db.Model(&ReadStatus{}).
		Where("chat_room_id = ? AND user_id = ? AND is_read = ?", roomID, userID, false).
		Update("is_read", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

// MyRooms lists the rooms userID participates in with their unread counts.
func (s *Store) MyRooms(ctx context.Context, userID int64) ([]RoomSummary, error) {
	db := s.db.WithContext(ctx)
	if _, err := findUser(db, userID); err != nil {
		return nil, err
	}

	summaries := []RoomSummary{}
	err := db.Table("chat_participants AS p").
		Select(`r.chat_room_id AS room_id, r.name AS room_name, r.is_group_chat AS is_group_chat,
			(SELECT COUNT(*) FROM read_status rs
			  WHERE rs.chat_room_id = r.chat_room_id AND rs.user_id = p.user_id AND rs.is_read = ?) AS unread_count`, false).
		Joins("JOIN chat_rooms r ON r.chat_room_id = p.chat_room_id").
		Where("p.user_id = ?", userID).
		Order("r.chat_room_id ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return summaries, nil
}
