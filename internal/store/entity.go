package store

import "time"

// User is a platform member. Only the fields chat needs are mapped.
type User struct {
	ID        int64     `gorm:"primaryKey;column:user_id" json:"id"`
	Email     string    `gorm:"size:254;not null;uniqueIndex" json:"email"`
	Nickname  string    `gorm:"size:10;not null;uniqueIndex" json:"nickname"`
	Role      string    `gorm:"size:20;not null;default:USER" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for User.
func (User) TableName() string { return "users" }

// Room is a group or 1:1 chat room.
type Room struct {
	ID          int64     `gorm:"primaryKey;column:chat_room_id" json:"roomId"`
	Name        string    `gorm:"size:100;not null;index" json:"roomName"`
	IsGroupChat bool      `gorm:"not null;default:false" json:"isGroupChat"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
}

// TableName returns the table name for Room.
func (Room) TableName() string { return "chat_rooms" }

// Participant records that a user belongs to a room.
type Participant struct {
	ID        int64 `gorm:"primaryKey;column:chat_participant_id"`
	RoomID    int64 `gorm:"column:chat_room_id;not null;uniqueIndex:idx_participant_room_user"`
	UserID    int64 `gorm:"column:user_id;not null;uniqueIndex:idx_participant_room_user;index"`
	CreatedAt time.Time

	Room Room `gorm:"foreignKey:RoomID;references:ID;constraint:OnDelete:CASCADE"`
	User User `gorm:"foreignKey:UserID;references:ID"`
}

// TableName returns the table name for Participant.
func (Participant) TableName() string { return "chat_participants" }

// Message is a persisted chat message. It is never updated after creation.
type Message struct {
	ID        int64     `gorm:"primaryKey;column:chat_message_id"`
	RoomID    int64     `gorm:"column:chat_room_id;not null;index"`
	UserID    int64     `gorm:"column:user_id;not null"`
	Contents  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`

	Room Room `gorm:"foreignKey:RoomID;references:ID;constraint:OnDelete:CASCADE"`
	User User `gorm:"foreignKey:UserID;references:ID"`
}

// TableName returns the table name for Message.
func (Message) TableName() string { return "chat_messages" }

// ReadStatus is the per (room, message, user) read marker.
type ReadStatus struct {
	ID        int64 `gorm:"primaryKey;column:read_status_id"`
	RoomID    int64 `gorm:"column:chat_room_id;not null;index:idx_read_room_user"`
	MessageID int64 `gorm:"column:chat_message_id;not null;index"`
	UserID    int64 `gorm:"column:user_id;not null;index:idx_read_room_user"`
	IsRead    bool  `gorm:"column:is_read;not null"`
	CreatedAt time.Time

	Room    Room    `gorm:"foreignKey:RoomID;references:ID;constraint:OnDelete:CASCADE"`
	Message Message `gorm:"foreignKey:MessageID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for ReadStatus.
func (ReadStatus) TableName() string { return "read_status" }

// HistoryEntry is one message of a room's history.
type HistoryEntry struct {
	SenderID  int64     `json:"senderId"`
	NickName  string    `json:"nickName"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary is a room the user participates in, with their unread count.
type RoomSummary struct {
	RoomID      int64  `json:"roomId"`
	RoomName    string `json:"roomName"`
	IsGroupChat bool   `json:"isGroupChat"`
	UnreadCount int64  `json:"unReadCount"`
}

// RoomPage is one page of group rooms.
type RoomPage struct {
	Rooms   []Room `json:"chatRooms"`
	HasNext bool   `json:"hasNext"`
}
