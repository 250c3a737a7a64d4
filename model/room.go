package model

import (
	"time"
)

// Room 共享收听房间
// 播放时间线字段只允许通过 core/room 的协调器修改
// 不变式: IsPlaying == true 时 PlaybackStartedAt 非空且 PlaybackPausedAt 为空
type Room struct {
	ID                string     `json:"id" gorm:"primaryKey;size:8"`
	Name              string     `json:"name" gorm:"size:100;not null"`
	AdminID           int64      `json:"adminId" gorm:"index;not null"`
	CurrentTrackID    *int64     `json:"currentTrackId,omitempty" gorm:"index"`
	PlaybackStartedAt *time.Time `json:"playbackStartedAt,omitempty"`
	PlaybackPausedAt  *time.Time `json:"playbackPausedAt,omitempty"`
	IsPlaying         bool       `json:"isPlaying" gorm:"default:false"`
	MaxMembers        int        `json:"maxMembers" gorm:"default:50"`
	Status            string     `json:"status" gorm:"size:20;default:'active';index"` // active, closed
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ClosedAt          *time.Time `json:"closedAt,omitempty"`
}

// TableName 指定表名
func (Room) TableName() string {
	return "rooms"
}

// RoomMember 房间成员
type RoomMember struct {
	ID       int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID   string     `json:"roomId" gorm:"size:8;index;not null"`
	UserID   int64      `json:"userId" gorm:"index;not null"`
	Role     string     `json:"role" gorm:"size:20;default:'member'"` // admin, member
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// TableName 指定表名
func (RoomMember) TableName() string {
	return "room_members"
}

// ========== 非持久化结构（用于 Redis 和 API 响应） ==========

// PlaybackStatus 播放状态快照（status 查询返回）
// Position 为查询瞬间按时间线公式计算出的已播放秒数
type PlaybackStatus struct {
	IsPlaying    bool       `json:"isPlaying"`
	CurrentTrack *Track     `json:"currentTrack,omitempty"`
	Position     float64    `json:"position"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	PausedAt     *time.Time `json:"pausedAt,omitempty"`
	ServerTime   int64      `json:"serverTime"` // Unix 毫秒
}

// RoomMemberOnline 在线成员信息（Redis 缓存）
type RoomMemberOnline struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joinedAt"` // Unix 毫秒
}

// RoomInfo 房间完整信息（API 响应用）
type RoomInfo struct {
	Room
	AdminName   string             `json:"adminName"`
	MemberCount int                `json:"memberCount"`
	Members     []RoomMemberOnline `json:"members,omitempty"`
}

// ========== 常量定义 ==========

const (
	// 房间状态
	RoomStatusActive = "active"
	RoomStatusClosed = "closed"

	// 成员角色
	RoomRoleAdmin  = "admin"
	RoomRoleMember = "member"

	// 停止原因
	StopReasonQueueEmpty = "queue_empty"
	StopReasonAdminStop  = "administrator_stop"
)
