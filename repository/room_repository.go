package repository

import (
	"context"
	"time"

	"SyncFM/model"

	"gorm.io/gorm"
)

// RoomRepository 房间数据访问接口
type RoomRepository interface {
	// 房间 CRUD
	Create(ctx context.Context, room *model.Room) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	Update(ctx context.Context, room *model.Room) error
	Close(ctx context.Context, id string) error
	ExistsByID(ctx context.Context, id string) (bool, error)

	// 播放时间线字段的定向更新，协调器在持有房间锁时调用
	UpdatePlayback(ctx context.Context, room *model.Room) error

	// 成员管理
	AddMember(ctx context.Context, member *model.RoomMember) error
	GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error)
	RemoveMember(ctx context.Context, roomID string, userID int64) error
	GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error)
	CountActiveMembers(ctx context.Context, roomID string) (int64, error)
}

// gormRoomRepository GORM 实现
type gormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GORM 房间仓库
func NewGormRoomRepository(db *gorm.DB) RoomRepository {
	return &gormRoomRepository{db: db}
}

// ========== 房间 CRUD ==========

// Create 创建房间
func (r *gormRoomRepository) Create(ctx context.Context, room *model.Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

// GetByID 根据ID获取活跃房间
func (r *gormRoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.RoomStatusActive).
		First(&room).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// Update 更新房间
func (r *gormRoomRepository) Update(ctx context.Context, room *model.Room) error {
	return r.db.WithContext(ctx).Save(room).Error
}

// UpdatePlayback 更新播放时间线字段
// 用 map 显式列出字段，保证置空（停止播放）也会写库
func (r *gormRoomRepository) UpdatePlayback(ctx context.Context, room *model.Room) error {
	return r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", room.ID).
		Updates(map[string]interface{}{
			"current_track_id":    room.CurrentTrackID,
			"playback_started_at": room.PlaybackStartedAt,
			"playback_paused_at":  room.PlaybackPausedAt,
			"is_playing":          room.IsPlaying,
			"updated_at":          time.Now(),
		}).Error
}

// Close 关闭房间
func (r *gormRoomRepository) Close(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":    model.RoomStatusClosed,
			"closed_at": now,
		}).Error
}

// ExistsByID 检查房间ID是否存在
func (r *gormRoomRepository) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// ========== 成员管理 ==========

// AddMember 添加成员
func (r *gormRoomRepository) AddMember(ctx context.Context, member *model.RoomMember) error {
	return r.db.WithContext(ctx).Create(member).Error
}

// GetMember 获取成员信息
func (r *gormRoomRepository) GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error) {
	var member model.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		First(&member).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &member, nil
}

// RemoveMember 移除成员（软删除，设置离开时间）
func (r *gormRoomRepository) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.RoomMember{}).
		Where("room_id = ? AND user_id = ? AND left_at IS NULL", roomID, userID).
		Update("left_at", now).Error
}

// GetActiveMembers 获取活跃成员列表
func (r *gormRoomRepository) GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error) {
	var members []*model.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("joined_at ASC").
		Find(&members).Error
	return members, err
}

// CountActiveMembers 统计活跃成员数量
func (r *gormRoomRepository) CountActiveMembers(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.RoomMember{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Count(&count).Error
	return count, err
}
