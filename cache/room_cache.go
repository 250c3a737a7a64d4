package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"SyncFM/db"
	"SyncFM/model"

	"github.com/go-redis/redis/v8"
)

const (
	roomMembersKey  = "room:%s:members"      // Hash: userID -> MemberOnline JSON
	roomPlaybackKey = "room:%s:playback"     // String: 播放状态快照 JSON
	roomPresenceKey = "room:%s:presence:%d"  // String: 心跳 key (roomID:userID)
	roomPresenceSet = "room:%s:online_users" // Set: 在线用户集合
	roomTTL         = 24 * time.Hour
	presenceTTL     = 60 * time.Second // 心跳过期时间
)

// RoomCache 房间缓存操作
// 播放快照只是读加速，MySQL 里的 Room 行才是权威状态
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache 创建房间缓存
func NewRoomCache() *RoomCache {
	return &RoomCache{client: db.RedisClient}
}

// ========== 播放状态快照 ==========

// SetPlaybackSnapshot 写入播放状态快照
func (c *RoomCache) SetPlaybackSnapshot(ctx context.Context, roomID string, status *model.PlaybackStatus) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomPlaybackKey, roomID)
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal playback snapshot: %w", err)
	}
	return c.client.Set(ctx, key, data, roomTTL).Err()
}

// GetPlaybackSnapshot 读取播放状态快照，不存在时返回 nil
func (c *RoomCache) GetPlaybackSnapshot(ctx context.Context, roomID string) (*model.PlaybackStatus, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomPlaybackKey, roomID)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var status model.PlaybackStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ========== 成员管理 ==========

// SetMemberOnline 设置成员在线状态
func (c *RoomCache) SetMemberOnline(ctx context.Context, roomID string, member *model.RoomMemberOnline) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomMembersKey, roomID)
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fmt.Sprintf("%d", member.UserID), data)
	pipe.Expire(ctx, key, roomTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveMemberOnline 移除成员在线状态
func (c *RoomCache) RemoveMemberOnline(ctx context.Context, roomID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomMembersKey, roomID)
	return c.client.HDel(ctx, key, fmt.Sprintf("%d", userID)).Err()
}

// GetMemberOnline 获取单个在线成员信息
func (c *RoomCache) GetMemberOnline(ctx context.Context, roomID string, userID int64) (*model.RoomMemberOnline, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomMembersKey, roomID)
	data, err := c.client.HGet(ctx, key, fmt.Sprintf("%d", userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var member model.RoomMemberOnline
	if err := json.Unmarshal([]byte(data), &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GetMembersOnline 获取所有在线成员
func (c *RoomCache) GetMembersOnline(ctx context.Context, roomID string) ([]model.RoomMemberOnline, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(roomMembersKey, roomID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.RoomMemberOnline, 0, len(result))
	for _, data := range result {
		var member model.RoomMemberOnline
		if err := json.Unmarshal([]byte(data), &member); err == nil {
			members = append(members, member)
		}
	}
	return members, nil
}

// ========== 心跳在线状态管理 ==========

// UpdateUserPresence 更新用户心跳
func (c *RoomCache) UpdateUserPresence(ctx context.Context, roomID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(roomPresenceKey, roomID, userID)
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, roomTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserPresence 移除用户在线状态
func (c *RoomCache) RemoveUserPresence(ctx context.Context, roomID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(roomPresenceKey, roomID, userID)
	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, presenceKey)
	pipe.SRem(ctx, onlineSetKey, userID)

	_, err := pipe.Exec(ctx)
	return err
}

// GetStaleUsers 返回心跳已过期的用户并从在线集合清理
// 广播器用它来剔除失联的订阅者，避免订阅集合无界增长
func (c *RoomCache) GetStaleUsers(ctx context.Context, roomID string) ([]int64, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	onlineSetKey := fmt.Sprintf(roomPresenceSet, roomID)
	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}

	stale := make([]int64, 0)
	expired := make([]interface{}, 0)
	for _, memberStr := range members {
		userID, err := strconv.ParseInt(memberStr, 10, 64)
		if err != nil {
			continue
		}

		presenceKey := fmt.Sprintf(roomPresenceKey, roomID, userID)
		exists, err := c.client.Exists(ctx, presenceKey).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			stale = append(stale, userID)
			expired = append(expired, memberStr)
		}
	}

	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}

	return stale, nil
}

// ClearRoom 清理房间的所有缓存
func (c *RoomCache) ClearRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(roomMembersKey, roomID))
	pipe.Del(ctx, fmt.Sprintf(roomPlaybackKey, roomID))
	pipe.Del(ctx, fmt.Sprintf(roomPresenceSet, roomID))
	_, err := pipe.Exec(ctx)
	return err
}
