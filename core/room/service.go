package room

import (
	"context"
	"fmt"
	"math/rand"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"

	"github.com/google/uuid"
)

// 房间号生成重试上限，6 位数字空间足够大，连续撞号说明出了别的问题
const maxIDAttempts = 10

// MemberCache 在线成员与心跳缓存，由 cache 包实现，可为 nil
type MemberCache interface {
	SetMemberOnline(ctx context.Context, roomID string, member *model.RoomMemberOnline) error
	RemoveMemberOnline(ctx context.Context, roomID string, userID int64) error
	GetMembersOnline(ctx context.Context, roomID string) ([]model.RoomMemberOnline, error)
	UpdateUserPresence(ctx context.Context, roomID string, userID int64) error
	RemoveUserPresence(ctx context.Context, roomID string, userID int64) error
	GetStaleUsers(ctx context.Context, roomID string) ([]int64, error)
	ClearRoom(ctx context.Context, roomID string) error
}

// Service 房间生命周期与成员管理
type Service struct {
	rooms repository.RoomRepository
	users repository.UserRepository
	hub   *event.Broadcaster
	cache MemberCache
	clk   clock.Clock
}

// NewService 创建房间服务
func NewService(
	rooms repository.RoomRepository,
	users repository.UserRepository,
	hub *event.Broadcaster,
	cache MemberCache,
	clk clock.Clock,
) *Service {
	return &Service{
		rooms: rooms,
		users: users,
		hub:   hub,
		cache: cache,
		clk:   clk,
	}
}

// ========== 房间生命周期 ==========

// CreateRoom 创建房间并把创建者登记为管理员
func (s *Service) CreateRoom(ctx context.Context, name string, adminID int64, maxMembers int) (*model.Room, error) {
	if name == "" {
		return nil, model.ErrInvalidArgument
	}
	admin, err := s.users.GetUserByID(adminID)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, model.ErrNotFound
	}
	if maxMembers <= 0 {
		maxMembers = 50
	}

	roomID, err := s.generateRoomID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	room := &model.Room{
		ID:         roomID,
		Name:       name,
		AdminID:    adminID,
		MaxMembers: maxMembers,
		Status:     model.RoomStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, err
	}

	member := &model.RoomMember{
		RoomID:   roomID,
		UserID:   adminID,
		Role:     model.RoomRoleAdmin,
		JoinedAt: now,
	}
	if err := s.rooms.AddMember(ctx, member); err != nil {
		return nil, err
	}
	s.markOnline(ctx, room.ID, admin, model.RoomRoleAdmin)

	logger.Info("room created",
		logger.String("roomId", roomID),
		logger.String("name", name),
		logger.Int64("adminId", adminID))

	return room, nil
}

// generateRoomID 生成 6 位数字房间号，撞号重试
func (s *Service) generateRoomID(ctx context.Context) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := fmt.Sprintf("%06d", rand.Intn(1000000))
		exists, err := s.rooms.ExistsByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to allocate room id after %d attempts", maxIDAttempts)
}

// JoinRoom 加入房间，重复加入按成功处理
func (s *Service) JoinRoom(ctx context.Context, roomID string, userID int64) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return model.ErrNotFound
	}

	user, err := s.users.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return model.ErrNotFound
	}

	existing, err := s.rooms.GetMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		// 已在房间内，刷新在线状态即可
		s.markOnline(ctx, roomID, user, existing.Role)
		return nil
	}

	count, err := s.rooms.CountActiveMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if int(count) >= room.MaxMembers {
		return model.ErrConflict
	}

	member := &model.RoomMember{
		RoomID:   roomID,
		UserID:   userID,
		Role:     model.RoomRoleMember,
		JoinedAt: s.clk.Now(),
	}
	if err := s.rooms.AddMember(ctx, member); err != nil {
		return err
	}
	s.markOnline(ctx, roomID, user, model.RoomRoleMember)

	s.publish(s.newEvent(model.EventUserJoined, roomID, userID).WithData(&model.MemberData{
		UserID:   userID,
		Username: user.Username,
	}))

	logger.Info("user joined room",
		logger.String("roomId", roomID),
		logger.Int64("userId", userID))

	return nil
}

// LeaveRoom 离开房间，管理员离开即解散房间
func (s *Service) LeaveRoom(ctx context.Context, roomID string, userID int64) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return model.ErrNotFound
	}
	if room.AdminID == userID {
		return s.DisbandRoom(ctx, roomID, userID)
	}

	member, err := s.rooms.GetMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return model.ErrNotFound
	}

	if err := s.rooms.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.markOffline(ctx, roomID, userID)

	username := ""
	if user, err := s.users.GetUserByID(userID); err == nil && user != nil {
		username = user.Username
	}
	s.publish(s.newEvent(model.EventUserLeft, roomID, userID).WithData(&model.MemberData{
		UserID:   userID,
		Username: username,
	}))
	if s.hub != nil {
		s.hub.Unsubscribe(roomID, userID)
	}

	logger.Info("user left room",
		logger.String("roomId", roomID),
		logger.Int64("userId", userID))

	return nil
}

// DisbandRoom 管理员解散房间
// 先广播停止再关闭订阅，离开的成员能收到最后一条事件
func (s *Service) DisbandRoom(ctx context.Context, roomID string, actorID int64) error {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return model.ErrNotFound
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}

	if err := s.rooms.Close(ctx, roomID); err != nil {
		return err
	}

	s.publish(s.newEvent(model.EventStopped, roomID, actorID).WithData(&model.StoppedData{
		Reason: model.StopReasonAdminStop,
	}))
	if s.hub != nil {
		s.hub.CloseRoom(roomID)
	}
	if s.cache != nil {
		if err := s.cache.ClearRoom(ctx, roomID); err != nil {
			logger.Warn("failed to clear room cache",
				logger.ErrorField(err),
				logger.String("roomId", roomID))
		}
	}

	logger.Info("room disbanded",
		logger.String("roomId", roomID),
		logger.Int64("adminId", actorID))

	return nil
}

// GetRoomInfo 房间详情，含在线成员
func (s *Service) GetRoomInfo(ctx context.Context, roomID string) (*model.RoomInfo, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, model.ErrNotFound
	}

	info := &model.RoomInfo{Room: *room}

	if admin, err := s.users.GetUserByID(room.AdminID); err == nil && admin != nil {
		info.AdminName = admin.Username
	}

	count, err := s.rooms.CountActiveMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	info.MemberCount = int(count)

	if s.cache != nil {
		members, err := s.cache.GetMembersOnline(ctx, roomID)
		if err == nil {
			info.Members = members
			return info, nil
		}
		logger.Warn("failed to load online members",
			logger.ErrorField(err),
			logger.String("roomId", roomID))
	}

	// 缓存不可用时退回成员表
	rows, err := s.rooms.GetActiveMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		online := model.RoomMemberOnline{
			UserID:   m.UserID,
			Role:     m.Role,
			JoinedAt: m.JoinedAt.UnixMilli(),
		}
		if user, err := s.users.GetUserByID(m.UserID); err == nil && user != nil {
			online.Username = user.Username
		}
		info.Members = append(info.Members, online)
	}

	return info, nil
}

// IsMember 判断用户是否为房间活跃成员
func (s *Service) IsMember(ctx context.Context, roomID string, userID int64) (bool, error) {
	member, err := s.rooms.GetMember(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	return member != nil, nil
}

// ========== 在线状态 ==========

// Heartbeat 刷新成员心跳
func (s *Service) Heartbeat(ctx context.Context, roomID string, userID int64) error {
	member, err := s.rooms.GetMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return model.ErrForbidden
	}
	if s.cache == nil {
		return nil
	}
	return s.cache.UpdateUserPresence(ctx, roomID, userID)
}

// ReapStale 剔除心跳过期的成员，由后台巡检协程周期调用
func (s *Service) ReapStale(ctx context.Context, roomID string) error {
	if s.cache == nil {
		return nil
	}
	stale, err := s.cache.GetStaleUsers(ctx, roomID)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	for _, uid := range stale {
		s.markOffline(ctx, roomID, uid)
		s.publish(s.newEvent(model.EventUserLeft, roomID, uid).WithData(&model.MemberData{
			UserID: uid,
		}))
	}
	if s.hub != nil {
		s.hub.Prune(roomID, stale)
	}

	logger.Info("stale members reaped",
		logger.String("roomId", roomID),
		logger.Int("count", len(stale)))

	return nil
}

// markOnline 写在线缓存，失败只记日志
func (s *Service) markOnline(ctx context.Context, roomID string, user *model.User, role string) {
	if s.cache == nil {
		return
	}
	online := &model.RoomMemberOnline{
		UserID:   user.ID,
		Username: user.Username,
		Role:     role,
		JoinedAt: s.clk.Now().UnixMilli(),
	}
	if err := s.cache.SetMemberOnline(ctx, roomID, online); err != nil {
		logger.Warn("failed to cache online member",
			logger.ErrorField(err),
			logger.String("roomId", roomID),
			logger.Int64("userId", user.ID))
	}
	if err := s.cache.UpdateUserPresence(ctx, roomID, user.ID); err != nil {
		logger.Warn("failed to init member presence",
			logger.ErrorField(err),
			logger.String("roomId", roomID),
			logger.Int64("userId", user.ID))
	}
}

// markOffline 清在线缓存
func (s *Service) markOffline(ctx context.Context, roomID string, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.RemoveMemberOnline(ctx, roomID, userID); err != nil {
		logger.Warn("failed to remove online member",
			logger.ErrorField(err),
			logger.String("roomId", roomID),
			logger.Int64("userId", userID))
	}
	if err := s.cache.RemoveUserPresence(ctx, roomID, userID); err != nil {
		logger.Warn("failed to remove member presence",
			logger.ErrorField(err),
			logger.String("roomId", roomID),
			logger.Int64("userId", userID))
	}
}

func (s *Service) newEvent(typ model.EventType, roomID string, actorID int64) *model.Event {
	return &model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RoomID:     roomID,
		ActorID:    actorID,
		ServerTime: s.clk.Now().UnixMilli(),
	}
}

func (s *Service) publish(ev *model.Event) {
	if s.hub != nil {
		s.hub.Publish(*ev)
	}
}
