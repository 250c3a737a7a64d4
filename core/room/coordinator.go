package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/core/queue"
	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"

	"github.com/google/uuid"
)

// BlobChecker 播放前确认音频对象可用，由 storage 包实现
type BlobChecker interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

// SnapshotCache 播放快照与在线成员的缓存端，由 cache 包实现，可为 nil
// 每次状态变更都会写快照，status 查询优先从快照重算，重连对齐不回源 MySQL
type SnapshotCache interface {
	SetPlaybackSnapshot(ctx context.Context, roomID string, status *model.PlaybackStatus) error
	GetPlaybackSnapshot(ctx context.Context, roomID string) (*model.PlaybackStatus, error)
	GetMemberOnline(ctx context.Context, roomID string, userID int64) (*model.RoomMemberOnline, error)
}

// Coordinator 播放协调器
// 每个房间一条服务端权威时间线，状态机 {Idle, Playing, Paused}：
//
//	Idle→Playing: start / 自动起播
//	Playing→Paused: pause    Paused→Playing: resume
//	Playing→{Playing,Idle}: skip    任意→Idle: stop
//
// 同一房间的并发指令由房间锁串行化，跨房间互不争用
type Coordinator struct {
	rooms  repository.RoomRepository
	tracks repository.TrackRepository
	ranker *queue.Ranker
	hub    *event.Broadcaster
	blobs  BlobChecker
	cache  SnapshotCache
	clk    clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator 创建播放协调器
func NewCoordinator(
	rooms repository.RoomRepository,
	tracks repository.TrackRepository,
	ranker *queue.Ranker,
	hub *event.Broadcaster,
	blobs BlobChecker,
	cache SnapshotCache,
	clk clock.Clock,
) *Coordinator {
	return &Coordinator{
		rooms:  rooms,
		tracks: tracks,
		ranker: ranker,
		hub:    hub,
		blobs:  blobs,
		cache:  cache,
		clk:    clk,
		locks:  make(map[string]*sync.Mutex),
	}
}

// roomLock 取房间锁，按需创建
func (c *Coordinator) roomLock(roomID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[roomID] = lock
	}
	return lock
}

// ========== 播放指令 ==========

// Start 管理员指定曲目开始播放
func (c *Coordinator) Start(ctx context.Context, roomID string, trackID, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}

	return c.startLocked(ctx, room, trackID, actorID, nil)
}

// AutoStart 上传协作方在空闲房间第一首曲目就位后调用
// 与 Start 走同一条状态机入口，只是没有管理员动作；
// 房间已在播放或已有当前曲目时静默跳过
func (c *Coordinator) AutoStart(ctx context.Context, roomID string, trackID, uploaderID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsPlaying || room.CurrentTrackID != nil {
		return nil
	}

	return c.startLocked(ctx, room, trackID, uploaderID, nil)
}

// startLocked 状态机唯一的起播入口，需要持有房间锁
// 显式 start 与自动起播都走这里，不变式不会在两条路径间分叉。
// beforeStarted 在状态落库之后、started 事件之前执行，
// Skip 用它插入 skipped 事件：起播失败时客户端不会收到空头预告
func (c *Coordinator) startLocked(ctx context.Context, room *model.Room, trackID, actorID int64, beforeStarted func()) error {
	track, err := c.tracks.GetTrackByID(trackID)
	if err != nil {
		return err
	}
	if track == nil || track.RoomID != room.ID {
		return model.ErrNotFound
	}

	if c.blobs != nil {
		ok, err := c.blobs.Exists(ctx, track.ObjectKey)
		if err != nil {
			return fmt.Errorf("blob check failed for track %d: %w", trackID, err)
		}
		if !ok {
			return model.ErrNotFound
		}
	}

	now := c.clk.Now()
	room.CurrentTrackID = &track.ID
	room.PlaybackStartedAt = &now
	room.PlaybackPausedAt = nil
	room.IsPlaying = true

	if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
		return err
	}

	if beforeStarted != nil {
		beforeStarted()
	}
	c.publish(c.newEvent(model.EventStarted, room.ID, actorID).WithData(&model.StartedData{
		TrackID:   track.ID,
		StartedAt: now.UnixMilli(),
		Position:  0,
		Duration:  track.Duration,
	}))
	c.writeSnapshot(ctx, room, track)

	logger.Info("playback started",
		logger.String("roomId", room.ID),
		logger.Int64("trackId", track.ID),
		logger.Int64("actorId", actorID))

	return nil
}

// Pause 暂停播放
func (c *Coordinator) Pause(ctx context.Context, roomID string, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}
	if room.CurrentTrackID == nil || !room.IsPlaying {
		return model.ErrInvalidState
	}

	now := c.clk.Now()
	position := now.Sub(*room.PlaybackStartedAt).Seconds()
	room.PlaybackPausedAt = &now
	room.IsPlaying = false

	if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
		return err
	}

	c.publish(c.newEvent(model.EventPaused, roomID, actorID).WithData(&model.PositionData{
		TrackID:  *room.CurrentTrackID,
		Position: position,
	}))
	c.writeSnapshot(ctx, room, nil)

	logger.Info("playback paused",
		logger.String("roomId", roomID),
		logger.Float64("position", position))

	return nil
}

// Resume 恢复播放
// 把 PlaybackStartedAt 向后平移整段暂停时长，恢复后
// now - started_at 仍然等于已播放时长，不需要单独存进度
func (c *Coordinator) Resume(ctx context.Context, roomID string, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}
	if room.IsPlaying || room.PlaybackPausedAt == nil || room.PlaybackStartedAt == nil {
		return model.ErrInvalidState
	}

	now := c.clk.Now()
	// 平移前的已播放时长就是恢复点
	position := room.PlaybackPausedAt.Sub(*room.PlaybackStartedAt).Seconds()
	pausedFor := now.Sub(*room.PlaybackPausedAt)
	shifted := room.PlaybackStartedAt.Add(pausedFor)
	room.PlaybackStartedAt = &shifted
	room.PlaybackPausedAt = nil
	room.IsPlaying = true

	if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
		return err
	}

	c.publish(c.newEvent(model.EventResumed, roomID, actorID).WithData(&model.PositionData{
		TrackID:  *room.CurrentTrackID,
		Position: position,
	}))
	c.writeSnapshot(ctx, room, nil)

	logger.Info("playback resumed",
		logger.String("roomId", roomID),
		logger.Float64("position", position),
		logger.Duration("pausedFor", pausedFor))

	return nil
}

// Seek 跳转到指定进度（秒），保持暂停/播放状态不变
func (c *Coordinator) Seek(ctx context.Context, roomID string, position float64, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}
	if room.CurrentTrackID == nil {
		return model.ErrInvalidState
	}

	track, err := c.tracks.GetTrackByID(*room.CurrentTrackID)
	if err != nil {
		return err
	}
	if track == nil {
		return model.ErrNotFound
	}
	if position < 0 || position > track.Duration {
		return model.ErrInvalidArgument
	}

	now := c.clk.Now()
	started := now.Add(-secondsToDuration(position))
	room.PlaybackStartedAt = &started
	if room.PlaybackPausedAt != nil {
		// 暂停中跳转：暂停瞬间同步重置，保持 paused_at - started_at == position
		room.PlaybackPausedAt = &now
	}

	if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
		return err
	}

	c.publish(c.newEvent(model.EventSeeked, roomID, actorID).WithData(&model.PositionData{
		TrackID:  *room.CurrentTrackID,
		Position: position,
	}))
	c.writeSnapshot(ctx, room, track)

	logger.Info("playback seeked",
		logger.String("roomId", roomID),
		logger.Float64("position", position))

	return nil
}

// Skip 切到队列中除当前曲目外排名最高的一首
// 队列没有别的曲目时回到 Idle，发出 stopped{queue_empty}
func (c *Coordinator) Skip(ctx context.Context, roomID string, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}
	if room.CurrentTrackID == nil {
		return model.ErrInvalidState
	}
	previousID := *room.CurrentTrackID

	all, err := c.tracks.GetTracksByRoomID(roomID)
	if err != nil {
		return err
	}

	next := queue.NextAfter(all, previousID)
	if next == nil {
		c.clearLocked(room)
		if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
			return err
		}
		c.publish(c.newEvent(model.EventStopped, roomID, actorID).WithData(&model.StoppedData{
			Reason: model.StopReasonQueueEmpty,
		}))
		c.writeSnapshot(ctx, room, nil)

		logger.Info("queue exhausted, playback stopped", logger.String("roomId", roomID))
		return nil
	}

	return c.startLocked(ctx, room, next.ID, actorID, func() {
		c.publish(c.newEvent(model.EventSkipped, roomID, actorID).WithData(&model.SkippedData{
			PreviousTrackID: previousID,
			NextTrackID:     next.ID,
		}))
	})
}

// Stop 管理员无条件停止，任意状态回到 Idle
func (c *Coordinator) Stop(ctx context.Context, roomID string, actorID int64) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.AdminID != actorID {
		return model.ErrForbidden
	}

	c.clearLocked(room)
	if err := c.rooms.UpdatePlayback(ctx, room); err != nil {
		return err
	}

	c.publish(c.newEvent(model.EventStopped, roomID, actorID).WithData(&model.StoppedData{
		Reason: model.StopReasonAdminStop,
	}))
	c.writeSnapshot(ctx, room, nil)

	logger.Info("playback stopped by administrator", logger.String("roomId", roomID))
	return nil
}

// Status 任意成员查询当前播放状态
// 进度按时间线公式现算：播放中 now-started，暂停 paused-started，否则 0。
// 在线缓存与快照同时命中时整个查询不碰 MySQL，任一未命中回源成员表与房间表。
// 查询路径不回填快照：回填在房间锁外，会把并发变更刚写的快照盖回旧值
func (c *Coordinator) Status(ctx context.Context, roomID string, actorID int64) (*model.PlaybackStatus, error) {
	if c.onlineMember(ctx, roomID, actorID) {
		if snap := c.readSnapshot(ctx, roomID); snap != nil {
			return c.refreshStatus(snap), nil
		}
	}

	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	member, err := c.rooms.GetMember(ctx, roomID, actorID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, model.ErrForbidden
	}

	status := &model.PlaybackStatus{
		IsPlaying:  room.IsPlaying,
		StartedAt:  room.PlaybackStartedAt,
		PausedAt:   room.PlaybackPausedAt,
		ServerTime: c.clk.Now().UnixMilli(),
	}

	if room.CurrentTrackID != nil {
		track, err := c.tracks.GetTrackByID(*room.CurrentTrackID)
		if err != nil {
			return nil, err
		}
		status.CurrentTrack = track
		status.Position = c.positionOf(room)
	}

	return status, nil
}

// onlineMember 在线缓存命中即通过成员校验，未命中由调用方回源成员表
func (c *Coordinator) onlineMember(ctx context.Context, roomID string, userID int64) bool {
	if c.cache == nil {
		return false
	}
	member, err := c.cache.GetMemberOnline(ctx, roomID, userID)
	return err == nil && member != nil
}

// readSnapshot 读播放快照，读失败按未命中处理
func (c *Coordinator) readSnapshot(ctx context.Context, roomID string) *model.PlaybackStatus {
	if c.cache == nil {
		return nil
	}
	snap, err := c.cache.GetPlaybackSnapshot(ctx, roomID)
	if err != nil {
		logger.Warn("failed to read playback snapshot",
			logger.ErrorField(err),
			logger.String("roomId", roomID))
		return nil
	}
	return snap
}

// refreshStatus 快照里存的是时间线锚点，进度按查询瞬间重算
func (c *Coordinator) refreshStatus(snap *model.PlaybackStatus) *model.PlaybackStatus {
	st := *snap
	now := c.clk.Now()
	st.ServerTime = now.UnixMilli()
	switch {
	case st.IsPlaying && st.StartedAt != nil:
		st.Position = now.Sub(*st.StartedAt).Seconds()
	case st.PausedAt != nil && st.StartedAt != nil:
		st.Position = st.PausedAt.Sub(*st.StartedAt).Seconds()
	default:
		st.Position = 0
	}
	return &st
}

// ========== 内部 ==========

// positionOf 时间线公式，调用方保证 room 状态自洽
func (c *Coordinator) positionOf(room *model.Room) float64 {
	switch {
	case room.IsPlaying && room.PlaybackStartedAt != nil:
		return c.clk.Now().Sub(*room.PlaybackStartedAt).Seconds()
	case room.PlaybackPausedAt != nil && room.PlaybackStartedAt != nil:
		return room.PlaybackPausedAt.Sub(*room.PlaybackStartedAt).Seconds()
	default:
		return 0
	}
}

// clearLocked 回到 Idle
func (c *Coordinator) clearLocked(room *model.Room) {
	room.CurrentTrackID = nil
	room.PlaybackStartedAt = nil
	room.PlaybackPausedAt = nil
	room.IsPlaying = false
}

// loadRoom 取活跃房间，不存在返回 model.ErrNotFound
func (c *Coordinator) loadRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := c.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, model.ErrNotFound
	}
	return room, nil
}

// newEvent 构造领域事件骨架
func (c *Coordinator) newEvent(typ model.EventType, roomID string, actorID int64) *model.Event {
	return &model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RoomID:     roomID,
		ActorID:    actorID,
		ServerTime: c.clk.Now().UnixMilli(),
	}
}

// publish 广播事件，广播失败不影响已提交的状态变更
func (c *Coordinator) publish(ev *model.Event) {
	if c.hub != nil {
		c.hub.Publish(*ev)
	}
}

// writeSnapshot 把最新状态镜像进缓存，失败只记日志
func (c *Coordinator) writeSnapshot(ctx context.Context, room *model.Room, track *model.Track) {
	if c.cache == nil {
		return
	}

	status := &model.PlaybackStatus{
		IsPlaying:  room.IsPlaying,
		StartedAt:  room.PlaybackStartedAt,
		PausedAt:   room.PlaybackPausedAt,
		ServerTime: c.clk.Now().UnixMilli(),
	}
	if room.CurrentTrackID != nil {
		if track == nil || track.ID != *room.CurrentTrackID {
			track, _ = c.tracks.GetTrackByID(*room.CurrentTrackID)
		}
		status.CurrentTrack = track
		status.Position = c.positionOf(room)
	}

	if err := c.cache.SetPlaybackSnapshot(ctx, room.ID, status); err != nil {
		logger.Warn("failed to write playback snapshot",
			logger.ErrorField(err),
			logger.String("roomId", room.ID))
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
