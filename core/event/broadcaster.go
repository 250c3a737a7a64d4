package event

import (
	"sync"

	"SyncFM/logger"
	"SyncFM/model"
)

const (
	publishBuffer    = 256
	subscriberBuffer = 64
)

// Subscriber 单个房间观察者的投递端
// Events 通道按发布顺序投递本房间的事件，缓冲写满说明消费端失联，
// 该订阅者会被整体移除——事件只是通知，掉线客户端靠 status 重新对齐
type Subscriber struct {
	RoomID string
	UserID int64
	Events chan model.Event

	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.Events)
	})
}

// Broadcaster 房间事件广播器
// 单一 publish 通道 + Run 循环串行分发，保证同一房间内事件的 FIFO；
// 不同房间之间不承诺任何顺序。发布端从不阻塞在订阅者上
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]map[int64]*Subscriber

	publish chan model.Event
	done    chan struct{}
}

// NewBroadcaster 创建广播器，需要随后调用 Run
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms:   make(map[string]map[int64]*Subscriber),
		publish: make(chan model.Event, publishBuffer),
		done:    make(chan struct{}),
	}
}

// Run 启动分发主循环
func (b *Broadcaster) Run() {
	for {
		select {
		case ev := <-b.publish:
			b.dispatch(ev)
		case <-b.done:
			b.cleanup()
			return
		}
	}
}

// Stop 停止广播器并关闭所有订阅
func (b *Broadcaster) Stop() {
	close(b.done)
}

// Subscribe 注册房间观察者，同一用户重复订阅会顶掉旧连接
func (b *Broadcaster) Subscribe(roomID string, userID int64) *Subscriber {
	sub := &Subscriber{
		RoomID: roomID,
		UserID: userID,
		Events: make(chan model.Event, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[int64]*Subscriber)
	}
	if old, ok := b.rooms[roomID][userID]; ok {
		old.close()
	}
	b.rooms[roomID][userID] = sub

	logger.Info("subscriber registered",
		logger.String("roomId", roomID),
		logger.Int64("userId", userID),
		logger.Int("roomSubscribers", len(b.rooms[roomID])))

	return sub
}

// Unsubscribe 注销观察者，断连时必须调用，否则订阅集合无界增长
func (b *Broadcaster) Unsubscribe(roomID string, userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(roomID, userID)
}

// Prune 批量剔除心跳过期的订阅者
func (b *Broadcaster) Prune(roomID string, userIDs []int64) {
	if len(userIDs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range userIDs {
		b.remove(roomID, uid)
	}

	logger.Info("stale subscribers pruned",
		logger.String("roomId", roomID),
		logger.Int("count", len(userIDs)))
}

// RoomIDs 当前有订阅者的房间，后台巡检用
func (b *Broadcaster) RoomIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	return ids
}

// CloseRoom 房间解散时移除全部订阅者并关闭事件通道
func (b *Broadcaster) CloseRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[roomID]
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.close()
	}
	delete(b.rooms, roomID)

	logger.Info("room subscriptions closed",
		logger.String("roomId", roomID),
		logger.Int("count", len(subs)))
}

// remove 内部移除，需要持有写锁
func (b *Broadcaster) remove(roomID string, userID int64) {
	subs, ok := b.rooms[roomID]
	if !ok {
		return
	}
	sub, ok := subs[userID]
	if !ok {
		return
	}

	delete(subs, userID)
	sub.close()
	if len(subs) == 0 {
		delete(b.rooms, roomID)
	}
}

// Publish 发布事件，投递交给 Run 循环异步完成
// 状态变更在调用前已落库，这里失败只损失通知，不回滚业务
func (b *Broadcaster) Publish(ev model.Event) {
	select {
	case b.publish <- ev:
	default:
		// 发布缓冲写满，丢弃并告警，客户端靠 status 追平
		logger.Warn("publish buffer full, event dropped",
			logger.String("roomId", ev.RoomID),
			logger.String("type", string(ev.Type)))
	}
}

// SubscriberCount 房间当前订阅数
func (b *Broadcaster) SubscriberCount(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}

// dispatch 将事件投递给目标房间的全部订阅者
// 全程持有写锁：close 只会在同一把锁下发生，投递不可能撞上已关闭的通道
func (b *Broadcaster) dispatch(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for uid, sub := range b.rooms[ev.RoomID] {
		select {
		case sub.Events <- ev:
		default:
			// 订阅者缓冲写满，判定失联
			b.remove(ev.RoomID, uid)
			logger.Warn("slow subscriber dropped",
				logger.String("roomId", ev.RoomID),
				logger.Int64("userId", uid))
		}
	}
}

// cleanup 关闭所有订阅
func (b *Broadcaster) cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.rooms {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.rooms = make(map[string]map[int64]*Subscriber)
}
