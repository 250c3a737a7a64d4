package model

import (
	"encoding/json"
)

// EventType 领域事件类型
type EventType string

const (
	// 播放时间线事件
	EventStarted EventType = "started" // 开始播放
	EventPaused  EventType = "paused"  // 暂停
	EventResumed EventType = "resumed" // 恢复播放
	EventSeeked  EventType = "seeked"  // 跳转进度
	EventSkipped EventType = "skipped" // 切到下一首
	EventStopped EventType = "stopped" // 停止播放

	// 队列事件
	EventTrackAdded     EventType = "track_added"     // 新曲目入队
	EventVoted          EventType = "voted"           // 投票
	EventUnvoted        EventType = "unvoted"         // 撤票
	EventQueueReordered EventType = "queue_reordered" // 队列顺序变化

	// 成员事件
	EventUserJoined EventType = "user_joined" // 成员加入
	EventUserLeft   EventType = "user_left"   // 成员离开
)

// Event 领域事件
// 事件只是状态变更的通知，不是记录系统——错过事件的客户端
// 通过 status 接口重新对齐，而不是重放事件
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	RoomID     string          `json:"roomId"`
	ActorID    int64           `json:"actorId"`
	ServerTime int64           `json:"serverTime"` // Unix 毫秒
	Data       json.RawMessage `json:"data,omitempty"`
}

// ========== 事件负载 ==========

// StartedData started 事件负载
type StartedData struct {
	TrackID   int64   `json:"trackId"`
	StartedAt int64   `json:"startedAt"` // Unix 毫秒
	Position  float64 `json:"position"`  // 秒，start 时恒为 0
	Duration  float64 `json:"duration"`
}

// PositionData paused/resumed/seeked 事件负载
type PositionData struct {
	TrackID  int64   `json:"trackId"`
	Position float64 `json:"position"` // 秒
}

// SkippedData skipped 事件负载
type SkippedData struct {
	PreviousTrackID int64 `json:"previousTrackId"`
	NextTrackID     int64 `json:"nextTrackId"`
}

// StoppedData stopped 事件负载
type StoppedData struct {
	Reason string `json:"reason"` // queue_empty, administrator_stop
}

// TrackAddedData track_added 事件负载
type TrackAddedData struct {
	Track *Track `json:"track"`
}

// VoteData voted/unvoted 事件负载
type VoteData struct {
	TrackID  int64 `json:"trackId"`
	NewScore int   `json:"newScore"`
}

// QueueReorderedData queue_reordered 事件负载，携带最新的完整顺序
type QueueReorderedData struct {
	TrackIDs []int64 `json:"trackIds"`
}

// MemberData user_joined/user_left 事件负载
type MemberData struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// WithData 序列化负载并挂到事件上，负载编码失败视为编程错误
func (e *Event) WithData(payload interface{}) *Event {
	if payload == nil {
		return e
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	e.Data = data
	return e
}
