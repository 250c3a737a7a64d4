package syncer

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"SyncFM/core/clock"
	"SyncFM/logger"
	"SyncFM/model"
)

// DefaultTolerance 小于该值的偏差不做纠正，避免反复微跳产生的可听抖动
const DefaultTolerance = 100 * time.Millisecond

// Player 本地播放端，Reconciler 只通过它驱动实际播放
type Player interface {
	// SeekTo 把本地播放进度调整到指定秒数
	SeekTo(position float64)
	// SetPlaying 切换本地播放/暂停
	SetPlaying(playing bool)
}

// Reconciler 观察者侧的时间线对齐器
// 收到广播事件后用 position + (local_now - server_time) 补偿传播
// 延迟，偏差超过容差才纠正；事件之间靠周期性 status 拉取修正时钟漂移
type Reconciler struct {
	mu        sync.Mutex
	player    Player
	clk       clock.Clock
	tolerance time.Duration

	playing bool
	trackID int64
	// 本地时间线锚点：position 秒对应的本地时刻
	anchorAt  time.Time
	anchorPos float64
}

// NewReconciler 创建对齐器，tolerance <= 0 时用默认 100ms
func NewReconciler(player Player, clk clock.Clock, tolerance time.Duration) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Reconciler{
		player:    player,
		clk:       clk,
		tolerance: tolerance,
	}
}

// Position 按本地锚点推算当前播放进度（秒）
func (r *Reconciler) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionLocked()
}

func (r *Reconciler) positionLocked() float64 {
	if !r.playing {
		return r.anchorPos
	}
	return r.anchorPos + r.clk.Now().Sub(r.anchorAt).Seconds()
}

// Playing 本地是否处于播放状态
func (r *Reconciler) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// TrackID 当前对齐的曲目，0 表示无
func (r *Reconciler) TrackID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackID
}

// Apply 消费一条广播事件
// 未知事件类型静默忽略，队列类事件与本地时间线无关
func (r *Reconciler) Apply(ev model.Event) {
	switch ev.Type {
	case model.EventStarted:
		var data model.StartedData
		if !decode(ev.Data, &data) {
			return
		}
		r.alignPlaying(ev.ServerTime, data.TrackID, data.Position)

	case model.EventResumed, model.EventSeeked:
		var data model.PositionData
		if !decode(ev.Data, &data) {
			return
		}
		r.alignFrom(ev.ServerTime, data.TrackID, data.Position)

	case model.EventPaused:
		var data model.PositionData
		if !decode(ev.Data, &data) {
			return
		}
		r.pin(data.TrackID, data.Position)

	case model.EventStopped:
		r.reset()

	case model.EventSkipped:
		// 只是预告，后续 started 事件才携带新时间线
	}
}

// ApplyStatus 用 status 查询结果做周期性重对齐，修正累积的时钟漂移
func (r *Reconciler) ApplyStatus(status *model.PlaybackStatus) {
	if status == nil {
		return
	}
	if status.CurrentTrack == nil {
		r.reset()
		return
	}
	if status.IsPlaying {
		r.alignFrom(status.ServerTime, status.CurrentTrack.ID, status.Position)
		return
	}
	r.pin(status.CurrentTrack.ID, status.Position)
}

// alignPlaying started 事件：新曲目，无条件对齐
func (r *Reconciler) alignPlaying(serverTime int64, trackID int64, position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expected := expectedPosition(serverTime, position, r.clk.Now())
	r.trackID = trackID
	r.setTimelineLocked(true, expected)
	r.player.SetPlaying(true)
	r.player.SeekTo(expected)
}

// alignFrom resumed/seeked/status：偏差超过容差才纠正
func (r *Reconciler) alignFrom(serverTime int64, trackID int64, position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	expected := expectedPosition(serverTime, position, now)

	sameTrack := r.trackID == trackID
	local := r.positionLocked()
	drift := math.Abs(expected - local)

	r.trackID = trackID
	if !r.playing {
		r.player.SetPlaying(true)
	}

	if sameTrack && drift <= r.tolerance.Seconds() {
		// 偏差在容差内，保留本地进度，不制造微跳
		// 锚点仍要重建，否则从暂停恢复时暂停时长会混进进度
		r.setTimelineLocked(true, local)
		return
	}

	r.setTimelineLocked(true, expected)
	r.player.SeekTo(expected)

	logger.Debug("playback position corrected",
		logger.Int64("trackId", trackID),
		logger.Float64("expected", expected),
		logger.Float64("drift", drift))
}

// pin paused：停下并把进度钉在事件携带的值上
func (r *Reconciler) pin(trackID int64, position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trackID = trackID
	r.setTimelineLocked(false, position)
	r.player.SetPlaying(false)
	r.player.SeekTo(position)
}

// reset stopped：清空本地时间线
func (r *Reconciler) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trackID = 0
	r.setTimelineLocked(false, 0)
	r.player.SetPlaying(false)
}

// setTimelineLocked 重建本地锚点，需要持有锁
func (r *Reconciler) setTimelineLocked(playing bool, position float64) {
	r.playing = playing
	r.anchorPos = position
	r.anchorAt = r.clk.Now()
}

// expectedPosition 补偿事件从服务端发出到本地收到的传播延迟
func expectedPosition(serverTime int64, position float64, localNow time.Time) float64 {
	delay := float64(localNow.UnixMilli()-serverTime) / 1000.0
	if delay < 0 {
		// 本地钟慢于服务端钟，不把进度往回拉
		delay = 0
	}
	return position + delay
}

func decode(raw json.RawMessage, out interface{}) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logger.Warn("malformed event payload", logger.ErrorField(err))
		return false
	}
	return true
}
