package model

import "time"

// Track 上传到房间队列里的音频条目
// VoteScore 是投票数的反范式化缓存，写入时必须由 votes 表重新计数得出，
// 任何路径都不允许在旧值上加减
type Track struct {
	ID         int64     `json:"id"`
	RoomID     string    `json:"roomId"`
	UploaderID int64     `json:"uploaderId"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	ObjectKey  string    `json:"-"` // MinIO 对象路径，不直接暴露
	Duration   float64   `json:"duration"` // 秒
	VoteScore  int       `json:"voteScore"`
	CreatedAt  time.Time `json:"createdAt"` // 到达时间，排序平局时使用，永不修改
	UpdatedAt  time.Time `json:"updatedAt"`
}
