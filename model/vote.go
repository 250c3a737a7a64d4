package model

import "time"

// Vote 单个用户对单个曲目的投票
// (TrackID, UserID) 唯一，votes 表是 Track.VoteScore 的唯一事实来源
type Vote struct {
	ID        int64     `json:"id"`
	TrackID   int64     `json:"trackId"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
