package queue

import (
	"errors"
	"sort"
	"sync"

	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"
)

// Ranker 队列排序器
// 排序键: 票数降序，到达时间升序，剩余平局保持插入顺序
// 票数永远由 votes 表重新计数，绝不在旧值上 ±1——并发的加票/撤票
// 交错后必须收敛到真实基数
type Ranker struct {
	tracks repository.TrackRepository
	votes  repository.VoteRepository

	// 房间级互斥，保证 order_changed 的前后对比基于一致视图
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRanker 创建队列排序器
func NewRanker(tracks repository.TrackRepository, votes repository.VoteRepository) *Ranker {
	return &Ranker{
		tracks: tracks,
		votes:  votes,
		locks:  make(map[string]*sync.Mutex),
	}
}

// roomLock 取房间级锁，按需创建
func (r *Ranker) roomLock(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[roomID] = lock
	}
	return lock
}

// Order 对曲目集合排序，纯函数，不修改入参
func Order(tracks []*model.Track) []*model.Track {
	ordered := make([]*model.Track, len(tracks))
	copy(ordered, tracks)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].VoteScore != ordered[j].VoteScore {
			return ordered[i].VoteScore > ordered[j].VoteScore
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// NextAfter 返回排除 currentID 后排名最高的曲目，队列空时返回 nil
func NextAfter(tracks []*model.Track, currentID int64) *model.Track {
	for _, t := range Order(tracks) {
		if t.ID != currentID {
			return t
		}
	}
	return nil
}

// QueueView 返回房间当前的完整排序
func (r *Ranker) QueueView(roomID string) ([]*model.Track, error) {
	tracks, err := r.tracks.GetTracksByRoomID(roomID)
	if err != nil {
		return nil, err
	}
	return Order(tracks), nil
}

// RegisterVote 登记一票
// 重复投票返回 model.ErrConflict 且分数不变，调用方按幂等确认处理
// orderChanged 通过完整排序的前后对比得出——平局移位不会只看单曲分数
func (r *Ranker) RegisterVote(roomID string, trackID, voterID int64) (newScore int, orderChanged bool, err error) {
	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	track, err := r.tracks.GetTrackByID(trackID)
	if err != nil {
		return 0, false, err
	}
	if track == nil || track.RoomID != roomID {
		return 0, false, model.ErrNotFound
	}

	before, err := r.orderedIDs(roomID)
	if err != nil {
		return 0, false, err
	}

	if err := r.votes.CreateVote(trackID, voterID); err != nil {
		if errors.Is(err, repository.ErrDuplicateVote) {
			return track.VoteScore, false, model.ErrConflict
		}
		return 0, false, err
	}

	newScore, orderChanged, err = r.commitRecount(roomID, trackID, before)
	if err != nil {
		return 0, false, err
	}

	logger.Debug("vote registered",
		logger.String("roomId", roomID),
		logger.Int64("trackId", trackID),
		logger.Int64("voterId", voterID),
		logger.Int("newScore", newScore),
		logger.Bool("orderChanged", orderChanged))

	return newScore, orderChanged, nil
}

// UnregisterVote 撤销一票，不存在的投票按无操作处理返回 model.ErrConflict
func (r *Ranker) UnregisterVote(roomID string, trackID, voterID int64) (newScore int, orderChanged bool, err error) {
	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	track, err := r.tracks.GetTrackByID(trackID)
	if err != nil {
		return 0, false, err
	}
	if track == nil || track.RoomID != roomID {
		return 0, false, model.ErrNotFound
	}

	before, err := r.orderedIDs(roomID)
	if err != nil {
		return 0, false, err
	}

	removed, err := r.votes.DeleteVote(trackID, voterID)
	if err != nil {
		return 0, false, err
	}
	if !removed {
		return track.VoteScore, false, model.ErrConflict
	}

	newScore, orderChanged, err = r.commitRecount(roomID, trackID, before)
	if err != nil {
		return 0, false, err
	}

	logger.Debug("vote unregistered",
		logger.String("roomId", roomID),
		logger.Int64("trackId", trackID),
		logger.Int64("voterId", voterID),
		logger.Int("newScore", newScore))

	return newScore, orderChanged, nil
}

// RemoveTrackVotes 清理被删除曲目的全部投票
func (r *Ranker) RemoveTrackVotes(trackID int64) error {
	return r.votes.DeleteByTrack(trackID)
}

// commitRecount 重新计数、落库，并对比排序是否变化
func (r *Ranker) commitRecount(roomID string, trackID int64, before []int64) (int, bool, error) {
	count, err := r.votes.CountByTrack(trackID)
	if err != nil {
		return 0, false, err
	}
	if err := r.tracks.UpdateVoteScore(trackID, count); err != nil {
		return 0, false, err
	}

	after, err := r.orderedIDs(roomID)
	if err != nil {
		return 0, false, err
	}

	return count, !equalIDs(before, after), nil
}

func (r *Ranker) orderedIDs(roomID string) ([]int64, error) {
	tracks, err := r.tracks.GetTracksByRoomID(roomID)
	if err != nil {
		return nil, err
	}
	ordered := Order(tracks)
	ids := make([]int64, len(ordered))
	for i, t := range ordered {
		ids[i] = t.ID
	}
	return ids, nil
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
