package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"SyncFM/model"
)

// memRoomRepo 内存房间仓库
type memRoomRepo struct {
	mu      sync.Mutex
	rooms   map[string]*model.Room
	members map[string]map[int64]*model.RoomMember
	nextID  int64
}

func newMemRoomRepo() *memRoomRepo {
	return &memRoomRepo{
		rooms:   make(map[string]*model.Room),
		members: make(map[string]map[int64]*model.RoomMember),
		nextID:  1,
	}
}

func (r *memRoomRepo) Create(ctx context.Context, room *model.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *memRoomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok || room.Status != model.RoomStatusActive {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (r *memRoomRepo) Update(ctx context.Context, room *model.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *memRoomRepo) UpdatePlayback(ctx context.Context, room *model.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[room.ID]
	if !ok {
		return errors.New("room not found")
	}
	stored.CurrentTrackID = room.CurrentTrackID
	stored.PlaybackStartedAt = room.PlaybackStartedAt
	stored.PlaybackPausedAt = room.PlaybackPausedAt
	stored.IsPlaying = room.IsPlaying
	return nil
}

func (r *memRoomRepo) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		room.Status = model.RoomStatusClosed
	}
	return nil
}

func (r *memRoomRepo) ExistsByID(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[id]
	return ok, nil
}

func (r *memRoomRepo) AddMember(ctx context.Context, member *model.RoomMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	member.ID = r.nextID
	r.nextID++
	if r.members[member.RoomID] == nil {
		r.members[member.RoomID] = make(map[int64]*model.RoomMember)
	}
	cp := *member
	r.members[member.RoomID][member.UserID] = &cp
	return nil
}

func (r *memRoomRepo) GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[roomID][userID]
	if !ok || m.LeftAt != nil {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *memRoomRepo) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[roomID][userID]; ok {
		now := time.Now()
		m.LeftAt = &now
	}
	return nil
}

func (r *memRoomRepo) GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.RoomMember
	for _, m := range r.members[roomID] {
		if m.LeftAt == nil {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRoomRepo) CountActiveMembers(ctx context.Context, roomID string) (int64, error) {
	members, _ := r.GetActiveMembers(ctx, roomID)
	return int64(len(members)), nil
}

// memTrackRepo 内存曲目仓库
type memTrackRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*model.Track
}

func newMemTrackRepo() *memTrackRepo {
	return &memTrackRepo{nextID: 1, byID: make(map[int64]*model.Track)}
}

func (r *memTrackRepo) CreateTrack(track *model.Track) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	cp := *track
	cp.ID = id
	r.byID[id] = &cp
	return id, nil
}

func (r *memTrackRepo) GetTrackByID(id int64) (*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *memTrackRepo) GetTracksByRoomID(roomID string) ([]*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Track
	for id := int64(1); id < r.nextID; id++ {
		if t, ok := r.byID[id]; ok && t.RoomID == roomID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTrackRepo) UpdateVoteScore(trackID int64, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[trackID]; ok {
		t.VoteScore = score
	}
	return nil
}

func (r *memTrackRepo) DeleteTrack(trackID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, trackID)
	return nil
}

// memVoteRepo 内存投票仓库
type memVoteRepo struct {
	mu    sync.Mutex
	votes map[[2]int64]bool
}

func newMemVoteRepo() *memVoteRepo {
	return &memVoteRepo{votes: make(map[[2]int64]bool)}
}

func (r *memVoteRepo) CreateVote(trackID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes[[2]int64{trackID, userID}] = true
	return nil
}

func (r *memVoteRepo) DeleteVote(trackID, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int64{trackID, userID}
	if !r.votes[key] {
		return false, nil
	}
	delete(r.votes, key)
	return true, nil
}

func (r *memVoteRepo) CountByTrack(trackID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for key := range r.votes {
		if key[0] == trackID {
			count++
		}
	}
	return count, nil
}

func (r *memVoteRepo) DeleteByTrack(trackID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.votes {
		if key[0] == trackID {
			delete(r.votes, key)
		}
	}
	return nil
}

// stubBlobs 可编程的对象存在性检查
type stubBlobs struct {
	missing map[string]bool
}

func (s *stubBlobs) Exists(ctx context.Context, objectKey string) (bool, error) {
	if s.missing != nil && s.missing[objectKey] {
		return false, nil
	}
	return true, nil
}

// memUserRepo 内存用户仓库
type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{nextID: 1, byID: make(map[int64]*model.User)}
}

func (r *memUserRepo) CreateUser(user *model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	cp := *user
	cp.ID = id
	r.byID[id] = &cp
	return id, nil
}

func (r *memUserRepo) GetUserByID(id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) GetUserByUsername(username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) GetUserByEmail(email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// memSnapshotCache 内存播放快照与在线成员缓存
type memSnapshotCache struct {
	mu     sync.Mutex
	snaps  map[string]*model.PlaybackStatus
	online map[string]map[int64]bool
}

func newMemSnapshotCache() *memSnapshotCache {
	return &memSnapshotCache{
		snaps:  make(map[string]*model.PlaybackStatus),
		online: make(map[string]map[int64]bool),
	}
}

func (c *memSnapshotCache) SetPlaybackSnapshot(ctx context.Context, roomID string, status *model.PlaybackStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *status
	c.snaps[roomID] = &cp
	return nil
}

func (c *memSnapshotCache) GetPlaybackSnapshot(ctx context.Context, roomID string) (*model.PlaybackStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[roomID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (c *memSnapshotCache) GetMemberOnline(ctx context.Context, roomID string, userID int64) (*model.RoomMemberOnline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online[roomID][userID] {
		return nil, nil
	}
	return &model.RoomMemberOnline{UserID: userID}, nil
}

func (c *memSnapshotCache) setOnline(roomID string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online[roomID] == nil {
		c.online[roomID] = make(map[int64]bool)
	}
	c.online[roomID][userID] = true
}

// countingRoomRepo 统计回源次数的房间仓库
type countingRoomRepo struct {
	*memRoomRepo
	mu    sync.Mutex
	reads int
}

func (r *countingRoomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.memRoomRepo.GetByID(ctx, id)
}

func (r *countingRoomRepo) GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.memRoomRepo.GetMember(ctx, roomID, userID)
}

func (r *countingRoomRepo) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}
