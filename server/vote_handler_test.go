package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/core/queue"
	"SyncFM/core/room"
	"SyncFM/model"
	"SyncFM/repository"

	"github.com/gorilla/mux"
)

// stubRoomRepo 只支撑成员校验，其余方法不会被投票路径触达
type stubRoomRepo struct {
	roomID  string
	members map[int64]bool
}

func (r *stubRoomRepo) Create(ctx context.Context, room *model.Room) error { return nil }
func (r *stubRoomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	return nil, nil
}
func (r *stubRoomRepo) Update(ctx context.Context, room *model.Room) error         { return nil }
func (r *stubRoomRepo) Close(ctx context.Context, id string) error                 { return nil }
func (r *stubRoomRepo) ExistsByID(ctx context.Context, id string) (bool, error)    { return false, nil }
func (r *stubRoomRepo) UpdatePlayback(ctx context.Context, room *model.Room) error { return nil }
func (r *stubRoomRepo) AddMember(ctx context.Context, member *model.RoomMember) error {
	return nil
}
func (r *stubRoomRepo) GetMember(ctx context.Context, roomID string, userID int64) (*model.RoomMember, error) {
	if roomID == r.roomID && r.members[userID] {
		return &model.RoomMember{RoomID: roomID, UserID: userID, Role: model.RoomRoleMember}, nil
	}
	return nil, nil
}
func (r *stubRoomRepo) RemoveMember(ctx context.Context, roomID string, userID int64) error {
	return nil
}
func (r *stubRoomRepo) GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error) {
	return nil, nil
}
func (r *stubRoomRepo) CountActiveMembers(ctx context.Context, roomID string) (int64, error) {
	return 0, nil
}

type stubUserRepo struct{}

func (r *stubUserRepo) CreateUser(user *model.User) (int64, error)      { return 0, nil }
func (r *stubUserRepo) GetUserByID(id int64) (*model.User, error)       { return nil, nil }
func (r *stubUserRepo) GetUserByUsername(u string) (*model.User, error) { return nil, nil }
func (r *stubUserRepo) GetUserByEmail(e string) (*model.User, error)    { return nil, nil }

type stubTrackRepo struct {
	byID map[int64]*model.Track
}

func (r *stubTrackRepo) CreateTrack(track *model.Track) (int64, error) { return track.ID, nil }
func (r *stubTrackRepo) GetTrackByID(id int64) (*model.Track, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}
func (r *stubTrackRepo) GetTracksByRoomID(roomID string) ([]*model.Track, error) {
	var out []*model.Track
	for _, t := range r.byID {
		if t.RoomID == roomID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (r *stubTrackRepo) UpdateVoteScore(trackID int64, score int) error {
	if t, ok := r.byID[trackID]; ok {
		t.VoteScore = score
	}
	return nil
}
func (r *stubTrackRepo) DeleteTrack(trackID int64) error {
	delete(r.byID, trackID)
	return nil
}

type stubVoteRepo struct {
	votes map[[2]int64]bool
}

func (r *stubVoteRepo) CreateVote(trackID, userID int64) error {
	key := [2]int64{trackID, userID}
	if r.votes[key] {
		return repository.ErrDuplicateVote
	}
	r.votes[key] = true
	return nil
}
func (r *stubVoteRepo) DeleteVote(trackID, userID int64) (bool, error) {
	key := [2]int64{trackID, userID}
	if !r.votes[key] {
		return false, nil
	}
	delete(r.votes, key)
	return true, nil
}
func (r *stubVoteRepo) CountByTrack(trackID int64) (int, error) {
	n := 0
	for key := range r.votes {
		if key[0] == trackID {
			n++
		}
	}
	return n, nil
}
func (r *stubVoteRepo) DeleteByTrack(trackID int64) error {
	for key := range r.votes {
		if key[0] == trackID {
			delete(r.votes, key)
		}
	}
	return nil
}

type voteResponse struct {
	NewScore     int  `json:"newScore"`
	OrderChanged bool `json:"orderChanged"`
}

// TestVoteIdempotentAck 重复投票与撤销不存在的票返回 200 确认：
// 分数保持现值、orderChanged 恒为 false、不广播任何事件
func TestVoteIdempotentAck(t *testing.T) {
	const (
		roomID  = "100001"
		trackID = int64(1)
		voterID = int64(7)
	)

	hub := event.NewBroadcaster()
	go hub.Run()
	defer hub.Stop()

	rooms := &stubRoomRepo{roomID: roomID, members: map[int64]bool{voterID: true}}
	tracks := &stubTrackRepo{byID: map[int64]*model.Track{
		trackID: {ID: trackID, RoomID: roomID, Title: "track", CreatedAt: time.Now()},
	}}
	votes := &stubVoteRepo{votes: make(map[[2]int64]bool)}

	clk := clock.New()
	svc := room.NewService(rooms, &stubUserRepo{}, hub, nil, clk)
	ranker := queue.NewRanker(tracks, votes)
	h := NewVoteHandler(svc, ranker, hub, clk)

	sub := hub.Subscribe(roomID, 99)

	do := func(method string) voteResponse {
		t.Helper()
		req := httptest.NewRequest(method, "/api/rooms/"+roomID+"/tracks/1/vote", nil)
		req = mux.SetURLVars(req, map[string]string{"room_id": roomID, "track_id": "1"})
		req = req.WithContext(context.WithValue(req.Context(), "userID", voterID))
		rr := httptest.NewRecorder()
		if method == http.MethodPost {
			h.VoteHandler(rr, req)
		} else {
			h.UnvoteHandler(rr, req)
		}
		if rr.Code != http.StatusOK {
			t.Fatalf("%s vote status = %d, body %s", method, rr.Code, rr.Body.String())
		}
		var resp voteResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	}
	recvEvent := func() model.Event {
		t.Helper()
		select {
		case ev := <-sub.Events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return model.Event{}
	}
	expectNoEvent := func() {
		t.Helper()
		select {
		case ev := <-sub.Events:
			t.Fatalf("unexpected %s event", ev.Type)
		case <-time.After(100 * time.Millisecond):
		}
	}

	// 首次投票正常计票并广播
	if resp := do(http.MethodPost); resp.NewScore != 1 {
		t.Errorf("first vote newScore = %d, want 1", resp.NewScore)
	}
	if ev := recvEvent(); ev.Type != model.EventVoted {
		t.Fatalf("event = %s, want voted", ev.Type)
	}

	// 重复投票：分数不变、无事件
	resp := do(http.MethodPost)
	if resp.NewScore != 1 || resp.OrderChanged {
		t.Errorf("duplicate vote resp = %+v, want newScore=1 orderChanged=false", resp)
	}
	expectNoEvent()

	// 撤票后再撤一次：同样是无事件的确认
	if resp := do(http.MethodDelete); resp.NewScore != 0 {
		t.Errorf("unvote newScore = %d, want 0", resp.NewScore)
	}
	if ev := recvEvent(); ev.Type != model.EventUnvoted {
		t.Fatalf("event = %s, want unvoted", ev.Type)
	}

	resp = do(http.MethodDelete)
	if resp.NewScore != 0 || resp.OrderChanged {
		t.Errorf("missing unvote resp = %+v, want newScore=0 orderChanged=false", resp)
	}
	expectNoEvent()
}
