package room

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/model"
)

// memMemberCache 内存版在线成员缓存
type memMemberCache struct {
	mu     sync.Mutex
	online map[string]map[int64]*model.RoomMemberOnline
	stale  map[string][]int64 // 测试里手工标记的过期成员
}

func newMemMemberCache() *memMemberCache {
	return &memMemberCache{
		online: make(map[string]map[int64]*model.RoomMemberOnline),
		stale:  make(map[string][]int64),
	}
}

func (c *memMemberCache) SetMemberOnline(ctx context.Context, roomID string, member *model.RoomMemberOnline) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online[roomID] == nil {
		c.online[roomID] = make(map[int64]*model.RoomMemberOnline)
	}
	c.online[roomID][member.UserID] = member
	return nil
}

func (c *memMemberCache) RemoveMemberOnline(ctx context.Context, roomID string, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online[roomID], userID)
	return nil
}

func (c *memMemberCache) GetMembersOnline(ctx context.Context, roomID string) ([]model.RoomMemberOnline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.RoomMemberOnline
	for _, m := range c.online[roomID] {
		out = append(out, *m)
	}
	return out, nil
}

func (c *memMemberCache) UpdateUserPresence(ctx context.Context, roomID string, userID int64) error {
	return nil
}

func (c *memMemberCache) RemoveUserPresence(ctx context.Context, roomID string, userID int64) error {
	return nil
}

func (c *memMemberCache) GetStaleUsers(ctx context.Context, roomID string) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[roomID], nil
}

func (c *memMemberCache) ClearRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, roomID)
	delete(c.stale, roomID)
	return nil
}

func (c *memMemberCache) isOnline(roomID string, userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[roomID][userID]
	return ok
}

type serviceFixture struct {
	svc   *Service
	rooms *memRoomRepo
	users *memUserRepo
	cache *memMemberCache
	hub   *event.Broadcaster
	clk   *clock.Manual
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	hub := event.NewBroadcaster()
	go hub.Run()
	t.Cleanup(hub.Stop)

	f := &serviceFixture{
		rooms: newMemRoomRepo(),
		users: newMemUserRepo(),
		cache: newMemMemberCache(),
		hub:   hub,
		clk:   clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.svc = NewService(f.rooms, f.users, hub, f.cache, f.clk)
	return f
}

func (f *serviceFixture) addUser(t *testing.T, username string) int64 {
	t.Helper()
	id, err := f.users.CreateUser(&model.User{Username: username})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func (f *serviceFixture) createRoom(t *testing.T, adminID int64, maxMembers int) *model.Room {
	t.Helper()
	room, err := f.svc.CreateRoom(context.Background(), "测试房间", adminID, maxMembers)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func recvServiceEvent(t *testing.T, sub *event.Subscriber) model.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		if !ok {
			t.Fatal("subscription closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.Event{}
}

func TestCreateRoom(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")

	room := f.createRoom(t, adminID, 0)

	if !regexp.MustCompile(`^\d{6}$`).MatchString(room.ID) {
		t.Errorf("room id %q is not a 6-digit code", room.ID)
	}
	if room.MaxMembers != 50 {
		t.Errorf("default maxMembers = %d, want 50", room.MaxMembers)
	}
	if room.AdminID != adminID {
		t.Errorf("adminID = %d, want %d", room.AdminID, adminID)
	}

	member, err := f.rooms.GetMember(context.Background(), room.ID, adminID)
	if err != nil || member == nil {
		t.Fatalf("admin not registered as member: %v", err)
	}
	if member.Role != model.RoomRoleAdmin {
		t.Errorf("admin role = %q, want %q", member.Role, model.RoomRoleAdmin)
	}
	if !f.cache.isOnline(room.ID, adminID) {
		t.Error("admin not marked online")
	}
}

func TestCreateRoomValidation(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")

	if _, err := f.svc.CreateRoom(context.Background(), "", adminID, 10); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("empty name: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.CreateRoom(context.Background(), "房间", 999, 10); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown admin: err = %v, want ErrNotFound", err)
	}
}

func TestJoinRoomBroadcastsAndCounts(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)

	sub := f.hub.Subscribe(room.ID, adminID)

	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	ev := recvServiceEvent(t, sub)
	if ev.Type != model.EventUserJoined {
		t.Fatalf("event type = %q, want user_joined", ev.Type)
	}
	var data model.MemberData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.UserID != guestID || data.Username != "guest" {
		t.Errorf("payload = %+v", data)
	}

	count, _ := f.rooms.CountActiveMembers(context.Background(), room.ID)
	if count != 2 {
		t.Errorf("member count = %d, want 2", count)
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)

	for i := 0; i < 3; i++ {
		if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
			t.Fatalf("join #%d: %v", i+1, err)
		}
	}

	count, _ := f.rooms.CountActiveMembers(context.Background(), room.ID)
	if count != 2 {
		t.Errorf("member count after repeated joins = %d, want 2", count)
	}
}

func TestJoinRoomFullIsConflict(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 1)

	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("join full room: err = %v, want ErrConflict", err)
	}
}

func TestLeaveRoom(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	adminSub := f.hub.Subscribe(room.ID, adminID)
	guestSub := f.hub.Subscribe(room.ID, guestID)

	if err := f.svc.LeaveRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("leave: %v", err)
	}

	ev := recvServiceEvent(t, adminSub)
	if ev.Type != model.EventUserLeft {
		t.Fatalf("event type = %q, want user_left", ev.Type)
	}

	// 离开者的订阅被摘除
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-guestSub.Events:
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("leaver subscription was not closed")
		}
	}

	member, _ := f.rooms.GetMember(context.Background(), room.ID, guestID)
	if member != nil {
		t.Error("member row still active after leave")
	}
	if f.cache.isOnline(room.ID, guestID) {
		t.Error("leaver still marked online")
	}
}

func TestAdminLeaveDisbandsRoom(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	guestSub := f.hub.Subscribe(room.ID, guestID)

	if err := f.svc.LeaveRoom(context.Background(), room.ID, adminID); err != nil {
		t.Fatalf("admin leave: %v", err)
	}

	// 解散前广播最后一条 stopped，成员应能收到
	ev := recvServiceEvent(t, guestSub)
	if ev.Type != model.EventStopped {
		t.Fatalf("event type = %q, want stopped", ev.Type)
	}
	var data model.StoppedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Reason != model.StopReasonAdminStop {
		t.Errorf("reason = %q, want %q", data.Reason, model.StopReasonAdminStop)
	}

	got, _ := f.rooms.GetByID(context.Background(), room.ID)
	if got != nil {
		t.Error("room still active after disband")
	}
}

func TestDisbandRequiresAdmin(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := f.svc.DisbandRoom(context.Background(), room.ID, guestID); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("disband by member: err = %v, want ErrForbidden", err)
	}
}

func TestGetRoomInfo(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	info, err := f.svc.GetRoomInfo(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.AdminName != "admin" {
		t.Errorf("adminName = %q, want admin", info.AdminName)
	}
	if info.MemberCount != 2 {
		t.Errorf("memberCount = %d, want 2", info.MemberCount)
	}
	if len(info.Members) != 2 {
		t.Errorf("online members = %d, want 2", len(info.Members))
	}

	if _, err := f.svc.GetRoomInfo(context.Background(), "000000"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown room: err = %v, want ErrNotFound", err)
	}
}

func TestHeartbeatRequiresMembership(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	strangerID := f.addUser(t, "stranger")
	room := f.createRoom(t, adminID, 10)

	if err := f.svc.Heartbeat(context.Background(), room.ID, adminID); err != nil {
		t.Errorf("member heartbeat: %v", err)
	}
	if err := f.svc.Heartbeat(context.Background(), room.ID, strangerID); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("stranger heartbeat: err = %v, want ErrForbidden", err)
	}
}

func TestReapStale(t *testing.T) {
	f := newServiceFixture(t)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	adminSub := f.hub.Subscribe(room.ID, adminID)
	f.cache.mu.Lock()
	f.cache.stale[room.ID] = []int64{guestID}
	f.cache.mu.Unlock()

	if err := f.svc.ReapStale(context.Background(), room.ID); err != nil {
		t.Fatalf("reap: %v", err)
	}

	ev := recvServiceEvent(t, adminSub)
	if ev.Type != model.EventUserLeft {
		t.Fatalf("event type = %q, want user_left", ev.Type)
	}
	if f.cache.isOnline(room.ID, guestID) {
		t.Error("stale member still marked online")
	}
}

// TestGetRoomInfoFallsBackToMemberTable 无缓存部署时成员列表退回成员表
func TestGetRoomInfoFallsBackToMemberTable(t *testing.T) {
	f := newServiceFixture(t)
	f.svc = NewService(f.rooms, f.users, f.hub, nil, f.clk)
	adminID := f.addUser(t, "admin")
	guestID := f.addUser(t, "guest")
	room := f.createRoom(t, adminID, 10)
	if err := f.svc.JoinRoom(context.Background(), room.ID, guestID); err != nil {
		t.Fatalf("join: %v", err)
	}

	info, err := f.svc.GetRoomInfo(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(info.Members))
	}
	names := map[int64]string{}
	for _, m := range info.Members {
		names[m.UserID] = m.Username
	}
	if names[adminID] != "admin" || names[guestID] != "guest" {
		t.Errorf("member names = %v", names)
	}
}
