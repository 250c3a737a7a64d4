package server

import (
	"context"
	"encoding/json"
	"net/http"

	"SyncFM/core/auth"
	"SyncFM/core/event"
	"SyncFM/core/room"
	"SyncFM/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RoomHandler 房间与播放控制 HTTP 处理器
type RoomHandler struct {
	rooms       *room.Service
	coordinator *room.Coordinator
	hub         *event.Broadcaster
	upgrader    websocket.Upgrader
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(rooms *room.Service, coordinator *room.Coordinator, hub *event.Broadcaster) *RoomHandler {
	return &RoomHandler{
		rooms:       rooms,
		coordinator: coordinator,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ========== 房间生命周期 ==========

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	Name       string `json:"name"`
	MaxMembers int    `json:"maxMembers"`
}

// CreateRoomHandler 创建房间
func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	username, _ := GetUsernameFromContext(ctx)

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = username + "的房间"
	}

	created, err := h.rooms.CreateRoom(ctx, req.Name, userID, req.MaxMembers)
	if err != nil {
		logger.Error("创建房间失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"room": created})
}

// JoinRoomRequest 加入房间请求
type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

// JoinRoomHandler 加入房间
func (h *RoomHandler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" {
		http.Error(w, "房间ID不能为空", http.StatusBadRequest)
		return
	}

	if err := h.rooms.JoinRoom(ctx, req.RoomID, userID); err != nil {
		logger.Warn("加入房间失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	info, err := h.rooms.GetRoomInfo(ctx, req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// LeaveRoomHandler 离开房间
func (h *RoomHandler) LeaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.rooms.LeaveRoom(ctx, req.RoomID, userID); err != nil {
		logger.Warn("离开房间失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "已离开房间"})
}

// GetRoomHandler 获取房间信息
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomID := mux.Vars(r)["room_id"]
	if roomID == "" {
		http.Error(w, "房间ID不能为空", http.StatusBadRequest)
		return
	}

	info, err := h.rooms.GetRoomInfo(ctx, roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DisbandRoomHandler 解散房间
func (h *RoomHandler) DisbandRoomHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	if err := h.rooms.DisbandRoom(ctx, roomID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "房间已解散"})
}

// HeartbeatHandler 成员心跳
func (h *RoomHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	if err := h.rooms.Heartbeat(ctx, roomID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== 播放控制 ==========

// StartRequest 开始播放请求
type StartRequest struct {
	TrackID int64 `json:"trackId"`
}

// StartHandler 开始播放指定曲目
func (h *RoomHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.coordinator.Start(ctx, roomID, req.TrackID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "播放已开始"})
}

// PauseHandler 暂停播放
func (h *RoomHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.simplePlaybackOp(w, r, h.coordinator.Pause, "已暂停")
}

// ResumeHandler 恢复播放
func (h *RoomHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	h.simplePlaybackOp(w, r, h.coordinator.Resume, "已恢复")
}

// SkipHandler 切到下一首
func (h *RoomHandler) SkipHandler(w http.ResponseWriter, r *http.Request) {
	h.simplePlaybackOp(w, r, h.coordinator.Skip, "已切歌")
}

// StopHandler 停止播放
func (h *RoomHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	h.simplePlaybackOp(w, r, h.coordinator.Stop, "已停止")
}

// SeekRequest 跳转请求
type SeekRequest struct {
	Position float64 `json:"position"` // 秒
}

// SeekHandler 跳转进度
func (h *RoomHandler) SeekHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.coordinator.Seek(ctx, roomID, req.Position, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "已跳转"})
}

// StatusHandler 查询播放状态，客户端周期性调用做时钟对齐
func (h *RoomHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	status, err := h.coordinator.Status(ctx, roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// simplePlaybackOp 无请求体的播放指令共用路径
func (h *RoomHandler) simplePlaybackOp(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, roomID string, actorID int64) error,
	okMessage string,
) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	if err := op(ctx, roomID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": okMessage})
}

// ========== WebSocket ==========

// WebSocketHandler 升级连接并把事件流推给客户端
// WebSocket 无法带 Authorization 头，token 走查询参数
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	if roomID == "" {
		http.Error(w, "房间ID不能为空", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "无效的Token", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	ctx := r.Context()
	isMember, err := h.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isMember {
		http.Error(w, "不是房间成员", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	sub := h.hub.Subscribe(roomID, userID)
	client := newWSClient(conn, sub, roomID, userID, h.rooms, h.hub)
	go client.writePump()
	go client.readPump()

	logger.Info("WebSocket 连接建立",
		logger.String("roomId", roomID),
		logger.Int64("userId", userID))
}

// RegisterRoomRoutes 注册房间与播放控制路由
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/rooms", authMiddleware(handler.CreateRoomHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/join", authMiddleware(handler.JoinRoomHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/leave", authMiddleware(handler.LeaveRoomHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}", authMiddleware(handler.GetRoomHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}", authMiddleware(handler.DisbandRoomHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{room_id}/heartbeat", authMiddleware(handler.HeartbeatHandler)).Methods(http.MethodPost)

	// 播放控制
	router.HandleFunc("/api/rooms/{room_id}/playback/start", authMiddleware(handler.StartHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/pause", authMiddleware(handler.PauseHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/resume", authMiddleware(handler.ResumeHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/seek", authMiddleware(handler.SeekHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/skip", authMiddleware(handler.SkipHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/stop", authMiddleware(handler.StopHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/playback/status", authMiddleware(handler.StatusHandler)).Methods(http.MethodGet)

	// WebSocket 事件流
	router.HandleFunc("/ws/rooms/{room_id}", handler.WebSocketHandler)

	logger.Info("房间系统API端点注册完成")
}
