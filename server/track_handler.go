package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/core/ingest"
	"SyncFM/core/queue"
	"SyncFM/core/room"
	"SyncFM/logger"
	"SyncFM/model"
	"SyncFM/repository"
	"SyncFM/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// 单个音频文件上限 100MB
const maxUploadSize = 100 << 20

var allowedAudioExts = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
}

// TrackHandler 曲目上传、队列查询与音频流
type TrackHandler struct {
	tracks   repository.TrackRepository
	rooms    *room.Service
	ranker   *queue.Ranker
	hub      *event.Broadcaster
	blobs    *storage.BlobStore
	clk      clock.Clock
	spoolDir string
}

// NewTrackHandler 创建曲目处理器
func NewTrackHandler(
	tracks repository.TrackRepository,
	rooms *room.Service,
	ranker *queue.Ranker,
	hub *event.Broadcaster,
	blobs *storage.BlobStore,
	clk clock.Clock,
	spoolDir string,
) *TrackHandler {
	return &TrackHandler{
		tracks:   tracks,
		rooms:    rooms,
		ranker:   ranker,
		hub:      hub,
		blobs:    blobs,
		clk:      clk,
		spoolDir: spoolDir,
	}
}

// UploadHandler 上传曲目
// 只负责落库和落盘暂存，对象上传与自动起播由 ingest 协程接力
func (h *TrackHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	isMember, err := h.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isMember {
		http.Error(w, "不是房间成员", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "文件过大或表单无效", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "缺少音频文件", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedAudioExts[ext] {
		http.Error(w, "不支持的音频格式", http.StatusBadRequest)
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(header.Filename, ext)
	}
	artist := r.FormValue("artist")

	duration, err := strconv.ParseFloat(r.FormValue("duration"), 64)
	if err != nil || duration <= 0 {
		http.Error(w, "曲目时长无效", http.StatusBadRequest)
		return
	}

	now := h.clk.Now()
	track := &model.Track{
		RoomID:     roomID,
		UploaderID: userID,
		Title:      title,
		Artist:     artist,
		ObjectKey:  fmt.Sprintf("rooms/%s/audio/%s%s", roomID, uuid.NewString(), ext),
		Duration:   duration,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	trackID, err := h.tracks.CreateTrack(track)
	if err != nil {
		logger.Error("创建曲目失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}
	track.ID = trackID

	if err := h.spoolFile(file, roomID, trackID, userID, ext); err != nil {
		logger.Error("写暂存文件失败", logger.ErrorField(err))
		h.tracks.DeleteTrack(trackID)
		http.Error(w, "上传失败", http.StatusInternalServerError)
		return
	}

	h.hub.Publish(*newHandlerEvent(h.clk, model.EventTrackAdded, roomID, userID).
		WithData(&model.TrackAddedData{Track: track}))

	logger.Info("曲目已入队",
		logger.String("roomId", roomID),
		logger.Int64("trackId", trackID),
		logger.String("title", title))

	writeJSON(w, http.StatusOK, map[string]interface{}{"track": track})
}

// spoolFile 把上传内容写进暂存目录，文件名编码路由信息
func (h *TrackHandler) spoolFile(src io.Reader, roomID string, trackID, uploaderID int64, ext string) error {
	if err := os.MkdirAll(h.spoolDir, 0755); err != nil {
		return fmt.Errorf("创建暂存目录失败: %w", err)
	}

	// 先写临时名再改名，避免 ingest 读到半截文件
	finalPath := filepath.Join(h.spoolDir, ingest.SpoolName(roomID, trackID, uploaderID, ext))
	tmpPath := finalPath + ".part"

	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("创建暂存文件失败: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("写暂存文件失败: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭暂存文件失败: %w", err)
	}
	return os.Rename(tmpPath, finalPath)
}

// QueueHandler 按投票排名返回房间队列
func (h *TrackHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	roomID := mux.Vars(r)["room_id"]

	isMember, err := h.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isMember {
		http.Error(w, "不是房间成员", http.StatusForbidden)
		return
	}

	tracks, err := h.ranker.QueueView(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tracks": tracks})
}

// DeleteHandler 删除曲目，上传者或管理员可删，当前播放中的曲目不可删
func (h *TrackHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	roomID := vars["room_id"]
	trackID, err := strconv.ParseInt(vars["track_id"], 10, 64)
	if err != nil {
		http.Error(w, "无效的曲目ID", http.StatusBadRequest)
		return
	}

	track, err := h.tracks.GetTrackByID(trackID)
	if err != nil {
		writeError(w, err)
		return
	}
	if track == nil || track.RoomID != roomID {
		writeError(w, model.ErrNotFound)
		return
	}

	info, err := h.rooms.GetRoomInfo(ctx, roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if track.UploaderID != userID && info.AdminID != userID {
		writeError(w, model.ErrForbidden)
		return
	}
	if info.CurrentTrackID != nil && *info.CurrentTrackID == trackID {
		writeError(w, model.ErrInvalidState)
		return
	}

	if err := h.ranker.RemoveTrackVotes(trackID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.tracks.DeleteTrack(trackID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.blobs.Remove(ctx, track.ObjectKey); err != nil {
		logger.Warn("删除音频对象失败",
			logger.ErrorField(err),
			logger.String("objectKey", track.ObjectKey))
	}

	h.publishQueueOrder(roomID, userID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "曲目已删除"})
}

// StreamHandler 音频流，支持 Range 请求
func (h *TrackHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	roomID := vars["room_id"]
	trackID, err := strconv.ParseInt(vars["track_id"], 10, 64)
	if err != nil {
		http.Error(w, "无效的曲目ID", http.StatusBadRequest)
		return
	}

	isMember, err := h.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isMember {
		http.Error(w, "不是房间成员", http.StatusForbidden)
		return
	}

	track, err := h.tracks.GetTrackByID(trackID)
	if err != nil {
		writeError(w, err)
		return
	}
	if track == nil || track.RoomID != roomID {
		writeError(w, model.ErrNotFound)
		return
	}

	obj, err := h.blobs.OpenForRead(ctx, track.ObjectKey)
	if err != nil {
		writeError(w, model.ErrNotFound)
		return
	}
	defer obj.Close()

	http.ServeContent(w, r, filepath.Base(track.ObjectKey), track.UpdatedAt, obj)
}

// publishQueueOrder 广播最新队列顺序
func (h *TrackHandler) publishQueueOrder(roomID string, actorID int64) {
	tracks, err := h.ranker.QueueView(roomID)
	if err != nil {
		logger.Warn("读取队列顺序失败", logger.ErrorField(err))
		return
	}
	ids := make([]int64, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	h.hub.Publish(*newHandlerEvent(h.clk, model.EventQueueReordered, roomID, actorID).
		WithData(&model.QueueReorderedData{TrackIDs: ids}))
}

// newHandlerEvent HTTP 层发出的事件骨架
func newHandlerEvent(clk clock.Clock, typ model.EventType, roomID string, actorID int64) *model.Event {
	return &model.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RoomID:     roomID,
		ActorID:    actorID,
		ServerTime: clk.Now().UnixMilli(),
	}
}

// RegisterTrackRoutes 注册曲目相关路由
func RegisterTrackRoutes(router *mux.Router, handler *TrackHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/rooms/{room_id}/tracks", authMiddleware(handler.UploadHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/queue", authMiddleware(handler.QueueHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room_id}/tracks/{track_id}", authMiddleware(handler.DeleteHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{room_id}/tracks/{track_id}/audio", authMiddleware(handler.StreamHandler)).Methods(http.MethodGet)
}
