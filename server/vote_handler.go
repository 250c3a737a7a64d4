package server

import (
	"errors"
	"net/http"
	"strconv"

	"SyncFM/core/clock"
	"SyncFM/core/event"
	"SyncFM/core/queue"
	"SyncFM/core/room"
	"SyncFM/logger"
	"SyncFM/model"

	"github.com/gorilla/mux"
)

// VoteHandler 投票 HTTP 处理器
type VoteHandler struct {
	rooms  *room.Service
	ranker *queue.Ranker
	hub    *event.Broadcaster
	clk    clock.Clock
}

// NewVoteHandler 创建投票处理器
func NewVoteHandler(rooms *room.Service, ranker *queue.Ranker, hub *event.Broadcaster, clk clock.Clock) *VoteHandler {
	return &VoteHandler{rooms: rooms, ranker: ranker, hub: hub, clk: clk}
}

// VoteHandler 投票
func (h *VoteHandler) VoteHandler(w http.ResponseWriter, r *http.Request) {
	h.handleVote(w, r, true)
}

// UnvoteHandler 撤票
func (h *VoteHandler) UnvoteHandler(w http.ResponseWriter, r *http.Request) {
	h.handleVote(w, r, false)
}

// handleVote 投票与撤票共用路径
// 重复投票与撤销不存在的票按幂等确认处理：200、分数不变、无事件
func (h *VoteHandler) handleVote(w http.ResponseWriter, r *http.Request, isVote bool) {
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

	var newScore int
	var orderChanged bool
	var eventType model.EventType
	if isVote {
		newScore, orderChanged, err = h.ranker.RegisterVote(roomID, trackID, userID)
		eventType = model.EventVoted
	} else {
		newScore, orderChanged, err = h.ranker.UnregisterVote(roomID, trackID, userID)
		eventType = model.EventUnvoted
	}
	if errors.Is(err, model.ErrConflict) {
		// 幂等确认，不算调用方错误
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"newScore":     newScore,
			"orderChanged": false,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	h.hub.Publish(*newHandlerEvent(h.clk, eventType, roomID, userID).
		WithData(&model.VoteData{TrackID: trackID, NewScore: newScore}))

	if orderChanged {
		h.publishQueueOrder(roomID, userID)
	}

	logger.Info("投票已处理",
		logger.String("roomId", roomID),
		logger.Int64("trackId", trackID),
		logger.Int64("userId", userID),
		logger.Int("newScore", newScore),
		logger.Bool("orderChanged", orderChanged))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"newScore":     newScore,
		"orderChanged": orderChanged,
	})
}

// publishQueueOrder 广播最新队列顺序
func (h *VoteHandler) publishQueueOrder(roomID string, actorID int64) {
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

// RegisterVoteRoutes 注册投票路由
func RegisterVoteRoutes(router *mux.Router, handler *VoteHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/rooms/{room_id}/tracks/{track_id}/vote", authMiddleware(handler.VoteHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room_id}/tracks/{track_id}/vote", authMiddleware(handler.UnvoteHandler)).Methods(http.MethodDelete)
}
