package server

import (
	"context"
	"encoding/json"
	"time"

	"SyncFM/core/event"
	"SyncFM/core/room"
	"SyncFM/logger"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsClient 一条房间事件流连接
// 写协程消费订阅通道，读协程只处理心跳与关闭
type wsClient struct {
	conn   *websocket.Conn
	sub    *event.Subscriber
	roomID string
	userID int64
	rooms  *room.Service
	hub    *event.Broadcaster
}

func newWSClient(conn *websocket.Conn, sub *event.Subscriber, roomID string, userID int64, rooms *room.Service, hub *event.Broadcaster) *wsClient {
	return &wsClient{
		conn:   conn,
		sub:    sub,
		roomID: roomID,
		userID: userID,
		rooms:  rooms,
		hub:    hub,
	}
}

// writePump 把事件流写给客户端，订阅通道关闭即连接结束
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events:
			if !ok {
				// 被替换、被剔除或房间解散
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Warn("事件写出失败",
					logger.ErrorField(err),
					logger.String("roomId", c.roomID),
					logger.Int64("userId", c.userID))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 消费客户端消息，维护读超时与在线心跳
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.roomID, c.userID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.refreshPresence()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket 异常断开",
					logger.ErrorField(err),
					logger.String("roomId", c.roomID),
					logger.Int64("userId", c.userID))
			}
			return
		}

		// 客户端层面的心跳消息同样刷新在线状态
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "ping" {
			c.refreshPresence()
		}
	}
}

func (c *wsClient) refreshPresence() {
	if err := c.rooms.Heartbeat(context.Background(), c.roomID, c.userID); err != nil {
		logger.Debug("心跳刷新失败",
			logger.ErrorField(err),
			logger.String("roomId", c.roomID),
			logger.Int64("userId", c.userID))
	}
}
