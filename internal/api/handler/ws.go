package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the proxy that authenticates X-User-ID.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type snapshotFrame struct {
	Type     string            `json:"type"`
	ChatID   string            `json:"chat_id"`
	Messages []messageResponse `json:"messages"`
}

type chatsFrame struct {
	Type  string         `json:"type"`
	Chats []chatResponse `json:"chats"`
}

type errorFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error"`
}

// inboundFrame is what a chat socket client may send: "send" with text, or
// "view" while the chat is on screen.
type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wsClient struct {
	conn   *websocket.Conn
	logger *logrus.Entry
	send   chan any
	done   chan struct{}
	once   sync.Once
}

func newWSClient(conn *websocket.Conn, logger *logrus.Entry) *wsClient {
	return &wsClient{
		conn:   conn,
		logger: logger,
		send:   make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
}

// push queues a frame without blocking. Snapshots carry full state, so when
// the client falls behind the oldest queued frame is dropped.
func (c *wsClient) push(f any) {
	for {
		select {
		case <-c.done:
			return
		case c.send <- f:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.WithError(err).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks until the peer goes away, handing every decoded frame to
// handle.
func (c *wsClient) readPump(handle func(inboundFrame)) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Websocket closed unexpectedly")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.push(errorFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		if handle != nil {
			handle(frame)
		}
	}
}

// connected and disconnected keep presence online while the user has at
// least one open socket.
func (h *Handler) connected(ctx context.Context, userID string) {
	h.mu.Lock()
	h.connections[userID]++
	first := h.connections[userID] == 1
	h.mu.Unlock()

	if first {
		if err := h.presence.SetPresence(ctx, userID, models.PresenceOnline); err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Warn("Failed to mark user online")
		}
	}
}

func (h *Handler) disconnected(userID string) {
	h.mu.Lock()
	h.connections[userID]--
	last := h.connections[userID] <= 0
	if last {
		delete(h.connections, userID)
	}
	h.mu.Unlock()

	if last {
		if err := h.presence.SetPresence(context.Background(), userID, models.PresenceOffline); err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Warn("Failed to mark user offline")
		}
	}
}

// ServeChatSocket streams snapshots of one chat to a participant and accepts
// send and view frames on the same socket.
func (h *Handler) ServeChatSocket(c *gin.Context) {
	userID := callerID(c)
	ctx := c.Request.Context()

	chat, err := h.chats.GetChat(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !chat.HasParticipant(userID) {
		h.fail(c, models.ErrNotParticipant)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade websocket")
		return
	}

	client := newWSClient(conn, h.logger.WithFields(logrus.Fields{
		"chat_id": chat.ID,
		"user_id": userID,
	}))

	h.connected(ctx, userID)
	defer h.disconnected(userID)

	sub, err := h.chats.Subscribe(ctx, chat.ID, userID, func(s chathub.Snapshot) {
		client.push(snapshotFrame{Type: "snapshot", ChatID: s.ChatID, Messages: toMessageResponses(s.Messages)})
	})
	if err != nil {
		client.close()
		return
	}
	defer sub.Cancel()

	go client.writePump()

	client.readPump(func(frame inboundFrame) {
		bg := context.Background()
		switch frame.Type {
		case "send":
			if _, err := h.chats.SendMessage(bg, chat.ID, userID, frame.Text); err != nil {
				client.push(errorFrame{Type: "error", ChatID: chat.ID, Error: err.Error()})
			}
		case "view":
			if _, err := h.chats.MarkMessagesAsRead(bg, chat.ID, userID); err != nil {
				client.push(errorFrame{Type: "error", ChatID: chat.ID, Error: err.Error()})
			}
		default:
			client.push(errorFrame{Type: "error", Error: "unknown frame type"})
		}
	})
}

// ServeChatListSocket streams the caller's chat list.
func (h *Handler) ServeChatListSocket(c *gin.Context) {
	userID := callerID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade websocket")
		return
	}

	client := newWSClient(conn, h.logger.WithField("user_id", userID))

	h.connected(c.Request.Context(), userID)
	defer h.disconnected(userID)

	sub, err := h.chats.SubscribeChats(c.Request.Context(), userID, func(chats []*models.Chat) {
		client.push(chatsFrame{Type: "chats", Chats: toChatResponses(chats)})
	})
	if err != nil {
		client.close()
		return
	}
	defer sub.Cancel()

	go client.writePump()
	client.readPump(nil)
}
