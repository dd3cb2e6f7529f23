package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"metachat/chat-sync/internal/chathub"
	"metachat/chat-sync/internal/models"
	"metachat/chat-sync/internal/notify"
	"metachat/chat-sync/internal/presence"
	"metachat/chat-sync/internal/repository"
	"metachat/chat-sync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router  *gin.Engine
	store   *repository.MemoryStore
	tracker *presence.Tracker
	chats   service.ChatService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := repository.NewMemoryStore()
	notifier := notify.NewLocalNotifier()
	tracker := presence.NewTracker(store, notifier, logger)
	hub := chathub.NewHub(store, notifier, logger)
	resolver := service.NewStatusResolver(store, tracker, notifier, logger)
	detach := resolver.Attach(tracker, hub)

	chats := service.NewChatService(service.ChatServiceDeps{
		Chats: store, Users: store, Presence: tracker, Resolver: resolver,
		Hub: hub, Notifier: notifier, Logger: logger,
	})
	directory := service.NewDirectoryService(store, chats, logger)

	t.Cleanup(func() {
		detach()
		hub.Close()
		tracker.Close()
	})

	h := NewHandler(chats, directory, tracker, logger)
	return &testAPI{
		router:  NewRouter(h, gin.TestMode),
		store:   store,
		tracker: tracker,
		chats:   chats,
	}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (a *testAPI) registerPair(t *testing.T) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/users", "alice", gin.H{"email": "Alice@Example.com", "display_name": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, "/users", "bob", gin.H{"email": "bob@example.com", "display_name": "Bob"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (a *testAPI) startChat(t *testing.T) chatResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/chats", "alice", gin.H{"email": "BOB@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[chatResponse](t, w)
}

func TestRequireUser(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndSearchUsers(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)

	w := api.do(t, http.MethodGet, "/users/search?email=ALICE@example.com", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	found := decode[struct {
		Users []userResponse `json:"users"`
	}](t, w)
	require.Len(t, found.Users, 1)
	assert.Equal(t, "alice", found.Users[0].ID)
	assert.Equal(t, "alice@example.com", found.Users[0].Email)

	w = api.do(t, http.MethodGet, "/users/search?email=nobody@example.com", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[]}`, w.Body.String())

	w = api.do(t, http.MethodGet, "/users", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	others := decode[struct {
		Users []userResponse `json:"users"`
	}](t, w)
	require.Len(t, others.Users, 1)
	assert.Equal(t, "alice", others.Users[0].ID)

	w = api.do(t, http.MethodPost, "/users", "carol", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)

	w := api.do(t, http.MethodPut, "/presence", "alice", gin.H{"status": "online"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/users/alice", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", decode[userResponse](t, w).Status)

	w = api.do(t, http.MethodPut, "/presence", "alice", gin.H{"status": "away"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartChat(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)

	chat := api.startChat(t)
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.Participants)
	assert.Nil(t, chat.LastMessage)

	w := api.do(t, http.MethodPost, "/chats", "bob", gin.H{"user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, chat.ID, decode[chatResponse](t, w).ID)

	w = api.do(t, http.MethodPost, "/chats", "alice", gin.H{"email": "alice@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.do(t, http.MethodPost, "/chats", "alice", gin.H{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.do(t, http.MethodPost, "/chats", "alice", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.do(t, http.MethodPost, "/chats", "alice", gin.H{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	chats, _ := api.store.Count()
	assert.Equal(t, 1, chats)
}

func TestMessagesLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)
	chat := api.startChat(t)
	path := "/chats/" + chat.ID + "/messages"

	w := api.do(t, http.MethodPost, path, "bob", gin.H{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, path, "carol", gin.H{"text": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	for _, text := range []string{"one", "two", "three"} {
		w = api.do(t, http.MethodPost, path, "bob", gin.H{"text": text})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "sent", decode[messageResponse](t, w).Status)
	}

	w = api.do(t, http.MethodGet, path+"?limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []messageResponse `json:"messages"`
	}](t, w)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Text)
	assert.Equal(t, "three", page.Messages[1].Text)

	w = api.do(t, http.MethodGet, path+"?limit=1000", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/chats", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Chats []chatResponse `json:"chats"`
	}](t, w)
	require.Len(t, list.Chats, 1)
	require.NotNil(t, list.Chats[0].LastMessage)
	assert.Equal(t, "three", *list.Chats[0].LastMessage)

	w = api.do(t, http.MethodDelete, path, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":3}`, w.Body.String())

	w = api.do(t, http.MethodGet, path, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages":[]`)
}

func TestMarkViewed(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)
	chat := api.startChat(t)

	require.NoError(t, api.tracker.SetPresence(context.Background(), "bob", models.PresenceOnline))
	w := api.do(t, http.MethodPost, "/chats/"+chat.ID+"/messages", "bob", gin.H{"text": "hi"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = api.do(t, http.MethodPost, "/chats/"+chat.ID+"/view", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"seen":1}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/chats/missing/view", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func dial(t *testing.T, srv *httptest.Server, path, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	header.Set(userHeader, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) snapshotFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&raw))
		var kind string
		require.NoError(t, json.Unmarshal(raw["type"], &kind))
		if kind != "snapshot" {
			continue
		}
		var frame snapshotFrame
		frame.Type = kind
		require.NoError(t, json.Unmarshal(raw["chat_id"], &frame.ChatID))
		require.NoError(t, json.Unmarshal(raw["messages"], &frame.Messages))
		return frame
	}
}

func TestChatSocket_StreamsSnapshotsAndTracksPresence(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)
	chat := api.startChat(t)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	conn := dial(t, srv, "/chats/"+chat.ID+"/ws", "alice")

	initial := readSnapshot(t, conn)
	assert.Equal(t, chat.ID, initial.ChatID)
	assert.Empty(t, initial.Messages)
	assert.True(t, api.tracker.IsOnline(context.Background(), "alice"))

	_, err := api.chats.SendMessage(context.Background(), chat.ID, "bob", "hello")
	require.NoError(t, err)

	for {
		snap := readSnapshot(t, conn)
		if len(snap.Messages) == 1 && snap.Messages[0].Status == "delivered" {
			assert.Equal(t, "hello", snap.Messages[0].Text)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(inboundFrame{Type: "send", Text: "hey bob"}))
	for {
		snap := readSnapshot(t, conn)
		if len(snap.Messages) == 2 {
			assert.Equal(t, "hey bob", snap.Messages[1].Text)
			assert.Equal(t, "alice", snap.Messages[1].SenderID)
			break
		}
	}

	conn.Close()
	assert.Eventually(t, func() bool {
		return !api.tracker.IsOnline(context.Background(), "alice")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatSocket_RejectsOutsiders(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)
	chat := api.startChat(t)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chats/" + chat.ID + "/ws"
	header := http.Header{}
	header.Set(userHeader, "mallory")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatListSocket(t *testing.T) {
	api := newTestAPI(t)
	api.registerPair(t)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	conn := dial(t, srv, "/ws/chats?user_id=bob", "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first chatsFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Empty(t, first.Chats)

	chat := api.startChat(t)
	for {
		var frame chatsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if len(frame.Chats) == 1 {
			assert.Equal(t, chat.ID, frame.Chats[0].ID)
			return
		}
	}
}
