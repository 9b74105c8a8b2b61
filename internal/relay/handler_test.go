package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "kronos/internal/middleware"
	"kronos/internal/user"
	"kronos/internal/wire"
)

type server struct {
	*httptest.Server
	store *MemoryStore
	users *user.Service
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := NewMemoryStore()
	userStore := user.NewMemoryStore()
	users := user.NewService(userStore, "test-secret")
	hub := NewHub(nil, store, userStore, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := NewHandler(hub, store, userStore, t.TempDir(), zerolog.Nop())
	r := chi.NewRouter()
	r.Get("/uploads/files/{id}", h.File)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(users).Handle)
		h.Mount(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &server{Server: srv, store: store, users: users}
}

func (s *server) register(t *testing.T, name string) *user.LoginResponse {
	t.Helper()
	res, err := s.users.Register(context.Background(), &user.RegisterRequest{Username: name, Password: "secret123"})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return res
}

func (s *server) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *server) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, v any, ack uint64) {
	t.Helper()
	f, err := wire.NewFrame(event, v)
	if err != nil {
		t.Fatal(err)
	}
	f.Ack = ack
	if err := conn.WriteJSON(f); err != nil {
		t.Fatal(err)
	}
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wire.Frame) bool) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := wire.ParseFrame(raw)
		if err != nil {
			t.Fatal(err)
		}
		if match(f) {
			return f
		}
	}
}

func TestWebsocketSendHistoryAndDelete(t *testing.T) {
	s := newServer(t)
	alice := s.register(t, "alice")
	conn := s.dial(t, alice.AccessToken)

	writeFrame(t, conn, wire.EventJoinChannel, wire.JoinChannel{ChannelID: "general"}, 0)
	writeFrame(t, conn, wire.EventSendMessage, wire.SendMessage{ChannelID: "general", Content: "hello", ClientID: "c-1"}, 1)

	reply := readUntil(t, conn, func(f wire.Frame) bool { return f.Reply && f.Ack == 1 })
	var ack wire.SendAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != wire.StatusOK {
		t.Fatalf("ack = %+v", ack)
	}
	readUntil(t, conn, func(f wire.Frame) bool { return f.Event == wire.EventNewMessage })

	resp := s.do(t, http.MethodGet, "/api/messages/general?limit=10", alice.AccessToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var history []wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Author == nil || history[0].Author.Username != "alice" {
		t.Fatalf("history = %+v", history)
	}

	bob := s.register(t, "bob")
	if resp := s.do(t, http.MethodDelete, "/api/messages/"+ack.Data.ID, bob.AccessToken, nil, ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete status = %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodDelete, "/api/messages/"+ack.Data.ID, alice.AccessToken, nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	deleted := readUntil(t, conn, func(f wire.Frame) bool { return f.Event == wire.EventMessageDeleted })
	var ev wire.MessageDeleted
	if err := json.Unmarshal(deleted.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.MessageID != ack.Data.ID || ev.ChannelID != "general" {
		t.Fatalf("deleted = %+v", ev)
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	s := newServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}

func TestUploadAndServeFile(t *testing.T) {
	s := newServer(t)
	alice := s.register(t, "alice")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not really a png"))
	mw.Close()

	resp := s.do(t, http.MethodPost, "/api/upload", alice.AccessToken, &body, mw.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var a wire.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.Kind != "image" || a.Size != 16 || a.URL != "/uploads/files/"+a.ID {
		t.Fatalf("attachment = %+v", a)
	}

	get, err := http.Get(s.URL + a.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	data, _ := io.ReadAll(get.Body)
	if get.StatusCode != http.StatusOK || string(data) != "not really a png" {
		t.Fatalf("file = %d %q", get.StatusCode, data)
	}
}

func TestStartConversationAndList(t *testing.T) {
	s := newServer(t)
	alice, bob := s.register(t, "alice"), s.register(t, "bob")

	resp := s.do(t, http.MethodPost, "/api/dm/start", alice.AccessToken,
		strings.NewReader(`{"target_user_id":"`+bob.ID+`"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var created wire.DMCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Channel.Type != wire.ChannelDM || created.OtherUser.Username != "bob" {
		t.Fatalf("created = %+v", created)
	}

	resp = s.do(t, http.MethodGet, "/api/dm/conversations", bob.AccessToken, nil, "")
	var convs []wire.DMUpdated
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Channel.ID != created.Channel.ID || convs[0].OtherUser.ID != alice.ID {
		t.Fatalf("conversations = %+v", convs)
	}

	resp = s.do(t, http.MethodPost, "/api/dm/start", alice.AccessToken,
		strings.NewReader(`{"target_user_id":"`+alice.ID+`"}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self dm status = %d", resp.StatusCode)
	}
}
