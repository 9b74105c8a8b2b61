package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	myMiddleware "kronos/internal/middleware"
	"kronos/internal/relay"
	"kronos/internal/upload"
	"kronos/internal/user"
)

// newRelay serves the real relay routes over an in-memory store.
func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	userStore := user.NewMemoryStore()
	users := user.NewService(userStore, "test-secret")
	store := relay.NewMemoryStore()
	hub := relay.NewHub(nil, store, userStore, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	uh := user.NewHandler(users, zerolog.Nop())
	rh := relay.NewHandler(hub, store, userStore, t.TempDir(), zerolog.Nop())

	r := chi.NewRouter()
	r.Post("/api/auth/register", uh.Register)
	r.Post("/api/auth/login", uh.Login)
	r.Get("/uploads/files/{id}", rh.File)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(users).Handle)
		r.Get("/api/me", uh.Me)
		r.Get("/api/users/search", uh.Search)
		rh.Mount(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func registered(t *testing.T, srv *httptest.Server, name string) (*Client, *user.LoginResponse) {
	t.Helper()
	c := New(srv.URL, "", srv.Client(), zerolog.Nop())
	res, err := c.Register(context.Background(), user.RegisterRequest{Username: name, Password: "secret123"})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return c, res
}

func TestLoginAndMe(t *testing.T) {
	srv := newRelay(t)
	_, res := registered(t, srv, "alice")

	c := New(srv.URL, "", srv.Client(), zerolog.Nop())
	if _, err := c.Me(context.Background()); err != ErrNoToken {
		t.Fatalf("Me without token = %v", err)
	}
	if _, err := c.Login(context.Background(), "alice", "wrong-password"); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("bad login = %v", err)
	}
	if _, err := c.Login(context.Background(), "alice", "secret123"); err != nil {
		t.Fatal(err)
	}
	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != res.ID || me.Username != "alice" {
		t.Fatalf("me = %+v", me)
	}
}

func TestMeRejectsExpiredTokenLocally(t *testing.T) {
	claims := user.Claims{
		ID:       "u1",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("whatever"))
	if err != nil {
		t.Fatal(err)
	}

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	c := New(srv.URL, token, srv.Client(), zerolog.Nop())
	if _, err := c.Me(context.Background()); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("Me = %v", err)
	}
	if hits != 0 {
		t.Fatalf("server hit %d times", hits)
	}
}

func TestChannelsHistoryAndDelete(t *testing.T) {
	srv := newRelay(t)
	c, _ := registered(t, srv, "alice")
	ctx := context.Background()

	channels, err := c.Channels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 1 || channels[0].ID != "general" {
		t.Fatalf("channels = %+v", channels)
	}

	msgs, err := c.History(ctx, "general", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history = %+v", msgs)
	}

	if _, err := c.History(ctx, "missing", 10); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("missing channel = %v", err)
	}
	if err := c.DeleteMessage(ctx, "nope"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("delete missing = %v", err)
	}
}

func TestUploadReportsProgress(t *testing.T) {
	srv := newRelay(t)
	c, _ := registered(t, srv, "alice")

	var last, total int64
	att, err := c.Upload(context.Background(), upload.NewFile("notes.txt", []byte("hello world")), func(sent, all int64) {
		last, total = sent, all
	})
	if err != nil {
		t.Fatal(err)
	}
	if att.ID == "" || att.Kind != upload.KindDocument || att.Size != 11 {
		t.Fatalf("attachment = %+v", att)
	}
	if att.URL != srv.URL+"/uploads/files/"+att.ID {
		t.Fatalf("url = %s", att.URL)
	}
	if total == 0 || last != total {
		t.Fatalf("progress %d/%d", last, total)
	}
}

func TestConversations(t *testing.T) {
	srv := newRelay(t)
	alice, _ := registered(t, srv, "alice")
	bob, bobRes := registered(t, srv, "bob")
	ctx := context.Background()

	found, err := alice.SearchUsers(ctx, "bo")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != bobRes.ID {
		t.Fatalf("search = %+v", found)
	}

	created, err := alice.StartConversation(ctx, bobRes.ID)
	if err != nil {
		t.Fatal(err)
	}
	convs, err := bob.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Channel.ID != created.Channel.ID || convs[0].OtherUser.Username != "alice" {
		t.Fatalf("conversations = %+v", convs)
	}
}
