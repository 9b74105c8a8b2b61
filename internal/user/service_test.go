package user

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	myMiddleware "kronos/internal/middleware"
)

func TestRegisterLoginAndValidate(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret")
	ctx := context.Background()

	reg, err := svc.Register(ctx, &RegisterRequest{Username: "alice", Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.ID == "" || reg.DisplayName != "alice" {
		t.Fatalf("register = %+v", reg)
	}

	res, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "hunter22"})
	if err != nil {
		t.Fatal(err)
	}
	id, name, err := svc.ValidateToken(res.AccessToken)
	if err != nil || id != reg.ID || name != "alice" {
		t.Fatalf("validate = %q %q %v", id, name, err)
	}

	claims, err := ParseUnverified(res.AccessToken)
	if err != nil || claims.ID != reg.ID {
		t.Fatalf("claims = %+v, %v", claims, err)
	}

	if _, err := svc.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, &LoginRequest{Username: "nobody", Password: "whatever"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	a := NewService(NewMemoryStore(), "secret-a")
	b := NewService(NewMemoryStore(), "secret-b")
	res, err := a.Register(context.Background(), &RegisterRequest{Username: "bob", Password: "password1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.ValidateToken(res.AccessToken); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), "s")
	ctx := context.Background()
	for _, req := range []RegisterRequest{
		{Username: "ab", Password: "password1"},
		{Username: "has space", Password: "password1"},
		{Username: "carol", Password: "123"},
	} {
		if _, err := svc.Register(ctx, &req); err == nil {
			t.Errorf("register %+v accepted", req)
		}
	}
	svc.Register(ctx, &RegisterRequest{Username: "dave", Password: "password1"})
	if _, err := svc.Register(ctx, &RegisterRequest{Username: "DAVE", Password: "password1"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestSearch(t *testing.T) {
	svc := NewService(NewMemoryStore(), "s")
	ctx := context.Background()
	for _, name := range []string{"alice", "alina", "bob"} {
		if _, err := svc.Register(ctx, &RegisterRequest{Username: name, Password: "password1"}); err != nil {
			t.Fatal(err)
		}
	}
	users, err := svc.SearchUsers(ctx, "AL")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Password != "" {
		t.Fatalf("search = %+v", users)
	}
}

func TestHandlerRegisterAndMe(t *testing.T) {
	svc := NewService(NewMemoryStore(), "s")
	h := NewHandler(svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":"erin","password":"password1"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":"erin","password":"password1"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	res, _ := svc.Login(context.Background(), &LoginRequest{Username: "erin", Password: "password1"})
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)
	rec = httptest.NewRecorder()
	myMiddleware.NewAuthMiddleware(svc).Handle(http.HandlerFunc(h.Me)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"username":"erin"`) {
		t.Fatalf("me = %d %s", rec.Code, rec.Body)
	}
}
