// Package api is the client for the relay's HTTP endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kronos/internal/upload"
	"kronos/internal/user"
	"kronos/internal/wire"
)

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

var ErrNoToken = errors.New("not logged in")

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     logger.With().Str("component", "api").Logger(),
		now:     time.Now,
		token:   token,
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// doRequest sends body as JSON (unless it is an io.Reader) and decodes a
// JSON response into out when out is non-nil.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", c.now().Sub(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*user.LoginResponse, error) {
	var res user.LoginResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", user.LoginRequest{Username: username, Password: password}, &res)
	if err != nil {
		return nil, err
	}
	c.SetToken(res.AccessToken)
	return &res, nil
}

func (c *Client) Register(ctx context.Context, req user.RegisterRequest) (*user.LoginResponse, error) {
	var res user.LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/auth/register", req, &res); err != nil {
		return nil, err
	}
	c.SetToken(res.AccessToken)
	return &res, nil
}

// Me checks the session. The token's claims are read locally first so an
// expired token fails without a round trip.
func (c *Client) Me(ctx context.Context) (wire.User, error) {
	token := c.Token()
	if token == "" {
		return wire.User{}, ErrNoToken
	}
	claims, err := user.ParseUnverified(token)
	if err != nil {
		return wire.User{}, &Error{Status: http.StatusUnauthorized, Message: err.Error()}
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(c.now()) {
		return wire.User{}, &Error{Status: http.StatusUnauthorized, Message: "session expired"}
	}

	var me wire.User
	if err := c.doRequest(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return wire.User{}, err
	}
	return me, nil
}

func (c *Client) Channels(ctx context.Context) ([]wire.Channel, error) {
	var out []wire.Channel
	err := c.doRequest(ctx, http.MethodGet, "/api/channels", nil, &out)
	return out, err
}

// History returns up to limit recent messages, oldest first.
func (c *Client) History(ctx context.Context, channelID string, limit int) ([]wire.Message, error) {
	path := "/api/messages/" + url.PathEscape(channelID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []wire.Message
	err := c.doRequest(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
}

// StartConversation finds or creates the DM channel with targetID.
func (c *Client) StartConversation(ctx context.Context, targetID string) (wire.DMCreated, error) {
	var out wire.DMCreated
	err := c.doRequest(ctx, http.MethodPost, "/api/dm/start", map[string]string{"target_user_id": targetID}, &out)
	return out, err
}

func (c *Client) Conversations(ctx context.Context) ([]wire.DMUpdated, error) {
	var out []wire.DMUpdated
	err := c.doRequest(ctx, http.MethodGet, "/api/dm/conversations", nil, &out)
	return out, err
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]wire.User, error) {
	var out []wire.User
	err := c.doRequest(ctx, http.MethodGet, "/api/users/search?q="+url.QueryEscape(query), nil, &out)
	return out, err
}

// Upload posts one file as multipart form data, reporting bytes written
// to the connection. It makes a single attempt; upload.Retrier retries.
func (c *Client) Upload(ctx context.Context, f upload.File, progress func(sent, total int64)) (wire.Attachment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return wire.Attachment{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return wire.Attachment{}, err
	}
	if err := mw.Close(); err != nil {
		return wire.Attachment{}, err
	}

	total := int64(body.Len())
	reader := &progressReader{r: &body, total: total, report: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", reader)
	if err != nil {
		return wire.Attachment{}, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att wire.Attachment
	if err := c.send(req, &att); err != nil {
		return wire.Attachment{}, err
	}
	if att.Kind == "" {
		att.Kind = f.Kind
	}
	if att.Filename == "" {
		att.Filename = f.Name
	}
	if att.URL != "" && strings.HasPrefix(att.URL, "/") {
		att.URL = c.baseURL + att.URL
	}
	return att, nil
}

type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.report != nil {
			p.report(p.sent, p.total)
		}
	}
	return n, err
}
