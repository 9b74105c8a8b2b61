package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	myMiddleware "kronos/internal/middleware"
	"kronos/internal/upload"
	"kronos/internal/user"
	"kronos/internal/wire"
)

const maxUpload = 25 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Tokens, not cookies, authenticate the socket.
	},
}

func fileURL(id string) string { return "/uploads/files/" + id }

type Handler struct {
	hub       *Hub
	store     Store
	users     user.Store
	uploadDir string
	log       zerolog.Logger
}

func NewHandler(hub *Hub, store Store, users user.Store, uploadDir string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		store:     store,
		users:     users,
		uploadDir: uploadDir,
		log:       logger.With().Str("component", "relay-http").Logger(),
	}
}

// Mount registers the routes that need an authenticated user.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Get("/api/channels", h.Channels)
	r.Get("/api/messages/{id}", h.History)
	r.Delete("/api/messages/{id}", h.DeleteMessage)
	r.Post("/api/dm/start", h.StartConversation)
	r.Get("/api/dm/conversations", h.Conversations)
	r.Post("/api/upload", h.Upload)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID := myMiddleware.UserID(r.Context())
	username := myMiddleware.Username(r.Context())
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, userID, username)
	select {
	case h.hub.Register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Channels serves GET /api/channels.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.store.Channels(r.Context())
	if err != nil {
		h.fail(w, err, "list channels")
		return
	}
	if channels == nil {
		channels = []wire.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

// History serves GET /api/messages/{id}?limit= for a channel id.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	userID := myMiddleware.UserID(r.Context())

	if _, err := h.hub.access(r.Context(), channelID, userID); err != nil {
		h.fail(w, err, "history access")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.store.History(r.Context(), channelID, limit)
	if err != nil {
		h.fail(w, err, "history")
		return
	}
	authors := make(map[string]wire.User)
	for i := range msgs {
		author, ok := authors[msgs[i].UserID]
		if !ok {
			author = h.hub.profile(r.Context(), msgs[i].UserID)
			authors[msgs[i].UserID] = author
		}
		msgs[i].Author = &author
	}
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// DeleteMessage serves DELETE /api/messages/{id}; only the author may
// delete, and the channel is told.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := myMiddleware.UserID(r.Context())

	m, err := h.store.Message(r.Context(), id)
	if err != nil {
		h.fail(w, err, "delete lookup")
		return
	}
	if m.UserID != userID {
		http.Error(w, ErrNotAuthor.Error(), http.StatusForbidden)
		return
	}
	ch, err := h.store.Channel(r.Context(), m.ChannelID)
	if err != nil {
		h.fail(w, err, "delete channel")
		return
	}
	if err := h.store.DeleteMessage(r.Context(), id); err != nil {
		h.fail(w, err, "delete")
		return
	}

	rooms, err := roomsFor(r.Context(), h.store, ch)
	if err != nil {
		h.log.Error().Err(err).Str("message_id", id).Msg("delete fan-out")
	}
	for _, room := range rooms {
		err := h.hub.Broadcast(r.Context(), room, wire.EventMessageDeleted, wire.MessageDeleted{MessageID: id, ChannelID: ch.ID})
		if err != nil {
			h.log.Error().Err(err).Str("room", room).Msg("delete fan-out")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type startConversationRequest struct {
	TargetUserID string `json:"target_user_id"`
}

// StartConversation serves POST /api/dm/start. It finds or creates the DM
// channel with the target user.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetUserID == "" {
		http.Error(w, "target_user_id is required", http.StatusBadRequest)
		return
	}
	userID := myMiddleware.UserID(r.Context())

	if _, err := h.users.GetUser(r.Context(), req.TargetUserID); err != nil {
		h.fail(w, err, "dm target")
		return
	}
	ch, created, err := h.store.DirectChannel(r.Context(), userID, req.TargetUserID)
	if err != nil {
		h.fail(w, err, "start conversation")
		return
	}

	other := h.hub.profile(r.Context(), req.TargetUserID)
	if created {
		me := h.hub.profile(r.Context(), userID)
		h.hub.Broadcast(r.Context(), userRoom(userID), wire.EventDMCreated, wire.DMCreated{Channel: ch, OtherUser: other})
		h.hub.Broadcast(r.Context(), userRoom(req.TargetUserID), wire.EventDMCreated, wire.DMCreated{Channel: ch, OtherUser: me})
	}
	writeJSON(w, http.StatusOK, wire.DMCreated{Channel: ch, OtherUser: other})
}

// Conversations serves GET /api/dm/conversations.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID := myMiddleware.UserID(r.Context())
	sums, err := h.store.Conversations(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "conversations")
		return
	}
	out := make([]wire.DMUpdated, 0, len(sums))
	for _, s := range sums {
		out = append(out, wire.DMUpdated{
			Channel:     s.Channel,
			OtherUser:   h.hub.profile(r.Context(), s.OtherUserID),
			LastMessage: s.LastMessage,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Upload serves POST /api/upload with a multipart "file" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.fail(w, err, "upload dir")
		return
	}
	a := StoredAttachment{
		Attachment: wire.Attachment{
			ID:       ulid.Make().String(),
			Filename: filepath.Base(header.Filename),
			Kind:     upload.KindFor(header.Filename),
		},
		UploaderID: myMiddleware.UserID(r.Context()),
	}
	a.Path = filepath.Join(h.uploadDir, a.ID)

	out, err := os.Create(a.Path)
	if err != nil {
		h.fail(w, err, "upload create")
		return
	}
	n, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(a.Path)
		h.fail(w, fmt.Errorf("store upload: %w", err), "upload write")
		return
	}
	a.Size = n

	if err := h.store.SaveAttachment(r.Context(), &a); err != nil {
		os.Remove(a.Path)
		h.fail(w, err, "upload save")
		return
	}
	a.URL = fileURL(a.ID)
	writeJSON(w, http.StatusCreated, a.Attachment)
}

// File serves GET /uploads/files/{id}.
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Attachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "file lookup")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.Filename))
	http.ServeFile(w, r, a.Path)
}

func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, user.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrNotAuthor):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrSelfDirect):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
