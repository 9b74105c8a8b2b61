package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"kronos/internal/wire"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrSelfDirect   = errors.New("cannot start a conversation with yourself")
	ErrNotMember    = errors.New("not a member of this channel")
	ErrNotAuthor    = errors.New("only the author can change this message")
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	defaultHistory = 50
	maxHistory     = 200
)

// StoredAttachment is an uploaded file and where it lives on disk.
type StoredAttachment struct {
	wire.Attachment
	UploaderID string
	Path       string
}

// DirectSummary is one DM channel as seen by a member.
type DirectSummary struct {
	Channel     wire.Channel
	OtherUserID string
	LastMessage *wire.Message
}

type Store interface {
	Channels(ctx context.Context) ([]wire.Channel, error)
	Channel(ctx context.Context, id string) (wire.Channel, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	Members(ctx context.Context, channelID string) ([]string, error)
	// DirectChannel finds or creates the DM channel between a and b and
	// reports whether it was created.
	DirectChannel(ctx context.Context, a, b string) (wire.Channel, bool, error)
	Conversations(ctx context.Context, userID string) ([]DirectSummary, error)

	SaveMessage(ctx context.Context, m *wire.Message) error
	Message(ctx context.Context, id string) (wire.Message, error)
	EditMessage(ctx context.Context, id, content string) (wire.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// History returns up to limit messages of a channel, oldest first.
	History(ctx context.Context, channelID string, limit int) ([]wire.Message, error)

	SaveAttachment(ctx context.Context, a *StoredAttachment) error
	Attachment(ctx context.Context, id string) (StoredAttachment, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistory
	case limit > maxHistory:
		return maxHistory
	}
	return limit
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const channelColumns = "c.id, c.name, c.description, c.type, c.category"

func scanChannel(row interface{ Scan(...any) error }) (wire.Channel, error) {
	var ch wire.Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Type, &ch.Category)
	return ch, err
}

func (r *Repository) Channels(ctx context.Context) ([]wire.Channel, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+channelColumns+" FROM channels c WHERE c.type = 'text' ORDER BY c.category, c.name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *Repository) Channel(ctx context.Context, id string) (wire.Channel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels c WHERE c.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Channel{}, ErrNotFound
	}
	return ch, err
}

func (r *Repository) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)",
		channelID, userID).Scan(&ok)
	return ok, err
}

func (r *Repository) Members(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id", channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) DirectChannel(ctx context.Context, a, b string) (wire.Channel, bool, error) {
	if a == b {
		return wire.Channel{}, false, ErrSelfDirect
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Channel{}, false, err
	}
	defer tx.Rollback()

	query := `
		SELECT ` + channelColumns + `
		FROM channels c
		JOIN channel_members ma ON ma.channel_id = c.id AND ma.user_id = $1
		JOIN channel_members mb ON mb.channel_id = c.id AND mb.user_id = $2
		WHERE c.type = 'dm'
		LIMIT 1`
	ch, err := scanChannel(tx.QueryRowContext(ctx, query, a, b))
	if err == nil {
		return ch, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return wire.Channel{}, false, err
	}

	ch = wire.Channel{ID: ulid.Make().String(), Name: "dm", Type: wire.ChannelDM}
	if _, err := tx.ExecContext(ctx, "INSERT INTO channels (id, name, type) VALUES ($1, $2, $3)", ch.ID, ch.Name, ch.Type); err != nil {
		return wire.Channel{}, false, fmt.Errorf("create dm channel: %w", err)
	}
	for _, member := range []string{a, b} {
		if _, err := tx.ExecContext(ctx, "INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)", ch.ID, member); err != nil {
			return wire.Channel{}, false, fmt.Errorf("add dm member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wire.Channel{}, false, err
	}
	return ch, true, nil
}

func (r *Repository) Conversations(ctx context.Context, userID string) ([]DirectSummary, error) {
	query := `
		SELECT ` + channelColumns + `, other.user_id
		FROM channels c
		JOIN channel_members me ON me.channel_id = c.id AND me.user_id = $1
		JOIN channel_members other ON other.channel_id = c.id AND other.user_id <> $1
		WHERE c.type = 'dm'`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	var out []DirectSummary
	for rows.Next() {
		var s DirectSummary
		ch := &s.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description, &ch.Type, &ch.Category, &s.OtherUserID); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		last, err := r.History(ctx, out[i].Channel.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(last) == 1 {
			out[i].LastMessage = &last[0]
		}
	}
	sortSummaries(out)
	return out, nil
}

func (r *Repository) SaveMessage(ctx context.Context, m *wire.Message) error {
	m.ID = ulid.Make().String()
	mentions, err := json.Marshal(m.MentionedUserIDs)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, channel_id, user_id, content, reply_to_id, client_id, mentions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	err = tx.QueryRowContext(ctx, query, m.ID, m.ChannelID, m.UserID, m.Content, m.ReplyToID, m.ClientID, string(mentions)).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for _, a := range m.Attachments {
		if _, err := tx.ExecContext(ctx, "UPDATE attachments SET message_id = $1 WHERE id = $2", m.ID, a.ID); err != nil {
			return fmt.Errorf("link attachment: %w", err)
		}
	}
	return tx.Commit()
}

const messageColumns = "id, channel_id, user_id, content, reply_to_id, client_id, is_edited, mentions, created_at"

func (r *Repository) scanMessage(row interface{ Scan(...any) error }) (wire.Message, error) {
	var (
		m        wire.Message
		mentions string
	)
	err := row.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.ReplyToID, &m.ClientID, &m.Edited, &mentions, &m.CreatedAt)
	if err != nil {
		return wire.Message{}, err
	}
	if err := json.Unmarshal([]byte(mentions), &m.MentionedUserIDs); err != nil {
		return wire.Message{}, fmt.Errorf("message %s mentions: %w", m.ID, err)
	}
	return m, nil
}

func (r *Repository) attachmentsOf(ctx context.Context, messageID string) ([]wire.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, filename, kind, size FROM attachments WHERE message_id = $1 ORDER BY id", messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wire.Attachment
	for rows.Next() {
		var a wire.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.Kind, &a.Size); err != nil {
			return nil, err
		}
		a.URL = fileURL(a.ID)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) Message(ctx context.Context, id string) (wire.Message, error) {
	m, err := r.scanMessage(r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Message{}, ErrNotFound
	}
	if err != nil {
		return wire.Message{}, err
	}
	m.Attachments, err = r.attachmentsOf(ctx, m.ID)
	return m, err
}

func (r *Repository) EditMessage(ctx context.Context, id, content string) (wire.Message, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE messages SET content = $1, is_edited = true WHERE id = $2", content, id)
	if err != nil {
		return wire.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.Message{}, ErrNotFound
	}
	return r.Message(ctx, id)
}

func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) History(ctx context.Context, channelID string, limit int) ([]wire.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, channelID, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	var out []wire.Message
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(out)
	for i := range out {
		if out[i].Attachments, err = r.attachmentsOf(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) SaveAttachment(ctx context.Context, a *StoredAttachment) error {
	query := `INSERT INTO attachments (id, uploader_id, filename, kind, size, path) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, a.ID, a.UploaderID, a.Filename, a.Kind, a.Size, a.Path)
	return err
}

func (r *Repository) Attachment(ctx context.Context, id string) (StoredAttachment, error) {
	var a StoredAttachment
	err := r.db.QueryRowContext(ctx,
		"SELECT id, uploader_id, filename, kind, size, path FROM attachments WHERE id = $1", id).
		Scan(&a.ID, &a.UploaderID, &a.Filename, &a.Kind, &a.Size, &a.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredAttachment{}, ErrNotFound
	}
	a.URL = fileURL(a.ID)
	return a, err
}

func sortSummaries(s []DirectSummary) {
	at := func(d DirectSummary) time.Time {
		if d.LastMessage == nil {
			return time.Time{}
		}
		return d.LastMessage.CreatedAt
	}
	sort.SliceStable(s, func(i, j int) bool {
		return at(s[i]).After(at(s[j]))
	})
}

// MemoryStore keeps everything in process. The relay uses it when no
// database is configured, and tests use it directly.
type MemoryStore struct {
	mu          sync.RWMutex
	channels    map[string]wire.Channel
	members     map[string][]string
	messages    map[string]*wire.Message
	byChannel   map[string][]string
	attachments map[string]StoredAttachment
	now         func() time.Time
}

// GeneralChannel is seeded in every store.
var GeneralChannel = wire.Channel{
	ID:          "general",
	Name:        "general",
	Description: "Everyone",
	Type:        wire.ChannelText,
	Category:    "Text Channels",
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:    map[string]wire.Channel{GeneralChannel.ID: GeneralChannel},
		members:     make(map[string][]string),
		messages:    make(map[string]*wire.Message),
		byChannel:   make(map[string][]string),
		attachments: make(map[string]StoredAttachment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddChannel registers a text channel.
func (s *MemoryStore) AddChannel(ch wire.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.Type == "" {
		ch.Type = wire.ChannelText
	}
	s.channels[ch.ID] = ch
}

func (s *MemoryStore) Channels(_ context.Context) ([]wire.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []wire.Channel
	for _, ch := range s.channels {
		if ch.Type == wire.ChannelText {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) Channel(_ context.Context, id string) (wire.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return wire.Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *MemoryStore) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.members[channelID], userID), nil
}

func (s *MemoryStore) Members(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members[channelID]), nil
}

func (s *MemoryStore) DirectChannel(_ context.Context, a, b string) (wire.Channel, bool, error) {
	if a == b {
		return wire.Channel{}, false, ErrSelfDirect
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, members := range s.members {
		if s.channels[id].Type == wire.ChannelDM && slices.Contains(members, a) && slices.Contains(members, b) {
			return s.channels[id], false, nil
		}
	}
	ch := wire.Channel{ID: ulid.Make().String(), Name: "dm", Type: wire.ChannelDM}
	s.channels[ch.ID] = ch
	s.members[ch.ID] = []string{a, b}
	return ch, true, nil
}

func (s *MemoryStore) Conversations(_ context.Context, userID string) ([]DirectSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DirectSummary
	for id, members := range s.members {
		if s.channels[id].Type != wire.ChannelDM || !slices.Contains(members, userID) {
			continue
		}
		sum := DirectSummary{Channel: s.channels[id]}
		for _, m := range members {
			if m != userID {
				sum.OtherUserID = m
			}
		}
		if ids := s.byChannel[id]; len(ids) > 0 {
			last := *s.messages[ids[len(ids)-1]]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel.ID < out[j].Channel.ID })
	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[m.ChannelID]; !ok {
		return ErrNotFound
	}
	m.ID = ulid.Make().String()
	m.CreatedAt = s.now()
	for i, a := range m.Attachments {
		if stored, ok := s.attachments[a.ID]; ok {
			m.Attachments[i] = stored.Attachment
		}
	}
	stored := *m
	stored.Attachments = slices.Clone(m.Attachments)
	s.messages[m.ID] = &stored
	s.byChannel[m.ChannelID] = append(s.byChannel[m.ChannelID], m.ID)
	return nil
}

func (s *MemoryStore) Message(_ context.Context, id string) (wire.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return wire.Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) EditMessage(_ context.Context, id, content string) (wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return wire.Message{}, ErrNotFound
	}
	m.Content = content
	m.Edited = true
	return *m, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	ids := s.byChannel[m.ChannelID]
	if i := slices.Index(ids, id); i >= 0 {
		s.byChannel[m.ChannelID] = slices.Delete(ids, i, i+1)
	}
	return nil
}

func (s *MemoryStore) History(_ context.Context, channelID string, limit int) ([]wire.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byChannel[channelID]
	if n := clampLimit(limit); len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	out := make([]wire.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *MemoryStore) SaveAttachment(_ context.Context, a *StoredAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.URL = fileURL(a.ID)
	s.attachments[a.ID] = *a
	return nil
}

func (s *MemoryStore) Attachment(_ context.Context, id string) (StoredAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[id]
	if !ok {
		return StoredAttachment{}, ErrNotFound
	}
	return a, nil
}
