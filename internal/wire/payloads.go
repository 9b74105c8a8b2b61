package wire

import "time"

// Event names carried in Frame.Event.
const (
	EventNewMessage     = "new_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventUserTyping     = "user_typing"
	EventDMCreated      = "dm_conversation_created"
	EventDMUpdated      = "dm_conversation_updated"
	EventBSState        = "bs_state"
	EventBSStart        = "bs_start"
	EventFireResult     = "fire_result"
	EventBSIdentity     = "bs_identity"
	EventBSError        = "bs_error"
	EventBSChat         = "bs_chat"
	EventOpponentLeft   = "bship_opponent_left"
	EventOpponentJoined = "bship_opponent_joined"
	EventKicked         = "kicked"
	EventBanned         = "banned"
	EventMuteState      = "mute_state"
	EventError          = "error"
	EventSendMessage    = "send_message"
	EventEditMessage    = "edit_message"
	EventTyping         = "typing"
	EventJoinChannel    = "join_channel"
	EventBSJoin         = "bs_join"
	EventBSPlace        = "bs_place"
	EventPlayerReady    = "player_ready"
	EventBSFire         = "bs_fire"
	EventBSRematch      = "bs_rematch"
)

// Ack statuses of send_message.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Attachment is an uploaded file descriptor.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Kind     string `json:"type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Message struct {
	ID               string       `json:"id"`
	ChannelID        string       `json:"channel_id"`
	UserID           string       `json:"user_id,omitempty"`
	Author           *User        `json:"author,omitempty"`
	Content          string       `json:"content"`
	ReplyToID        string       `json:"reply_to_id,omitempty"`
	Edited           bool         `json:"is_edited,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ClientID         string       `json:"client_id,omitempty"`
	MentionedUserIDs []string     `json:"mentioned_user_ids,omitempty"`
}

// AuthorID prefers the embedded author over the bare user id.
func (m Message) AuthorID() string {
	if m.Author != nil && m.Author.ID != "" {
		return m.Author.ID
	}
	return m.UserID
}

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
}

// Channel types.
const (
	ChannelText = "text"
	ChannelDM   = "dm"
)

// Client to relay payloads.

type SendMessage struct {
	ChannelID      string       `json:"channel_id,omitempty"`
	DMTargetUserID string       `json:"dm_target_user_id,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ClientID       string       `json:"client_id"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
}

// SendAck answers send_message.
type SendAck struct {
	Status  string   `json:"status"`
	Data    *Message `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
}

type EditMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type Typing struct {
	ChannelID string `json:"channel_id"`
	Typing    bool   `json:"typing"`
}

type JoinChannel struct {
	ChannelID string `json:"channel_id"`
}

type BSJoin struct {
	Code      string `json:"code"`
	Spectator bool   `json:"spectator,omitempty"`
}

// Cell is one board cell as encoded on the wire.
type Cell struct {
	S int `json:"s"`
}

// Grid is a board indexed [x][y].
type Grid [][]Cell

type BSPlace struct {
	Code  string `json:"code"`
	Board Grid   `json:"board"`
}

// FleetShip lists the cells of one ship. A single entry with ShipType
// "fleet" carries every ship cell at once.
type FleetShip struct {
	ShipType string   `json:"ship_type"`
	Coords   [][2]int `json:"coords"`
}

type PlayerReady struct {
	GameID     string      `json:"game_id"`
	PlayerID   string      `json:"player_id"`
	FleetArray []FleetShip `json:"fleet_array"`
}

type ReadyAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type BSFire struct {
	Code string `json:"code"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

type BSRematch struct {
	Code string `json:"code"`
}

type BSChatSend struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
