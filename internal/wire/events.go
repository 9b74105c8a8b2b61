package wire

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of relay to client events. Consumers switch on
// the concrete type; names without a type decode to Unknown.
type Event interface {
	EventName() string
	sealed()
}

type NewMessage struct{ Message }

type MessageEdited struct{ Message }

type MessageDeleted struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

type UserTyping struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	ChannelID string `json:"channel_id"`
	IsTyping  bool   `json:"is_typing"`
}

type DMCreated struct {
	Channel   Channel `json:"channel"`
	OtherUser User    `json:"other_user"`
}

type DMUpdated struct {
	Channel     Channel  `json:"channel"`
	OtherUser   User     `json:"other_user"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// BSState is the full game snapshot, boards masked for the recipient.
type BSState struct {
	Code        string `json:"code"`
	Role        string `json:"role,omitempty"`
	Turn        string `json:"turn,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
	Status      string `json:"status"`
	StatusLabel string `json:"status_label,omitempty"`
	P1Board     Grid   `json:"p1_board,omitempty"`
	P2Board     Grid   `json:"p2_board,omitempty"`
	P1          *User  `json:"p1,omitempty"`
	P2          *User  `json:"p2,omitempty"`
	Winner      string `json:"winner,omitempty"`
}

type BSStart struct {
	Code   string `json:"code"`
	Status string `json:"status,omitempty"`
	TurnID string `json:"turn_id"`
}

// Shot outcomes in FireResult.Hit.
const (
	ShotHit  = "hit"
	ShotMiss = "miss"
)

type FireResult struct {
	Code   string `json:"code"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Hit    string `json:"hit"`
	From   string `json:"from"`
	Winner string `json:"winner,omitempty"`
	TurnID string `json:"turn_id,omitempty"`
}

type BSIdentity struct {
	Code  string `json:"code"`
	Left  *User  `json:"left,omitempty"`
	Right *User  `json:"right,omitempty"`
}

type BSError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type BSChat struct {
	Code    string `json:"code"`
	From    string `json:"from"`
	User    *User  `json:"user,omitempty"`
	Message string `json:"message"`
}

type OpponentLeft struct {
	Code string `json:"code"`
}

type OpponentJoined struct {
	Code string `json:"code"`
}

type Kicked struct {
	Reason      string `json:"reason,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type Banned struct {
	Reason   string `json:"reason,omitempty"`
	BannedBy string `json:"banned_by,omitempty"`
}

// MuteState carries the mute expiry as unix seconds; nil lifts the mute.
type MuteState struct {
	MuteUntil *int64 `json:"mute_until"`
}

type ServerError struct {
	Message string `json:"message"`
}

// Unknown is an event this build does not understand.
type Unknown struct {
	Name string
	Data json.RawMessage
}

func (NewMessage) EventName() string     { return EventNewMessage }
func (MessageEdited) EventName() string  { return EventMessageEdited }
func (MessageDeleted) EventName() string { return EventMessageDeleted }
func (UserTyping) EventName() string     { return EventUserTyping }
func (DMCreated) EventName() string      { return EventDMCreated }
func (DMUpdated) EventName() string      { return EventDMUpdated }
func (BSState) EventName() string        { return EventBSState }
func (BSStart) EventName() string        { return EventBSStart }
func (FireResult) EventName() string     { return EventFireResult }
func (BSIdentity) EventName() string     { return EventBSIdentity }
func (BSError) EventName() string        { return EventBSError }
func (BSChat) EventName() string         { return EventBSChat }
func (OpponentLeft) EventName() string   { return EventOpponentLeft }
func (OpponentJoined) EventName() string { return EventOpponentJoined }
func (Kicked) EventName() string         { return EventKicked }
func (Banned) EventName() string         { return EventBanned }
func (MuteState) EventName() string      { return EventMuteState }
func (ServerError) EventName() string    { return EventError }
func (u Unknown) EventName() string      { return u.Name }

func (NewMessage) sealed()     {}
func (MessageEdited) sealed()  {}
func (MessageDeleted) sealed() {}
func (UserTyping) sealed()     {}
func (DMCreated) sealed()      {}
func (DMUpdated) sealed()      {}
func (BSState) sealed()        {}
func (BSStart) sealed()        {}
func (FireResult) sealed()     {}
func (BSIdentity) sealed()     {}
func (BSError) sealed()        {}
func (BSChat) sealed()         {}
func (OpponentLeft) sealed()   {}
func (OpponentJoined) sealed() {}
func (Kicked) sealed()         {}
func (Banned) sealed()         {}
func (MuteState) sealed()      {}
func (ServerError) sealed()    {}
func (Unknown) sealed()        {}

var decoders = map[string]func(json.RawMessage) (Event, error){
	EventNewMessage:     decodeAs[NewMessage],
	EventMessageEdited:  decodeAs[MessageEdited],
	EventMessageDeleted: decodeAs[MessageDeleted],
	EventUserTyping:     decodeAs[UserTyping],
	EventDMCreated:      decodeAs[DMCreated],
	EventDMUpdated:      decodeAs[DMUpdated],
	EventBSState:        decodeAs[BSState],
	EventBSStart:        decodeAs[BSStart],
	EventFireResult:     decodeAs[FireResult],
	EventBSIdentity:     decodeAs[BSIdentity],
	EventBSError:        decodeAs[BSError],
	EventBSChat:         decodeAs[BSChat],
	EventOpponentLeft:   decodeAs[OpponentLeft],
	EventOpponentJoined: decodeAs[OpponentJoined],
	EventKicked:         decodeAs[Kicked],
	EventBanned:         decodeAs[Banned],
	EventMuteState:      decodeAs[MuteState],
	EventError:          decodeAs[ServerError],
}

// InboundEvents lists every event name Decode maps to a concrete type.
func InboundEvents() []string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	return names
}

// Decode turns a non-reply frame into its typed event.
func Decode(f Frame) (Event, error) {
	dec, ok := decoders[f.Event]
	if !ok {
		return Unknown{Name: f.Event, Data: f.Data}, nil
	}
	ev, err := dec(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
