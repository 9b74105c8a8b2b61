package chat

import (
	"sort"
	"strings"
	"time"

	"kronos/internal/wire"
)

// Conversation is a DM with one other user. Channel is nil until the
// first exchange binds it.
type Conversation struct {
	OtherUser    User
	Channel      *Channel
	LastActivity time.Time
	LastMessage  string
}

// Conversations is the DM list, most recent activity first.
type Conversations struct {
	byUser    map[string]*Conversation
	byChannel map[string]string
}

func NewConversations() *Conversations {
	return &Conversations{
		byUser:    make(map[string]*Conversation),
		byChannel: make(map[string]string),
	}
}

// Reserve opens a local conversation with u before any channel exists.
func (c *Conversations) Reserve(u User, at time.Time) Conversation {
	conv, ok := c.byUser[u.ID]
	if !ok {
		conv = &Conversation{OtherUser: u, LastActivity: at}
		c.byUser[u.ID] = conv
	}
	return *conv
}

// OnCreated applies dm_conversation_created.
func (c *Conversations) OnCreated(ev wire.DMCreated, at time.Time) Conversation {
	other := UserFromWire(ev.OtherUser)
	conv := c.upsert(other, ev.Channel)
	if conv.LastActivity.Before(at) {
		conv.LastActivity = at
	}
	return *conv
}

// OnUpdated applies dm_conversation_updated.
func (c *Conversations) OnUpdated(ev wire.DMUpdated, at time.Time) Conversation {
	other := UserFromWire(ev.OtherUser)
	conv := c.upsert(other, ev.Channel)
	if ev.LastMessage != nil {
		conv.LastMessage = ev.LastMessage.Content
		if !ev.LastMessage.CreatedAt.IsZero() {
			at = ev.LastMessage.CreatedAt
		}
	}
	if conv.LastActivity.Before(at) {
		conv.LastActivity = at
	}
	return *conv
}

func (c *Conversations) upsert(other User, ch wire.Channel) *Conversation {
	conv, ok := c.byUser[other.ID]
	if !ok {
		conv = &Conversation{OtherUser: other}
		c.byUser[other.ID] = conv
	}
	if other.Username != "" {
		conv.OtherUser = other
	}
	if ch.ID != "" {
		channel := ChannelFromWire(ch)
		channel.Direct = true
		channel.OtherUser = &conv.OtherUser
		conv.Channel = &channel
		c.byChannel[ch.ID] = other.ID
	}
	return conv
}

// Bind attaches a channel id to a reserved conversation.
func (c *Conversations) Bind(userID, channelID string) {
	conv, ok := c.byUser[userID]
	if !ok {
		conv = &Conversation{OtherUser: User{ID: userID}}
		c.byUser[userID] = conv
	}
	if conv.Channel == nil {
		conv.Channel = &Channel{ID: channelID, Direct: true, OtherUser: &conv.OtherUser}
	} else {
		conv.Channel.ID = channelID
	}
	c.byChannel[channelID] = userID
}

// Touch moves the conversation owning channelID to the top.
func (c *Conversations) Touch(channelID string, at time.Time, preview string) bool {
	userID, ok := c.byChannel[channelID]
	if !ok {
		return false
	}
	conv := c.byUser[userID]
	if conv.LastActivity.Before(at) {
		conv.LastActivity = at
	}
	if preview != "" {
		conv.LastMessage = preview
	}
	return true
}

// IsDirect reports whether channelID belongs to a known conversation.
func (c *Conversations) IsDirect(channelID string) bool {
	_, ok := c.byChannel[channelID]
	return ok
}

// ByChannel returns the conversation bound to channelID.
func (c *Conversations) ByChannel(channelID string) (Conversation, bool) {
	userID, ok := c.byChannel[channelID]
	if !ok {
		return Conversation{}, false
	}
	return *c.byUser[userID], true
}

func (c *Conversations) ByUser(userID string) (Conversation, bool) {
	conv, ok := c.byUser[userID]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Ordered lists conversations by last activity, newest first; ties are
// broken by username.
func (c *Conversations) Ordered() []Conversation {
	out := make([]Conversation, 0, len(c.byUser))
	for _, conv := range c.byUser {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return strings.ToLower(out[i].OtherUser.Username) < strings.ToLower(out[j].OtherUser.Username)
	})
	return out
}
