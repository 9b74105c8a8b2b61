package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"kronos/internal/chat"
	"kronos/internal/wire"
)

// access loads a channel and checks userID may use it. Text channels are
// open to everyone; DM channels only to their members.
func (h *Hub) access(ctx context.Context, channelID, userID string) (wire.Channel, error) {
	ch, err := h.store.Channel(ctx, channelID)
	if err != nil {
		return wire.Channel{}, err
	}
	if ch.Type == wire.ChannelDM {
		ok, err := h.store.IsMember(ctx, ch.ID, userID)
		if err != nil {
			return wire.Channel{}, err
		}
		if !ok {
			return wire.Channel{}, ErrNotMember
		}
	}
	return ch, nil
}

// roomsFor lists the rooms a channel's events go to: the channel room for
// text channels, each member's user room for DMs.
func roomsFor(ctx context.Context, store Store, ch wire.Channel) ([]string, error) {
	if ch.Type != wire.ChannelDM {
		return []string{channelRoom(ch.ID)}, nil
	}
	members, err := store.Members(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(members))
	for _, m := range members {
		rooms = append(rooms, userRoom(m))
	}
	return rooms, nil
}

func (h *Hub) toChannel(ctx context.Context, ch wire.Channel, event string, v any) error {
	rooms, err := roomsFor(ctx, h.store, ch)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		h.publish(ctx, room, event, v)
	}
	return nil
}

func (h *Hub) onJoinChannel(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.JoinChannel
	if err := decode(f, &req); err != nil {
		return err
	}
	ch, err := h.access(ctx, req.ChannelID, c.UserID)
	if err != nil {
		h.sendTo(c, wire.EventError, wire.ServerError{Message: "cannot join channel: " + err.Error()})
		return err
	}
	if ch.Type == wire.ChannelText {
		h.join(c, channelRoom(ch.ID))
	}
	return nil
}

func (h *Hub) onSendMessage(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.SendMessage
	if err := decode(f, &req); err != nil {
		h.reply(c, f, wire.SendAck{Status: wire.StatusError, Message: "malformed message"})
		return err
	}

	m, created, err := h.deliverMessage(ctx, c, req)
	if err != nil {
		h.reply(c, f, wire.SendAck{Status: wire.StatusError, Message: err.Error()})
		return err
	}
	h.reply(c, f, wire.SendAck{Status: wire.StatusOK, Data: &m})

	ch, err := h.store.Channel(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	if err := h.toChannel(ctx, ch, wire.EventNewMessage, wire.NewMessage{Message: m}); err != nil {
		return err
	}
	if ch.Type == wire.ChannelDM {
		return h.announceDirect(ctx, ch, created, &m)
	}
	return nil
}

// deliverMessage validates and stores one send. It reports whether the
// send created a DM channel.
func (h *Hub) deliverMessage(ctx context.Context, c *Client, req wire.SendMessage) (wire.Message, bool, error) {
	content := SanitizeText(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return wire.Message{}, false, ErrEmptyMessage
	}

	var (
		channelID = req.ChannelID
		created   bool
	)
	switch {
	case channelID != "":
		if _, err := h.access(ctx, channelID, c.UserID); err != nil {
			return wire.Message{}, false, err
		}
	case req.DMTargetUserID != "":
		if _, err := h.users.GetUser(ctx, req.DMTargetUserID); err != nil {
			return wire.Message{}, false, fmt.Errorf("dm target: %w", err)
		}
		ch, isNew, err := h.store.DirectChannel(ctx, c.UserID, req.DMTargetUserID)
		if err != nil {
			return wire.Message{}, false, err
		}
		channelID, created = ch.ID, isNew
	default:
		return wire.Message{}, false, errors.New("no destination")
	}

	attachments := make([]wire.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		stored, err := h.store.Attachment(ctx, a.ID)
		if err != nil {
			return wire.Message{}, false, fmt.Errorf("attachment %s: %w", a.ID, err)
		}
		if stored.UploaderID != c.UserID {
			return wire.Message{}, false, fmt.Errorf("attachment %s: %w", a.ID, ErrNotAuthor)
		}
		attachments = append(attachments, stored.Attachment)
	}

	m := wire.Message{
		ChannelID:        channelID,
		UserID:           c.UserID,
		Content:          content,
		ReplyToID:        req.ReplyToID,
		ClientID:         req.ClientID,
		Attachments:      attachments,
		MentionedUserIDs: h.resolveMentions(ctx, content, c.UserID),
	}
	if err := h.store.SaveMessage(ctx, &m); err != nil {
		return wire.Message{}, false, fmt.Errorf("save message: %w", err)
	}
	author := h.profile(ctx, c.UserID)
	m.Author = &author
	return m, created, nil
}

// resolveMentions maps @names to known user ids. @everyone is left to the
// text; the author is never listed.
func (h *Hub) resolveMentions(ctx context.Context, content, authorID string) []string {
	var ids []string
	for _, name := range chat.Mentions(content) {
		if strings.EqualFold(name, "everyone") {
			continue
		}
		u, err := h.users.GetUserByUsername(ctx, name)
		if err != nil || u.ID == authorID || slices.Contains(ids, u.ID) {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}

// announceDirect tells both members about a new or updated DM.
func (h *Hub) announceDirect(ctx context.Context, ch wire.Channel, created bool, last *wire.Message) error {
	members, err := h.store.Members(ctx, ch.ID)
	if err != nil {
		return err
	}
	for _, member := range members {
		for _, other := range members {
			if other == member {
				continue
			}
			otherUser := h.profile(ctx, other)
			if created {
				h.publish(ctx, userRoom(member), wire.EventDMCreated, wire.DMCreated{Channel: ch, OtherUser: otherUser})
			}
			h.publish(ctx, userRoom(member), wire.EventDMUpdated, wire.DMUpdated{Channel: ch, OtherUser: otherUser, LastMessage: last})
		}
	}
	return nil
}

func (h *Hub) onEditMessage(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.EditMessage
	if err := decode(f, &req); err != nil {
		return err
	}
	fail := func(err error) error {
		h.sendTo(c, wire.EventError, wire.ServerError{Message: "edit failed: " + err.Error()})
		return err
	}

	m, err := h.store.Message(ctx, req.MessageID)
	if err != nil {
		return fail(err)
	}
	if m.UserID != c.UserID {
		return fail(ErrNotAuthor)
	}
	content := SanitizeText(req.Content)
	if content == "" {
		return fail(ErrEmptyMessage)
	}
	if content == m.Content {
		return nil
	}

	m, err = h.store.EditMessage(ctx, m.ID, content)
	if err != nil {
		return fail(err)
	}
	author := h.profile(ctx, m.UserID)
	m.Author = &author

	ch, err := h.store.Channel(ctx, m.ChannelID)
	if err != nil {
		return err
	}
	return h.toChannel(ctx, ch, wire.EventMessageEdited, wire.MessageEdited{Message: m})
}

func (h *Hub) onTyping(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.Typing
	if err := decode(f, &req); err != nil {
		return err
	}
	ch, err := h.access(ctx, req.ChannelID, c.UserID)
	if err != nil {
		return err
	}
	return h.toChannel(ctx, ch, wire.EventUserTyping, wire.UserTyping{
		UserID:    c.UserID,
		Username:  c.Username,
		ChannelID: ch.ID,
		IsTyping:  req.Typing,
	})
}
