// Package chat holds the client's message state: the optimistic send
// pipeline, unread and mention accounting, typing and DM conversations.
// Everything here runs on the loop goroutine.
package chat

import (
	"time"

	"kronos/internal/upload"
	"kronos/internal/wire"
)

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

type UploadState int

const (
	UploadNone UploadState = iota
	Uploading
	Uploaded
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case Uploading:
		return "uploading"
	case Uploaded:
		return "uploaded"
	case UploadFailed:
		return "failed"
	}
	return "none"
}

type User struct {
	ID          string
	Username    string
	DisplayName string
}

func UserFromWire(u wire.User) User {
	return User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

type Attachment struct {
	ID       string
	Name     string
	URL      string
	Kind     string
	Size     int64
	LocalURL string
	State    UploadState
	Progress float64
}

// Outgoing is what the user asked to send. Failed messages keep it so the
// send can be replayed verbatim.
type Outgoing struct {
	Dest      Destination
	Content   string
	Files     []upload.File
	ReplyToID string
}

type Message struct {
	ID               string
	ClientID         string
	ChannelID        string
	AuthorID         string
	Author           *User
	Content          string
	CreatedAt        time.Time
	Attachments      []Attachment
	ReplyToID        string
	MentionedUserIDs []string
	Edited           bool
	Status           Status
	Original         *Outgoing

	gen uint64
}

// Key identifies the message within a list: the server id once known,
// the client id before.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

func MessageFromWire(w wire.Message) Message {
	m := Message{
		ID:               w.ID,
		ClientID:         w.ClientID,
		ChannelID:        w.ChannelID,
		AuthorID:         w.AuthorID(),
		Content:          w.Content,
		CreatedAt:        w.CreatedAt,
		ReplyToID:        w.ReplyToID,
		MentionedUserIDs: append([]string(nil), w.MentionedUserIDs...),
		Edited:           w.Edited,
		Status:           StatusConfirmed,
	}
	if w.Author != nil {
		u := UserFromWire(*w.Author)
		m.Author = &u
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, attachmentFromWire(a))
	}
	return m
}

func attachmentFromWire(a wire.Attachment) Attachment {
	return Attachment{
		ID:    a.ID,
		Name:  a.Filename,
		URL:   a.URL,
		Kind:  a.Kind,
		Size:  a.Size,
		State: Uploaded,
	}
}

type Channel struct {
	ID        string
	Name      string
	Category  string
	Direct    bool
	OtherUser *User
}

func ChannelFromWire(c wire.Channel) Channel {
	return Channel{
		ID:       c.ID,
		Name:     c.Name,
		Category: c.Category,
		Direct:   c.Type == wire.ChannelDM,
	}
}

func (m Message) clone() Message {
	c := m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.MentionedUserIDs = append([]string(nil), m.MentionedUserIDs...)
	return c
}
