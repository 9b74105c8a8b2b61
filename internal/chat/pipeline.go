package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kronos/internal/drafts"
	"kronos/internal/loop"
	"kronos/internal/metrics"
	"kronos/internal/upload"
	"kronos/internal/wire"
)

const (
	defaultAckTimeout = 3 * time.Second
	storeTimeout      = 2 * time.Second
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrNotFailed   = errors.New("message has not failed")
	ErrNotPending  = errors.New("message is not pending")
	ErrNotEditable = errors.New("message cannot be edited")
	ErrNotEditing  = errors.New("not editing a message")
	ErrEditing     = errors.New("an edit is in progress")
	ErrEmpty       = errors.New("message is empty")
)

// Emitter sends one event, optionally asking for an acknowledgement.
type Emitter interface {
	Emit(event string, payload any, ack func(json.RawMessage)) error
}

type Uploader interface {
	Upload(ctx context.Context, f upload.File, progress func(upload.Progress)) (wire.Attachment, error)
}

type Deleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// Observer is told which list changed and reads snapshots back.
type Observer interface {
	MessagesChanged(key string)
	Notice(text string)
}

type PipelineOptions struct {
	Self       User
	AckTimeout time.Duration
	Emitter    Emitter
	Scheduler  loop.Scheduler
	Uploader   Uploader
	Deleter    Deleter
	Drafts     drafts.Store
	Observer   Observer
	Logger     zerolog.Logger
}

// Pipeline owns every message list. A send is appended as pending before
// any I/O and settles exactly once: confirmed by its ack or its echo, or
// failed by its timeout or a rejection.
type Pipeline struct {
	self       User
	ackTimeout time.Duration
	emitter    Emitter
	sched      loop.Scheduler
	uploader   Uploader
	deleter    Deleter
	drafts     drafts.Store
	obs        Observer
	log        zerolog.Logger

	lists        map[string][]*Message
	byClient     map[string]string
	inflight     map[string]*inflight
	pendingSends map[string]int
	bound        map[string]string
	gen          uint64
	editing      string
	onBind       func(userID, channelID string)
}

type inflight struct {
	gen       uint64
	clientID  string
	key       string
	timer     loop.Timer
	emittedAt time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.Drafts == nil {
		opts.Drafts = drafts.NewMemoryStore()
	}
	return &Pipeline{
		self:         opts.Self,
		ackTimeout:   opts.AckTimeout,
		emitter:      opts.Emitter,
		sched:        opts.Scheduler,
		uploader:     opts.Uploader,
		deleter:      opts.Deleter,
		drafts:       opts.Drafts,
		obs:          opts.Observer,
		log:          opts.Logger.With().Str("component", "pipeline").Logger(),
		lists:        make(map[string][]*Message),
		byClient:     make(map[string]string),
		inflight:     make(map[string]*inflight),
		pendingSends: make(map[string]int),
		bound:        make(map[string]string),
	}
}

// OnBind registers a callback for when a DM's channel id is learned.
func (p *Pipeline) OnBind(fn func(userID, channelID string)) {
	p.onBind = fn
}

// KeyFor resolves dest to the key its list is stored under.
func (p *Pipeline) KeyFor(dest Destination) string {
	return p.resolve(dest).Key()
}

func (p *Pipeline) resolve(dest Destination) Destination {
	if dest.Direct() && !dest.Bound() {
		if ch, ok := p.bound[dest.TargetUserID]; ok {
			return dest.WithChannel(ch)
		}
	}
	return dest
}

// Messages returns a copy of the list stored under key.
func (p *Pipeline) Messages(key string) []Message {
	list := p.lists[key]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.clone())
	}
	return out
}

// Message returns a copy of the message with the given client id.
func (p *Pipeline) Message(clientID string) (Message, bool) {
	m := p.lookup(clientID)
	if m == nil {
		return Message{}, false
	}
	return m.clone(), true
}

// Send appends a pending message and starts delivering it. It returns the
// client id, or "" when nothing was sent (empty input or edit mode).
func (p *Pipeline) Send(dest Destination, content string, files []upload.File, replyToID string) string {
	if p.editing != "" {
		p.log.Debug().Str("editing", p.editing).Msg("send suppressed while editing")
		return ""
	}
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return ""
	}

	dest = p.resolve(dest)
	key := dest.Key()
	clientID := uuid.Must(uuid.NewV7()).String()
	p.gen++

	msg := &Message{
		ClientID:  clientID,
		ChannelID: dest.ChannelID,
		AuthorID:  p.self.ID,
		Author:    &User{ID: p.self.ID, Username: p.self.Username, DisplayName: p.self.DisplayName},
		Content:   content,
		CreatedAt: p.sched.Now(),
		ReplyToID: replyToID,
		Status:    StatusPending,
		Original: &Outgoing{
			Dest:      dest,
			Content:   content,
			Files:     append([]upload.File(nil), files...),
			ReplyToID: replyToID,
		},
		gen: p.gen,
	}
	for i, f := range files {
		a := Attachment{Name: f.Name, Kind: f.Kind, Size: f.Size(), State: Uploading}
		if upload.IsImage(f.Kind) {
			a.LocalURL = fmt.Sprintf("local://%s/%d/%s", clientID, i, f.Name)
		}
		msg.Attachments = append(msg.Attachments, a)
	}

	p.lists[key] = append(p.lists[key], msg)
	p.byClient[clientID] = key
	p.notify(key)

	p.storeDraft(key, content)
	p.pendingSends[key]++
	st := &inflight{gen: msg.gen, clientID: clientID, key: key}
	p.inflight[clientID] = st

	label := "channel"
	if dest.Direct() {
		label = "direct"
	}
	metrics.MessagesSent.WithLabelValues(label).Inc()
	p.log.Debug().Str("client_id", clientID).Str("key", key).Int("files", len(files)).Msg("send queued")

	if len(files) == 0 {
		p.emitSend(st, msg)
		return clientID
	}
	for i := range files {
		p.startUpload(clientID, msg.gen, i)
	}
	return clientID
}

func (p *Pipeline) startUpload(clientID string, gen uint64, index int) {
	msg := p.lookup(clientID)
	if msg == nil || msg.gen != gen || p.uploader == nil {
		return
	}
	file := msg.Original.Files[index]
	msg.Attachments[index].State = Uploading
	msg.Attachments[index].Progress = 0
	p.notify(p.byClient[clientID])

	var (
		att wire.Attachment
		err error
	)
	p.sched.Go(func() {
		att, err = p.uploader.Upload(context.Background(), file, func(pr upload.Progress) {
			fraction := pr.Fraction()
			p.sched.Post(func() { p.uploadProgress(clientID, gen, index, fraction) })
		})
	}, func() {
		p.uploadDone(clientID, gen, index, att, err)
	})
}

func (p *Pipeline) uploadProgress(clientID string, gen uint64, index int, fraction float64) {
	msg := p.lookup(clientID)
	if msg == nil || msg.gen != gen || msg.Attachments[index].State != Uploading {
		return
	}
	msg.Attachments[index].Progress = fraction
	p.notify(p.byClient[clientID])
}

func (p *Pipeline) uploadDone(clientID string, gen uint64, index int, att wire.Attachment, err error) {
	msg := p.lookup(clientID)
	if msg == nil || msg.gen != gen || msg.Status != StatusPending {
		return
	}
	a := &msg.Attachments[index]
	if err != nil {
		a.State = UploadFailed
		p.log.Warn().Err(err).Str("client_id", clientID).Int("attachment", index).Msg("attachment failed")
		p.notify(p.byClient[clientID])
		return
	}
	a.ID = att.ID
	a.URL = att.URL
	if att.Kind != "" {
		a.Kind = att.Kind
	}
	a.State = Uploaded
	a.Progress = 1
	p.notify(p.byClient[clientID])

	for _, other := range msg.Attachments {
		if other.State != Uploaded {
			return
		}
	}
	if st, ok := p.inflight[clientID]; ok && st.gen == gen {
		p.emitSend(st, msg)
	}
}

// RetryAttachment re-uploads one failed attachment of a pending message.
func (p *Pipeline) RetryAttachment(clientID string, index int) error {
	msg := p.lookup(clientID)
	if msg == nil {
		return ErrNotFound
	}
	if msg.Status != StatusPending {
		return ErrNotPending
	}
	if index < 0 || index >= len(msg.Attachments) || msg.Attachments[index].State != UploadFailed {
		return fmt.Errorf("attachment %d has not failed", index)
	}
	p.startUpload(clientID, msg.gen, index)
	return nil
}

func (p *Pipeline) emitSend(st *inflight, msg *Message) {
	dest := p.resolve(msg.Original.Dest)
	payload := wire.SendMessage{
		Content:   msg.Content,
		ClientID:  msg.ClientID,
		ReplyToID: msg.ReplyToID,
	}
	if dest.Bound() {
		payload.ChannelID = dest.ChannelID
	} else {
		payload.DMTargetUserID = dest.TargetUserID
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, wire.Attachment{ID: a.ID})
	}

	clientID, gen := st.clientID, st.gen
	st.emittedAt = p.sched.Now()
	st.timer = p.sched.AfterFunc(p.ackTimeout, func() {
		p.fail(clientID, gen, "timeout", "")
	})

	err := p.emitter.Emit(wire.EventSendMessage, payload, func(raw json.RawMessage) {
		p.handleAck(clientID, gen, raw)
	})
	if err != nil {
		p.log.Warn().Err(err).Str("client_id", clientID).Msg("emit failed")
		p.fail(clientID, gen, "rejected", "")
	}
}

func (p *Pipeline) handleAck(clientID string, gen uint64, raw json.RawMessage) {
	var ack wire.SendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		ack = wire.SendAck{Status: wire.StatusError, Message: "malformed acknowledgement"}
	}
	if ack.Status != wire.StatusOK || ack.Data == nil {
		p.fail(clientID, gen, "rejected", ack.Message)
		return
	}
	p.confirm(clientID, gen, *ack.Data)
}

// fail settles an in-flight send as failed. Anything already settled or
// superseded by a retry is ignored.
func (p *Pipeline) fail(clientID string, gen uint64, outcome, reason string) {
	st, ok := p.inflight[clientID]
	if !ok || st.gen != gen {
		return
	}
	p.settle(st)

	msg := p.lookup(clientID)
	if msg == nil {
		return
	}
	msg.Status = StatusFailed
	metrics.SendOutcomes.WithLabelValues(outcome).Inc()
	p.log.Info().Str("client_id", clientID).Str("outcome", outcome).Str("reason", reason).Msg("send failed")
	p.notify(p.byClient[clientID])
	if reason != "" && p.obs != nil {
		p.obs.Notice(reason)
	}
}

// confirm applies server truth to the local message of clientID. It
// settles an in-flight send, reconciles a failed one whose delivery is
// proven late, and ignores duplicates.
func (p *Pipeline) confirm(clientID string, gen uint64, server wire.Message) {
	msg := p.lookup(clientID)
	if msg == nil || msg.gen != gen {
		return
	}

	outcome := "confirmed"
	st, live := p.inflight[clientID]
	switch {
	case live && st.gen == gen:
		p.settle(st)
		if !st.emittedAt.IsZero() {
			metrics.AckLatency.Observe(p.sched.Now().Sub(st.emittedAt).Seconds())
		}
	case msg.Status == StatusFailed:
		outcome = "reconciled"
	default:
		return
	}

	var dest Destination
	if msg.Original != nil {
		dest = msg.Original.Dest
	}
	if dest.Direct() && !dest.Bound() && server.ChannelID != "" {
		p.Bind(dest.TargetUserID, server.ChannelID)
	}

	key := p.byClient[clientID]
	sent := msg.Content
	p.applyServer(msg, server)
	p.dropDuplicates(key, msg)
	// The relay may normalise content, so match the draft against what was typed.
	p.clearDraft(key, sent)

	metrics.SendOutcomes.WithLabelValues(outcome).Inc()
	p.log.Debug().Str("client_id", clientID).Str("id", msg.ID).Str("outcome", outcome).Msg("send confirmed")
	p.notify(key)
}

func (p *Pipeline) applyServer(msg *Message, server wire.Message) {
	msg.ID = server.ID
	msg.Status = StatusConfirmed
	if server.ChannelID != "" {
		msg.ChannelID = server.ChannelID
	}
	if !server.CreatedAt.IsZero() {
		msg.CreatedAt = server.CreatedAt
	}
	if server.Content != "" {
		msg.Content = server.Content
	}
	msg.MentionedUserIDs = append([]string(nil), server.MentionedUserIDs...)
	msg.Edited = server.Edited
	if server.Author != nil {
		u := UserFromWire(*server.Author)
		msg.Author = &u
		msg.AuthorID = u.ID
	}
	if len(server.Attachments) > 0 {
		previews := msg.Attachments
		msg.Attachments = msg.Attachments[:0:0]
		for i, a := range server.Attachments {
			att := attachmentFromWire(a)
			if i < len(previews) {
				att.LocalURL = previews[i].LocalURL
				if att.Name == "" {
					att.Name = previews[i].Name
				}
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	msg.Original = nil
}

// dropDuplicates removes other entries carrying the same server id.
func (p *Pipeline) dropDuplicates(key string, keep *Message) {
	list := p.lists[key]
	out := list[:0]
	for _, m := range list {
		if m != keep && m.ID != "" && m.ID == keep.ID {
			continue
		}
		out = append(out, m)
	}
	p.lists[key] = out
}

func (p *Pipeline) settle(st *inflight) {
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(p.inflight, st.clientID)
	if p.pendingSends[st.key] <= 1 {
		delete(p.pendingSends, st.key)
	} else {
		p.pendingSends[st.key]--
	}
}

// Bind records the channel of a DM and moves everything kept under the
// provisional dm:<user> key to it.
func (p *Pipeline) Bind(userID, channelID string) {
	if userID == "" || channelID == "" || p.bound[userID] == channelID {
		return
	}
	p.bound[userID] = channelID
	oldKey := DirectDestination(userID).Key()

	if moved, ok := p.lists[oldKey]; ok {
		for _, m := range moved {
			m.ChannelID = channelID
			if m.Original != nil {
				m.Original.Dest = m.Original.Dest.WithChannel(channelID)
			}
			if m.ClientID != "" {
				p.byClient[m.ClientID] = channelID
			}
		}
		p.lists[channelID] = append(p.lists[channelID], moved...)
		delete(p.lists, oldKey)
	}
	if n := p.pendingSends[oldKey]; n > 0 {
		p.pendingSends[channelID] += n
		delete(p.pendingSends, oldKey)
	}
	for _, st := range p.inflight {
		if st.key == oldKey {
			st.key = channelID
		}
	}

	ctx, cancel := p.storeCtx()
	defer cancel()
	if text, err := p.drafts.Get(ctx, p.self.ID, oldKey); err == nil && text != "" {
		p.drafts.Set(ctx, p.self.ID, channelID, text)
		p.drafts.Delete(ctx, p.self.ID, oldKey)
	}

	p.log.Debug().Str("user_id", userID).Str("channel_id", channelID).Msg("direct conversation bound")
	p.notify(oldKey)
	p.notify(channelID)
	if p.onBind != nil {
		p.onBind(userID, channelID)
	}
}

// Receive applies a new_message push. It returns the stored message and
// whether it is new to the list; an echo of a local send is not.
func (p *Pipeline) Receive(w wire.Message) (Message, bool) {
	if w.ClientID != "" {
		if msg := p.lookup(w.ClientID); msg != nil {
			p.confirm(w.ClientID, msg.gen, w)
			return msg.clone(), false
		}
	}

	key := w.ChannelID
	if existing := p.findByID(key, w.ID); existing != nil {
		return existing.clone(), false
	}
	m := MessageFromWire(w)
	p.lists[key] = append(p.lists[key], &m)
	if m.ClientID != "" {
		p.byClient[m.ClientID] = key
	}
	p.notify(key)
	return m.clone(), true
}

// ApplyEdit replaces the content of an edited message in place.
func (p *Pipeline) ApplyEdit(w wire.Message) bool {
	msg, key := p.locate(w.ChannelID, w.ID)
	if msg == nil {
		return false
	}
	msg.Content = w.Content
	msg.Edited = true
	p.notify(key)
	return true
}

// Remove applies a message_deleted push. channelID may be empty.
func (p *Pipeline) Remove(messageID, channelID string) (Message, bool) {
	msg, key := p.locate(channelID, messageID)
	if msg == nil {
		return Message{}, false
	}
	p.removeFromList(key, msg)
	if p.editing == messageID {
		p.editing = ""
	}
	p.notify(key)
	return msg.clone(), true
}

// Delete asks the server to delete a message. The list only changes when
// the deletion is pushed back.
func (p *Pipeline) Delete(messageID string) {
	if p.deleter == nil {
		return
	}
	var err error
	p.sched.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = p.deleter.DeleteMessage(ctx, messageID)
	}, func() {
		if err != nil {
			p.log.Warn().Err(err).Str("id", messageID).Msg("delete failed")
			if p.obs != nil {
				p.obs.Notice("could not delete message: " + err.Error())
			}
		}
	})
}

// Retry replaces a failed message with a fresh send of the same content,
// files and reply target. It returns the new client id.
func (p *Pipeline) Retry(clientID string) (string, error) {
	if p.editing != "" {
		return "", ErrEditing
	}
	out, err := p.takeFailed(clientID)
	if err != nil {
		return "", err
	}
	return p.Send(out.Dest, out.Content, out.Files, out.ReplyToID), nil
}

// LoadIntoComposer removes a failed message and hands its input back.
func (p *Pipeline) LoadIntoComposer(clientID string) (Outgoing, error) {
	out, err := p.takeFailed(clientID)
	if err != nil {
		return Outgoing{}, err
	}
	return *out, nil
}

func (p *Pipeline) takeFailed(clientID string) (*Outgoing, error) {
	msg := p.lookup(clientID)
	if msg == nil {
		return nil, ErrNotFound
	}
	if msg.Status != StatusFailed || msg.Original == nil {
		return nil, ErrNotFailed
	}
	key := p.byClient[clientID]
	p.removeFromList(key, msg)
	p.notify(key)
	return msg.Original, nil
}

// Discard abandons a pending or failed message.
func (p *Pipeline) Discard(clientID string) error {
	msg := p.lookup(clientID)
	if msg == nil {
		return ErrNotFound
	}
	if msg.Status == StatusConfirmed {
		return ErrNotPending
	}
	if st, ok := p.inflight[clientID]; ok {
		p.settle(st)
	}
	key := p.byClient[clientID]
	p.removeFromList(key, msg)
	p.notify(key)
	return nil
}

// BeginEdit enters edit mode for one of the user's confirmed messages and
// returns the text to load into the composer.
func (p *Pipeline) BeginEdit(messageID string) (string, error) {
	msg, _ := p.locate("", messageID)
	if msg == nil {
		return "", ErrNotFound
	}
	if msg.Status != StatusConfirmed || msg.AuthorID != p.self.ID {
		return "", ErrNotEditable
	}
	p.editing = messageID
	return msg.Content, nil
}

func (p *Pipeline) Editing() (string, bool) {
	return p.editing, p.editing != ""
}

func (p *Pipeline) CancelEdit() {
	p.editing = ""
}

// SubmitEdit emits the edit and leaves edit mode. The list is updated by
// the message_edited push, never optimistically.
func (p *Pipeline) SubmitEdit(content string) error {
	if p.editing == "" {
		return ErrNotEditing
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmpty
	}
	msg, _ := p.locate("", p.editing)
	if msg == nil {
		p.editing = ""
		return ErrNotFound
	}
	if msg.Content == content {
		p.editing = ""
		return nil
	}
	if err := p.emitter.Emit(wire.EventEditMessage, wire.EditMessage{MessageID: p.editing, Content: content}, nil); err != nil {
		return err
	}
	p.editing = ""
	return nil
}

// LoadHistory merges server history for dest and returns the messages
// that were not in the list before. Local pending and failed entries stay
// after the history.
func (p *Pipeline) LoadHistory(dest Destination, history []wire.Message) []Message {
	key := p.KeyFor(dest)

	for _, w := range history {
		if w.ClientID == "" {
			continue
		}
		if msg := p.lookup(w.ClientID); msg != nil && msg.Status != StatusConfirmed {
			p.confirm(w.ClientID, msg.gen, w)
		}
	}
	key = p.KeyFor(dest)

	old := p.lists[key]
	known := make(map[string]*Message, len(old))
	for _, m := range old {
		if m.ID != "" {
			known[m.ID] = m
		}
	}

	merged := make([]*Message, 0, len(history)+len(old))
	inHistory := make(map[string]bool, len(history))
	var added []Message
	var newest time.Time
	for _, w := range history {
		if w.ID == "" || inHistory[w.ID] {
			continue
		}
		inHistory[w.ID] = true
		m := MessageFromWire(w)
		if prev, ok := known[w.ID]; ok {
			m.ClientID = prev.ClientID
			for i := range m.Attachments {
				if i < len(prev.Attachments) {
					m.Attachments[i].LocalURL = prev.Attachments[i].LocalURL
				}
			}
		} else {
			added = append(added, m.clone())
		}
		merged = append(merged, &m)
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	for _, m := range old {
		switch {
		case m.Status != StatusConfirmed:
			merged = append(merged, m)
		case !inHistory[m.ID] && m.CreatedAt.After(newest):
			merged = append(merged, m)
		}
	}

	for clientID, k := range p.byClient {
		if k == key {
			delete(p.byClient, clientID)
		}
	}
	for _, m := range merged {
		if m.ClientID != "" {
			p.byClient[m.ClientID] = key
		}
	}
	p.lists[key] = merged
	p.notify(key)
	return added
}

// SaveDraft stores composer text for dest unless a send to dest is still
// in flight. It reports whether the draft was written.
func (p *Pipeline) SaveDraft(dest Destination, text string) bool {
	key := p.KeyFor(dest)
	if p.pendingSends[key] > 0 {
		return false
	}
	p.storeDraft(key, text)
	return true
}

func (p *Pipeline) Draft(dest Destination) string {
	ctx, cancel := p.storeCtx()
	defer cancel()
	text, err := p.drafts.Get(ctx, p.self.ID, p.KeyFor(dest))
	if err != nil {
		p.log.Warn().Err(err).Msg("draft read failed")
		return ""
	}
	return text
}

// HasPendingSend reports whether a send to dest is awaiting settlement.
func (p *Pipeline) HasPendingSend(dest Destination) bool {
	return p.pendingSends[p.KeyFor(dest)] > 0
}

func (p *Pipeline) storeDraft(key, text string) {
	ctx, cancel := p.storeCtx()
	defer cancel()
	if err := p.drafts.Set(ctx, p.self.ID, key, text); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("draft write failed")
	}
}

func (p *Pipeline) clearDraft(key, sent string) {
	ctx, cancel := p.storeCtx()
	defer cancel()
	current, err := p.drafts.Get(ctx, p.self.ID, key)
	if err != nil || current != sent {
		return
	}
	if err := p.drafts.Delete(ctx, p.self.ID, key); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("draft clear failed")
	}
}

func (p *Pipeline) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (p *Pipeline) lookup(clientID string) *Message {
	key, ok := p.byClient[clientID]
	if !ok {
		return nil
	}
	for _, m := range p.lists[key] {
		if m.ClientID == clientID {
			return m
		}
	}
	return nil
}

func (p *Pipeline) findByID(key, id string) *Message {
	if id == "" {
		return nil
	}
	for _, m := range p.lists[key] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// locate finds a message by server id, searching every list when the
// channel is unknown.
func (p *Pipeline) locate(channelID, id string) (*Message, string) {
	if channelID != "" {
		if m := p.findByID(channelID, id); m != nil {
			return m, channelID
		}
	}
	for key := range p.lists {
		if m := p.findByID(key, id); m != nil {
			return m, key
		}
	}
	return nil, ""
}

func (p *Pipeline) removeFromList(key string, target *Message) {
	list := p.lists[key]
	out := list[:0]
	for _, m := range list {
		if m != target {
			out = append(out, m)
		}
	}
	p.lists[key] = out
	if target.ClientID != "" && p.byClient[target.ClientID] == key {
		delete(p.byClient, target.ClientID)
	}
}

func (p *Pipeline) notify(key string) {
	if p.obs != nil && key != "" {
		p.obs.MessagesChanged(key)
	}
}
