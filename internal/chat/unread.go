package chat

// UnreadState is the badge of one channel. Mention implies Count > 0.
type UnreadState struct {
	Count   int
	Mention bool
}

type unreadEntry struct {
	count   int
	mention bool
	// messages counted since the channel was last open
	counted []countedMessage
}

type countedMessage struct {
	id      string
	mention bool
}

func (e *unreadEntry) normalize() {
	if e.count < 0 {
		e.count = 0
	}
	if e.count == 0 {
		e.mention = false
	}
}

// Unread tracks unread counts and mention flags for public channels and
// direct conversations separately.
type Unread struct {
	self     User
	active   string
	channels map[string]*unreadEntry
	direct   map[string]*unreadEntry
	isDirect map[string]bool
	onChange func(channelID string)
}

func NewUnread(self User) *Unread {
	return &Unread{
		self:     self,
		channels: make(map[string]*unreadEntry),
		direct:   make(map[string]*unreadEntry),
		isDirect: make(map[string]bool),
	}
}

// OnChange registers a callback run after any badge changes.
func (u *Unread) OnChange(fn func(channelID string)) {
	u.onChange = fn
}

// MarkDirect classifies a channel as a direct conversation, moving any
// counts already gathered for it.
func (u *Unread) MarkDirect(channelID string) {
	if channelID == "" || u.isDirect[channelID] {
		return
	}
	u.isDirect[channelID] = true
	if e, ok := u.channels[channelID]; ok {
		u.direct[channelID] = e
		delete(u.channels, channelID)
		u.changed(channelID)
	}
}

func (u *Unread) entry(channelID string) *unreadEntry {
	table := u.channels
	if u.isDirect[channelID] {
		table = u.direct
	}
	e, ok := table[channelID]
	if !ok {
		e = &unreadEntry{}
		table[channelID] = e
	}
	return e
}

func (u *Unread) lookup(channelID string) (*unreadEntry, bool) {
	if e, ok := u.direct[channelID]; ok {
		return e, true
	}
	e, ok := u.channels[channelID]
	return e, ok
}

// Active is the channel currently open, if any.
func (u *Unread) Active() string { return u.active }

// OnMessageArrived counts a message unless it is our own or its channel is
// open.
func (u *Unread) OnMessageArrived(m Message) {
	if m.ChannelID == "" || m.ChannelID == u.active {
		return
	}
	if u.self.ID != "" && m.AuthorID == u.self.ID {
		return
	}
	e := u.entry(m.ChannelID)
	mention := IsMention(m.Content, m.MentionedUserIDs, u.self)
	e.count++
	e.counted = append(e.counted, countedMessage{id: m.ID, mention: mention})
	if mention {
		e.mention = true
	}
	e.normalize()
	u.changed(m.ChannelID)
}

// OnChannelSelected opens a channel and clears its badge in one step.
func (u *Unread) OnChannelSelected(channelID string) {
	u.active = channelID
	if e, ok := u.lookup(channelID); ok {
		e.count = 0
		e.mention = false
		e.counted = nil
		u.changed(channelID)
	}
}

// OnMessageDeleted removes a counted message from a closed channel's badge
// and recomputes the mention flag from what is left.
func (u *Unread) OnMessageDeleted(messageID, channelID string) {
	if channelID == "" {
		channelID = u.findCounted(messageID)
	}
	if channelID == "" || channelID == u.active {
		return
	}
	e, ok := u.lookup(channelID)
	if !ok {
		return
	}
	idx := -1
	for i, c := range e.counted {
		if c.id == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	e.counted = append(e.counted[:idx], e.counted[idx+1:]...)
	e.count--
	e.mention = false
	for _, c := range e.counted {
		if c.mention {
			e.mention = true
			break
		}
	}
	e.normalize()
	u.changed(channelID)
}

// Resync applies messages that arrived while disconnected.
func (u *Unread) Resync(channelID string, arrived []Message) {
	for _, m := range arrived {
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		u.OnMessageArrived(m)
	}
}

func (u *Unread) State(channelID string) UnreadState {
	e, ok := u.lookup(channelID)
	if !ok {
		return UnreadState{}
	}
	return UnreadState{Count: e.count, Mention: e.mention}
}

// DirectTotal is the sum of unread counts over direct conversations.
func (u *Unread) DirectTotal() int {
	total := 0
	for _, e := range u.direct {
		total += e.count
	}
	return total
}

// ChannelTotal is the sum of unread counts over public channels.
func (u *Unread) ChannelTotal() int {
	total := 0
	for _, e := range u.channels {
		total += e.count
	}
	return total
}

func (u *Unread) findCounted(messageID string) string {
	for _, table := range []map[string]*unreadEntry{u.channels, u.direct} {
		for ch, e := range table {
			for _, c := range e.counted {
				if c.id == messageID {
					return ch
				}
			}
		}
	}
	return ""
}

func (u *Unread) changed(channelID string) {
	if u.onChange != nil {
		u.onChange(channelID)
	}
}
