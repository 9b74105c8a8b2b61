package chat

const directPrefix = "dm:"

// Destination is where a message goes: a channel, or a direct
// conversation with one user whose channel may not exist yet.
type Destination struct {
	ChannelID    string
	TargetUserID string
}

func ChannelDestination(channelID string) Destination {
	return Destination{ChannelID: channelID}
}

// DirectDestination addresses a DM by the other user's id.
func DirectDestination(userID string) Destination {
	return Destination{TargetUserID: userID}
}

func (d Destination) Direct() bool { return d.TargetUserID != "" }

// Bound reports whether the real channel id is known.
func (d Destination) Bound() bool { return d.ChannelID != "" }

// Key names the message list and draft for the destination. An unbound DM
// is keyed by the other user until its channel id is learned.
func (d Destination) Key() string {
	if d.ChannelID != "" {
		return d.ChannelID
	}
	return directPrefix + d.TargetUserID
}

// WithChannel binds the destination to a channel id.
func (d Destination) WithChannel(channelID string) Destination {
	d.ChannelID = channelID
	return d
}
