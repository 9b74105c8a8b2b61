package chat

import "testing"

func arrived(id, channelID, authorID, content string) Message {
	return Message{ID: id, ChannelID: channelID, AuthorID: authorID, Content: content, Status: StatusConfirmed}
}

func TestMentionMarksChannelUntilSelected(t *testing.T) {
	u := NewUnread(alice)
	u.OnChannelSelected("1")

	u.OnMessageArrived(arrived("m1", "5", "u-bob", "hey @alice, look"))
	if got := u.State("5"); got != (UnreadState{Count: 1, Mention: true}) {
		t.Fatalf("state = %+v", got)
	}

	u.OnChannelSelected("5")
	if got := u.State("5"); got != (UnreadState{}) {
		t.Fatalf("state after select = %+v", got)
	}
	u.OnMessageArrived(arrived("m2", "5", "u-bob", "while open"))
	if got := u.State("5"); got.Count != 0 {
		t.Fatalf("active channel counted: %+v", got)
	}
}

func TestUnreadIgnoresOwnMessages(t *testing.T) {
	u := NewUnread(alice)
	u.OnMessageArrived(arrived("m1", "5", alice.ID, "@alice talking to myself"))
	if got := u.State("5"); got != (UnreadState{}) {
		t.Fatalf("own message counted: %+v", got)
	}
}

func TestMentionByIDAndEveryone(t *testing.T) {
	u := NewUnread(alice)
	m := arrived("m1", "5", "u-bob", "no name here")
	m.MentionedUserIDs = []string{alice.ID}
	u.OnMessageArrived(m)
	u.OnMessageArrived(arrived("m2", "6", "u-bob", "@everyone standup"))
	u.OnMessageArrived(arrived("m3", "7", "u-bob", "mail alice@example.com"))

	if !u.State("5").Mention || !u.State("6").Mention {
		t.Fatalf("mentions missed: %+v %+v", u.State("5"), u.State("6"))
	}
	if u.State("7").Mention {
		t.Fatal("email address treated as a mention")
	}
}

func TestDeleteRecomputesMention(t *testing.T) {
	u := NewUnread(alice)
	u.OnMessageArrived(arrived("m1", "5", "u-bob", "plain"))
	u.OnMessageArrived(arrived("m2", "5", "u-bob", "@alice ping"))

	u.OnMessageDeleted("m2", "5")
	if got := u.State("5"); got != (UnreadState{Count: 1}) {
		t.Fatalf("after deleting the mention = %+v", got)
	}
	u.OnMessageDeleted("unknown", "5")
	if got := u.State("5").Count; got != 1 {
		t.Fatalf("untracked delete changed the count: %d", got)
	}
	u.OnMessageDeleted("m1", "")
	if got := u.State("5"); got != (UnreadState{}) {
		t.Fatalf("after deleting all = %+v", got)
	}
}

func TestDirectTotals(t *testing.T) {
	u := NewUnread(alice)
	u.OnMessageArrived(arrived("m1", "dm-1", "u-bob", "hi"))
	u.OnMessageArrived(arrived("m2", "general", "u-bob", "hi all"))
	u.MarkDirect("dm-1")
	u.OnMessageArrived(arrived("m3", "dm-1", "u-bob", "you there?"))

	if got := u.DirectTotal(); got != 2 {
		t.Fatalf("direct total = %d", got)
	}
	if got := u.ChannelTotal(); got != 1 {
		t.Fatalf("channel total = %d", got)
	}
}

func TestResyncCountsMissedMessages(t *testing.T) {
	u := NewUnread(alice)
	var changes int
	u.OnChange(func(string) { changes++ })
	u.Resync("5", []Message{
		{ID: "m1", AuthorID: "u-bob", Content: "one"},
		{ID: "m2", AuthorID: "u-bob", Content: "@alice two"},
	})
	if got := u.State("5"); got != (UnreadState{Count: 2, Mention: true}) {
		t.Fatalf("state = %+v", got)
	}
	if changes != 2 {
		t.Fatalf("changes = %d", changes)
	}
}

func TestMentionNeverWithoutCount(t *testing.T) {
	u := NewUnread(alice)
	for i, content := range []string{"@alice", "x", "@ALICE y"} {
		id := string(rune('a' + i))
		u.OnMessageArrived(arrived(id, "5", "u-bob", content))
	}
	for _, id := range []string{"a", "b", "c"} {
		u.OnMessageDeleted(id, "5")
		if s := u.State("5"); s.Mention && s.Count == 0 {
			t.Fatalf("mention without unread after deleting %s", id)
		}
	}
}
