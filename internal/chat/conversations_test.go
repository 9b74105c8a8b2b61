package chat

import (
	"testing"
	"time"

	"kronos/internal/wire"
)

func TestConversationsOrdering(t *testing.T) {
	c := NewConversations()
	bob := wire.User{ID: "u-bob", Username: "bob"}
	carol := wire.User{ID: "u-carol", Username: "carol"}

	c.OnCreated(wire.DMCreated{Channel: wire.Channel{ID: "dm-1", Type: wire.ChannelDM}, OtherUser: bob}, epoch)
	c.OnCreated(wire.DMCreated{Channel: wire.Channel{ID: "dm-2", Type: wire.ChannelDM}, OtherUser: carol}, epoch.Add(time.Minute))

	if got := c.Ordered(); got[0].OtherUser.ID != "u-carol" {
		t.Fatalf("first = %+v", got[0])
	}
	if !c.Touch("dm-1", epoch.Add(2*time.Minute), "latest") {
		t.Fatal("touch missed a known channel")
	}
	got := c.Ordered()
	if got[0].OtherUser.ID != "u-bob" || got[0].LastMessage != "latest" {
		t.Fatalf("first after touch = %+v", got[0])
	}
	if c.Touch("general", epoch, "") {
		t.Fatal("touch matched a public channel")
	}
}

func TestReservedConversationBinds(t *testing.T) {
	c := NewConversations()
	c.Reserve(User{ID: "u-dave", Username: "dave"}, epoch)
	if conv, _ := c.ByUser("u-dave"); conv.Channel != nil {
		t.Fatal("reserved conversation already has a channel")
	}

	c.Bind("u-dave", "dm-7")
	conv, ok := c.ByChannel("dm-7")
	if !ok || conv.OtherUser.Username != "dave" || conv.Channel.ID != "dm-7" || !conv.Channel.Direct {
		t.Fatalf("bound = %+v", conv)
	}
	if !c.IsDirect("dm-7") {
		t.Fatal("bound channel not direct")
	}
}

func TestUpdatedCarriesPreview(t *testing.T) {
	c := NewConversations()
	at := epoch.Add(time.Hour)
	c.OnUpdated(wire.DMUpdated{
		Channel:     wire.Channel{ID: "dm-1"},
		OtherUser:   wire.User{ID: "u-bob", Username: "bob"},
		LastMessage: &wire.Message{Content: "see you", CreatedAt: at},
	}, epoch)
	conv, _ := c.ByChannel("dm-1")
	if conv.LastMessage != "see you" || !conv.LastActivity.Equal(at) {
		t.Fatalf("conv = %+v", conv)
	}
}
