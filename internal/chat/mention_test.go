package chat

import (
	"slices"
	"testing"
)

func TestMentions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"@alice hi", []string{"alice"}},
		{"hi @bob and @carol_2.", []string{"bob", "carol_2"}},
		{"mail me at alice@example.com", nil},
		{"@@alice", nil},
		{"(@dave)", []string{"dave"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Mentions(tt.text); !slices.Equal(got, tt.want) {
			t.Errorf("Mentions(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsMention(t *testing.T) {
	self := User{ID: "u1", Username: "Alice"}
	if !IsMention("hey @alice", nil, self) {
		t.Error("case-insensitive username not matched")
	}
	if !IsMention("no names", []string{"u2", "u1"}, self) {
		t.Error("mentioned id not matched")
	}
	if !IsMention("@Everyone meeting", nil, self) {
		t.Error("@everyone not matched")
	}
	if IsMention("@alicia hi", nil, self) {
		t.Error("prefix of another name matched")
	}
}
