package sessions

import "testing"

func TestBuildKey(t *testing.T) {
	cases := []struct {
		channel string
		kind    PeerKind
		chatID  string
		want    string
	}{
		{"web", PeerDirect, "alice", "web:direct:alice"},
		{"telegram", PeerDirect, "386246614", "telegram:direct:386246614"},
		{"discord", PeerGroup, "guild-123", "discord:group:guild-123"},
	}
	for _, tc := range cases {
		if got := BuildKey(tc.channel, tc.kind, tc.chatID); got != tc.want {
			t.Errorf("BuildKey(%q, %q, %q) = %q, want %q", tc.channel, tc.kind, tc.chatID, got, tc.want)
		}
	}
}

func TestKeyPredicates(t *testing.T) {
	if !IsSubagentKey(BuildSubagentKey("research")) {
		t.Error("subagent key not recognized")
	}
	if !IsTriggerKey(BuildTriggerKey("abc")) {
		t.Error("trigger key not recognized")
	}
	if IsSubagentKey("web:direct:alice") || IsTriggerKey("web:direct:alice") {
		t.Error("conversation key misclassified")
	}
}

func TestChannelFromKey(t *testing.T) {
	cases := []struct{ key, want string }{
		{"web:direct:alice", "web"},
		{"telegram:group:-100", "telegram"},
		{"subagent:task", ""},
		{"trigger:abc", ""},
		{"bare", ""},
	}
	for _, tc := range cases {
		if got := ChannelFromKey(tc.key); got != tc.want {
			t.Errorf("ChannelFromKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestPeerKindFromGroup(t *testing.T) {
	if PeerKindFromGroup(true) != PeerGroup || PeerKindFromGroup(false) != PeerDirect {
		t.Error("PeerKindFromGroup mapping wrong")
	}
}
