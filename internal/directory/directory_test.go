package directory

import (
	"testing"

	"github.com/notiphier/notiphier/internal/phabricator"
	"github.com/notiphier/notiphier/internal/slack"
)

func testProviderUsers() []phabricator.User {
	return []phabricator.User{
		{PHID: "PHID-USER-aa", Username: "alice", RealName: "Alice Albright"},
		{PHID: "PHID-USER-bb", Username: "bob", RealName: "Bob Burnquist"},
		{PHID: "PHID-USER-cc", Username: "carol", RealName: "Carol Chen"},
	}
}

func testChatUsers() []slack.ChatUser {
	return []slack.ChatUser{
		{ID: "S1", DisplayName: "Alice Albright"},
		{ID: "S2", DisplayName: "Bob Burnquist"},
		{ID: "S9", DisplayName: "Zoe Zettel"},
	}
}

func TestBuildMergesByExactRealName(t *testing.T) {
	dir := Build(nil, testProviderUsers(), testChatUsers())

	tests := []struct {
		key  string
		want Identity
	}{
		{"PHID-USER-aa", Identity{PHID: "PHID-USER-aa", Username: "alice", SlackID: "S1"}},
		{"alice", Identity{PHID: "PHID-USER-aa", Username: "alice", SlackID: "S1"}},
		{"PHID-USER-bb", Identity{PHID: "PHID-USER-bb", Username: "bob", SlackID: "S2"}},
		{"bob", Identity{PHID: "PHID-USER-bb", Username: "bob", SlackID: "S2"}},
		// No Slack account with that real name; still resolvable.
		{"PHID-USER-cc", Identity{PHID: "PHID-USER-cc", Username: "carol", SlackID: ""}},
		{"carol", Identity{PHID: "PHID-USER-cc", Username: "carol", SlackID: ""}},
	}
	for _, tt := range tests {
		got, ok := dir.Lookup(tt.key)
		if !ok {
			t.Errorf("Lookup(%q) not found", tt.key)
			continue
		}
		if got != tt.want {
			t.Errorf("Lookup(%q) = %+v, want %+v", tt.key, got, tt.want)
		}
	}
}

func TestBuildIgnoresUnmatchedChatUsers(t *testing.T) {
	dir := Build(nil, testProviderUsers(), testChatUsers())
	if dir.Len() != 3 {
		t.Fatalf("expected 3 identities, got %d", dir.Len())
	}
	if _, ok := dir.Lookup("Zoe Zettel"); ok {
		t.Error("chat-only user should not appear in the directory")
	}
}

func TestBuildExactMatchOnly(t *testing.T) {
	dir := Build(nil,
		[]phabricator.User{{PHID: "PHID-USER-aa", Username: "alice", RealName: "alice albright"}},
		[]slack.ChatUser{{ID: "S1", DisplayName: "Alice Albright"}},
	)
	id, ok := dir.Lookup("PHID-USER-aa")
	if !ok {
		t.Fatal("identity missing")
	}
	if id.SlackID != "" {
		t.Errorf("case-folded names must not match, got slack id %q", id.SlackID)
	}
}

func TestBuildDeterministicAcrossInputOrder(t *testing.T) {
	provider := testProviderUsers()
	chat := testChatUsers()

	reversedProvider := make([]phabricator.User, len(provider))
	reversedChat := make([]slack.ChatUser, len(chat))
	for i := range provider {
		reversedProvider[len(provider)-1-i] = provider[i]
	}
	for i := range chat {
		reversedChat[len(chat)-1-i] = chat[i]
	}

	a := Build(nil, provider, chat)
	b := Build(nil, reversedProvider, reversedChat)

	for _, key := range []string{"PHID-USER-aa", "PHID-USER-bb", "PHID-USER-cc", "alice", "bob", "carol"} {
		idA, okA := a.Lookup(key)
		idB, okB := b.Lookup(key)
		if okA != okB || idA != idB {
			t.Errorf("Lookup(%q) differs across input order: %+v vs %+v", key, idA, idB)
		}
	}
}

func TestLookupUnknownKey(t *testing.T) {
	dir := Build(nil, testProviderUsers(), testChatUsers())
	for _, key := range []string{"PHID-USER-zz", "mallory", ""} {
		if _, ok := dir.Lookup(key); ok {
			t.Errorf("Lookup(%q) unexpectedly found an identity", key)
		}
	}
}

func TestMention(t *testing.T) {
	dir := Build(nil, testProviderUsers(), testChatUsers())

	tests := []struct {
		key  string
		want string
	}{
		{"PHID-USER-aa", "<@S1>"},
		{"alice", "<@S1>"},
		// Resolvable but not mentionable; fall back to the bare key.
		{"PHID-USER-cc", "PHID-USER-cc"},
		{"carol", "carol"},
		// Unknown users keep the bare key too.
		{"mallory", "mallory"},
		{"PHID-USER-zz", "PHID-USER-zz"},
		// Non-user objects are suppressed entirely.
		{"PHID-PROJ-1234", ""},
		{"PHID-REPO-1234", ""},
	}
	for _, tt := range tests {
		if got := dir.Mention(tt.key); got != tt.want {
			t.Errorf("Mention(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestMentionTotalForUserKeys(t *testing.T) {
	dir := Build(nil, testProviderUsers(), testChatUsers())
	for _, key := range []string{"PHID-USER-aa", "PHID-USER-zz", "alice", "carol", "nobody-here"} {
		if got := dir.Mention(key); got == "" {
			t.Errorf("Mention(%q) returned an empty string for a user key", key)
		}
	}
}
