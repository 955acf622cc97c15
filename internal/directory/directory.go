// Package directory merges the Phabricator and Slack user directories
// into one immutable identity snapshot keyed by PHID and username.
package directory

import (
	"log/slog"
	"strings"

	"github.com/notiphier/notiphier/internal/phabricator"
	"github.com/notiphier/notiphier/internal/slack"
)

const userPHIDPrefix = "PHID-USER-"

// Identity is one merged user record. SlackID is empty when no Slack
// member carries the same real name; such identities still resolve by
// PHID and username, they just cannot be pinged.
type Identity struct {
	PHID     string
	Username string
	SlackID  string
}

// Directory is an immutable snapshot of merged identities. It is safe
// for unlimited concurrent readers; a rebuilt snapshot replaces the
// old one wholesale through Service.
type Directory struct {
	byPHID map[string]Identity
}

// Build merges the two directory snapshots. Matching is by exact
// real-name string equality, deliberately without case folding or
// whitespace normalization: a looser match would silently change who
// gets pinged. Slack members with no Phabricator counterpart are
// ignored.
func Build(log *slog.Logger, providerUsers []phabricator.User, chatUsers []slack.ChatUser) *Directory {
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]string, len(chatUsers))
	for _, u := range chatUsers {
		byName[u.DisplayName] = u.ID
	}

	byPHID := make(map[string]Identity, len(providerUsers))
	for _, u := range providerUsers {
		slackID, ok := byName[u.RealName]
		if !ok {
			log.Warn("no slack account for user", slog.String("real_name", u.RealName))
		}
		byPHID[u.PHID] = Identity{
			PHID:     u.PHID,
			Username: u.Username,
			SlackID:  slackID,
		}
	}

	return &Directory{byPHID: byPHID}
}

// Lookup resolves an identity by PHID or by Phabricator username.
// Username lookups scan the directory; it holds at most a few hundred
// entries.
func (d *Directory) Lookup(key string) (Identity, bool) {
	if strings.HasPrefix(key, userPHIDPrefix) {
		id, ok := d.byPHID[key]
		return id, ok
	}
	for _, id := range d.byPHID {
		if id.Username == key {
			return id, true
		}
	}
	return Identity{}, false
}

// Mention returns a Slack mention token for the user behind key, or
// the bare key when the user is unknown or has no Slack account, so
// the information survives even when it cannot ping. Keys naming
// non-user objects (projects, repos) yield an empty mention.
func (d *Directory) Mention(key string) string {
	if strings.HasPrefix(key, "PHID-") && !strings.HasPrefix(key, userPHIDPrefix) {
		return ""
	}
	id, ok := d.Lookup(key)
	if !ok || id.SlackID == "" {
		return key
	}
	return "<@" + id.SlackID + ">"
}

// Len reports the number of merged identities.
func (d *Directory) Len() int {
	return len(d.byPHID)
}
