package renderer

import (
	"regexp"
	"strings"
)

// Phabricator usernames: letters, digits, periods, hyphens,
// underscores.
var mentionPattern = regexp.MustCompile(`@[A-Za-z0-9._-]+`)

// RewriteMentions replaces inline @username tokens in free-form
// comment text with chat mentions. resolve maps a username to a
// mention token; when it cannot (it returns the bare username back),
// the original token is kept so no information is ever dropped. The
// function is pure and idempotent: already-rewritten text passes
// through unchanged.
func RewriteMentions(text string, resolve func(key string) string) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		username := strings.TrimPrefix(token, "@")
		mention := resolve(username)
		if mention == "" || mention == username {
			return token
		}
		return mention
	})
}
