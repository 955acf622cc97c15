// Package routing decides which Slack channels receive each rendered
// notification.
package routing

import (
	"sort"
	"strings"

	"github.com/notiphier/notiphier/internal/event"
	"github.com/notiphier/notiphier/internal/renderer"
)

// Delivery is one (channel, message) dispatch.
type Delivery struct {
	Channel string
	Message renderer.Message
}

// Router routes rendered messages. Every message goes to the default
// channel; diff and commit messages additionally go to the channel
// mapped to their repository, when one is configured. The rule is
// additive, never exclusive.
type Router struct {
	defaultChannel string
	repoChannels   map[string]string
	repoNames      []string
}

// New creates a router with the default channel and the
// repository-to-channel map.
func New(defaultChannel string, repoChannels map[string]string) *Router {
	names := make([]string, 0, len(repoChannels))
	for name := range repoChannels {
		names = append(names, name)
	}
	// Sorted so the substring fallback picks the same repository on
	// every run.
	sort.Strings(names)
	return &Router{
		defaultChannel: defaultChannel,
		repoChannels:   repoChannels,
		repoNames:      names,
	}
}

// DefaultChannel returns the channel every notification lands in.
func (r *Router) DefaultChannel() string {
	return r.defaultChannel
}

// Route returns the deliveries for msg, default channel first.
func (r *Router) Route(ev event.Event, msg renderer.Message) []Delivery {
	deliveries := []Delivery{{Channel: r.defaultChannel, Message: msg}}

	if !repoScoped(ev.Kind) {
		return deliveries
	}

	if ev.Repo != "" {
		if channel, ok := r.repoChannels[ev.Repo]; ok {
			deliveries = append(deliveries, Delivery{Channel: channel, Message: msg})
		}
		return deliveries
	}

	// No resolved repository; fall back to matching known repository
	// names against the rendered text.
	for _, name := range r.repoNames {
		if strings.Contains(msg.Text, name) {
			deliveries = append(deliveries, Delivery{Channel: r.repoChannels[name], Message: msg})
			break
		}
	}
	return deliveries
}

func repoScoped(kind event.Kind) bool {
	return strings.HasPrefix(string(kind), "diff-") || strings.HasPrefix(string(kind), "commit-")
}
