// Package slack wraps the Slack Web API: the workspace user snapshot
// used for identity merging and the chat.postMessage dispatch path.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// ChatUser is one workspace member eligible for mention resolution.
type ChatUser struct {
	ID          string
	DisplayName string
}

// Client posts notifications to Slack. Sends are rate limited to
// Slack's documented one-message-per-second posting limit.
type Client struct {
	api     *slackapi.Client
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewClient connects to Slack and verifies the token with auth.test.
// A failed auth check is returned as an error so startup can abort.
func NewClient(ctx context.Context, log *slog.Logger, token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	api := slackapi.New(token)
	if _, err := api.AuthTestContext(ctx); err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	return &Client{
		api:     api,
		logger:  log.With(slog.String("client", "slack")),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Users fetches the workspace member list, keeping only active human
// accounts that carry a display name.
func (c *Client) Users(ctx context.Context) ([]ChatUser, error) {
	c.logger.Info("fetching workspace members")

	members, err := c.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: users.list: %w", err)
	}
	return filterMembers(members), nil
}

// SendMessage posts text to the given channel as a color-coded
// attachment. The error is the caller's to log; nothing is retried.
func (c *Client) SendMessage(ctx context.Context, channel, text, color string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := c.api.PostMessageContext(ctx, channel,
		slackapi.MsgOptionAttachments(slackapi.Attachment{
			Text:  text,
			Color: color,
		}),
	)
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	return nil
}

// filterMembers drops bots, deactivated accounts, and members without
// a real name, so the directory merge only ever sees mentionable
// humans.
func filterMembers(members []slackapi.User) []ChatUser {
	users := make([]ChatUser, 0, len(members))
	for _, m := range members {
		if m.IsBot || m.Deleted || m.RealName == "" {
			continue
		}
		users = append(users, ChatUser{
			ID:          m.ID,
			DisplayName: m.RealName,
		})
	}
	return users
}
