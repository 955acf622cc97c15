package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/notiphier/notiphier/internal/phabricator"
	"github.com/notiphier/notiphier/internal/slack"
)

// ProviderSource supplies the Phabricator user snapshot.
type ProviderSource interface {
	Users(ctx context.Context) ([]phabricator.User, error)
}

// ChatSource supplies the Slack workspace member snapshot.
type ChatSource interface {
	Users(ctx context.Context) ([]slack.ChatUser, error)
}

// Service owns the current directory snapshot. The snapshot itself is
// immutable; Refresh builds a new one and swaps the pointer, so
// in-flight deliveries keep reading the snapshot they started with.
type Service struct {
	provider ProviderSource
	chat     ChatSource
	logger   *slog.Logger

	current atomic.Pointer[Directory]
	cron    *cron.Cron
}

// NewService creates the directory service. Call Refresh once before
// serving traffic; Current returns nil on a never-built directory.
func NewService(log *slog.Logger, provider ProviderSource, chat ChatSource) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		provider: provider,
		chat:     chat,
		logger:   log.With(slog.String("component", "directory")),
	}
}

// Current returns the latest directory snapshot, or nil if Refresh has
// never succeeded.
func (s *Service) Current() *Directory {
	return s.current.Load()
}

// Refresh fetches both directory snapshots, merges them, and swaps the
// result in atomically.
func (s *Service) Refresh(ctx context.Context) error {
	providerUsers, err := s.provider.Users(ctx)
	if err != nil {
		return fmt.Errorf("directory: fetch phabricator users: %w", err)
	}
	chatUsers, err := s.chat.Users(ctx)
	if err != nil {
		return fmt.Errorf("directory: fetch slack users: %w", err)
	}

	dir := Build(s.logger, providerUsers, chatUsers)
	s.current.Store(dir)
	s.logger.Info("directory rebuilt", slog.Int("identities", dir.Len()))
	return nil
}

// StartRefresh schedules periodic rebuilds with the given cron
// expression. A refresh failure keeps the previous snapshot and is
// logged, never fatal.
func (s *Service) StartRefresh(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Error("scheduled directory refresh failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("directory: bad refresh schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// StopRefresh stops the refresh schedule, if one was started.
func (s *Service) StopRefresh() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
