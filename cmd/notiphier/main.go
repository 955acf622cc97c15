package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/notiphier/notiphier/internal/classifier"
	"github.com/notiphier/notiphier/internal/config"
	"github.com/notiphier/notiphier/internal/directory"
	"github.com/notiphier/notiphier/internal/firehose"
	"github.com/notiphier/notiphier/internal/handlers"
	"github.com/notiphier/notiphier/internal/logger"
	"github.com/notiphier/notiphier/internal/phabricator"
	"github.com/notiphier/notiphier/internal/renderer"
	"github.com/notiphier/notiphier/internal/routing"
	"github.com/notiphier/notiphier/internal/server"
	"github.com/notiphier/notiphier/internal/slack"
	"github.com/notiphier/notiphier/internal/version"
)

const upstreamTimeout = 10 * time.Second

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			providePhabricatorClient,
			provideSlackClient,
			provideDirectoryService,
			provideClassifier,
			provideRenderer,
			provideRouter,
			provideFirehoseService,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideFirehoseHandler),

			provideServer,
		),
		fx.Invoke(
			startDirectory,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func providePhabricatorClient(log *slog.Logger, cfg config.Config) (*phabricator.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()

	client, err := phabricator.NewClient(ctx, log, cfg.Phabricator.URL, cfg.Phabricator.Token, upstreamTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect phabricator: %w", err)
	}
	return client, nil
}

func provideSlackClient(log *slog.Logger, cfg config.Config) (*slack.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()

	client, err := slack.NewClient(ctx, log, cfg.Slack.Token)
	if err != nil {
		return nil, fmt.Errorf("connect slack: %w", err)
	}
	return client, nil
}

func provideDirectoryService(log *slog.Logger, phab *phabricator.Client, chat *slack.Client) *directory.Service {
	return directory.NewService(log, phab, chat)
}

func provideClassifier(phab *phabricator.Client) *classifier.Classifier {
	return classifier.New(phab)
}

func provideRenderer(phab *phabricator.Client, dir *directory.Service) *renderer.Renderer {
	return renderer.New(phab, dir)
}

func provideRouter(cfg config.Config) *routing.Router {
	return routing.New(cfg.Slack.Channel, cfg.Routing.Channels)
}

func provideFirehoseService(c *classifier.Classifier, r *renderer.Renderer, router *routing.Router, sender *slack.Client) *firehose.Service {
	return firehose.NewService(c, r, router, sender)
}

func provideFirehoseHandler(log *slog.Logger, service *firehose.Service, cfg config.Config) *handlers.FirehoseHandler {
	return handlers.NewFirehoseHandler(log, service, cfg.Webhook.Secret)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

// startDirectory builds the initial identity snapshot before the
// server accepts deliveries; a failed build aborts startup. The
// optional cron schedule rebuilds it in the background, swapping the
// snapshot atomically.
func startDirectory(lc fx.Lifecycle, dir *directory.Service, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := dir.Refresh(ctx); err != nil {
				return err
			}
			if schedule := cfg.Directory.RefreshCron; schedule != "" {
				return dir.StartRefresh(schedule)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			dir.StopRefresh()
			return nil
		},
	})
}

func startServer(
	lc fx.Lifecycle,
	log *slog.Logger,
	srv *server.Server,
	service *firehose.Service,
	shutdowner fx.Shutdowner,
) {
	fmt.Printf("Starting Notiphier %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := service.Welcome(ctx); err != nil {
				log.Warn("welcome message failed", slog.Any("error", err))
			}

			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
