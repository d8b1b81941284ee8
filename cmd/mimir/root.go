package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/mimir/internal/adapter/backend"
	"github.com/xiaot623/gogo/mimir/internal/adapter/push"
	"github.com/xiaot623/gogo/mimir/internal/alert"
	"github.com/xiaot623/gogo/mimir/internal/config"
	"github.com/xiaot623/gogo/mimir/internal/hub"
	"github.com/xiaot623/gogo/mimir/internal/logging"
	"github.com/xiaot623/gogo/mimir/internal/service"
)

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	apiURL    string
	socketURL string
	token     string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "mimir",
		Short: "Terminal client for the assistant chat service",
		Long: `mimir talks to the chat backend over REST and streams assistant replies
over its push socket. Settings come from MIMIR_CONFIG, the environment
and the flags below, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&flags.apiURL, "api-url", "", "backend REST base URL")
	pf.StringVar(&flags.socketURL, "socket-url", "", "backend push socket URL")
	pf.StringVar(&flags.token, "token", "", "access token")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newChatCmd(flags),
		newConversationsCmd(flags),
		newPromptsCmd(flags),
		newCostCmd(flags),
		newDevBackendCmd(flags),
	)
	return root
}

// app is what every command needs: settings, a logger and the REST client.
type app struct {
	cfg *config.Config
	log *slog.Logger
	api *backend.Client
}

func newApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.apiURL != "" {
		cfg.APIURL = flags.apiURL
	}
	if flags.socketURL != "" {
		cfg.SocketURL = flags.socketURL
	}
	if flags.token != "" {
		cfg.AccessToken = flags.token
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	logger := logging.New(cfg.LogLevel, cmd.ErrOrStderr())
	api := backend.NewClient(cfg.APIURL, backend.StaticToken(cfg.AccessToken), backend.WithTimeout(cfg.HTTPTimeout))
	return &app{cfg: cfg, log: logger, api: api}, nil
}

// session is a connected client: hub, push socket and service.
type session struct {
	svc    *service.Service
	push   *push.Client
	banner *alert.Banner
	cancel context.CancelFunc
	done   chan struct{}
}

// connect starts the hub and push client and waits for the first handshake.
func (a *app) connect(ctx context.Context) (*session, error) {
	events := hub.New(a.log)
	banner := alert.NewBanner(a.log)
	pushClient := push.NewClient(push.Config{
		URL:               a.cfg.SocketURL,
		ReconnectAttempts: a.cfg.ReconnectAttempts,
		ReconnectBase:     a.cfg.ReconnectBase,
		ReconnectMax:      a.cfg.ReconnectMax,
	}, backend.StaticToken(a.cfg.AccessToken), events, a.log)

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		svc:    service.New(a.api, pushClient, events, banner, a.cfg, a.log),
		push:   pushClient,
		banner: banner,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	pushErr := make(chan error, 1)
	go events.Run(runCtx)
	go func() {
		defer close(s.done)
		err := pushClient.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			a.log.Error("push connection closed", slog.String("error", err.Error()))
			banner.SetError("Lost connection to the server.")
		}
		pushErr <- err
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for pushClient.ConnectionID() == "" {
		select {
		case <-ctx.Done():
			s.close()
			return nil, ctx.Err()
		case err := <-pushErr:
			s.close()
			return nil, fmt.Errorf("connect to %s: %w", a.cfg.SocketURL, err)
		case <-ticker.C:
		}
	}
	return s, nil
}

func (s *session) close() {
	s.cancel()
	<-s.done
}
