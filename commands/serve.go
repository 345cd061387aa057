package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tomasmach/cai/bot"
	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/dispatch"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/logstore"
	"github.com/tomasmach/cai/persona"
	"github.com/tomasmach/cai/recap"
	"github.com/tomasmach/cai/shorts"
	"github.com/tomasmach/cai/web"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `cai serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and start replying",
		Long: `Run the bot, the operator web server and the config watcher until
interrupted. Queued messages are answered before exit.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath := configPath(cmd)
	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	cfg := cfgStore.Get()

	logs, err := logstore.Open(cfg.Logs.DBPath)
	if err != nil {
		return err
	}
	defer logs.Close()
	setupLogger(cmd, logs)
	slog.Info("config loaded", "path", cfgPath, "provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	personas := persona.NewStore(cfg.Persona.File)
	persister, err := convo.NewPersister(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return err
	}
	history := convo.Open(persister, personas.Load().MaxMemorySize)
	slog.Info("history opened", "backend", cfg.History.Backend, "exchanges", history.Len())

	gen, err := llm.New(ctx, cfgStore)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	// Create the bot first so the messenger can share its session.
	b, err := bot.New(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	controller := dispatch.New(dispatch.Deps{
		Config:     cfgStore,
		Personas:   personas,
		History:    history,
		Generator:  gen,
		Summarizer: recap.New(gen, personas, cfg.LLM.RecapModel),
		Messenger:  bot.NewMessenger(b.Session()),
	})
	b.SetDispatcher(controller)

	if cfg.Shorts.Enabled {
		collection, err := shorts.OpenCollection(cfg.Shorts.DBPath)
		if err != nil {
			return err
		}
		defer collection.Close()
		game := shorts.NewGame(cfgStore, shorts.NewYouTube(cfg.Shorts.APIKey, cfg.Shorts.BaseURL), collection, b.Session())
		defer game.Close()
		b.SetGame(game)
		slog.Info("shorts game enabled", "channel", cfg.Shorts.Channel)
	}

	webServer := web.New(cfg.Web.Addr, web.Deps{
		Config:     cfgStore,
		Personas:   personas,
		History:    history,
		Controller: controller,
		Logs:       logs,
	})
	webServer.StartStatusPoller(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		controller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return cfgStore.Watch(gctx, func(c *config.Config) {
			slog.Info("config reloaded", "provider", c.LLM.Provider)
		})
	})
	g.Go(func() error {
		slog.Info("web server listening", "addr", cfg.Web.Addr)
		if err := webServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return webServer.Shutdown(shutdownCtx)
	})

	if err := b.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start bot: %w", err)
	}
	slog.Info("bot started")

	<-gctx.Done()
	slog.Info("shutting down")
	if err := b.Stop(); err != nil {
		slog.Warn("close discord session", "error", err)
	}
	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
