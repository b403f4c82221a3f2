package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zulandar/parlor/internal/bot"
	"github.com/zulandar/parlor/internal/chat"
	discordadapter "github.com/zulandar/parlor/internal/chat/discord"
	slackadapter "github.com/zulandar/parlor/internal/chat/slack"
	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/dashboard"
	"github.com/zulandar/parlor/internal/persona"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Parlor bot",
		Long:  "Connects to the configured chat platform, restores sessions, and serves users until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parlor config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile := setupLogging(cfg.Log)
	defer logFile.Close()

	catalog, err := persona.NewDirCatalog(cfg.Personas.Dir, cfg.Personas.Max)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, out)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer closeStore()

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		Config:  cfg,
		Adapter: adapter,
		Store:   store,
		Catalog: catalog,
		Out:     out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Sessions: store,
				Personas: catalog,
				Port:     cfg.Dashboard.Port,
				Out:      out,
			})
			if err != nil {
				log.Printf("warning: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}

// setupLogging sends the standard logger to stderr and a rotating file.
func setupLogging(cfg config.LogConfig) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

// createAdapter builds the chat adapter for the configured platform.
func createAdapter(cfg *config.Config) (chat.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}
