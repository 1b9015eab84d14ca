package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/presence"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	if err := godotenv.Load(); err != nil {
		globals.AppLogger.Debug("no .env file loaded", "error", err)
	}

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	globals.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg)
	if err != nil {
		globals.AppLogger.Error("could not open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	chatService := chat.New(db, cfg.ChatConfig)
	hub, err := ws.NewHub(cfg, ws.Services{
		Chat:     chatService,
		Feed:     feed.New(db, cfg.NotificationsConfig),
		Presence: presence.New(db, cfg.PresenceConfig),
	})
	if err != nil {
		globals.AppLogger.Error("could not create hub", "error", err)
		os.Exit(1)
	}

	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if cfg.ChatConfig.TypingCleanupCron != "" {
		_, err = cronRunner.AddFunc(cfg.ChatConfig.TypingCleanupCron, func() {
			n, err := chatService.PurgeStaleTyping(ctx, cfg.ChatConfig.TypingRetention)
			if err != nil {
				globals.AppLogger.Warn("could not purge typing records", "error", err)
				return
			}
			if n > 0 {
				globals.AppLogger.Debug("purged typing records", "count", n)
			}
		})
		if err != nil {
			globals.AppLogger.Error("invalid typing cleanup schedule", "spec", cfg.ChatConfig.TypingCleanupCron, "error", err)
			os.Exit(1)
		}
	}
	cronRunner.Start()

	server := &http.Server{Addr: cfg.Addr, Handler: hub.Router()}
	go func() {
		globals.AppLogger.Info("listening", "addr", cfg.Addr)
		var err error
		if *sslCert != "" && *sslKey != "" {
			err = server.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			globals.AppLogger.Error("stopped listening", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	globals.AppLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		globals.AppLogger.Warn("could not shut down server gracefully", "error", err)
	}
	// websocket connections are hijacked, Shutdown does not wait for them
	hub.Close()
	<-cronRunner.Stop().Done()
}
