package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/docrelay/pkg/attachments"
	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/channels"
	"github.com/sipeed/docrelay/pkg/config"
	"github.com/sipeed/docrelay/pkg/gateway"
	"github.com/sipeed/docrelay/pkg/heartbeat"
	"github.com/sipeed/docrelay/pkg/logger"
	"github.com/sipeed/docrelay/pkg/relay"
	"github.com/sipeed/docrelay/pkg/session"
	"github.com/sipeed/docrelay/pkg/usage"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.FatalCF("main", "Failed to load config", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.Validate(); err != nil {
		logger.FatalCF("main", "Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WarnCF("main", "Unknown log level, keeping info", map[string]interface{}{"level": cfg.Logging.Level})
		level = logger.INFO
	}
	logger.SetLevel(level)
	if cfg.Logging.FilePath != "" {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath); err != nil {
			logger.WarnCF("main", "File logging disabled", map[string]interface{}{"error": err.Error()})
		}
	}
	defer logger.Sync()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(sigCtx, cfg); err != nil {
		logger.ErrorCF("main", "Relay exited with error", map[string]interface{}{"error": err.Error()})
		logger.Sync()
		os.Exit(1)
	}
	logger.InfoC("main", "Relay stopped")
}

// run wires the pipeline. sigCtx only starts the shutdown sequence; the
// session and worker run on their own context so queued tasks can drain
// after the webhook stops accepting new ones.
func run(sigCtx context.Context, cfg *config.Config) error {
	staging, err := attachments.NewStaging(cfg.StagingPath())
	if err != nil {
		return err
	}
	queue := bus.NewTaskQueue(cfg.Relay.MaxPending)
	journal := usage.NewStore(cfg.StatePath())

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	sess, err := session.NewManager(runCtx, cfg.Backend)
	if err != nil {
		return err
	}
	if err := sess.Start(runCtx); err != nil {
		return err
	}

	ch, err := channels.NewTelegramChannel(cfg.Telegram, cfg.Relay.ForwardChatID, queue, journal)
	if err != nil {
		return err
	}
	if err := ch.RegisterWebhook(runCtx, cfg.WebhookURL(), cfg.Telegram.WebhookSecret); err != nil {
		return err
	}

	srv := gateway.NewServer(gateway.Options{
		Addr:        cfg.ListenAddr(),
		WebhookPath: cfg.WebhookPath(),
		Secret:      cfg.Telegram.WebhookSecret,
		Debug:       logger.GetLevel() == logger.DEBUG,
	}, ch.HandleUpdate)

	worker := relay.NewWorker(sess, queue, staging, time.Duration(cfg.Relay.YieldMS)*time.Millisecond)
	worker.OnResult(journal.OnResult)
	if cfg.Relay.NotifyRequester {
		worker.OnResult(ch.NotifyResult)
	}

	var hb *heartbeat.Service
	if cfg.Heartbeat.Enabled {
		if hb, err = heartbeat.NewService(cfg.Heartbeat.Schedule, queue, staging, journal); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(srv.Serve)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(sess.Wait)

	if hb != nil {
		g.Go(func() error { return hb.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			logger.InfoC("main", "Shutdown requested")
		case <-gctx.Done():
		}

		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.WarnCF("main", "HTTP shutdown error", map[string]interface{}{"error": err.Error()})
		}

		if gctx.Err() == nil {
			drainCtx, cancel := context.WithTimeout(gctx, time.Duration(cfg.Relay.DrainTimeoutSec)*time.Second)
			defer cancel()
			if err := queue.Drain(drainCtx); err != nil {
				logger.WarnCF("main", "Queued tasks dropped at shutdown", map[string]interface{}{
					"pending": queue.Len(),
				})
			}
		}

		queue.Close()
		cancelRun()
		return nil
	})

	logger.InfoCF("main", "Relay running", map[string]interface{}{
		"addr":          cfg.ListenAddr(),
		"relay_chat_id": cfg.Relay.ForwardChatID,
		"staging_dir":   staging.RootPath(),
	})
	return g.Wait()
}
