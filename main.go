// ytweb/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"ytweb/api"
	"ytweb/config"
	"ytweb/history"
	"ytweb/job"
	"ytweb/link"
	"ytweb/sweeper"
	"ytweb/ytdlp"
)

var version = "dev"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if err := app().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("application failed")
	}
}

func app() *cli.Command {
	return &cli.Command{
		Name:    "ytweb",
		Version: version,
		Usage:   "Personal web front end for downloading YouTube videos with yt-dlp",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Sources: cli.EnvVars("YTWEB_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL",
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "Listen port; overrides PORT",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.LogLevel = v
			}
			if v := cmd.String("port"); v != "" {
				cfg.Port = v
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	gin.SetMode(gin.ReleaseMode)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	// 1. Runner first; it checks that yt-dlp (and ffmpeg, if set) exist.
	runner, err := ytdlp.NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("initialize yt-dlp runner: %w", err)
	}

	// 2. In-memory stores
	links := link.NewStore(cfg.DownloadDir, cfg.LinkTTL)
	hist := history.New()
	jobs, err := job.NewManager(cfg, runner, links, hist)
	if err != nil {
		return fmt.Errorf("initialize job manager: %w", err)
	}

	// 3. Router
	h := api.NewHandler(cfg, jobs, links, hist, runner)

	// 4. Cleanup: old files on disk, stale jobs, expired links and idle
	// rate limit buckets
	sweep := sweeper.New(cfg.DownloadDir, cfg.FileRetention, cfg.SweepInterval, jobs, links)
	sweep.OnSweep(func(time.Time) {
		if n := jobs.Prune(cfg.FileRetention); n > 0 {
			log.Info().Int("count", n).Msg("pruned stale jobs")
		}
		if n := links.PurgeExpired(); n > 0 {
			log.Info().Int("count", n).Msg("purged expired links")
		}
		if n := h.EvictIdleClients(cfg.SweepInterval); n > 0 {
			log.Debug().Int("count", n).Msg("evicted idle rate limit clients")
		}
	})

	// 5. Server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(h, cfg),
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs.Start(ctx)
	sweep.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("download_dir", cfg.DownloadDir).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	// Restore default behavior on the interrupt signal.
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	// Running yt-dlp processes were started with ctx and are being killed.
	jobs.Wait()

	log.Info().Msg("server exiting")
	return nil
}
