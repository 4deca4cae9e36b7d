package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/cwygoda/tubequeue/internal/adapter/events"
	httpAdapter "github.com/cwygoda/tubequeue/internal/adapter/http"
	"github.com/cwygoda/tubequeue/internal/adapter/processor"
	"github.com/cwygoda/tubequeue/internal/adapter/sqlite"
	"github.com/cwygoda/tubequeue/internal/config"
	"github.com/cwygoda/tubequeue/internal/domain"
	"github.com/cwygoda/tubequeue/internal/logging"
	"github.com/cwygoda/tubequeue/internal/worker"
)

const journalBuffer = 1024

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the download queue and HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port, overrides the config file",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "Number of download workers, overrides the config file",
			},
		},
		Action: serve,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the example configuration",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("config")
					if err := config.CreateConfigFile(path); err != nil {
						return err
					}
					fmt.Printf("wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration as JSON",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := config.Load(cmd.String("config"))
					if err != nil {
						return err
					}
					cfg.Server.Secret = ""
					return printJSON(cfg)
				},
			},
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Report whether yt-dlp and ffmpeg are available",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			report := processor.DependencyStatus(cfg.Downloader.Binary, cfg.Downloader.FFmpegLocation)
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.YTDLPFound || !report.FFmpegFound {
				return cli.Exit("missing dependencies", 1)
			}
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Print recorded jobs from the journal",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries",
				Value: 20,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			journal, err := sqlite.New(cfg.Database.Path, logging.New(os.Stderr, cfg.Log.Level))
			if err != nil {
				return err
			}
			defer journal.Close()

			entries, err := journal.History(ctx, int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			for _, e := range entries {
				status := string(e.Status)
				if e.FailureReason != "" {
					status += ": " + e.FailureReason
				}
				fmt.Printf("%s  %-24s  %-12s  %s\n", e.UpdatedAt.Local().Format(time.DateTime), status, e.FolderName, e.Title)
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.Server.Port = int(port)
	}
	if threads := cmd.Int("threads"); threads > 0 {
		cfg.Queue.ThreadCount = int(threads)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level)
	logger.Info("starting tubequeue", "port", cfg.Server.Port, "data", cfg.Paths.DataDir, "db", cfg.Database.Path)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	if n := processor.CleanupTemp(cfg.Paths.TempDir, cfg.Subtitles.Format, logger); n > 0 {
		logger.Info("removed leftover temp files", "count", n)
	}

	journal, err := sqlite.New(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer journal.Close()

	if recovered, err := journal.RecoverStale(ctx); err != nil {
		logger.Warn("failed to recover stale jobs", "err", err)
	} else if recovered > 0 {
		logger.Info("marked interrupted jobs", "count", recovered)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	hub := events.NewHub(logger)
	queue := worker.NewQueue()
	svc := domain.NewJobService(domain.ServiceOptions{
		Queue:            queue,
		Engine:           registry,
		Notifier:         hub,
		Logger:           logger,
		ProgressEvery:    cfg.Queue.ProgressEvery,
		ProgressInterval: cfg.Queue.ProgressInterval,
	})
	pool := worker.New(svc, registry, queue, worker.Options{
		Size:    cfg.Queue.ThreadCount,
		DataDir: cfg.Paths.DataDir,
		Logger:  logger,
	})

	srv := httpAdapter.NewServer(svc, httpAdapter.Options{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Secret:       cfg.Server.Secret,
		Hub:          hub,
		History:      journal,
		Destinations: cfg,
		Workers:      pool,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := hub.Subscribe(journalBuffer)
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		journal.Consume(context.WithoutCancel(ctx), sub.Events)
	}()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server error", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}

	<-poolDone
	hub.Unsubscribe(sub)
	<-journalDone

	logger.Info("shutdown complete")
	return nil
}

// buildRegistry registers configured command processors ahead of the yt-dlp fallback.
func buildRegistry(cfg *config.Config, logger *log.Logger) (*processor.Registry, error) {
	registry := processor.NewRegistry()
	for _, pc := range cfg.Processors {
		p, err := processor.NewCommandProcessor(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", pc.Name, err)
		}
		registry.Register(p)
	}
	registry.Register(processor.NewYTDLP(cfg.Downloader, cfg.Subtitles, cfg.Paths.TempDir, logger))
	return registry, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
