package main

import (
	"context"
	"os"

	"github.com/cwygoda/tubequeue/internal/config"
	"github.com/cwygoda/tubequeue/internal/logging"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "tubequeue",
		Usage: "Queue and download videos and playlists with yt-dlp",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   config.DefaultConfigPath(),
				Sources: cli.EnvVars("TUBEQUEUE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			configCommand(),
			checkCommand(),
			historyCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logging.New(os.Stderr, "info").Fatal("application error", "err", err)
	}
}
