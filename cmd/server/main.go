// Package main runs the task queue: the workers that execute tasks, the
// periodic sweeps and the JSON control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

type options struct {
	configPath string
	migrate    string
	noWorkers  bool
	noAPI      bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("taskqueue", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&o.migrate, "migrate", "", "run a migration command (up, down, reset, status, version) and exit")
	fs.BoolVar(&o.noWorkers, "no-workers", false, "serve the API without executing tasks")
	fs.BoolVar(&o.noAPI, "no-api", false, "execute tasks without serving the API")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.noWorkers && o.noAPI {
		return o, fmt.Errorf("-no-workers and -no-api cannot both be set")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("taskqueue: %v", err)
	}
}

// run loads configuration, prepares the database and either runs a single
// migration command or the application until ctx is cancelled.
func run(ctx context.Context, opts options) error {
	cfg, err := loadAppConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	db, err := setupAppDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database connection", "error", err)
		}
	}()

	if opts.migrate != "" {
		return runMigrations(ctx, db, opts.migrate, logger)
	}
	if err := runMigrations(ctx, db, "up", logger); err != nil {
		return err
	}

	app, err := newApplication(cfg, logger, db)
	if err != nil {
		return err
	}
	defer app.cleanup()

	return app.serve(ctx, !opts.noWorkers, !opts.noAPI)
}
