package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmcoimbra/sound2transcript/internal/buildinfo"
	"github.com/jmcoimbra/sound2transcript/internal/bus"
	"github.com/jmcoimbra/sound2transcript/internal/config"
	"github.com/jmcoimbra/sound2transcript/internal/logging"
	"github.com/jmcoimbra/sound2transcript/internal/retention"
	"github.com/jmcoimbra/sound2transcript/internal/session"
)

func main() {
	failed, err := run(os.Args[1:])
	if err != nil {
		slog.Error("sound2transcript-gc failed", "error", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(args []string) (int, error) {
	if err := config.LoadFile(config.EnvFile()); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	cfg := config.Load()

	fs := flag.NewFlagSet("sound2transcript-gc", flag.ExitOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	durationFlag(fs, &cfg.MaxAgeRecordings, "max-age-recordings", "delete closed recordings older than this (e.g. 7d)")
	durationFlag(fs, &cfg.MaxAgeTranscripts, "max-age-transcripts", "delete closed transcripts older than this")
	durationFlag(fs, &cfg.MaxAgeLogs, "max-age-logs", "delete closed logs older than this")
	fs.Func("max-total-size", "keep total artifact size under this (e.g. 20GB)", func(s string) error {
		n, err := config.ParseSize(s)
		cfg.MaxTotalSize = n
		return err
	})
	fs.IntVar(&cfg.MaxFileCount, "max-file-count", cfg.MaxFileCount, "keep at most this many artifacts")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted")
	version := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *version {
		fmt.Println("sound2transcript-gc", buildinfo.Version)
		return 0, nil
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := retention.Policy{
		MaxAgeRecordings:  cfg.MaxAgeRecordings,
		MaxAgeTranscripts: cfg.MaxAgeTranscripts,
		MaxAgeLogs:        cfg.MaxAgeLogs,
		MaxTotalSize:      cfg.MaxTotalSize,
		MaxFileCount:      cfg.MaxFileCount,
	}

	// Without a registry only the .open suffix protects live files.
	var active retention.ActiveLookup
	regPath := session.DefaultPath(cfg.DataDir)
	if _, err := os.Stat(regPath); err == nil {
		reg, err := session.OpenRegistry(ctx, regPath)
		if err != nil {
			return 0, err
		}
		defer reg.Close()
		active = reg
	}

	sum, err := retention.New(cfg.DataDir, policy, active, logger).Run(ctx, *dryRun)
	if sum != nil {
		printSummary(sum)
		publishSummary(cfg, sum, logger)
	}
	if err != nil {
		return 0, err
	}
	return sum.Failed, nil
}

func durationFlag(fs *flag.FlagSet, dst *time.Duration, name, usage string) {
	fs.Func(name, usage, func(s string) error {
		d, err := config.ParseDuration(s)
		*dst = d
		return err
	})
}

func printSummary(sum *retention.Summary) {
	verb, n, bytes := "deleted", sum.Deleted, sum.BytesReclaimed
	if sum.DryRun {
		verb, n, bytes = "would delete", len(sum.Candidates), 0
		for _, c := range sum.Candidates {
			bytes += c.Size
			fmt.Printf("%s\t%s\t%s\n", c.Reason, humanize.Bytes(uint64(c.Size)), c.Path)
		}
	}
	fmt.Printf("scanned %d files, %s %d (%s), skipped %d, failed %d\n",
		sum.Scanned, verb, n, humanize.Bytes(uint64(bytes)), sum.Skipped, sum.Failed)
	for _, e := range sum.Errors {
		fmt.Fprintln(os.Stderr, e)
	}
}

func publishSummary(cfg config.Config, sum *retention.Summary, logger *slog.Logger) {
	if cfg.NatsURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bc, err := bus.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		logger.Warn("NATS unavailable, gc summary not published", "error", err)
		return
	}
	defer bc.Close()
	ev := bus.GCEvent{
		DataDir:        cfg.DataDir,
		DryRun:         sum.DryRun,
		Scanned:        sum.Scanned,
		Deleted:        sum.Deleted,
		Failed:         sum.Failed,
		BytesReclaimed: sum.BytesReclaimed,
		At:             time.Now().UTC(),
	}
	if err := bc.PublishGC(ev); err != nil {
		logger.Warn("failed to publish gc summary", "error", err)
		return
	}
	bc.Flush(ctx)
}
