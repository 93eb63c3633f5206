package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/board-archiver/internal/api"
	"github.com/JakeFAU/board-archiver/internal/board"
	"github.com/JakeFAU/board-archiver/internal/config"
	"github.com/JakeFAU/board-archiver/internal/consumer"
	"github.com/JakeFAU/board-archiver/internal/download"
	"github.com/JakeFAU/board-archiver/internal/fetch"
	"github.com/JakeFAU/board-archiver/internal/inspect"
	"github.com/JakeFAU/board-archiver/internal/logging"
	"github.com/JakeFAU/board-archiver/internal/scheduler"
	"github.com/JakeFAU/board-archiver/internal/store"
	"github.com/JakeFAU/board-archiver/internal/tracker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the archival loop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	pool := fetch.NewPool(
		fetch.WithUserAgent(cfg.Scraper.UserAgent),
		fetch.WithTimeout(cfg.HTTP.Timeout()),
	)
	for i, proxy := range cfg.Scraper.Proxies {
		label := fmt.Sprintf("proxy/%d", i)
		if err := pool.RegisterProxy(proxy, label, cfg.Scraper.APIDelay()); err != nil {
			return fmt.Errorf("register %s: %w", label, err)
		}
	}
	if pool.Len() == 0 {
		pool.RegisterDirect("direct/none", cfg.Scraper.APIDelay())
	}

	var inspector inspect.Inspector = inspect.Noop{}
	if cfg.Inspector.Enabled {
		inspector = inspect.NewFfprobe(cfg.Inspector.FfprobePath, logger)
	}

	cons := consumer.New(consumer.Config{
		DownloadLocation:  cfg.Archive.DownloadLocation,
		FullImagesEnabled: cfg.Archive.FullImagesEnabled,
		ThumbnailsEnabled: cfg.Archive.ThumbnailsEnabled,
	}, st, inspector, logger)

	tempDir := cfg.Archive.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(cfg.Archive.DownloadLocation, "tmp")
	}
	exec := download.NewExecutor(pool, cons, tempDir, cfg.Scraper.DownloadConcurrency, logger)

	boards, err := buildBoards(ctx, cfg, st)
	if err != nil {
		return err
	}

	sched := scheduler.New(
		board.NewYotsubaAdapter(pool),
		tracker.StartTracking(nil),
		cons,
		exec,
		scheduler.Config{
			Boards:           boards,
			BoardScrapeDelay: cfg.Scraper.BoardScrapeDelay(),
			Concurrency:      cfg.Scraper.Concurrency,
		},
		logger,
	)

	srv := api.New(cfg.Server.Port, logger)
	go srv.Start()

	logger.Info("archiver starting",
		zap.Int("boards", len(boards)),
		zap.String("backend", cfg.DB.Backend),
		zap.String("download_location", cfg.Archive.DownloadLocation),
	)
	sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.DBConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		st, err := store.NewPostgres(ctx, store.PostgresConfig{DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

func buildBoards(ctx context.Context, cfg config.Config, st store.Store) ([]scheduler.Board, error) {
	var boards []scheduler.Board
	for name, rules := range cfg.Boards {
		if err := st.EnsureBoard(ctx, name); err != nil {
			return nil, fmt.Errorf("ensure board %s: %w", name, err)
		}
		b := scheduler.Board{Name: name}
		if rules.ThreadTitleFilter != "" {
			re, err := regexp.Compile(rules.ThreadTitleFilter)
			if err != nil {
				return nil, fmt.Errorf("board %s title filter: %w", name, err)
			}
			b.Rules.ThreadTitleFilter = re
		}
		if rules.OPContentFilter != "" {
			re, err := regexp.Compile(rules.OPContentFilter)
			if err != nil {
				return nil, fmt.Errorf("board %s op content filter: %w", name, err)
			}
			b.Rules.OPContentFilter = re
		}
		boards = append(boards, b)
	}
	return boards, nil
}
