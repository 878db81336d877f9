package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/api"
	"github.com/datalab-tools/tiktok-research-crawler/internal/clock/system"
	"github.com/datalab-tools/tiktok-research-crawler/internal/config"
	"github.com/datalab-tools/tiktok-research-crawler/internal/crawler"
	"github.com/datalab-tools/tiktok-research-crawler/internal/credentials"
	"github.com/datalab-tools/tiktok-research-crawler/internal/id/uuid"
	"github.com/datalab-tools/tiktok-research-crawler/internal/rawstore"
	"github.com/datalab-tools/tiktok-research-crawler/internal/rawstore/gcs"
	"github.com/datalab-tools/tiktok-research-crawler/internal/rawstore/local"
	"github.com/datalab-tools/tiktok-research-crawler/internal/storage/postgres"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

type runFlags struct {
	query queryFlags

	start    string
	end      string
	tags     []string
	dryRun   bool
	stopOne  bool
	maxReqs  int
	comments bool
	users    bool
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a crawl over a date range",
		Long: `Splits the date range into windows, paginates each window through the
research API, and persists every page into Postgres. The run survives daily
quota exhaustion by waiting for the configured recovery strategy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), f)
		},
	}

	f.query.register(cmd)
	flags := cmd.Flags()
	flags.StringVar(&f.start, "start", "", "first date to crawl, inclusive (YYYYMMDD)")
	flags.StringVar(&f.end, "end", "", "last date to crawl, inclusive (YYYYMMDD)")
	flags.StringSliceVar(&f.tags, "query-tags", nil, "labels attached to this run's crawl records")
	flags.BoolVar(&f.dryRun, "dry-run", false, "fetch but do not persist")
	flags.BoolVar(&f.stopOne, "stop-after-one-request", false, "stop after the first successful request")
	flags.IntVar(&f.maxReqs, "max-requests", 0, "cap on successful requests for this run (0 = config value)")
	flags.BoolVar(&f.comments, "fetch-comments", false, "also fetch comments for every video")
	flags.BoolVar(&f.users, "fetch-user-info", false, "also fetch creator profiles")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runCrawl(ctx context.Context, f runFlags) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := buildRunOptions(cfg, f)
	if err != nil {
		return err
	}

	client, err := buildClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var store crawler.PageStore
	if !f.dryRun {
		if cfg.DB.DSN == "" {
			return errors.New("db.dsn is required (or pass --dry-run)")
		}
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}

	orch := crawler.New(client, store, system.New(), uuid.NewGenerator(), logger, policyConfig(cfg))

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(orch, client, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	result, err := orch.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	logger.Info("crawl finished",
		zap.String("run_id", result.RunID),
		zap.Int("windows", result.Windows),
		zap.Int("pages", result.PagesPersisted),
		zap.Int("videos", result.Videos),
		zap.Int("requests", result.RequestsSucceeded),
		zap.Int64("requests_sent_total", client.RequestsSent()),
		zap.Bool("aborted", result.Aborted))
	return nil
}

func buildRunOptions(cfg config.Config, f runFlags) (crawler.Options, error) {
	q, err := f.query.resolve()
	if err != nil {
		return crawler.Options{}, err
	}
	start, err := tiktok.ParseDate(f.start)
	if err != nil {
		return crawler.Options{}, fmt.Errorf("parse --start: %w", err)
	}
	end, err := tiktok.ParseDate(f.end)
	if err != nil {
		return crawler.Options{}, fmt.Errorf("parse --end: %w", err)
	}

	maxRequests := cfg.Crawl.MaxRequests
	if f.maxReqs > 0 {
		maxRequests = f.maxReqs
	}
	if f.stopOne {
		maxRequests = 1
	}

	return crawler.Options{
		Query:         q,
		QueryTags:     f.tags,
		StartDate:     start,
		EndDate:       end,
		WindowDays:    cfg.Crawl.WindowDays,
		MaxCount:      cfg.API.MaxCount,
		MaxRequests:   maxRequests,
		FetchUserInfo: f.users || cfg.Crawl.FetchUserInfo,
		FetchComments: f.comments || cfg.Crawl.FetchComments,
	}, nil
}

func buildClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (*tiktok.Client, error) {
	if cfg.API.CredentialsFile == "" {
		return nil, errors.New("api.credentials_file is required")
	}
	creds, err := credentials.LoadFile(cfg.API.CredentialsFile)
	if err != nil {
		return nil, err
	}
	tokens, err := credentials.NewTokenProvider(creds, "")
	if err != nil {
		return nil, err
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The store applies the configured path prefix; the client's prefix keys
	// each invocation's responses apart.
	return tiktok.NewClient(tokens, tiktok.ClientConfig{
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Archive:           archive,
		ArchivePrefix:     time.Now().UTC().Format("20060102T150405Z"),
	}, logger)
}

func buildArchive(ctx context.Context, cfg config.Config) (rawstore.Store, error) {
	switch cfg.Archive.Provider {
	case "":
		return nil, nil
	case "local":
		return local.New(local.Config{BaseDir: cfg.Archive.Dir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket, Prefix: cfg.Archive.Prefix})
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func policyConfig(cfg config.Config) crawler.PolicyConfig {
	pc := crawler.PolicyConfig{}
	switch cfg.API.RateLimitWaitStrategy {
	case "next_utc_midnight":
		pc.QuotaWait = crawler.UTCMidnightWait{}
	default:
		pc.QuotaWait = crawler.FixedWait(cfg.API.FixedWait)
	}
	return pc
}
