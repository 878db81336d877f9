package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// Fetcher is the full API surface a crawl needs.
type Fetcher interface {
	VideoFetcher
	SecondaryFetcher
}

// Options parameterizes one crawl run.
type Options struct {
	// Query is the validated query payload sent with every video request.
	Query json.RawMessage
	// QueryTags label the run's crawl records.
	QueryTags []string

	// StartDate and EndDate bound the crawl, both inclusive.
	StartDate time.Time
	EndDate   time.Time

	// WindowDays caps each window's span; defaults to DefaultWindowDays.
	WindowDays int
	// MaxCount is the page size requested from the API; defaults to 100.
	MaxCount int
	// MaxRequests caps successful physical requests across the whole run,
	// secondary fetches included. Zero means unlimited.
	MaxRequests int

	// FetchUserInfo enables creator profile lookups for every distinct
	// username observed.
	FetchUserInfo bool
	// FetchComments enables comment pagination for every video observed.
	FetchComments bool
}

// RunResult summarizes a completed or aborted run.
type RunResult struct {
	RunID          string
	Windows        int
	PagesPersisted int
	Videos         int
	UserInfos      int
	Comments       int
	// RequestsSucceeded counts successful physical requests of every kind.
	RequestsSucceeded int
	// Aborted is true when the request budget ended the run before the full
	// date range was covered.
	Aborted bool
}

// Status is a point-in-time snapshot of a run, served by the status
// endpoint.
type Status struct {
	RunID string `json:"run_id"`
	State string `json:"state"`

	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`

	// WaitReason and WakeTime are set while the run is blocked in a retry
	// or quota wait.
	WaitReason string     `json:"wait_reason,omitempty"`
	WakeTime   *time.Time `json:"wake_time,omitempty"`

	RequestsSucceeded int `json:"requests_succeeded"`
	PagesPersisted    int `json:"pages_persisted"`
	Videos            int `json:"videos"`
}

// Orchestrator sequences a crawl: windows in order, pages within a window in
// order, and for each page its secondary fetches and its persistence, all on
// one goroutine. Concurrency is deliberately absent; the API quota makes the
// crawl rate-bound, not CPU-bound, and a strict sequence keeps continuation
// state and attribution simple.
type Orchestrator struct {
	fetcher   Fetcher
	store     PageStore
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
	policyCfg PolicyConfig

	// sleep overrides the retry policy's blocking wait; nil keeps the
	// default. Used by tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status Status
}

// New builds an Orchestrator. store may be nil for dry runs; pages are then
// fetched and discarded.
func New(fetcher Fetcher, store PageStore, clock Clock, ids IDGenerator, logger *zap.Logger, policyCfg PolicyConfig) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher:   fetcher,
		store:     store,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		policyCfg: policyCfg,
		status:    Status{State: "idle"},
	}
}

// Status returns a copy of the current run snapshot. Safe to call from other
// goroutines while Run executes.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(update func(*Status)) {
	o.mu.Lock()
	update(&o.status)
	o.mu.Unlock()
}

// Run executes one crawl to completion, blocking through every retry and
// quota wait. A budget-exhausted run returns a result with Aborted set and a
// nil error; any other early end returns the terminal error alongside the
// partial result.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunResult, error) {
	if len(opts.Query) == 0 {
		return nil, errors.New("crawl options: query is required")
	}
	windows, err := Windows(opts.StartDate, opts.EndDate, opts.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("crawl options: %w", err)
	}

	runID, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	budget := NewRequestBudget(opts.MaxRequests)
	policy := NewPolicy(o.policyCfg, o.clock, o.logger)
	if o.sleep != nil {
		policy.sleep = o.sleep
	}
	policy.SetWaitObserver(func(reason string, wake time.Time) {
		o.setStatus(func(s *Status) {
			s.WaitReason = reason
			s.WakeTime = &wake
		})
	})

	run := &runState{
		opts:     opts,
		budget:   budget,
		policy:   policy,
		result:   &RunResult{RunID: runID, Windows: len(windows)},
		users:    NewCache[string, *tiktok.UserInfo]("user_info"),
		comments: NewCache[int64, []tiktok.Comment]("comments"),
	}

	o.setStatus(func(s *Status) {
		*s = Status{RunID: runID, State: "running"}
	})
	o.logger.Info("starting crawl run",
		zap.String("run_id", runID),
		zap.Int("windows", len(windows)),
		zap.Time("start_date", opts.StartDate),
		zap.Time("end_date", opts.EndDate))

	for _, w := range windows {
		o.setStatus(func(s *Status) {
			s.WindowStart = tiktok.FormatDate(w.Start)
			s.WindowEnd = tiktok.FormatDate(w.End)
		})

		done, err := o.crawlWindow(ctx, run, w)
		if err != nil {
			o.setStatus(func(s *Status) { s.State = "failed" })
			return run.result, err
		}
		if done {
			o.setStatus(func(s *Status) { s.State = "aborted" })
			run.result.Aborted = true
			run.result.RequestsSucceeded = budget.Successes()
			o.logger.Warn("crawl aborted on request budget",
				zap.String("run_id", runID),
				zap.Int("requests", budget.Successes()))
			return run.result, nil
		}
	}

	run.result.RequestsSucceeded = budget.Successes()
	o.setStatus(func(s *Status) { s.State = "done" })
	o.logger.Info("crawl run complete",
		zap.String("run_id", runID),
		zap.Int("pages", run.result.PagesPersisted),
		zap.Int("videos", run.result.Videos),
		zap.Int("requests", run.result.RequestsSucceeded))
	return run.result, nil
}

// runState bundles the per-run collaborators threaded through the window
// loop.
type runState struct {
	opts   Options
	budget *RequestBudget
	policy *Policy
	result *RunResult

	// Run-scoped caches; a username or video seen in many pages is fetched
	// once.
	users    *Cache[string, *tiktok.UserInfo]
	comments *Cache[int64, []tiktok.Comment]
}

// crawlWindow paginates one window to completion. The bool result is true
// when the request budget ended the run.
func (o *Orchestrator) crawlWindow(ctx context.Context, run *runState, w Window) (bool, error) {
	pager := NewPager(o.fetcher, run.policy, run.budget, o.clock, o.logger, PagerConfig{
		Query:     run.opts.Query,
		QueryTags: run.opts.QueryTags,
		Window:    w,
		MaxCount:  run.opts.MaxCount,
	})

	for {
		page, err := pager.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				return true, nil
			}
			return false, fmt.Errorf("window %s..%s: %w", tiktok.FormatDate(w.Start), tiktok.FormatDate(w.End), err)
		}
		if page == nil {
			return false, nil
		}
		o.clearWait()

		exhausted, err := o.enrichPage(ctx, run, page)
		if err != nil {
			return false, err
		}

		if o.store != nil {
			if err := o.store.PersistPage(ctx, *page); err != nil {
				metrics.IncStoragePage("error")
				return false, fmt.Errorf("persist page: %w", err)
			}
			metrics.IncStoragePage("ok")
		}

		run.result.PagesPersisted++
		run.result.Videos += len(page.Videos)
		run.result.UserInfos += len(page.UserInfo)
		run.result.Comments += len(page.Comments)
		o.setStatus(func(s *Status) {
			s.RequestsSucceeded = run.budget.Successes()
			s.PagesPersisted = run.result.PagesPersisted
			s.Videos = run.result.Videos
		})

		// A page is persisted before the budget ends the run, so budget
		// exhaustion never loses fetched data.
		if exhausted {
			return true, nil
		}
	}
}

// enrichPage attaches creator profiles and comments for the page's videos.
// The bool result is true when the request budget ran out mid-enrichment;
// the page is still persisted with whatever was gathered.
func (o *Orchestrator) enrichPage(ctx context.Context, run *runState, page *Page) (bool, error) {
	if run.opts.FetchUserInfo {
		exhausted, err := o.attachUserInfo(ctx, run, page)
		if err != nil || exhausted {
			return exhausted, err
		}
	}
	if run.opts.FetchComments {
		exhausted, err := o.attachComments(ctx, run, page)
		if err != nil || exhausted {
			return exhausted, err
		}
	}
	return false, nil
}

func (o *Orchestrator) attachUserInfo(ctx context.Context, run *runState, page *Page) (bool, error) {
	seen := make(map[string]bool, len(page.Videos))
	for _, v := range page.Videos {
		if v.Username == "" || seen[v.Username] {
			continue
		}
		seen[v.Username] = true

		info, err := run.users.GetOrFetch(ctx, v.Username, func(ctx context.Context, username string) (*tiktok.UserInfo, error) {
			return fetchWithRetry(ctx, run.policy, run.budget, func(ctx context.Context) (*tiktok.UserInfo, error) {
				return o.fetcher.FetchUserInfo(ctx, username)
			})
		})
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				return true, nil
			}
			if isUnresolvableUsername(err) {
				// Remember the miss so the username is not re-requested.
				run.users.Put(v.Username, nil)
				o.logger.Info("user info unavailable",
					zap.String("username", v.Username),
					zap.Error(err))
				continue
			}
			return false, fmt.Errorf("user info for %q: %w", v.Username, err)
		}
		if info != nil {
			page.UserInfo = append(page.UserInfo, *info)
		}
	}
	return false, nil
}

func isUnresolvableUsername(err error) bool {
	var invalid *tiktok.InvalidUsernameError
	var refused *tiktok.RefusedUsernameError
	return errors.As(err, &invalid) || errors.As(err, &refused)
}

func (o *Orchestrator) attachComments(ctx context.Context, run *runState, page *Page) (bool, error) {
	for _, v := range page.Videos {
		comments, err := run.comments.GetOrFetch(ctx, v.ID, func(ctx context.Context, videoID int64) ([]tiktok.Comment, error) {
			return o.fetchAllComments(ctx, run, videoID)
		})
		if err != nil {
			if errors.Is(err, ErrBudgetExhausted) {
				return true, nil
			}
			var request *tiktok.RequestError
			if errors.As(err, &request) {
				// Comments can be disabled per video; record the refusal and
				// move on.
				run.comments.Put(v.ID, nil)
				o.logger.Info("comments unavailable",
					zap.Int64("video_id", v.ID),
					zap.Error(err))
				continue
			}
			return false, fmt.Errorf("comments for video %d: %w", v.ID, err)
		}
		page.Comments = append(page.Comments, comments...)
	}
	return false, nil
}

// fetchAllComments paginates a video's comments. The API serves at most the
// top 1000 comments, so the cursor is capped.
func (o *Orchestrator) fetchAllComments(ctx context.Context, run *runState, videoID int64) ([]tiktok.Comment, error) {
	var (
		all    []tiktok.Comment
		cursor *int64
	)
	for {
		req := tiktok.CommentsRequest{VideoID: videoID, Cursor: cursor}
		resp, err := fetchWithRetry(ctx, run.policy, run.budget, func(ctx context.Context) (*tiktok.CommentsResponse, error) {
			return o.fetcher.FetchComments(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Comments...)
		if !resp.HasMore || resp.Cursor > tiktok.MaxCommentsCursor {
			return all, nil
		}
		c := resp.Cursor
		cursor = &c
	}
}

func (o *Orchestrator) clearWait() {
	o.setStatus(func(s *Status) {
		s.WaitReason = ""
		s.WakeTime = nil
	})
}

// fetchWithRetry drives one logical request through the retry policy and the
// shared budget, the same contract the pagination driver applies to video
// queries.
func fetchWithRetry[T any](ctx context.Context, policy *Policy, budget *RequestBudget, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := make(map[tiktok.FailureKind]int)
	for {
		if budget.Exhausted() {
			return zero, ErrBudgetExhausted
		}
		v, err := fn(ctx)
		if err == nil {
			budget.RecordSuccess()
			return v, nil
		}
		attempts[tiktok.Classify(err)]++
		if herr := policy.Handle(ctx, err, attempts[tiktok.Classify(err)]); herr != nil {
			return zero, herr
		}
	}
}
