package crawler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// ErrBudgetExhausted aborts a run once the caller's request cap is spent.
// Distinct from natural completion so the caller can tell a partial crawl
// from a finished one.
var ErrBudgetExhausted = errors.New("request budget exhausted")

// State is the pagination driver's lifecycle position, exposed for status
// reporting.
type State int

const (
	// StateInit precedes the first request of a window.
	StateInit State = iota
	// StateHasMore follows a page whose response indicated more results.
	StateHasMore
	// StateDone follows the final page of a window.
	StateDone
	// StateRateLimited means the driver is inside a quota wait.
	StateRateLimited
	// StateRetrying means the driver is inside a transient or search-ID wait.
	StateRetrying
	// StateAborted means the request budget ran out mid-sequence.
	StateAborted
	// StateFatal means an unrecoverable error ended the sequence.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHasMore:
		return "has_more"
	case StateDone:
		return "done"
	case StateRateLimited:
		return "rate_limited"
	case StateRetrying:
		return "retrying"
	case StateAborted:
		return "aborted"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// PagerConfig fixes the query and window for one pagination sequence.
type PagerConfig struct {
	Query     []byte
	QueryTags []string
	Window    Window
	// MaxCount is the page size requested from the API; defaults to 100.
	MaxCount int
}

// Pager drives one complete pagination sequence over a single window. It
// issues requests strictly sequentially, carries the cursor and search ID
// between them, and delegates failure handling to the retry policy. Not safe
// for concurrent use.
type Pager struct {
	fetcher VideoFetcher
	policy  *Policy
	budget  *RequestBudget
	clock   Clock
	logger  *zap.Logger
	cfg     PagerConfig

	state    State
	cursor   *int64
	searchID string
	termErr  error
}

// NewPager builds a pager for one window. budget may be shared across
// windows and with secondary fetches.
func NewPager(fetcher VideoFetcher, policy *Policy, budget *RequestBudget, clock Clock, logger *zap.Logger, cfg PagerConfig) *Pager {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{
		fetcher: fetcher,
		policy:  policy,
		budget:  budget,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		state:   StateInit,
	}
}

// State reports the driver's current lifecycle position.
func (p *Pager) State() State {
	return p.state
}

// Window returns the window this pager covers.
func (p *Pager) Window() Window {
	return p.cfg.Window
}

// Next returns the next page of the sequence, blocking through any retry or
// quota waits. It returns (nil, nil) once the sequence is complete. After a
// terminal error, every subsequent call returns that same error.
func (p *Pager) Next(ctx context.Context) (*Page, error) {
	switch p.state {
	case StateDone:
		return nil, nil
	case StateAborted, StateFatal:
		return nil, p.termErr
	}

	// Attempts are counted per failure kind and reset each page, matching
	// the retry policy's per-request bounds.
	attempts := make(map[tiktok.FailureKind]int)

	for {
		if p.budget.Exhausted() {
			return nil, p.terminate(StateAborted, ErrBudgetExhausted)
		}

		resp, err := p.fetcher.QueryVideos(ctx, p.request())
		if err == nil {
			return p.emit(resp), nil
		}

		kind := tiktok.Classify(err)
		attempts[kind]++
		if kind == tiktok.FailureQuota {
			p.state = StateRateLimited
		} else {
			p.state = StateRetrying
		}

		if herr := p.policy.Handle(ctx, err, attempts[kind]); herr != nil {
			if errors.Is(herr, context.Canceled) || errors.Is(herr, context.DeadlineExceeded) {
				return nil, p.terminate(StateAborted, herr)
			}
			return nil, p.terminate(StateFatal, herr)
		}
		// Retry with cursor and search ID unchanged.
	}
}

func (p *Pager) terminate(s State, err error) error {
	p.state = s
	p.termErr = err
	return err
}

// request builds the next physical request. The API treats end_date as
// exclusive, so the window's inclusive end is shifted by one day.
func (p *Pager) request() tiktok.VideoRequest {
	return tiktok.VideoRequest{
		Query:     p.cfg.Query,
		StartDate: tiktok.FormatDate(p.cfg.Window.Start),
		EndDate:   tiktok.FormatDate(p.cfg.Window.End.AddDate(0, 0, 1)),
		MaxCount:  p.cfg.MaxCount,
		Cursor:    p.cursor,
		SearchID:  p.searchID,
	}
}

func (p *Pager) emit(resp *tiktok.VideoResponse) *Page {
	p.budget.RecordSuccess()

	if p.searchID != "" && resp.SearchID != p.searchID {
		// The API is expected to hold the search ID stable for a sequence;
		// a change risks inconsistent result sets.
		p.logger.Warn("search id changed mid sequence",
			zap.String("previous", p.searchID),
			zap.String("current", resp.SearchID))
	}
	p.searchID = resp.SearchID
	cursor := resp.Cursor
	p.cursor = &cursor

	if resp.HasMore {
		p.state = StateHasMore
	} else {
		p.state = StateDone
	}

	possiblyDeleted := p.cfg.MaxCount - len(resp.Videos)
	if possiblyDeleted < 0 {
		possiblyDeleted = 0
	}

	page := &Page{
		Query:           p.cfg.Query,
		QueryTags:       p.cfg.QueryTags,
		Window:          p.cfg.Window,
		Cursor:          resp.Cursor,
		SearchID:        resp.SearchID,
		HasMore:         resp.HasMore,
		Videos:          resp.Videos,
		RequestedCount:  p.cfg.MaxCount,
		PossiblyDeleted: possiblyDeleted,
		FetchedAt:       p.clock.Now(),
	}
	metrics.IncPageEmitted(len(resp.Videos))
	return page
}
