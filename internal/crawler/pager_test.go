package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// scriptedFetcher replays a fixed sequence of results and records every
// request it received.
type scriptedFetcher struct {
	t        *testing.T
	script   []scriptedResult
	requests []tiktok.VideoRequest
}

type scriptedResult struct {
	resp *tiktok.VideoResponse
	err  error
}

func (f *scriptedFetcher) QueryVideos(_ context.Context, req tiktok.VideoRequest) (*tiktok.VideoResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.script) == 0 {
		f.t.Fatal("fetcher called past end of script")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.resp, next.err
}

func testWindow() Window {
	return Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
	}
}

func newTestPager(t *testing.T, fetcher *scriptedFetcher, budget *RequestBudget, cfg PagerConfig) *Pager {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)}
	policy, _ := newTestPolicy(t, PolicyConfig{}, clock)
	if budget == nil {
		budget = NewRequestBudget(0)
	}
	if cfg.Window.Start.IsZero() {
		cfg.Window = testWindow()
	}
	if cfg.Query == nil {
		cfg.Query = []byte(`{"and":[{"operation":"IN","field_name":"region_code","field_values":["US"]}]}`)
	}
	return NewPager(fetcher, policy, budget, clock, zap.NewNop(), cfg)
}

func page(videos int, cursor int64, searchID string, hasMore bool) *tiktok.VideoResponse {
	resp := &tiktok.VideoResponse{
		Cursor:   cursor,
		HasMore:  hasMore,
		SearchID: searchID,
	}
	for i := 0; i < videos; i++ {
		resp.Videos = append(resp.Videos, tiktok.Video{ID: int64(i + 1), Username: "creator"})
	}
	return resp
}

func TestPagerSinglePage(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(3, 3, "s-1", false)},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100, QueryTags: []string{"pilot"}})

	got, err := p.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Videos, 3)
	require.Equal(t, int64(3), got.Cursor)
	require.Equal(t, "s-1", got.SearchID)
	require.False(t, got.HasMore)
	require.Equal(t, []string{"pilot"}, got.QueryTags)
	require.Equal(t, 97, got.PossiblyDeleted)
	require.Equal(t, StateDone, p.State())

	// First request carries no continuation tokens.
	first := fetcher.requests[0]
	require.Nil(t, first.Cursor)
	require.Empty(t, first.SearchID)
	require.Equal(t, "20240301", first.StartDate)
	// end_date is exclusive on the wire; the inclusive window end shifts by
	// one day.
	require.Equal(t, "20240308", first.EndDate)

	// Completed sequence keeps returning (nil, nil).
	got, err = p.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPagerCarriesContinuationTokens(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(100, 100, "s-1", true)},
		{resp: page(100, 200, "s-1", true)},
		{resp: page(40, 240, "s-1", false)},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100})

	var pages []*Page
	for {
		got, err := p.Next(context.Background())
		require.NoError(t, err)
		if got == nil {
			break
		}
		pages = append(pages, got)
	}
	require.Len(t, pages, 3)
	require.Equal(t, StateDone, p.State())

	require.Nil(t, fetcher.requests[0].Cursor)
	require.Equal(t, int64(100), *fetcher.requests[1].Cursor)
	require.Equal(t, "s-1", fetcher.requests[1].SearchID)
	require.Equal(t, int64(200), *fetcher.requests[2].Cursor)

	// The window's query never changes across pages.
	for _, req := range fetcher.requests {
		require.JSONEq(t, string(fetcher.requests[0].Query), string(req.Query))
	}
}

func TestPagerRetriesTransientWithTokensUnchanged(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(100, 100, "s-1", true)},
		{err: &tiktok.ServerError{Body: "oops"}},
		{err: &tiktok.ServerError{Body: "oops"}},
		{resp: page(10, 110, "s-1", false)},
	}}
	budget := NewRequestBudget(0)
	p := newTestPager(t, fetcher, budget, PagerConfig{MaxCount: 100})

	first, err := p.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, int64(110), second.Cursor)

	// Failed attempts echo the same continuation tokens.
	require.Len(t, fetcher.requests, 4)
	for _, req := range fetcher.requests[1:] {
		require.Equal(t, int64(100), *req.Cursor)
		require.Equal(t, "s-1", req.SearchID)
	}

	// Only successes count against the budget.
	require.Equal(t, 2, budget.Successes())
}

func TestPagerQuotaWaitThenResume(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{err: &tiktok.RateLimitError{RequestsSent: 1000}},
		{resp: page(5, 5, "s-1", false)},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100})

	got, err := p.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Videos, 5)
	require.Equal(t, StateDone, p.State())
}

func TestPagerFatalErrorIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{err: &tiktok.RequestError{StatusCode: 400, Code: "invalid_params", Message: "bad query"}},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100})

	_, err := p.Next(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFatal, p.State())

	_, again := p.Next(context.Background())
	require.Equal(t, err, again)
	require.Len(t, fetcher.requests, 1)
}

func TestPagerBudgetExhaustion(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(100, 100, "s-1", true)},
	}}
	budget := NewRequestBudget(1)
	p := newTestPager(t, fetcher, budget, PagerConfig{MaxCount: 100})

	got, err := p.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.HasMore)

	_, err = p.Next(context.Background())
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Equal(t, StateAborted, p.State())
}

func TestPagerCancellationAborts(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{err: &tiktok.ServerError{Body: "oops"}},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateAborted, p.State())
}

func TestPagerAdoptsChangedSearchID(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(100, 100, "s-1", true)},
		{resp: page(100, 200, "s-2", true)},
		{resp: page(1, 201, "s-2", false)},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{MaxCount: 100})

	for {
		got, err := p.Next(context.Background())
		require.NoError(t, err)
		if got == nil {
			break
		}
	}
	// The replacement ID is carried forward.
	require.Equal(t, "s-2", fetcher.requests[2].SearchID)
}

func TestPagerDefaultsMaxCount(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{t: t, script: []scriptedResult{
		{resp: page(2, 2, "s-1", false)},
	}}
	p := newTestPager(t, fetcher, nil, PagerConfig{})

	got, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 100, fetcher.requests[0].MaxCount)
	require.Equal(t, 100, got.RequestedCount)
	require.Equal(t, 98, got.PossiblyDeleted)
}
