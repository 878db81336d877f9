// Package crawler implements the crawl orchestration engine: date-window
// chunking, cursor pagination, quota and transient-failure recovery, the
// run-scoped secondary-lookup cache, and the orchestrator that composes them.
package crawler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// Window is one bounded date sub-range within which a complete pagination
// sequence runs. Start and End are inclusive dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Days returns the window's span in days, inclusive of both endpoints.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Page is one API response page together with the crawl metadata needed to
// persist it. Exactly one Page is produced per successful physical video
// query request.
type Page struct {
	// Query is the opaque, already-validated query payload sent to the API.
	Query json.RawMessage
	// QueryTags are the optional user-supplied labels for this run.
	QueryTags []string

	Window   Window
	Cursor   int64
	SearchID string
	HasMore  bool

	Videos []tiktok.Video

	// RequestedCount is the max_count sent with the request. The difference
	// between it and len(Videos) estimates videos deleted since indexing.
	RequestedCount int
	// PossiblyDeleted is RequestedCount - len(Videos), floored at zero.
	PossiblyDeleted int

	// Secondary entities, populated only when their fetches are enabled.
	UserInfo []tiktok.UserInfo
	Comments []tiktok.Comment

	FetchedAt time.Time
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// VideoFetcher issues one physical video query request.
type VideoFetcher interface {
	QueryVideos(ctx context.Context, req tiktok.VideoRequest) (*tiktok.VideoResponse, error)
}

// SecondaryFetcher issues per-entity lookups for creator profiles and
// comments.
type SecondaryFetcher interface {
	FetchUserInfo(ctx context.Context, username string) (*tiktok.UserInfo, error)
	FetchComments(ctx context.Context, req tiktok.CommentsRequest) (*tiktok.CommentsResponse, error)
}

// PageStore persists one emitted page atomically.
type PageStore interface {
	PersistPage(ctx context.Context, page Page) error
}

// RequestBudget tracks successful physical requests against the
// caller-supplied maximum. A zero max means unlimited. Shared by the
// pagination driver and the orchestrator's secondary fetches so the cap
// covers every kind of request, like the daily quota does.
type RequestBudget struct {
	mu        sync.Mutex
	max       int
	successes int
}

// NewRequestBudget creates a budget allowing max successful requests; max <= 0
// means unlimited.
func NewRequestBudget(max int) *RequestBudget {
	return &RequestBudget{max: max}
}

// Exhausted reports whether the budget is spent.
func (b *RequestBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max > 0 && b.successes >= b.max
}

// RecordSuccess counts one successful physical request. Failed attempts that
// will be retried are deliberately not counted, so infrastructure instability
// does not burn the budget; the quota-accounting counter on the client counts
// them separately.
func (b *RequestBudget) RecordSuccess() {
	b.mu.Lock()
	b.successes++
	b.mu.Unlock()
}

// Successes returns the number of successful requests recorded so far.
func (b *RequestBudget) Successes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successes
}
