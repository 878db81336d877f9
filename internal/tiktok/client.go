package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
	"github.com/datalab-tools/tiktok-research-crawler/internal/rawstore"
)

// TokenSource supplies bearer tokens and supports forced refresh when the
// API rejects a token as expired.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ClientConfig controls the request client.
type ClientConfig struct {
	// HTTPClient may be nil, in which case a client with a 30s timeout is used.
	HTTPClient *http.Client
	// RequestsPerSecond paces outbound requests. Zero means unpaced.
	RequestsPerSecond float64
	// Archive, when non-nil, receives every raw response body before parsing.
	Archive rawstore.Store
	// ArchivePrefix prefixes archive object names, typically the run ID.
	ArchivePrefix string

	// Endpoint overrides, for tests. Empty means the production URLs.
	VideoQueryURL  string
	UserInfoURL    string
	CommentListURL string
}

// Client makes authenticated requests to the research API and parses
// responses. It counts every physical request sent, which is the
// caller-visible number charged against the daily quota.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	archive    rawstore.Store
	prefix     string
	logger     *zap.Logger

	videoQueryURL  string
	userInfoURL    string
	commentListURL string

	requestsSent atomic.Int64
	archiveSeq   atomic.Int64
}

// NewClient constructs a Client.
func NewClient(tokens TokenSource, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Client{
		httpClient:     httpClient,
		tokens:         tokens,
		limiter:        rate.NewLimiter(limit, 1),
		archive:        cfg.Archive,
		prefix:         cfg.ArchivePrefix,
		logger:         logger,
		videoQueryURL:  cfg.VideoQueryURL,
		userInfoURL:    cfg.UserInfoURL,
		commentListURL: cfg.CommentListURL,
	}
	if c.videoQueryURL == "" {
		c.videoQueryURL = VideoQueryURL
	}
	if c.userInfoURL == "" {
		c.userInfoURL = UserInfoURL
	}
	if c.commentListURL == "" {
		c.commentListURL = CommentListURL
	}
	return c, nil
}

// RequestsSent reports the number of physical requests sent so far,
// including rate-limited and failed attempts. This is the daily-quota
// accounting number.
func (c *Client) RequestsSent() int64 {
	return c.requestsSent.Load()
}

// ResetRequestsSent zeroes the physical request counter, e.g. after a quota
// reset boundary has passed.
func (c *Client) ResetRequestsSent() {
	c.requestsSent.Store(0)
}

// ExpectedRemainingQuota estimates how many requests remain of the daily
// quota, assuming this client is the only consumer.
func (c *Client) ExpectedRemainingQuota() int64 {
	return DailyRequestQuota - c.requestsSent.Load()
}

// QueryVideos sends one video query request and parses the response page.
func (c *Client) QueryVideos(ctx context.Context, req VideoRequest) (*VideoResponse, error) {
	body, err := c.post(ctx, "video_query", c.videoQueryURL, req)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.Error.ok() {
		return nil, classifyAPIError(http.StatusOK, env.Error)
	}
	var page VideoResponse
	if err := json.Unmarshal(env.Data, &page); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("video response data: %w", err)}
	}
	return &page, nil
}

// FetchUserInfo sends one user info request. The API omits the username from
// the response, so it is copied from the request.
func (c *Client) FetchUserInfo(ctx context.Context, username string) (*UserInfo, error) {
	body, err := c.post(ctx, "user_info", c.userInfoURL, UserInfoRequest{Username: username})
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.Error.ok() {
		return nil, classifyAPIError(http.StatusOK, env.Error)
	}
	var info UserInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("user info data: %w", err)}
	}
	info.Username = username
	return &info, nil
}

// FetchComments sends one comment list request and parses the response page.
func (c *Client) FetchComments(ctx context.Context, req CommentsRequest) (*CommentsResponse, error) {
	if req.MaxCount == 0 {
		req.MaxCount = 100
	}
	body, err := c.post(ctx, "comment_list", c.commentListURL, req)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.Error.ok() {
		return nil, classifyAPIError(http.StatusOK, env.Error)
	}
	var page CommentsResponse
	if err := json.Unmarshal(env.Data, &page); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("comments data: %w", err)}
	}
	return &page, nil
}

// post sends one authenticated request. A 401 triggers a single forced token
// refresh and resend; a refresh that still yields 401 is a fatal auth
// failure. Every physical send counts against the quota counter.
func (c *Client) post(ctx context.Context, endpoint, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	resp, body, err := c.send(ctx, endpoint, url, data)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Info("access token rejected, refreshing", zap.String("endpoint", endpoint))
		c.tokens.Invalidate()
		resp, body, err = c.send(ctx, endpoint, url, data)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       "access_token_invalid",
				Message:    "request unauthorized after token refresh",
			}
		}
	}

	if c.archive != nil {
		c.archiveResponse(ctx, endpoint, body)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.IncAPIRequest(endpoint, "rate_limited")
		return nil, &RateLimitError{RequestsSent: c.requestsSent.Load()}
	case resp.StatusCode == http.StatusInternalServerError:
		// The API responds 500 occasionally; treated as transient.
		metrics.IncAPIRequest(endpoint, "server_error")
		return nil, &ServerError{Body: truncate(string(body), 512)}
	default:
		metrics.IncAPIRequest(endpoint, "rejected")
		var env envelope
		if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Message:    truncate(string(body), 512),
			}
		}
		return nil, classifyAPIError(resp.StatusCode, env.Error)
	}
}

func (c *Client) send(ctx context.Context, endpoint, url string, data []byte) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, nil, &RequestError{
			Code:    "access_token_fetch_failed",
			Message: err.Error(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	c.requestsSent.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncAPIRequest(endpoint, "transport_error")
		return nil, nil, fmt.Errorf("send %s request: %w", endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncAPIRequest(endpoint, "transport_error")
		return nil, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusOK {
		metrics.IncAPIRequest(endpoint, "ok")
	}
	return resp, body, nil
}

func (c *Client) archiveResponse(ctx context.Context, endpoint string, body []byte) {
	name := fmt.Sprintf("%06d-%s.json", c.archiveSeq.Add(1), endpoint)
	if c.prefix != "" {
		name = c.prefix + "/" + name
	}
	uri, err := c.archive.Put(ctx, name, body)
	if err != nil {
		// Archiving is best effort; the crawl proceeds on failure.
		c.logger.Warn("archive raw response", zap.String("name", name), zap.Error(err))
		return
	}
	c.logger.Debug("archived raw response", zap.String("uri", uri))
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

// classifyAPIError maps the API's error section onto the error taxonomy.
func classifyAPIError(status int, apiErr responseError) error {
	base := RequestError{
		StatusCode: status,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
	}
	switch {
	case searchIDInvalidPattern.MatchString(apiErr.Message),
		strings.Contains(apiErr.Message, "Invalid count or cursor"):
		return &InvalidSearchIDError{RequestError: base}
	case strings.Contains(apiErr.Message, "is invalid: cannot find the user"):
		return &InvalidUsernameError{RequestError: base}
	case strings.Contains(apiErr.Message, "API cannot return this user's information"):
		return &RefusedUsernameError{RequestError: base}
	default:
		return &base
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
