// Package sourceapi implements the Chunk Processor's view of the source API
// contract (SPEC_FULL §4.4/§6): pagination strategy polymorphism over
// page/offset-backed fetchers (§9), rate-limit discipline, and the
// authoritative empty-page end-of-stream signal (§9 decision 2). Built on
// the teacher's generic http.Request/http.Execute primitive rather than a
// second HTTP retry implementation.
package sourceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"pipelinecore.evalgo.org/common"
	"pipelinecore.evalgo.org/config"
	eveHTTP "pipelinecore.evalgo.org/http"
	"pipelinecore.evalgo.org/ratelimit"
	"pipelinecore.evalgo.org/storage"
)

// PageCursor is the pagination strategy's opaque position: page number for
// `page`-strategy endpoints, row offset for `offset`-strategy endpoints.
// Exactly one field is meaningful per strategy.
type PageCursor struct {
	Page   int
	Offset int
}

// PageFetcher abstracts over the two pagination strategies of §3/§9
// ("interface abstraction over PageFetcher with page- and offset-backed
// implementations; no base class hierarchy"). BuildQuery renders the
// strategy-specific pagination query parameters; Advance computes the
// cursor for the next page given how many records the current page held.
type PageFetcher interface {
	BuildQuery(cursor PageCursor, pageSize int) map[string]string
	Advance(cursor PageCursor, recordsInPage int) PageCursor
}

type pageStrategyFetcher struct{}

func (pageStrategyFetcher) BuildQuery(cursor PageCursor, pageSize int) map[string]string {
	page := cursor.Page
	if page < 1 {
		page = 1
	}
	return map[string]string{
		"page":     strconv.Itoa(page),
		"pageSize": strconv.Itoa(pageSize),
	}
}

func (pageStrategyFetcher) Advance(cursor PageCursor, recordsInPage int) PageCursor {
	return PageCursor{Page: cursor.Page + 1}
}

type offsetStrategyFetcher struct{}

func (offsetStrategyFetcher) BuildQuery(cursor PageCursor, pageSize int) map[string]string {
	return map[string]string{
		"offset": strconv.Itoa(cursor.Offset),
		"limit":  strconv.Itoa(pageSize),
	}
}

func (offsetStrategyFetcher) Advance(cursor PageCursor, recordsInPage int) PageCursor {
	return PageCursor{Offset: cursor.Offset + recordsInPage}
}

// NewPageFetcher selects the PageFetcher implementation for a declarative
// pagination strategy (§3).
func NewPageFetcher(strategy config.PaginationStrategy) (PageFetcher, error) {
	switch strategy {
	case config.PaginationPage:
		return pageStrategyFetcher{}, nil
	case config.PaginationOffset:
		return offsetStrategyFetcher{}, nil
	default:
		return nil, common.NewPipelineError(common.ErrConfigurationError, fmt.Sprintf("unknown pagination strategy %q", strategy), nil)
	}
}

// FetchResult is one page fetch's outcome.
type FetchResult struct {
	Records []storage.RawRow
	// Empty is the authoritative end-of-stream signal: the response array
	// was syntactically empty (§4.4 step b, §9 decision 2 — this spec
	// deliberately does NOT use "len < page_size", which is unsafe against
	// APIs returning exact-size pages at the boundary).
	Empty bool
	// ResponseTime and ResponseBytes carry the per-page metrics §4.4 asks
	// the chunk processor to log ("API response time, response size").
	ResponseTime  time.Duration
	ResponseBytes int
}

// Client fetches pages from one tenant's connection to one source service,
// honoring the service's rate-limit bucket and the retry/backoff discipline
// of §4.4 for transient failures encountered within a single page fetch.
type Client struct {
	baseURL       string
	timeout       time.Duration
	bucket        *ratelimit.Bucket
	headers       map[string]string
	maxAttempts   int
	backoffBase   time.Duration
	backoffFactor float64
}

// NewClient constructs a Client for one (tenant, service) connection.
// headers carries whatever the resolved credentials translate to (bearer
// token, API key header, basic auth) — this package never interprets
// credential shape itself.
func NewClient(baseURL string, timeout time.Duration, bucket *ratelimit.Bucket, headers map[string]string, maxAttempts int, backoffBase time.Duration, backoffFactor float64) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffFactor <= 0 {
		backoffFactor = 2.0
	}
	return &Client{
		baseURL:       baseURL,
		timeout:       timeout,
		bucket:        bucket,
		headers:       headers,
		maxAttempts:   maxAttempts,
		backoffBase:   backoffBase,
		backoffFactor: backoffFactor,
	}
}

// FetchPageParams bundles one page fetch's strategy-independent filters
// (§3 "ordering_field", "incremental_field"/range predicates).
type FetchPageParams struct {
	Path             string
	OrderingField    string
	IncrementalField string
	RangeStart       *time.Time
	RangeEnd         *time.Time
}

// FetchPage fetches exactly one page, applying rate-limit discipline and
// the local retry policy of §4.4 ("Rate-limit discipline"): 429 with
// Retry-After is honored verbatim and does not count against the attempt
// budget (Scenario E — "waits are not attempts"); 429 without Retry-After
// and other transient failures (5xx, network errors) use exponential
// backoff with full jitter and do count, up to maxAttempts.
func (c *Client) FetchPage(ctx context.Context, fetcher PageFetcher, cursor PageCursor, pageSize int, params FetchPageParams) (FetchResult, PageCursor, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return FetchResult{}, cursor, err
		}
		if err := c.bucket.Wait(ctx); err != nil {
			return FetchResult{}, cursor, fmt.Errorf("rate limit wait: %w", err)
		}

		url := c.buildURL(fetcher, cursor, pageSize, params)
		req := eveHTTP.NewRequest("GET", url)
		req.Timeout = int(c.timeout.Seconds())
		for k, v := range c.headers {
			req.Headers[k] = v
		}

		resp, err := eveHTTP.Execute(req)
		if err == nil {
			rows, parseErr := parseRows(resp.Body)
			if parseErr != nil {
				return FetchResult{}, cursor, common.NewPipelineError(common.ErrDataFormatError, "unparseable source response", parseErr)
			}
			next := fetcher.Advance(cursor, len(rows))
			return FetchResult{
				Records:       rows,
				Empty:         len(rows) == 0,
				ResponseTime:  resp.Duration,
				ResponseBytes: len(resp.Body),
			}, next, nil
		}

		if resp != nil && resp.StatusCode == 429 {
			if delay, ok := ratelimit.RetryAfterDelay(resp.Headers["Retry-After"]); ok {
				if waitErr := sleepCtx(ctx, delay); waitErr != nil {
					return FetchResult{}, cursor, waitErr
				}
				continue // honored Retry-After is not an attempt (Scenario E)
			}
			attempt++
			if attempt > c.maxAttempts {
				return FetchResult{}, cursor, common.NewPipelineError(common.ErrTransientExternal, "429 retries exhausted", err)
			}
			if waitErr := sleepCtx(ctx, c.backoffDelay(attempt)); waitErr != nil {
				return FetchResult{}, cursor, waitErr
			}
			continue
		}

		if resp != nil && resp.IsClientError() {
			return FetchResult{}, cursor, common.NewPipelineError(common.ErrConfigurationError, fmt.Sprintf("client error fetching %s", params.Path), err)
		}

		attempt++
		if attempt > c.maxAttempts {
			return FetchResult{}, cursor, common.NewPipelineError(common.ErrTransientExternal, "transient fetch failure, retries exhausted", err)
		}
		if waitErr := sleepCtx(ctx, c.backoffDelay(attempt)); waitErr != nil {
			return FetchResult{}, cursor, waitErr
		}
	}
}

func (c *Client) buildURL(fetcher PageFetcher, cursor PageCursor, pageSize int, params FetchPageParams) string {
	query := fetcher.BuildQuery(cursor, pageSize)
	url := fmt.Sprintf("%s/%s?", c.baseURL, params.Path)
	if params.OrderingField != "" {
		query["orderBy"] = params.OrderingField + " asc"
	}
	if params.IncrementalField != "" {
		if params.RangeStart != nil {
			query[params.IncrementalField+"[gte]"] = params.RangeStart.UTC().Format(time.RFC3339)
		}
		if params.RangeEnd != nil {
			query[params.IncrementalField+"[lt]"] = params.RangeEnd.UTC().Format(time.RFC3339)
		}
	}
	first := true
	for k, v := range query {
		if !first {
			url += "&"
		}
		url += k + "=" + v
		first = false
	}
	return url
}

// backoffDelay computes the full-jitter exponential backoff of §4.4/§6:
// base * factor^(attempt-1), uniformly randomized in [0, computed].
func (c *Client) backoffDelay(attempt int) time.Duration {
	capped := float64(c.backoffBase) * pow(c.backoffFactor, attempt-1)
	return time.Duration(rand.Int63n(int64(capped) + 1))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRows(body []byte) ([]storage.RawRow, error) {
	var rows []storage.RawRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode page response: %w", err)
	}
	return rows, nil
}
