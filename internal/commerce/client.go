package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned by GetProduct when the provider no longer has the
// entity. On the webhook path this means the product was deleted upstream.
var ErrNotFound = errors.New("commerce: not found")

// Client is the outbound commerce surface consumed by the sync engine and
// the checkout orchestrator.
type Client interface {
	// ListProducts fetches one catalog page. An empty pageToken starts from
	// the beginning; an empty Page.NextPageToken ends the pull.
	ListProducts(ctx context.Context, pageToken string) (Page, error)
	// GetProduct fetches one product by upstream id, or ErrNotFound.
	GetProduct(ctx context.Context, id string) (*Product, error)
	// CountProducts returns the remote catalog size.
	CountProducts(ctx context.Context) (int, error)
	// CreateDraftOrder creates a provisional order and returns its invoice URL.
	CreateDraftOrder(ctx context.Context, input DraftOrderInput) (*DraftOrder, error)
}

// Factory builds a per-tenant Client from the tenant's credential. The
// router injects the HTTP factory; tests inject fakes.
type Factory func(storeURL, accessToken string) Client

const (
	defaultAPIVersion  = "2024-01"
	defaultPageSize    = 50
	defaultMaxRetries  = 3
	defaultCallTimeout = 15 * time.Second
)

// restClient implements Client against the provider's Admin REST API. Every
// call is context-aware, throttled through a token bucket (the provider
// enforces a small per-store request budget), and retried with exponential
// backoff on transient failures. Payload rejections are classified as
// validation errors and never retried here; strategy-level code decides how
// to degrade.
type restClient struct {
	baseURL     string
	accessToken string
	apiVersion  string
	pageSize    int
	maxRetries  int
	baseBackoff time.Duration
	http        *http.Client
	limiter     *rate.Limiter
}

// Option customizes a restClient.
type Option func(*restClient)

// WithHTTPClient substitutes the underlying *http.Client (tests, proxies).
func WithHTTPClient(h *http.Client) Option {
	return func(c *restClient) { c.http = h }
}

// WithPageSize sets the catalog pull page size.
func WithPageSize(n int) Option {
	return func(c *restClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithAPIVersion pins the provider API version.
func WithAPIVersion(v string) Option {
	return func(c *restClient) {
		if v != "" {
			c.apiVersion = v
		}
	}
}

// NewClient returns a Client for one store. The default throttle matches the
// provider's standard budget of two requests per second with a small burst.
func NewClient(storeURL, accessToken string, opts ...Option) Client {
	c := &restClient{
		baseURL:     "https://" + storeURL,
		accessToken: accessToken,
		apiVersion:  defaultAPIVersion,
		pageSize:    defaultPageSize,
		maxRetries:  defaultMaxRetries,
		baseBackoff: 500 * time.Millisecond,
		http:        &http.Client{Timeout: defaultCallTimeout},
		limiter:     rate.NewLimiter(2, 4),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFactory returns a Factory producing NewClient instances with shared opts.
func NewFactory(opts ...Option) Factory {
	return func(storeURL, accessToken string) Client {
		return NewClient(storeURL, accessToken, opts...)
	}
}

func (c *restClient) endpoint(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.baseURL, c.apiVersion, path)
}

// do performs one throttled, retried request and decodes the JSON body into
// out (when out is non-nil). It returns the final *http.Response header set
// via the header callback for pagination parsing.
func (c *restClient) do(ctx context.Context, op, method, rawURL string, body []byte, out any, header func(http.Header)) error {
	backoff := c.baseBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &Error{Kind: KindTransport, Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTransport, Op: op, Err: err}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
		req.Header.Set("X-Shopify-Access-Token", c.accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &Error{Kind: KindTransport, Op: op, Err: err}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = &Error{Kind: KindTransport, Op: op, Err: readErr}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &Error{Kind: KindTransport, Op: op, StatusCode: resp.StatusCode, Message: trim(respBody)}
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindBusiness, Op: op, StatusCode: resp.StatusCode, Message: trim(respBody)}
		case resp.StatusCode >= 400:
			return &Error{Kind: KindValidation, Op: op, StatusCode: resp.StatusCode, Message: trim(respBody)}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &Error{Kind: KindValidation, Op: op, Err: err}
			}
		}
		if header != nil {
			header(resp.Header)
		}
		return nil
	}
	return lastErr
}

func trim(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// nextLinkRE extracts the page_info cursor from the provider's Link header:
// <https://x/admin/api/v/products.json?page_info=abc&limit=50>; rel="next"
var nextLinkRE = regexp.MustCompile(`<[^>]*[?&]page_info=([^&>]+)[^>]*>;\s*rel="next"`)

// ListProducts implements Client.
func (c *restClient) ListProducts(ctx context.Context, pageToken string) (Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if pageToken != "" {
		q.Set("page_info", pageToken)
	}

	var payload struct {
		Products []Product `json:"products"`
	}
	var page Page
	err := c.do(ctx, "list products", http.MethodGet, c.endpoint("products.json")+"?"+q.Encode(), nil, &payload, func(h http.Header) {
		if m := nextLinkRE.FindStringSubmatch(h.Get("Link")); m != nil {
			page.NextPageToken = m[1]
		}
	})
	if err != nil {
		return Page{}, err
	}
	page.Products = payload.Products
	return page, nil
}

// GetProduct implements Client.
func (c *restClient) GetProduct(ctx context.Context, id string) (*Product, error) {
	var payload struct {
		Product Product `json:"product"`
	}
	err := c.do(ctx, "get product", http.MethodGet, c.endpoint("products/"+url.PathEscape(id)+".json"), nil, &payload, nil)
	if err != nil {
		return nil, err
	}
	return &payload.Product, nil
}

// CountProducts implements Client.
func (c *restClient) CountProducts(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, "count products", http.MethodGet, c.endpoint("products/count.json"), nil, &payload, nil)
	if err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// CreateDraftOrder implements Client.
func (c *restClient) CreateDraftOrder(ctx context.Context, input DraftOrderInput) (*DraftOrder, error) {
	body, err := json.Marshal(map[string]DraftOrderInput{"draft_order": input})
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "create draft order", Err: err}
	}
	var payload struct {
		DraftOrder DraftOrder `json:"draft_order"`
	}
	if err := c.do(ctx, "create draft order", http.MethodPost, c.endpoint("draft_orders.json"), body, &payload, nil); err != nil {
		return nil, err
	}
	return &payload.DraftOrder, nil
}
