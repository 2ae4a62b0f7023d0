package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/keypool"
	"github.com/reelforge/reelforge/internal/provider"
)

var _ provider.Client = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	endpointInference = "inference"

	maxRetryDelay = 30 * time.Second
	jitterCeiling = 200 * time.Millisecond
)

// Client calls the provider's generation API. Every request draws a
// credential from the pool, reports the outcome back, retries transient
// failures with exponential backoff, and honors Retry-After.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pool       *keypool.Pool
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a provider client from config plus the shared credential pool.
func New(cfg config.ProviderConfig, pool *keypool.Pool) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pool:       pool,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		sleep:      sleepCtx,
	}
}

// Submit posts a new generation request.
func (c *Client) Submit(ctx context.Context, payload provider.Payload) (*provider.Generation, error) {
	return c.do(ctx, http.MethodPost, endpointInference, payload)
}

// GetStatus fetches current status for a job.
func (c *Client) GetStatus(ctx context.Context, id string) (*provider.Generation, error) {
	return c.do(ctx, http.MethodGet, endpointInference+"/"+url.PathEscape(id), nil)
}

// Cancel asks the provider to stop a job.
func (c *Client) Cancel(ctx context.Context, id string) (*provider.Generation, error) {
	return c.do(ctx, http.MethodPost, endpointInference+"/"+url.PathEscape(id)+"/cancel", struct{}{})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*provider.Generation, error) {
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	key, err := c.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire api key: %w", err)
	}

	attempt := 0
	for {
		gen, retryAfter, callErr := c.once(ctx, method, u, payload, key)
		if callErr == nil {
			return gen, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f := faults.Classify(callErr)
		retryable := f.Retryable
		if f.Status != 0 {
			retryable = faults.RetryableStatus(f.Status, f.Code)
		}
		if !retryable || attempt >= c.maxRetries {
			return nil, callErr
		}
		attempt++
		if err := c.sleep(ctx, c.computeDelay(attempt, retryAfter)); err != nil {
			return nil, err
		}
	}
}

// once performs a single HTTP exchange and reports the outcome to the pool.
func (c *Client) once(ctx context.Context, method, u string, payload []byte, key string) (*provider.Generation, time.Duration, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	req.Header.Set(headerAuthorization, authSchemeBearer+" "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failure: classify so the retry loop can tell timeout from
		// network, and cool the key briefly to spread load.
		f := faults.Classify(err)
		if f.Type == faults.TypeTimeout {
			c.pool.ReportFailure(key, http.StatusGatewayTimeout, "timeout", 0)
		} else {
			c.pool.ReportFailure(key, http.StatusServiceUnavailable, "network", 0)
		}
		return nil, 0, f
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.pool.ReportSuccess(key)
		var gen provider.Generation
		if len(respBytes) > 0 {
			if err := json.Unmarshal(respBytes, &gen); err != nil {
				return nil, 0, fmt.Errorf("parse response: %w", err)
			}
		}
		return &gen, 0, nil
	}

	code, message := parseErrorBody(respBytes)
	retryAfter := parseRetryAfter(resp.Header.Get(common.HeaderRetryAfter))
	c.pool.ReportFailure(key, resp.StatusCode, code, retryAfter)
	return nil, retryAfter, faults.FromStatus(resp.StatusCode, code, message, retryAfter)
}

// computeDelay picks the next retry delay: Retry-After when the provider said
// so, otherwise exponential backoff with jitter.
func (c *Client) computeDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := c.baseDelay
	for i := 0; i < attempt; i++ {
		d = d * 3 / 2
	}
	d += time.Duration(rand.Int63n(int64(jitterCeiling))) // #nosec G404 - jitter, not crypto
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// errorBody covers both {"error":{"message","code"}} and flat {"message","code"}.
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func parseErrorBody(b []byte) (code, message string) {
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err != nil {
		return "", ""
	}
	code, message = eb.Code, eb.Message
	if eb.Error != nil {
		if eb.Error.Code != "" {
			code = eb.Error.Code
		}
		if eb.Error.Message != "" {
			message = eb.Error.Message
		}
	}
	return code, message
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if sec, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
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
