package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"govorilka/internal/models"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

// Client is the typed REST transport. It attaches the bearer token once
// set, busts intermediary caches on GETs and normalizes every failure
// into *models.APIError. A 401 clears the token and fires the
// OnUnauthorized hook: the session is gone and the owner must re-login.
type Client struct {
	http           *resty.Client
	log            *slog.Logger
	now            func() time.Time
	onUnauthorized func()

	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

func WithOnUnauthorized(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		log: slog.Default(),
		now: time.Now,
	}
	c.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Content-Type", "application/json")

	c.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if token := c.Token(); token != "" {
			req.SetAuthToken(token)
		}
		if req.Method == http.MethodGet {
			req.SetQueryParam("_t", strconv.FormatInt(c.now().UnixMilli(), 10))
		}
		return nil
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) ClearToken() {
	c.SetToken("")
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do runs a request and funnels every outcome through the error
// taxonomy. out, when non-nil, receives the decoded 2xx body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.log.Warn("request failed", "method", method, "path", path, "error", err)
		return &models.APIError{
			Message:    "network error - please check your connection",
			StatusCode: 0,
			Code:       "NETWORK_ERROR",
			Details:    err.Error(),
		}
	}

	c.log.Debug("request completed", "method", method, "path", path, "status", resp.StatusCode())

	if resp.IsError() {
		return c.normalizeError(resp)
	}
	return nil
}

func (c *Client) normalizeError(resp *resty.Response) *models.APIError {
	apiErr := &models.APIError{
		StatusCode: resp.StatusCode(),
		Details:    string(resp.Body()),
	}

	var body struct {
		Message string `json:"message"`
		Code    string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
		apiErr.Code = body.Code
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		c.ClearToken()
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}

	return apiErr
}
