package haClient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// RequestObserver is called once per finished request. status is 0 when no response
// was received.
type RequestObserver func(method, path string, status int, err error, elapsed time.Duration)

type Option func(*HaApiClient)

func WithHttpClient(client *http.Client) Option {
	return func(c *HaApiClient) {
		if client != nil {
			c.client = client
		}
	}
}

func WithRequestObserver(observer RequestObserver) Option {
	return func(c *HaApiClient) {
		c.observer = observer
	}
}

type HaApiClient struct {
	config        ConnectionConfig
	client        *http.Client
	observer      RequestObserver
	lastWritePath atomic.Value
	logger        *zap.SugaredLogger
}

func NewHaApiClient(config ConnectionConfig, logger *zap.SugaredLogger, opts ...Option) *HaApiClient {
	c := &HaApiClient{
		config: config,
		client: &http.Client{Timeout: defaultRequestTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastWritePath.Store("")
	return c
}

func (c *HaApiClient) Config() ConnectionConfig {
	return c.config
}

// LastWritePath is the path of the most recently issued POST.
func (c *HaApiClient) LastWritePath() string {
	return c.lastWritePath.Load().(string)
}

func (c *HaApiClient) do(ctx context.Context, method, path string, body map[string]any) (respBody []byte, err error) {
	start := time.Now()
	status := 0
	defer func() {
		if c.observer != nil {
			c.observer(method, path, status, err, time.Since(start))
		}
	}()

	queryUrl, err := c.config.APIURL(path)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.logger.Errorf("Unable to encode %s body for %s: %v", method, path, err)
			return nil, &NetworkError{Method: method, Path: path, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, queryUrl, reader)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.config.Authorize(req)

	c.logger.Debugf("%s %s", method, queryUrl)
	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Errorf("Error on %s request to %s: %v", method, path, err)
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer res.Body.Close()
	status = res.StatusCode

	respBody, err = io.ReadAll(res.Body)
	if err != nil {
		c.logger.Errorf("Error reading %s response from %s: %v", method, path, err)
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Warnf("%s %s returned status %d", method, path, res.StatusCode)
		return nil, &StatusError{Method: method, Path: path, StatusCode: res.StatusCode, Body: truncate(respBody, 256)}
	}
	return respBody, nil
}

func (c *HaApiClient) decode(path string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		c.logger.Errorf("Response from %s was not the expected JSON: %v", path, err)
		return &DecodeError{Path: path, Body: body, Err: err}
	}
	return nil
}

// Get issues GET {base}/api/{path} and returns the decoded JSON value.
func (c *HaApiClient) Get(ctx context.Context, path string) (any, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var value any
	if err := c.decode(path, body, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Post sends body as JSON to {base}/api/{path} and returns the decoded JSON response.
func (c *HaApiClient) Post(ctx context.Context, path string, body map[string]any) (any, error) {
	c.lastWritePath.Store(path)
	if body == nil {
		body = map[string]any{}
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var value any
	if err := c.decode(path, resp, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// GetDecoded fetches path and decodes the body into T.
func GetDecoded[T any](ctx context.Context, c *HaApiClient, path string) (T, error) {
	var value T
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return value, err
	}
	err = c.decode(path, body, &value)
	return value, err
}

// GetDecodedList fetches path and decodes a JSON array of T.
func GetDecodedList[T any](ctx context.Context, c *HaApiClient, path string) ([]T, error) {
	return GetDecoded[[]T](ctx, c, path)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
