// Package ctlclient talks to a running dashcam daemon over its HTTP API.
package ctlclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/tuzkov/dashcam/session"
	"github.com/tuzkov/dashcam/storage"
)

const RequestIDHeader = "X-Request-ID"

type Client interface {
	Start(ctx context.Context) (*session.Status, error)
	Stop(ctx context.Context) (*session.Status, error)
	Rotate(ctx context.Context) (*session.Status, error)
	Status(ctx context.Context) (*session.Status, error)
	Segments(ctx context.Context) ([]storage.Segment, error)
}

type Config struct {
	// Address is host:port or a base URL of the daemon.
	Address string
	Timeout time.Duration
	Retries int
}

type client struct {
	log    *slog.Logger
	config *Config
	http   *resty.Client
}

func NewClient(log *slog.Logger, config *Config) (Client, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if config.Address == "" {
		return nil, errors.New("config address is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		// stop waits for the encoder to finish the file
		timeout = 30 * time.Second
	}

	base := config.Address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	cli := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(config.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	return &client{
		log:    log.With("svc", "ctlclient"),
		config: config,
		http:   cli,
	}, nil
}

// Start and Stop are no-ops when repeated, they are retried like the GETs.
func (c *client) Start(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, http.MethodPost, "/start", true)
}

func (c *client) Stop(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, http.MethodPost, "/stop", true)
}

// Rotate is never retried, a repeat would close one more segment.
func (c *client) Rotate(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, http.MethodPost, "/rotate", false)
}

func (c *client) Status(ctx context.Context) (*session.Status, error) {
	return c.status(ctx, http.MethodGet, "/status", true)
}

func (c *client) Segments(ctx context.Context) ([]storage.Segment, error) {
	var segs []storage.Segment
	if err := c.do(ctx, http.MethodGet, "/segments", &segs, true); err != nil {
		return nil, err
	}
	return segs, nil
}

func (c *client) status(ctx context.Context, method, path string, retry bool) (*session.Status, error) {
	var st session.Status
	if err := c.do(ctx, method, path, &st, retry); err != nil {
		return nil, err
	}
	return &st, nil
}

func noRetry(*resty.Response, error) bool {
	return false
}

func (c *client) do(ctx context.Context, method, path string, result any, retry bool) error {
	reqID := uuid.NewString()
	c.log.Debug("request", "method", method, "path", path, "id", reqID)

	req := c.http.R().
		SetContext(ctx).
		SetHeader(RequestIDHeader, reqID).
		SetResult(result)
	if !retry {
		req.AddRetryCondition(noRetry)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("fail to make request: %w", err)
	}

	c.log.Debug("resp", "code", resp.StatusCode(), "id", reqID)
	if !resp.IsSuccess() {
		return fmt.Errorf("%s %s: status code %d: %s",
			method, path, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}
