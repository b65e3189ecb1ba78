// Package attendance is the client for the remote attendance API. It
// posts enter and exit events with a bounded, fixed-delay retry and
// raises a single alert when an event is finally dropped.
package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ble-attendance/internal/alert"
	"ble-attendance/internal/clock"
	"ble-attendance/internal/config"
	"ble-attendance/internal/httpkit"
)

// ErrDeliveryFailure is wrapped by Result.Err and the alert raised when
// every attempt for an event failed.
var ErrDeliveryFailure = errors.New("attendance: delivery failed")

const (
	DefaultEnterPath  = "/enter"
	DefaultExitPath   = "/exit"
	DefaultHealthPath = "/health"

	maxBody = 64 << 10
)

// Options configures a Client. Zero values take the defaults noted.
type Options struct {
	BaseURL     string
	EnterPath   string        // "/enter"
	ExitPath    string        // "/exit"
	HealthPath  string        // "/health"
	MaxAttempts int           // 3
	RetryDelay  time.Duration // 2s

	HTTPClient *http.Client // httpkit.NewClient()
	Clock      clock.Clock  // clock.Real()
	Alerts     alert.Sink   // no alerts
	Logger     *slog.Logger // slog.Default()
}

// Result describes the outcome of one Send.
type Result struct {
	Delivered bool
	Attempts  int
	Status    int   // HTTP status of the delivered response
	Err       error // wraps ErrDeliveryFailure when not delivered
}

// Client sends attendance events. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	enterPath  string
	exitPath   string
	healthPath string
	attempts   int
	delay      time.Duration

	http   *http.Client
	clock  clock.Clock
	alerts alert.Sink
	logger *slog.Logger
}

// OptionsFromConfig maps the API settings of cfg onto Options. Runtime
// dependencies (HTTPClient, Clock, Alerts, Logger) are left to the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:     cfg.APIBaseURL,
		EnterPath:   cfg.APIEnterPath,
		ExitPath:    cfg.APIExitPath,
		HealthPath:  cfg.APIHealthPath,
		MaxAttempts: cfg.MaxRetryAttempts,
		RetryDelay:  cfg.RetryDelay(),
	}
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("attendance: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("attendance: base url %q must be http or https", opts.BaseURL)
	}
	c := &Client{
		base:       u,
		enterPath:  orDefault(opts.EnterPath, DefaultEnterPath),
		exitPath:   orDefault(opts.ExitPath, DefaultExitPath),
		healthPath: orDefault(opts.HealthPath, DefaultHealthPath),
		attempts:   opts.MaxAttempts,
		delay:      opts.RetryDelay,
		http:       opts.HTTPClient,
		clock:      opts.Clock,
		alerts:     opts.Alerts,
		logger:     opts.Logger,
	}
	if c.attempts < 1 {
		c.attempts = 3
	}
	if c.delay <= 0 {
		c.delay = 2 * time.Second
	}
	if c.http == nil {
		c.http = httpkit.NewClient()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// SendEnter sends ev as an enter event.
func (c *Client) SendEnter(ctx context.Context, ev Event) Result {
	ev.Kind = Enter
	return c.Send(ctx, ev)
}

// SendExit sends ev as an exit event.
func (c *Client) SendExit(ctx context.Context, ev Event) Result {
	ev.Kind = Exit
	return c.Send(ctx, ev)
}

// Send posts ev, retrying up to MaxAttempts times with a fixed delay.
// Any response whose body is JSON counts as delivered, whatever its
// status code; the server's verdict is not interpreted here. Once every
// attempt has failed exactly one alert is raised and the event is
// dropped. A cancelled ctx stops retrying without an alert.
func (c *Client) Send(ctx context.Context, ev Event) Result {
	path := c.enterPath
	if ev.Kind == Exit {
		path = c.exitPath
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: encode %s: %v", ErrDeliveryFailure, ev.Kind, err)}
	}

	log := c.logger.With("kind", ev.Kind.String(), "event_id", ev.ID)
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		status, err := c.post(ctx, path, ev.ID, body)
		if err == nil {
			log.Info("attendance event delivered", "attempt", attempt, "status", status)
			return Result{Delivered: true, Attempts: attempt, Status: status}
		}
		lastErr = err
		log.Warn("attendance attempt failed", "attempt", attempt, "max", c.attempts, "error", err)

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, Err: fmt.Errorf("%w: %s: %w", ErrDeliveryFailure, ev.Kind, ctx.Err())}
		case <-c.clock.After(c.delay):
		}
	}

	err = fmt.Errorf("%w: %s after %d attempts: %w", ErrDeliveryFailure, ev.Kind, c.attempts, lastErr)
	if c.alerts != nil {
		c.alerts.Alert(ctx, alert.Alert{
			Title:   "Attendance not recorded",
			Message: fmt.Sprintf("Could not send %s event after %d attempts", ev.Kind, c.attempts),
			Err:     err,
			At:      c.clock.Now(),
		})
	}
	return Result{Attempts: c.attempts, Err: err}
}

func (c *Client) post(ctx context.Context, path, id string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id != "" {
		req.Header.Set("Idempotency-Key", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(data) {
		return resp.StatusCode, fmt.Errorf("malformed response (status %d)", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// HealthCheck reports whether GET {base}/health answered 2xx.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+c.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
