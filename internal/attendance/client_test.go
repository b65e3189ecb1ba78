package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-attendance/internal/alert"
	"ble-attendance/internal/clock"
	"ble-attendance/internal/config"
)

type captured struct {
	path string
	key  string
	body map[string]any
}

// apiServer answers the first failFirst requests with an unparsable body
// and the rest with {"ok":true} at the given status.
func apiServer(t *testing.T, failFirst int32, status int) (*httptest.Server, *[]captured, *sync.Mutex) {
	t.Helper()
	var n atomic.Int32
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, key: r.Header.Get("Idempotency-Key"), body: body})
		mu.Unlock()

		if n.Add(1) <= failFirst {
			w.Write([]byte("<html>gateway</html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func newClient(t *testing.T, base string, clk clock.Clock, rec *alert.Recorder) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:     base,
		MaxAttempts: 3,
		RetryDelay:  2 * time.Second,
		Clock:       clk,
		Alerts:      rec,
	})
	require.NoError(t, err)
	return c
}

// drive runs send on another goroutine and advances the fake clock past
// each retry delay until it returns.
func drive(clk *clock.FakeClock, send func() Result) Result {
	done := make(chan Result, 1)
	go func() { done <- send() }()
	for {
		select {
		case r := <-done:
			return r
		case <-time.After(5 * time.Millisecond):
			if clk.PendingCount() > 0 {
				clk.Advance(2 * time.Second)
			}
		}
	}
}

func TestSendEnterBody(t *testing.T) {
	srv, got, mu := apiServer(t, 0, http.StatusOK)
	c := newClient(t, srv.URL, clock.Real(), &alert.Recorder{})

	rssi := -61
	ev := NewEvent(Enter, "user-1", time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC))
	ev.DeviceID = "AA:BB:CC:DD:EE:FF"
	ev.DeviceName = "LINBLE-Z2"
	ev.RSSI = &rssi

	res := c.SendEnter(context.Background(), ev)
	require.True(t, res.Delivered)
	assert.Equal(t, 1, res.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	req := (*got)[0]
	assert.Equal(t, "/enter", req.path)
	assert.Equal(t, ev.ID, req.key)
	assert.Equal(t, "user-1", req.body["userId"])
	assert.Equal(t, "2026-05-04T08:30:00Z", req.body["timestamp"])
	assert.Equal(t, "LINBLE-Z2", req.body["deviceName"])
	assert.EqualValues(t, -61, req.body["rssi"])
}

func TestMinimalBodyOmitsOptionalFields(t *testing.T) {
	raw, err := json.Marshal(Event{UserID: "u"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u"}`, string(raw))
}

func TestSendExitUsesExitPath(t *testing.T) {
	srv, got, mu := apiServer(t, 0, http.StatusOK)
	c := newClient(t, srv.URL, clock.Real(), &alert.Recorder{})

	res := c.SendExit(context.Background(), NewEvent(Enter, "u", time.Now()))
	require.True(t, res.Delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/exit", (*got)[0].path)
}

func TestErrorStatusWithJSONCountsAsDelivered(t *testing.T) {
	srv, _, _ := apiServer(t, 0, http.StatusNotFound)
	rec := &alert.Recorder{}
	c := newClient(t, srv.URL, clock.Real(), rec)

	res := c.SendEnter(context.Background(), NewEvent(Enter, "u", time.Now()))
	assert.True(t, res.Delivered)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, 0, rec.Len())
}

func TestSucceedsOnThirdAttemptWithoutAlert(t *testing.T) {
	srv, got, mu := apiServer(t, 2, http.StatusOK)
	clk := clock.Fake(time.Now())
	rec := &alert.Recorder{}
	c := newClient(t, srv.URL, clk, rec)

	ev := NewEvent(Enter, "u", time.Now())
	res := drive(clk, func() Result { return c.SendEnter(context.Background(), ev) })

	assert.True(t, res.Delivered)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 0, rec.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 3)
	for _, r := range *got {
		assert.Equal(t, ev.ID, r.key, "retries reuse the idempotency key")
	}
}

func TestExhaustionAlertsOnce(t *testing.T) {
	srv, got, mu := apiServer(t, 100, http.StatusOK)
	clk := clock.Fake(time.Now())
	rec := &alert.Recorder{}
	c := newClient(t, srv.URL, clk, rec)

	res := drive(clk, func() Result { return c.SendExit(context.Background(), NewEvent(Exit, "u", time.Now())) })

	assert.False(t, res.Delivered)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.Err, ErrDeliveryFailure)
	require.Equal(t, 1, rec.Len())
	assert.True(t, errors.Is(rec.Alerts()[0].Err, ErrDeliveryFailure))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 3)
}

func TestTransportErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	rec := &alert.Recorder{}
	c, err := New(Options{BaseURL: base, MaxAttempts: 1, Alerts: rec})
	require.NoError(t, err)

	res := c.SendEnter(context.Background(), NewEvent(Enter, "u", time.Now()))
	assert.False(t, res.Delivered)
	assert.Equal(t, 1, rec.Len())
}

func TestCancelStopsRetryWithoutAlert(t *testing.T) {
	srv, _, _ := apiServer(t, 100, http.StatusOK)
	clk := clock.Fake(time.Now())
	rec := &alert.Recorder{}
	c := newClient(t, srv.URL, clk, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- c.SendEnter(ctx, NewEvent(Enter, "u", time.Now())) }()

	clk.WaitForTimers(1)
	cancel()
	res := <-done
	assert.False(t, res.Delivered)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, rec.Len())
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	assert.True(t, c.HealthCheck(context.Background()))

	c, err = New(Options{BaseURL: srv.URL, HealthPath: "/ready"})
	require.NoError(t, err)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
}

func TestConfiguredPaths(t *testing.T) {
	srv, got, mu := apiServer(t, 0, http.StatusOK)
	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.APIEnterPath = "/room/enter"
	cfg.APIExitPath = "/room/exit"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.RetryDelay)
	c, err := New(opts)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.True(t, c.SendEnter(testContext(t), NewEvent(Enter, "u1", at)).Delivered)
	require.True(t, c.SendExit(testContext(t), NewEvent(Exit, "u1", at)).Delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 2)
	assert.Equal(t, "/room/enter", (*got)[0].path)
	assert.Equal(t, "/room/exit", (*got)[1].path)
}
