// Package upstream is the HTTP client for the timetable API.
//
// Methods return raw response bodies so the cached fetcher can store them
// unchanged. HTTP 422 is reported as fetcher.ErrInvalidIdentifier; any other
// failure is a plain error the fetcher treats as upstream unavailability.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"classbell/internal/fetcher"
	"classbell/internal/timetable"
	logx "classbell/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL  string
	Language string
	Timeout  time.Duration
	// RatePerSec limits outgoing requests. Zero disables the limit.
	RatePerSec float64
	Burst      int
	// MaxBody caps response bodies. Zero means 4 MiB.
	MaxBody int64
}

const (
	groupPath        = "/time-table/group"
	callSchedulePath = "/time-table/call-schedule"

	defaultMaxBody = 4 << 20
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type Client struct {
	base    *url.URL
	lang    string
	maxBody int64
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("upstream: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream: unsupported scheme %q", base.Scheme)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "uk"
	}
	c := &Client{
		base:    base,
		lang:    cfg.Language,
		maxBody: cfg.MaxBody,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.With(logx.String("comp", "upstream")),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c, nil
}

type groupRequest struct {
	GroupID   int64  `json:"groupId"`
	DateStart string `json:"dateStart"`
	DateEnd   string `json:"dateEnd"`
}

// GroupSchedule fetches the days of group within rng (inclusive).
func (c *Client) GroupSchedule(ctx context.Context, group int64, rng timetable.Range) ([]byte, error) {
	body, err := json.Marshal(groupRequest{GroupID: group, DateStart: rng.Start.String(), DateEnd: rng.End.String()})
	if err != nil {
		return nil, err
	}
	b, err := c.do(ctx, http.MethodPost, groupPath, body)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity {
		return nil, fetcher.InvalidIdentifier(fmt.Errorf("group %d: %w", group, err))
	}
	return b, err
}

// CallSchedule fetches the bell schedule.
func (c *Client) CallSchedule(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, callSchedulePath, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := c.base.JoinPath(path)

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.lang)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.log.Debug("upstream request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(data)}
	}
	return data, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= 200 {
		return s
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// DecodeDays parses a group schedule payload.
func DecodeDays(payload []byte) ([]timetable.Day, error) {
	var days []timetable.Day
	if err := json.Unmarshal(payload, &days); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return days, nil
}

// DecodeCallSchedule parses a bell schedule payload.
func DecodeCallSchedule(payload []byte) ([]timetable.CallSlot, error) {
	var slots []timetable.CallSlot
	if err := json.Unmarshal(payload, &slots); err != nil {
		return nil, fmt.Errorf("decode call schedule: %w", err)
	}
	return slots, nil
}
