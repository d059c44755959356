package util

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
	DefaultMaxBackoff = 10 * time.Second
	DefaultUserAgent  = "bank-reputation-monitor/1.0"

	maxBodyBytes     = 64 << 20
	maxErrorBodyText = 512
)

// NewHTTPClient builds the transport shared by one client. Redirects are followed by net/http.
func NewHTTPClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if insecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 operator opt-in
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// ClientOptions configures one logical data source.
type ClientOptions struct {
	Name               string // source name used in logs and metrics
	Timeout            time.Duration
	MaxRetries         int // total attempts
	Backoff            time.Duration
	MaxBackoff         time.Duration
	UserAgent          string
	Headers            map[string]string
	RatePerSecond      float64 // 0 disables limiting
	Burst              int
	InsecureSkipVerify bool

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Observe is called once per attempt with the outcome label.
	Observe func(source, outcome string)
}

// Client executes requests for one source with bounded retries and exponential backoff.
// A Client is owned by a single pipeline run and released with Close.
type Client struct {
	opts    ClientOptions
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.Backoff {
			opts.MaxBackoff = opts.Backoff
		}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	c := &Client{opts: opts, http: NewHTTPClient(opts.Timeout, opts.InsecureSkipVerify)}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Request describes one logical call. Body is re-sent on every attempt.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header map[string]string
	Body   []byte

	// AllowNotFound turns a 404 into NotFoundError for existence probes.
	AllowNotFound bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Get is a shortcut for a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Query: query, Header: header})
}

// Probe issues a GET where 404 means the resource does not exist.
func (c *Client) Probe(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, AllowNotFound: true})
}

// Do executes req, retrying transient failures.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := Retry(ctx, c.opts.MaxRetries, c.opts.Backoff, c.opts.MaxBackoff, c.opts.Sleep, func() error {
		r, err := c.once(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &PermanentError{URL: target, Err: err}
	}
	hr.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range c.opts.Headers {
		hr.Header.Set(k, v)
	}
	for k, v := range req.Header {
		hr.Header.Set(k, v)
	}

	res, err := c.http.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.observe("error")
		if isTransportTransient(err) {
			return nil, &TransientError{URL: target, Err: err}
		}
		return nil, &PermanentError{URL: target, Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		c.observe("error")
		return nil, &TransientError{URL: target, StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		c.observe("ok")
		return &Response{StatusCode: code, Header: res.Header, Body: data, URL: res.Request.URL.String()}, nil
	case isRetryableStatus(code):
		c.observe(strconv.Itoa(code))
		te := &TransientError{URL: target, StatusCode: code}
		if code == http.StatusTooManyRequests {
			te.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
		}
		return nil, te
	case code == http.StatusNotFound && req.AllowNotFound:
		c.observe("404")
		return nil, &NotFoundError{URL: target}
	default:
		c.observe(strconv.Itoa(code))
		return nil, &PermanentError{URL: target, StatusCode: code, Body: truncate(string(data), maxErrorBodyText)}
	}
}

func (c *Client) observe(outcome string) {
	if c.opts.Observe != nil {
		c.opts.Observe(c.opts.Name, outcome)
	}
}

// Retry runs fn up to attempts times. Only TransientError results are retried; the wait
// doubles from initial up to max, and a TransientError carrying RetryAfter overrides it.
func Retry(ctx context.Context, attempts int, initial, max time.Duration, sleep func(context.Context, time.Duration) error, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	d := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var te *TransientError
		if !errors.As(err, &te) || i == attempts-1 {
			return err
		}
		wait := d
		if te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		log.WithFields(log.Fields{"url": te.URL, "status": te.StatusCode, "attempt": i + 1, "wait": wait}).Debug("retrying request")
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
		if d < max {
			d *= 2
			if d > max {
				d = max
			}
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTransportTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe")
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
