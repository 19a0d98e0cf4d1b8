// Package directory talks to the external drug directory: bohcode to canonical
// code resolution, per-code detail, covered billing codes and name search.
//
// Every exported lookup returns a value and an ok flag. Transport, decoding
// and breaker failures are logged here and surface as "no result".
package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/korean"

	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

// errNoResult marks a well-formed response that names nothing. The breaker
// does not count it as a failure.
var errNoResult = errors.New("no result")

const maxBodyBytes = 8 << 20

// Config holds directory endpoints. Paths are joined to BaseURL.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
	SearchPath  string
	DetailPath  string
	CoveredPath string
	NamePath    string
}

// DefaultConfig returns the production endpoint layout.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://www.health.kr",
		Timeout:     10 * time.Second,
		UserAgent:   "medlabel/1.0",
		SearchPath:  "/searchDrug/ajax/ajax_commonSearch.asp",
		DetailPath:  "/searchDrug/ajax/ajax_result_drug2.asp",
		CoveredPath: "/searchDrug/ajax/ajax_bohcode.asp",
		NamePath:    "/searchDrug/search_total_result.asp",
	}
}

// Observer receives per-call outcomes, normally the Prometheus metrics.
type Observer interface {
	ObserveDirectoryCall(op string, d time.Duration, ok bool)
}

type nopObserver struct{}

func (nopObserver) ObserveDirectoryCall(string, time.Duration, bool) {}

// Client queries the drug directory.
type Client struct {
	cfg      Config
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver reports call outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// New creates a client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		logger:   logger,
		tracer:   otel.Tracer("directory"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerConfig is the breaker setup the directory expects.
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.Benign = IsNoResult
	return cfg
}

// IsNoResult reports whether err only means the directory had nothing.
func IsNoResult(err error) bool {
	return errors.Is(err, errNoResult)
}

// call runs one guarded request and converts its error into a log line.
func call[T any](ctx context.Context, c *Client, op string, key string, fn func(ctx context.Context) (T, error)) (T, bool) {
	ctx, span := c.tracer.Start(ctx, "directory."+op, trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	v, err := circuitbreaker.Do(ctx, c.breaker, fn)
	ok := err == nil
	c.observer.ObserveDirectoryCall(op, time.Since(start), ok)

	switch {
	case err == nil:
	case IsNoResult(err):
		span.SetAttributes(attribute.Bool("no_result", true))
		c.logger.Debug("directory returned no result", zap.String("op", op), zap.String("key", key))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("directory call failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	}
	return v, ok
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.endpoint(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return decodeBody(body, resp.Header.Get("Content-Type"))
}

// decodeBody returns UTF-8 text. The directory still serves some pages in
// EUC-KR, with or without saying so in the content type.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	ct := strings.ToLower(contentType)
	legacy := strings.Contains(ct, "euc-kr") || strings.Contains(ct, "ks_c_5601") || strings.Contains(ct, "cp949")
	if !legacy && utf8.Valid(body) {
		return body, nil
	}
	out, err := io.ReadAll(korean.EUCKR.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("decode euc-kr: %w", err)
	}
	return out, nil
}
