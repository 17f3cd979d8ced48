package ocsp

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/remiblancher/qocsp/internal/log"
	"github.com/remiblancher/qocsp/internal/truststore"
)

// maxResponseSize bounds the response bodies read by the Client.
const maxResponseSize = 1 << 20

// Method selects the HTTP transport of a request.
type Method int

const (
	// MethodAuto tries GET and falls back to POST on 404 or 405.
	MethodAuto Method = iota
	MethodGET
	MethodPOST
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case MethodAuto:
		return "auto"
	case MethodGET:
		return http.MethodGet
	case MethodPOST:
		return http.MethodPost
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod parses auto, get or post.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "get":
		return MethodGET, nil
	case "post":
		return MethodPOST, nil
	default:
		return 0, fmt.Errorf("invalid HTTP method %q (expected auto, get or post)", s)
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// HTTPClient sends the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger overrides the logger carried by the context.
	Logger *slog.Logger

	// Store is used to locate responder certificates and build their chain.
	Store *truststore.Store

	// Now returns the validation time. Defaults to time.Now.
	Now func() time.Time
}

// Client transmits OCSP requests over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	store      *truststore.Store
	now        func() time.Time

	requestCounter  metric.Int64Counter
	fallbackCounter metric.Int64Counter
	errorCounter    metric.Int64Counter
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	c := &Client{
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		store:      opts.Store,
		now:        opts.Now,
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.now == nil {
		c.now = time.Now
	}

	meter := otel.Meter("github.com/remiblancher/qocsp/internal/ocsp")
	var err error
	if c.requestCounter, err = meter.Int64Counter("qocsp.client.requests"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}
	if c.fallbackCounter, err = meter.Int64Counter("qocsp.client.fallbacks"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}
	if c.errorCounter, err = meter.Int64Counter("qocsp.client.errors"); err != nil {
		return nil, fmt.Errorf("failed to create otel counter: %w", err)
	}
	return c, nil
}

func (c *Client) loggerFor(ctx context.Context) *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return log.GetLogger(ctx)
}

// Send transmits req with GET and falls back to POST when the responder
// answers 404 or 405.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	return c.SendWith(ctx, req, MethodAuto)
}

// SendWith transmits req with the given method and parses the response
// against req. Network errors are returned as is; non-2xx statuses are
// returned as *HTTPError.
func (c *Client) SendWith(ctx context.Context, req *Request, method Method) (*Response, error) {
	base := req.URL()
	if base == "" {
		return nil, ErrMissingResponderURL
	}
	logger := c.loggerFor(ctx)

	var (
		body   []byte
		header http.Header
		err    error
	)
	switch method {
	case MethodGET:
		body, header, err = c.do(ctx, logger, http.MethodGet, base, req.raw)
	case MethodPOST:
		body, header, err = c.do(ctx, logger, http.MethodPost, base, req.raw)
	case MethodAuto:
		body, header, err = c.do(ctx, logger, http.MethodGet, base, req.raw)
		var herr *HTTPError
		if errors.As(err, &herr) &&
			(herr.StatusCode == http.StatusNotFound || herr.StatusCode == http.StatusMethodNotAllowed) {
			c.fallbackCounter.Add(ctx, 1)
			logger.LogAttrs(ctx, slog.LevelInfo, "GET rejected, retrying with POST",
				slog.String("url", base), slog.Int("status", herr.StatusCode))
			body, header, err = c.do(ctx, logger, http.MethodPost, base, req.raw)
		}
	default:
		return nil, fmt.Errorf("invalid HTTP method %v", method)
	}
	if err != nil {
		c.errorCounter.Add(ctx, 1)
		return nil, err
	}

	return ParseResponse(body, ParseOptions{
		Request:     req,
		Header:      header,
		Store:       c.store,
		CurrentTime: c.now(),
	})
}

func (c *Client) do(ctx context.Context, logger *slog.Logger, method, base string, der []byte) ([]byte, http.Header, error) {
	target := base
	var body io.Reader
	if method == http.MethodGet {
		target = GetURL(base, der)
	} else {
		body = bytes.NewReader(der)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentTypeRequest)
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("Pragma", "no-cache")

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	logger.LogAttrs(ctx, slog.LevelDebug, "OCSP responder answered",
		slog.String("method", method),
		slog.String("url", base),
		slog.Int("status", res.StatusCode),
		slog.String("content_type", res.Header.Get("Content-Type")),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseSize))
		return nil, nil, &HTTPError{Method: method, URL: base, StatusCode: res.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize+1))
	if err != nil {
		return nil, nil, err
	}
	if len(data) > maxResponseSize {
		return nil, nil, fmt.Errorf("OCSP response exceeds %d bytes", maxResponseSize)
	}
	return data, res.Header, nil
}

// GetURL returns the GET form of a request: base, "/", then the standard
// base64 of der with '+', '/' and '=' percent-encoded.
func GetURL(base string, der []byte) string {
	encoded := base64.StdEncoding.EncodeToString(der)
	encoded = strings.NewReplacer("+", "%2B", "/", "%2F", "=", "%3D").Replace(encoded)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + encoded
}
