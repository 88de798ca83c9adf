package http

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/NamanBalaji/upstream/internal/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent    = "upstream/1.0"
	DefaultMaxRedirects = 20

	defaultDownloadName = "download"
)

// Options tune the client. Zero values select the defaults.
type Options struct {
	UserAgent                   string
	ConnectTimeout              time.Duration
	MaxRedirects                int
	AllowCrossProtocolRedirects bool
}

type Client struct {
	*http.Client

	userAgent string
}

// NewClient creates a new HTTP client with custom transport settings.
// Compression is left to the caller so that Content-Length and byte ranges
// describe the bytes on the wire.
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		Client: &http.Client{
			Transport:     transport,
			CheckRedirect: redirectPolicy(opts.MaxRedirects, opts.AllowCrossProtocolRedirects),
		},
		userAgent: opts.UserAgent,
	}
}

func redirectPolicy(maxRedirects int, allowCrossProtocol bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
		}

		if !allowCrossProtocol && len(via) > 0 && req.URL.Scheme != via[0].URL.Scheme {
			return fmt.Errorf("%w: %s to %s", ErrCrossProtocolRedirect, via[0].URL.Scheme, req.URL.Scheme)
		}

		logger.Debugf("Following redirect to %s", req.URL)

		return nil
	}
}

// Range sends method to urlStr asking for bytes [start, end]. A negative end
// requests everything from start on. A start of zero with a negative end sends
// no Range header. The response is returned for both 200 and 206; callers
// must check which one they got.
func (c *Client) Range(ctx context.Context, method, urlStr string, start, end int64, headers map[string]string) (*http.Response, error) {
	req, err := c.generateRequest(ctx, urlStr, method, headers)
	if err != nil {
		return nil, err
	}

	if rangeVal := RangeHeader(start, end); rangeVal != "" {
		req.Header.Set("Range", rangeVal)
		logger.Debugf("Set Range header: %s for %s", rangeVal, urlStr)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	logger.Debugf("Sending %s request to %s", req.Method, req.URL)

	resp, err := c.Do(req)
	if err != nil {
		logger.Errorf("%s request failed for %s: %v", req.Method, req.URL, err)
		return nil, fmt.Errorf("%w: %w", ClassifyError(err), err)
	}

	logger.Debugf("%s response for %s: status=%d", req.Method, req.URL, resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Errorf("%s request returned error status %d for %s", req.Method, resp.StatusCode, req.URL)

		statusErr := newStatusError(resp)
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close response body: %v", err)
		}

		return nil, statusErr
	}

	return resp, nil
}

// generateRequest creates a new HTTP request with the specified method and URL.
func (c *Client) generateRequest(ctx context.Context, urlStr, method string, headers map[string]string) (*http.Request, error) {
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	if err != nil {
		logger.Errorf("Failed to create %s request for %s: %v", method, urlStr, err)
		return nil, fmt.Errorf("%w: %w", ErrRequestCreation, err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	for key, value := range headers {
		req.Header.Set(key, value)
		logger.Debugf("Set custom header: %s", key)
	}

	return req, nil
}

// RangeHeader formats a Range header value for [start, end]. A negative end
// leaves the range open.
func RangeHeader(start, end int64) string {
	switch {
	case end >= 0:
		return fmt.Sprintf("bytes=%d-%d", start, end)
	case start > 0:
		return fmt.Sprintf("bytes=%d-", start)
	default:
		return ""
	}
}

// ParseContentRange parses "bytes start-end/total" and "bytes */total". The
// total is -1 when the server sent "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	total = -1
	if size != "*" {
		if _, err := fmt.Sscanf(size, "%d", &total); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
		}
	}

	if rng == "*" {
		return -1, -1, total, nil
	}

	if _, err := fmt.Sscanf(rng, "%d-%d", &start, &end); err != nil || start < 0 || end < start {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, header)
	}

	return start, end, total, nil
}

// GetFilename tries extracts the filename from the Content-Disposition header or the URL.
func GetFilename(resp *http.Response) string {
	fileName, ok := getFileNameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if ok {
		return fileName
	}

	return filenameFromURL(resp.Request.URL)
}

// FilenameFromURL derives a local file name from a raw URI.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultDownloadName
	}

	return filenameFromURL(u)
}

func filenameFromURL(u *url.URL) string {
	if qname := u.Query().Get("filename"); qname != "" {
		return qname
	}

	p := u.Path
	if p == "" {
		p = u.Opaque
	}

	base := path.Base(p)
	if base != "" && base != "/" && base != "." {
		return base
	}

	return defaultDownloadName
}

func getFileNameFromContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		if fName, ok := params["filename"]; ok {
			return fName, true
		}

		if fName, ok := params["filename*"]; ok {
			return fName, true
		}
	}

	return "", false
}
