package portal

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/inspired27/aldidata/internal/metrics"
)

const (
	// DefaultRequestTimeout applies to GET and POST exchanges.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHeadTimeout applies to HEAD reachability probes.
	DefaultHeadTimeout = 5 * time.Second

	userAgent     = "Mozilla/5.0"
	acceptDefault = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Client is the session transport to the account portal: one HTTP client with
// a shared cookie jar, fixed timeouts and a stable identity header set. The
// jar is how authentication state survives between requests. Ambient proxy
// configuration is never consulted.
type Client struct {
	http           *http.Client
	head           *http.Client
	requestTimeout time.Duration
	headTimeout    time.Duration
}

// ClientConfig holds transport settings.
type ClientConfig struct {
	RequestTimeout time.Duration
	HeadTimeout    time.Duration
}

// NewClient creates the portal transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HeadTimeout == 0 {
		cfg.HeadTimeout = DefaultHeadTimeout
	}

	jar, _ := cookiejar.New(nil)

	transport := &http.Transport{
		Proxy: nil, // never inherit environment proxies
	}

	return &Client{
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		head: &http.Client{
			Jar:       jar,
			Timeout:   cfg.HeadTimeout,
			Transport: transport,
		},
		requestTimeout: cfg.RequestTimeout,
		headTimeout:    cfg.HeadTimeout,
	}
}

// Response is a fully-read portal response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        string
}

// Get fetches a URL, classifying any transport failure. Extra headers are
// applied on top of the default identity set.
func (c *Client) Get(rawURL string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &UpstreamError{Code: CodeOutboundRequestFail, UserMessage: "ALDI Mobile request failed.", Stage: "GET " + urlPath(rawURL), cause: err}
	}
	return c.do(c.http, req, headers)
}

// Post submits a form body, classifying any transport failure.
func (c *Client) Post(rawURL string, form url.Values, headers map[string]string) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &UpstreamError{Code: CodeOutboundRequestFail, UserMessage: "ALDI Mobile request failed.", Stage: "POST " + urlPath(rawURL), cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(c.http, req, headers)
}

// Head probes a URL with the short timeout.
func (c *Client) Head(rawURL string) (*Response, error) {
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, &UpstreamError{Code: CodeOutboundRequestFail, UserMessage: "ALDI Mobile request failed.", Stage: "HEAD " + urlPath(rawURL), cause: err}
	}
	return c.do(c.head, req, nil)
}

func (c *Client) do(hc *http.Client, req *http.Request, extra map[string]string) (*Response, error) {
	req.Header.Set("User-Agent", userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptDefault)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	stage := req.Method + " " + urlPath(req.URL.String())

	resp, err := hc.Do(req)
	if err != nil {
		code, msg := classifyTransportError(err)
		metrics.PortalRequestsTotal.WithLabelValues(req.Method, "transport_error").Inc()
		metrics.UpstreamErrorsTotal.WithLabelValues(code).Inc()
		return nil, &UpstreamError{Code: code, UserMessage: msg, Stage: stage, cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		code, msg := classifyTransportError(err)
		metrics.PortalRequestsTotal.WithLabelValues(req.Method, "transport_error").Inc()
		metrics.UpstreamErrorsTotal.WithLabelValues(code).Inc()
		return nil, &UpstreamError{Code: code, UserMessage: msg, Stage: stage, cause: err}
	}

	metrics.PortalRequestsTotal.WithLabelValues(req.Method, "ok").Inc()

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}, nil
}

// checkStatus raises a classified error for HTTP status >= 400. Successful
// transport with an error status is the caller's responsibility, the same
// split the transport contract defines.
func checkStatus(resp *Response, method, rawURL string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	code := httpErrorCode(resp.StatusCode)
	metrics.UpstreamErrorsTotal.WithLabelValues(code).Inc()
	return &UpstreamError{
		Code:        code,
		UserMessage: httpErrorMessage(resp.StatusCode),
		Stage:       method + " " + urlPath(rawURL),
		HTTPStatus:  resp.StatusCode,
	}
}
