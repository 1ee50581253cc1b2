// Package export drives the bulk-export flow of the iNaturalist web UI: a
// cookie session login, the export request, polling and archive download.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// ErrNoCSRFToken is returned when a page lacks the csrf-token meta tag.
var ErrNoCSRFToken = errors.New("csrf token not found")

const maxErrorBody = 4 << 10

// Client holds the logged-in web session. It is safe for sequential use only.
type Client struct {
	http      *http.Client
	baseURL   string
	apiURL    string
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// ClientConfig configures the session.
type ClientConfig struct {
	BaseURL   string
	APIURL    string
	UserAgent string
	// Timeout bounds each API and page request. Archive downloads are bounded
	// only by the caller's context.
	Timeout time.Duration
}

// NewClient builds a session with an empty cookie jar. transport may be nil.
// GET redirects are followed; redirects answering a POST are returned as is
// so the login response can be inspected.
func NewClient(cfg ClientConfig, transport http.RoundTripper, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.APIURL == "" {
		return nil, fmt.Errorf("base and api urls are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: checkRedirect,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

const maxRedirects = 10

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > 0 && via[0].Method == http.MethodPost {
		return http.ErrUseLastResponse
	}
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects to %s", maxRedirects, req.URL)
	}
	return nil
}

// HTTPClient exposes the session client for downloads that need its cookies.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Login signs in with the site's form flow. Any response other than a
// redirect away from the login page yields an *inat.AuthError.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return &inat.AuthError{Reason: "username and password are required"}
	}
	token, err := c.csrfToken(ctx, c.baseURL+"/login")
	if err != nil {
		return fmt.Errorf("load login page: %w", err)
	}

	form := url.Values{
		"utf8":               {"✓"},
		"authenticity_token": {token},
		"user[email]":        {username},
		"user[password]":     {password},
		"user[remember_me]":  {"0"},
	}
	resp, err := c.postForm(ctx, c.baseURL+"/session", form, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusFound {
		return &inat.AuthError{StatusCode: resp.StatusCode, Reason: "login was not accepted"}
	}
	if loc := resp.Header.Get("Location"); strings.Contains(loc, "/login") {
		return &inat.AuthError{StatusCode: resp.StatusCode, Reason: "redirected back to login"}
	}
	c.logger.Info("login successful", zap.String("user", username))
	return nil
}

// csrfToken loads page and returns the content of its csrf-token meta tag.
func (c *Client) csrfToken(ctx context.Context, page string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.get(ctx, page, nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return "", statusError(page, resp)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", page, err)
	}
	token := strings.TrimSpace(doc.Find(`meta[name="csrf-token"]`).AttrOr("content", ""))
	if token == "" {
		return "", fmt.Errorf("%s: %w", page, ErrNoCSRFToken)
	}
	return token, nil
}

// getJSON fetches target and decodes a 200 response into dst.
func (c *Client) getJSON(ctx context.Context, target string, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.get(ctx, target, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return statusError(target, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &inat.ParseError{Cause: fmt.Errorf("decode %s: %w", target, err)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, target string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, headers)
}

func (c *Client) postForm(ctx context.Context, target string, form url.Values, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, headers)
}

func (c *Client) do(req *http.Request, headers http.Header) (*http.Response, error) {
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &inat.FetchError{URL: req.URL.String(), Cause: err}
	}
	return resp, nil
}

func statusError(target string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &inat.FetchError{
		URL:        target,
		StatusCode: resp.StatusCode,
		Cause:      fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
