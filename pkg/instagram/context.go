// Package instagram implements the authenticated request layer for the
// remote content API: session and cookie state, CSRF handling, typed
// failure classification and rate-controlled dispatch. Every remote call a
// harvest makes passes through a Context.
package instagram

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"instaharvest/pkg/config"
	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/logger"
	"instaharvest/pkg/ratecontrol"
	"instaharvest/pkg/retry"
)

// errLoginRedirect is returned from the redirect policy when the server
// tries to bounce a request to the login page.
var errLoginRedirect = errors.New("redirect to login page")

// pendingChallenge is the saved state of an interrupted login that needs a
// two-factor code to complete.
type pendingChallenge struct {
	username   string
	identifier string
	csrfToken  string
	cookies    []*http.Cookie
}

// Context is the single source of truth for one authenticated session.
// It owns the cookie set, the CSRF token, the rate controller ledger, an
// identity memo and a retained error log. A Context must not be driven by
// two concurrent logical sessions; independent Contexts are fully
// independent.
type Context struct {
	httpClient  *http.Client
	jar         http.CookieJar
	userAgent   string
	maxAttempts int

	csrfToken string
	username  string
	userID    string

	pending *pendingChallenge

	rate   *ratecontrol.Controller
	logger logger.Logger

	// profileMemo caches resolved entities by numeric id, checked before
	// any network call. Never evicted during a session.
	profileMemo map[uint64]json.RawMessage

	errorLog []string
}

// NewContext creates an anonymous Context from the given configuration.
func NewContext(cfg *config.Config, log logger.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.GetLogger()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c := &Context{
		jar:         jar,
		userAgent:   cfg.Connection.UserAgent,
		maxAttempts: cfg.Connection.MaxConnectionAttempts,
		rate:        ratecontrol.New(log),
		logger:      log,
		profileMemo: make(map[uint64]json.RawMessage),
	}
	c.httpClient = &http.Client{
		Jar:     jar,
		Timeout: cfg.Connection.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if strings.HasPrefix(strings.TrimPrefix(req.URL.Path, "/"), LoginPage) {
				return errLoginRedirect
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	return c, nil
}

// IsLoggedIn reports whether the session has a committed login.
func (c *Context) IsLoggedIn() bool { return c.username != "" }

// Username returns the authenticated username, or "" for an anonymous
// session.
func (c *Context) Username() string { return c.username }

// UserID returns the authenticated numeric user id, or "".
func (c *Context) UserID() string { return c.userID }

// RateController exposes the session's rate controller.
func (c *Context) RateController() *ratecontrol.Controller { return c.rate }

// RequestOptions selects host, verb and referer for one call through
// Request.
type RequestOptions struct {
	// Host overrides the primary host, e.g. for the mobile API.
	Host string
	// Referer is attached when non-empty.
	Referer string
	// Post sends the parameters as a form body instead of a querystring.
	Post bool
}

// Request is the central request primitive. It classifies the call by query
// identity, awaits rate-controller clearance for that class, dispatches,
// classifies the outcome and retries transient failures with unchanged
// parameters up to the configured attempt ceiling. The returned bytes are
// the raw response body of a call whose own status field was "ok".
func (c *Context) Request(path string, params url.Values, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	host := opts.Host
	if host == "" {
		host = PrimaryHost
	}
	class := queryClass(host, path, params)

	cfg := &retry.Config{
		MaxAttempts: c.maxAttempts,
		Backoff:     &retry.ConstantBackoff{Delay: time.Second},
		RetryIf: func(err error) bool {
			return errs.IsRetryable(errs.TypeOf(err))
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			// A rejected request must pay its penalty before the retry is
			// dispatched.
			if errs.Is(err, errs.ErrorTypeTooManyRequests) {
				c.rate.Handle429(class)
			}
		},
		Context: stdcontext.Background(),
		Logger:  c.logger,
	}

	body, err := retry.DoWithResult(func() (json.RawMessage, error) {
		return c.dispatch(class, host, path, params, opts)
	}, cfg)
	if err != nil {
		c.recordError(err)
		return nil, err
	}
	return body, nil
}

// dispatch performs exactly one rate-controlled attempt.
func (c *Context) dispatch(class, host, path string, params url.Values, opts *RequestOptions) (json.RawMessage, error) {
	c.rate.WaitBeforeQuery(class)

	u := &url.URL{Scheme: "https", Host: host, Path: "/" + path}
	var req *http.Request
	var err error
	if opts.Post {
		req, err = http.NewRequest(http.MethodPost, u.String(), strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u.RawQuery = params.Encode()
		req, err = http.NewRequest(http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "failed to create request: %v", err)
	}
	c.applyHeaders(req, host, opts.Referer)

	start := time.Now()
	c.logger.DebugWithFields("sending API request", map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
		"class":  class,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, errLoginRedirect) {
			return nil, errs.New(errs.ErrorTypeLoginRequired, 0, "redirected to login page; session invalid or login required")
		}
		return nil, errs.New(errs.ErrorTypeConnection, 0, "network error: %v", err)
	}
	defer resp.Body.Close()
	c.refreshCSRFToken()

	c.logger.DebugWithFields("API request completed", map[string]interface{}{
		"method":   req.Method,
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, resp.StatusCode, "failed to read response body: %v", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, resp.StatusCode, "failed to parse response: %v", err)
	}
	if env.Status != "ok" {
		return nil, errs.New(errs.ErrorTypeConnection, resp.StatusCode, "response status %q: %s", env.Status, env.Message)
	}

	return body, nil
}

// checkpointMarkers in a 400 body indicate the account hit a checkpoint or
// feedback wall; continuing the harvest would only dig the hole deeper.
var checkpointMarkers = [][]byte{
	[]byte("checkpoint_required"),
	[]byte("challenge_required"),
	[]byte("feedback_required"),
}

// classifyStatus maps an HTTP status code onto the failure taxonomy.
func classifyStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusBadRequest:
		for _, marker := range checkpointMarkers {
			if bytes.Contains(body, marker) {
				return errs.New(errs.ErrorTypeAbort, statusCode, "account checkpoint required; resolve it in a browser before continuing")
			}
		}
		return errs.New(errs.ErrorTypeBadRequest, statusCode, "bad request")
	case http.StatusForbidden:
		return errs.New(errs.ErrorTypeForbidden, statusCode, "forbidden")
	case http.StatusNotFound:
		return errs.New(errs.ErrorTypeNotFound, statusCode, "resource not found")
	case http.StatusTooManyRequests:
		return errs.New(errs.ErrorTypeTooManyRequests, statusCode, "rate limit exceeded")
	default:
		return errs.New(errs.ErrorTypeConnection, statusCode, "unexpected status code %d", statusCode)
	}
}

// applyHeaders sets the session headers on one outbound request.
func (c *Context) applyHeaders(req *http.Request, host, referer string) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.csrfToken != "" {
		req.Header.Set("X-CSRFToken", c.csrfToken)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if host == MobileHost {
		for header, value := range mobileHeaders(c.cookies()) {
			req.Header.Set(header, value)
		}
		req.Header.Set("X-Pigeon-Rawclienttime", fmt.Sprintf("%.3f", float64(time.Now().UnixMilli())/1000))
	}
}

// GraphQLQuery runs a named-hash GraphQL query: GET with the hash and
// JSON-encoded variables in the querystring.
func (c *Context) GraphQLQuery(queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	vars, err := json.Marshal(variables)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUsage, 0, "failed to encode query variables: %v", err)
	}
	params := url.Values{}
	params.Set("query_hash", queryHash)
	params.Set("variables", string(vars))
	return c.Request(GraphQLEndpoint, params, &RequestOptions{Referer: referer})
}

// DocIDQuery runs a doc-id GraphQL query: POST with a form body and the
// server-timestamp flag.
func (c *Context) DocIDQuery(docID string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	vars, err := json.Marshal(variables)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUsage, 0, "failed to encode query variables: %v", err)
	}
	params := url.Values{}
	params.Set("doc_id", docID)
	params.Set("variables", string(vars))
	params.Set("server_timestamps", "true")
	return c.Request(GraphQLEndpoint, params, &RequestOptions{Referer: referer, Post: true})
}

// MobileAPIRequest runs a call against the mobile host. Device-identity
// headers are derived from the stored cookies.
func (c *Context) MobileAPIRequest(path string, params url.Values) (json.RawMessage, error) {
	return c.Request(path, params, &RequestOptions{Host: MobileHost})
}

// Head performs an anonymous HEAD probe. 2xx and 3xx outcomes return the
// response headers; failures map onto the same taxonomy as Request.
func (c *Context) Head(rawURL string) (http.Header, error) {
	client := &http.Client{Timeout: c.httpClient.Timeout}
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUsage, 0, "invalid URL: %v", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "network error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return resp.Header, nil
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, errs.New(errs.ErrorTypeForbidden, resp.StatusCode, "forbidden")
	case http.StatusNotFound:
		return nil, errs.New(errs.ErrorTypeNotFound, resp.StatusCode, "resource not found")
	default:
		return nil, errs.New(errs.ErrorTypeConnection, resp.StatusCode, "unexpected status code %d", resp.StatusCode)
	}
}

// CachedProfile returns the memoized entity for a numeric id, if present.
func (c *Context) CachedProfile(id uint64) (json.RawMessage, bool) {
	raw, ok := c.profileMemo[id]
	return raw, ok
}

// StoreProfile memoizes a resolved entity under its numeric id.
func (c *Context) StoreProfile(id uint64, raw json.RawMessage) {
	c.profileMemo[id] = raw
}

// recordError retains a failure for the session close summary.
func (c *Context) recordError(err error) {
	c.errorLog = append(c.errorLog, err.Error())
}

// Close logs a summary of the failures retained during the session.
func (c *Context) Close() {
	if len(c.errorLog) == 0 {
		return
	}
	c.logger.WarnWithFields("errors occurred during this session", map[string]interface{}{
		"count": len(c.errorLog),
	})
	for _, msg := range c.errorLog {
		c.logger.Warn(msg)
	}
}

// cookies returns the current cookie set for the primary host.
func (c *Context) cookies() []*http.Cookie {
	return c.jar.Cookies(primaryURL())
}

// refreshCSRFToken picks up a rotated CSRF cookie after a response.
func (c *Context) refreshCSRFToken() {
	for _, cookie := range c.cookies() {
		if cookie.Name == "csrftoken" && cookie.Value != "" {
			c.csrfToken = cookie.Value
		}
	}
}

func primaryURL() *url.URL {
	return &url.URL{Scheme: "https", Host: PrimaryHost, Path: "/"}
}
