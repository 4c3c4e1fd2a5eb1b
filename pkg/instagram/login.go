package instagram

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/ratecontrol"
)

// testLoginQueryHash resolves the viewer behind the current session.
const testLoginQueryHash = "d6f4427fbe92d846298cf93df0b937d3"

// Login authenticates the session. It bootstraps a CSRF token via an
// anonymous request, then posts the credentials. Every outcome is explicit:
// a two-factor challenge surfaces as ErrorTypeTwoFactorRequired carrying
// the challenge payload and is completed with TwoFactorLogin; a checkpoint
// requirement is a terminal login failure; wrong password and unknown user
// are distinguished bad-credentials outcomes. On success the session
// identity is replaced wholesale.
func (c *Context) Login(username, password string) error {
	if err := c.bootstrapCSRF(); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("enc_password", fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), password))

	body, statusCode, err := c.loginPost(LoginEndpoint, form)
	if err != nil {
		return err
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return errs.New(errs.ErrorTypeConnection, statusCode, "failed to parse login response: %v", err)
	}

	switch {
	case lr.TwoFactorRequired:
		var info twoFactorInfo
		_ = json.Unmarshal(lr.TwoFactorInfo, &info)
		c.pending = &pendingChallenge{
			username:   username,
			identifier: info.TwoFactorIdentifier,
			csrfToken:  c.csrfToken,
			cookies:    c.cookies(),
		}
		return &errs.Error{
			Type:      errs.ErrorTypeTwoFactorRequired,
			Code:      statusCode,
			Message:   fmt.Sprintf("login of user %s requires a two-factor code", username),
			Challenge: lr.TwoFactorInfo,
		}
	case lr.CheckpointURL != "":
		return errs.New(errs.ErrorTypeLoginFailed, statusCode, "checkpoint required; resolve %s in a browser", lr.CheckpointURL)
	case lr.Status != "ok":
		msg := lr.Message
		if msg == "" {
			msg = lr.Status
		}
		return errs.New(errs.ErrorTypeLoginFailed, statusCode, "login error: %s", msg)
	case lr.Authenticated == nil:
		// An ok status without an authenticated field is not a credential
		// problem; the source address is most likely blocked.
		return errs.New(errs.ErrorTypeConnection, statusCode, "unexpected login response; the source address is probably blocked")
	case !*lr.Authenticated:
		if lr.User != nil && *lr.User {
			return errs.New(errs.ErrorTypeBadCredentials, statusCode, "wrong password for user %s", username)
		}
		return errs.New(errs.ErrorTypeBadCredentials, statusCode, "user %s does not exist", username)
	}

	c.commitLogin(username, lr.UserID)
	c.logger.InfoWithFields("logged in", map[string]interface{}{"username": username})
	return nil
}

// TwoFactorLogin completes a login interrupted by a two-factor challenge.
// It is valid only while a challenge is pending; the challenge's saved
// cookies are replayed before the code is posted.
func (c *Context) TwoFactorLogin(code string) error {
	if c.pending == nil {
		return errs.New(errs.ErrorTypeUsage, 0, "no pending two-factor challenge; call Login first")
	}

	c.jar.SetCookies(primaryURL(), c.pending.cookies)
	c.csrfToken = c.pending.csrfToken

	form := url.Values{}
	form.Set("username", c.pending.username)
	form.Set("verificationCode", strings.ReplaceAll(code, " ", ""))
	form.Set("identifier", c.pending.identifier)

	body, statusCode, err := c.loginPost(TwoFactorEndpoint, form)
	if err != nil {
		return err
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return errs.New(errs.ErrorTypeConnection, statusCode, "failed to parse two-factor response: %v", err)
	}
	if lr.Status != "ok" || (lr.Authenticated != nil && !*lr.Authenticated) {
		msg := lr.Message
		if msg == "" {
			msg = lr.Status
		}
		return errs.New(errs.ErrorTypeBadCredentials, statusCode, "two-factor code rejected: %s", msg)
	}

	username := c.pending.username
	c.commitLogin(username, lr.UserID)
	c.logger.InfoWithFields("logged in with two-factor code", map[string]interface{}{"username": username})
	return nil
}

// TestLogin probes whether the session is still authenticated and returns
// the viewer's username, or "" when it is not. Connection-class and abort
// failures are swallowed into ""; anything else propagates.
func (c *Context) TestLogin() (string, error) {
	body, err := c.GraphQLQuery(testLoginQueryHash, map[string]interface{}{}, "")
	if err != nil {
		switch errs.TypeOf(err) {
		case errs.ErrorTypeConnection, errs.ErrorTypeNotFound, errs.ErrorTypeTooManyRequests, errs.ErrorTypeAbort:
			return "", nil
		}
		return "", err
	}

	var probe struct {
		Data struct {
			User *struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Data.User == nil {
		return "", nil
	}
	return probe.Data.User.Username, nil
}

// commitLogin replaces the session identity. Pending challenge state never
// survives a commit; logins are never partially merged.
func (c *Context) commitLogin(username, userID string) {
	c.username = username
	c.userID = userID
	c.pending = nil
	c.refreshCSRFToken()
}

// bootstrapCSRF fetches the login page anonymously so the server hands out
// a CSRF cookie.
func (c *Context) bootstrapCSRF() error {
	c.rate.WaitBeforeQuery(ratecontrol.ClassGeneric)

	req, err := http.NewRequest(http.MethodGet, "https://"+PrimaryHost+"/"+LoginPage, nil)
	if err != nil {
		return errs.New(errs.ErrorTypeConnection, 0, "failed to create request: %v", err)
	}
	c.applyHeaders(req, PrimaryHost, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.ErrorTypeConnection, 0, "network error: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.refreshCSRFToken()
	if c.csrfToken == "" {
		return errs.New(errs.ErrorTypeConnection, resp.StatusCode, "no CSRF token received")
	}
	return nil
}

// loginPost posts a form to a login endpoint and returns the body and
// status code. The login endpoints answer failures with a JSON body on
// non-2xx statuses, so classification happens on the parsed body, not
// here.
func (c *Context) loginPost(path string, form url.Values) ([]byte, int, error) {
	c.rate.WaitBeforeQuery(ratecontrol.ClassGeneric)

	req, err := http.NewRequest(http.MethodPost, "https://"+PrimaryHost+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, errs.New(errs.ErrorTypeConnection, 0, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.applyHeaders(req, PrimaryHost, "https://"+PrimaryHost+"/"+LoginPage)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errs.New(errs.ErrorTypeConnection, 0, "network error: %v", err)
	}
	defer resp.Body.Close()
	c.refreshCSRFToken()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errs.New(errs.ErrorTypeConnection, resp.StatusCode, "failed to read response body: %v", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, errs.New(errs.ErrorTypeTooManyRequests, resp.StatusCode, "rate limit exceeded during login")
	}
	return body, resp.StatusCode, nil
}
