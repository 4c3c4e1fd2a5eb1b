package instagram

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "instaharvest/pkg/errors"
)

// loginHandler emulates the login endpoints: the CSRF bootstrap page and
// the credential POST.
func loginHandler(t *testing.T, loginResponse func(req *http.Request) *http.Response) func(req *http.Request) (*http.Response, error) {
	t.Helper()
	return func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/" + LoginPage:
			resp := newResponse(http.StatusOK, "<html></html>")
			resp.Header.Add("Set-Cookie", "csrftoken=boot-token; Path=/")
			return resp, nil
		case "/" + LoginEndpoint, "/" + TwoFactorEndpoint:
			return loginResponse(req), nil
		default:
			t.Errorf("unexpected request to %s", req.URL.Path)
			return newResponse(http.StatusNotFound, ""), nil
		}
	}
}

func TestLoginSuccess(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "alice", req.PostForm.Get("username"))
		assert.True(t, strings.HasPrefix(req.PostForm.Get("enc_password"), "#PWD_INSTAGRAM_BROWSER:0:"))
		assert.True(t, strings.HasSuffix(req.PostForm.Get("enc_password"), ":hunter2"))
		assert.Equal(t, "boot-token", req.Header.Get("X-CSRFToken"))
		return newResponse(http.StatusOK, `{"authenticated":true,"userId":"99","status":"ok"}`)
	}))

	require.NoError(t, c.Login("alice", "hunter2"))
	assert.True(t, c.IsLoggedIn())
	assert.Equal(t, "alice", c.Username())
	assert.Equal(t, "99", c.UserID())
}

func TestLoginWrongPassword(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		return newResponse(http.StatusOK, `{"authenticated":false,"user":true,"status":"ok"}`)
	}))

	err := c.Login("alice", "wrong")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeBadCredentials))
	assert.Contains(t, err.Error(), "wrong password")
	assert.False(t, c.IsLoggedIn())
}

func TestLoginUnknownUser(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		return newResponse(http.StatusOK, `{"authenticated":false,"user":false,"status":"ok"}`)
	}))

	err := c.Login("nobody", "pw")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeBadCredentials))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoginBlockedSource(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		// An ok status without an authenticated field.
		return newResponse(http.StatusOK, `{"status":"ok"}`)
	}))

	err := c.Login("alice", "pw")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeConnection))
	assert.Contains(t, err.Error(), "blocked")
}

func TestLoginCheckpoint(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		return newResponse(http.StatusBadRequest, `{"status":"fail","checkpoint_url":"/challenge/123/"}`)
	}))

	err := c.Login("alice", "pw")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeLoginFailed))
	assert.Contains(t, err.Error(), "/challenge/123/")
}

func TestLoginFailedStatus(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		return newResponse(http.StatusOK, `{"status":"fail","message":"please wait"}`)
	}))

	err := c.Login("alice", "pw")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeLoginFailed))
	assert.Contains(t, err.Error(), "please wait")
}

func TestLoginRateLimited(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		return newResponse(http.StatusTooManyRequests, "")
	}))

	err := c.Login("alice", "pw")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeTooManyRequests))
}

func TestLoginTwoFactorFlow(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		require.NoError(t, req.ParseForm())
		if req.URL.Path == "/"+TwoFactorEndpoint {
			assert.Equal(t, "alice", req.PostForm.Get("username"))
			assert.Equal(t, "123456", req.PostForm.Get("verificationCode"))
			assert.Equal(t, "2fa-id", req.PostForm.Get("identifier"))
			return newResponse(http.StatusOK, `{"authenticated":true,"userId":"99","status":"ok"}`)
		}
		return newResponse(http.StatusBadRequest,
			`{"two_factor_required":true,"two_factor_info":{"two_factor_identifier":"2fa-id"},"status":"fail"}`)
	}))

	err := c.Login("alice", "hunter2")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeTwoFactorRequired))

	// The challenge payload travels with the error.
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.JSONEq(t, `{"two_factor_identifier":"2fa-id"}`, string(e.Challenge))
	assert.False(t, c.IsLoggedIn())

	// The code may arrive with stray spaces.
	require.NoError(t, c.TwoFactorLogin("123 456"))
	assert.True(t, c.IsLoggedIn())
	assert.Equal(t, "alice", c.Username())
	assert.Nil(t, c.pending)
}

func TestTwoFactorLoginRejectedCode(t *testing.T) {
	c := newTestContext(t, loginHandler(t, func(req *http.Request) *http.Response {
		if req.URL.Path == "/"+TwoFactorEndpoint {
			return newResponse(http.StatusBadRequest, `{"authenticated":false,"status":"fail","message":"invalid code"}`)
		}
		return newResponse(http.StatusBadRequest,
			`{"two_factor_required":true,"two_factor_info":{"two_factor_identifier":"2fa-id"},"status":"fail"}`)
	}))

	err := c.Login("alice", "hunter2")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrorTypeTwoFactorRequired))

	err = c.TwoFactorLogin("000000")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeBadCredentials))
}

func TestTwoFactorLoginWithoutChallenge(t *testing.T) {
	c := newTestContext(t, nil)

	err := c.TwoFactorLogin("123456")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeUsage))
}

func TestTestLogin(t *testing.T) {
	t.Run("authenticated viewer", func(t *testing.T) {
		c := newTestContext(t, func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, testLoginQueryHash, req.URL.Query().Get("query_hash"))
			return newResponse(http.StatusOK, `{"data":{"user":{"username":"alice"}},"status":"ok"}`), nil
		})

		viewer, err := c.TestLogin()
		require.NoError(t, err)
		assert.Equal(t, "alice", viewer)
	})

	t.Run("anonymous session", func(t *testing.T) {
		c := newTestContext(t, func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusOK, `{"data":{"user":null},"status":"ok"}`), nil
		})

		viewer, err := c.TestLogin()
		require.NoError(t, err)
		assert.Empty(t, viewer)
	})

	t.Run("transient failure is swallowed", func(t *testing.T) {
		c := newTestContext(t, func(req *http.Request) (*http.Response, error) {
			return newResponse(http.StatusNotFound, ""), nil
		})

		viewer, err := c.TestLogin()
		require.NoError(t, err)
		assert.Empty(t, viewer)
	})

	t.Run("login redirect propagates", func(t *testing.T) {
		c := newTestContext(t, func(req *http.Request) (*http.Response, error) {
			resp := newResponse(http.StatusFound, "")
			resp.Header.Set("Location", "https://"+PrimaryHost+"/"+LoginPage)
			return resp, nil
		})

		_, err := c.TestLogin()
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrorTypeLoginRequired))
	})
}
