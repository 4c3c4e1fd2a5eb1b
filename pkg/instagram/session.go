package instagram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	errs "instaharvest/pkg/errors"
)

// ExportSession serializes the session as an opaque blob: the flat cookie
// map plus the committed identity.
func (c *Context) ExportSession() ([]byte, error) {
	data := SessionData{
		Cookies:   make(map[string]string),
		Username:  c.username,
		UserID:    c.userID,
		CSRFToken: c.csrfToken,
	}
	for _, cookie := range c.cookies() {
		data.Cookies[cookie.Name] = cookie.Value
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return blob, nil
}

// ImportSession replaces the session state with the contents of a blob
// produced by ExportSession. The replacement is atomic: either the whole
// imported state takes effect or nothing changes.
func (c *Context) ImportSession(blob []byte) error {
	var data SessionData
	if err := json.Unmarshal(blob, &data); err != nil {
		return errs.New(errs.ErrorTypeUsage, 0, "invalid session blob: %v", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	cookies := make([]*http.Cookie, 0, len(data.Cookies))
	for name, value := range data.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	jar.SetCookies(primaryURL(), cookies)

	c.jar = jar
	c.httpClient.Jar = jar
	c.username = data.Username
	c.userID = data.UserID
	c.csrfToken = data.CSRFToken
	c.pending = nil

	c.logger.DebugWithFields("session imported", map[string]interface{}{
		"username": data.Username,
	})
	return nil
}
