package instagram

import "encoding/json"

// envelope is the part of every JSON response the request layer inspects
// before handing the raw body to the caller.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// loginResponse is the shape of the credential POST response. Authenticated
// and User are pointers because their absence is meaningful: an ok status
// without an authenticated field indicates a blocked source address rather
// than a credential problem.
type loginResponse struct {
	Authenticated *bool  `json:"authenticated"`
	User          *bool  `json:"user"`
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	Message       string `json:"message"`

	TwoFactorRequired bool            `json:"two_factor_required"`
	TwoFactorInfo     json.RawMessage `json:"two_factor_info"`
	CheckpointURL     string          `json:"checkpoint_url"`
}

// twoFactorInfo is the subset of the challenge payload the client needs to
// complete the second step; the full payload travels to the caller
// untouched.
type twoFactorInfo struct {
	TwoFactorIdentifier string `json:"two_factor_identifier"`
}

// SessionData is the persistable form of a session: the flat cookie map
// plus the committed identity. The on-disk encoding is the caller's choice;
// Export/ImportSession use it as an opaque JSON blob.
type SessionData struct {
	Cookies   map[string]string `json:"cookies"`
	Username  string            `json:"username"`
	UserID    string            `json:"user_id"`
	CSRFToken string            `json:"csrf_token"`
}
