package instagram

import (
	"net/http"
	"net/url"
	"strings"

	"instaharvest/pkg/ratecontrol"
)

const (
	// PrimaryHost serves the web surface and both GraphQL pagination styles.
	PrimaryHost = "www.instagram.com"

	// MobileHost serves the mobile API variant and requires device-identity
	// headers derived from cookies.
	MobileHost = "i.instagram.com"

	// GraphQLEndpoint is the single path both pagination styles target.
	GraphQLEndpoint = "graphql/query"

	// LoginEndpoint receives the credential POST.
	LoginEndpoint = "accounts/login/ajax/"

	// TwoFactorEndpoint receives the second login step.
	TwoFactorEndpoint = "accounts/login/ajax/two_factor/"

	// LoginPage is fetched anonymously to bootstrap a CSRF token; redirects
	// toward it mid-session mean the session lost its authentication.
	LoginPage = "accounts/login/"

	// WebProfileInfoEndpoint resolves a username to its profile, served from
	// the mobile host.
	WebProfileInfoEndpoint = "api/v1/users/web_profile_info/"

	// ProfilePostsQueryHash pages through a profile's timeline media.
	ProfilePostsQueryHash = "003056d32c2554def87228bc3fd9668a"

	// DefaultPageSize is the fixed number of edges requested per page.
	DefaultPageSize = 12
)

// queryClass maps one outbound call onto its rate-control class. Named
// GraphQL queries are tracked per hash / doc id; everything else shares the
// generic bucket, except mobile-host calls which have their own.
func queryClass(host, path string, params url.Values) string {
	if host == MobileHost {
		return ratecontrol.ClassMobile
	}
	if !strings.HasPrefix(path, GraphQLEndpoint) {
		return ratecontrol.ClassGeneric
	}
	if hash := params.Get("query_hash"); hash != "" {
		return "gql:" + hash
	}
	if docID := params.Get("doc_id"); docID != "" {
		return "doc:" + docID
	}
	return ratecontrol.ClassGeneric
}

// mobileHeaderCookies is the fixed mapping from required mobile API headers
// to the session cookies their values come from.
var mobileHeaderCookies = map[string]string{
	"x-mid":                 "mid",
	"ig-u-ds-user-id":       "ds_user_id",
	"x-ig-device-id":        "ig_did",
	"x-ig-family-device-id": "ig_did",
}

// mobileHeaders derives the device-identity headers for a mobile-host call
// from the currently stored cookies. Cookies without a value are skipped;
// the server rejects such calls with a login-required response, which is
// mapped downstream.
func mobileHeaders(cookies []*http.Cookie) map[string]string {
	byName := make(map[string]string, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c.Value
	}
	headers := make(map[string]string, len(mobileHeaderCookies))
	for header, cookie := range mobileHeaderCookies {
		if v := byName[cookie]; v != "" {
			headers[header] = v
		}
	}
	return headers
}
