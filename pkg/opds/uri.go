package opds

import "regexp"

// uriSchemeRe matches the scheme production from RFC 3986. Identifiers
// in catalog feeds are expected to be URIs or URNs; anything without a
// leading scheme is flagged by validation.
var uriSchemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// IsValidURI reports whether s starts with a syntactically valid URI
// scheme. It intentionally checks only the scheme prefix: feed
// identifiers are frequently URNs (urn:isbn:...) or bare DOIs with
// schemes that net/url would parse but downstream systems reject.
func IsValidURI(s string) bool {
	return uriSchemeRe.MatchString(s)
}
