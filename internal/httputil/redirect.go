// Package httputil holds small request helpers shared by the handlers.
package httputil

import (
	"net/http"
	"net/url"
	"strings"
)

// IsSafeRedirect reports whether target is a URL it is safe to send the user
// to: a relative path, or an absolute http(s) URL on one of allowedHosts.
// With requireHTTPS, absolute URLs must be https.
func IsSafeRedirect(target string, allowedHosts []string, requireHTTPS bool) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, c := range target {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	// browsers treat backslashes as slashes
	if strings.Contains(target, `\`) {
		return false
	}
	if strings.HasPrefix(target, "//") {
		return false
	}

	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Opaque != "" || u.User != nil {
		return false
	}

	if u.Scheme == "" && u.Host == "" {
		return true
	}
	if u.Host == "" {
		return false
	}

	switch u.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return false
		}
	default:
		return false
	}

	for _, h := range allowedHosts {
		if strings.EqualFold(u.Host, h) {
			return true
		}
	}
	return false
}

// IsSecure reports whether r arrived over TLS, directly or as reported by a
// trusted proxy through handlers.ProxyHeaders.
func IsSecure(r *http.Request) bool {
	return r.TLS != nil || r.URL.Scheme == "https"
}

// SafeOr returns target if it is safe to redirect r's user to, otherwise
// fallback.
func SafeOr(r *http.Request, target, fallback string) string {
	if IsSafeRedirect(target, []string{r.Host}, IsSecure(r)) {
		return target
	}
	return fallback
}

// RefererOr returns the request's referer if it is safe to redirect back to,
// otherwise fallback.
func RefererOr(r *http.Request, fallback string) string {
	return SafeOr(r, r.Referer(), fallback)
}
