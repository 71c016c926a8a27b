package impersonate

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
)

// DefaultExclusions suppress impersonation on the administrative interface.
var DefaultExclusions = []string{"^/admin/"}

// UserPolicy reports whether actor may impersonate target. Implementations
// must be pure, and must deny anything they are unsure about.
type UserPolicy func(actor, target *storage.User) bool

// RequestPolicy reports whether impersonation applies to r. Implementations
// must be pure.
type RequestPolicy func(r *http.Request) bool

// DefaultUserPolicy lets superusers impersonate anyone, and other staff
// impersonate users that are neither staff nor superusers.
func DefaultUserPolicy(actor, target *storage.User) bool {
	if actor == nil || target == nil || !actor.IsStaff {
		return false
	}
	if actor.IsSuperuser {
		return true
	}
	return !target.IsStaff && !target.IsSuperuser
}

// RouteTable marks routes, by their mux route name, as exempt from
// impersonation.
type RouteTable map[string]bool

// Exempt reports whether the route r was matched to is marked exempt. It
// must be called from inside the mux router, after matching.
func (t RouteTable) Exempt(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return false
	}
	return t[route.GetName()]
}

// CompilePatterns compiles path exclusion patterns. Patterns are anchored to
// the start of the path.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	ret := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid exclusion pattern %q", p)
		}
		ret = append(ret, re)
	}
	return ret, nil
}

// NewRequestPolicy denies impersonation for paths matching any of exclusions,
// and for routes exempt in the table.
func NewRequestPolicy(exclusions []*regexp.Regexp, exempt RouteTable) RequestPolicy {
	return func(r *http.Request) bool {
		for _, re := range exclusions {
			if re.MatchString(r.URL.Path) {
				return false
			}
		}
		return !exempt.Exempt(r)
	}
}

// Decision is the result of checking one impersonation attempt.
type Decision int

const (
	Permitted Decision = iota
	DeniedSelf
	DeniedPolicy
	DisabledForRequest
)

func (d Decision) String() string {
	switch d {
	case Permitted:
		return "permitted"
	case DeniedSelf:
		return "denied-self"
	case DeniedPolicy:
		return "denied-policy"
	case DisabledForRequest:
		return "disabled-for-request"
	}
	return "unknown"
}

// Decide composes the two policies the way the middleware applies them. The
// user policy is consulted before the request policy, so an unauthorized
// attempt is never reported as merely disabled. r may be nil to check the
// user policy alone.
func Decide(actor, target *storage.User, r *http.Request, userPolicy UserPolicy, requestPolicy RequestPolicy) Decision {
	if actor != nil && target != nil && actor.ID == target.ID {
		return DeniedSelf
	}
	if !userPolicy(actor, target) {
		return DeniedPolicy
	}
	if r != nil && requestPolicy != nil && !requestPolicy(r) {
		return DisabledForRequest
	}
	return Permitted
}
