// Package oauth2 holds the error taxonomy for the authorization code flow.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	xoauth2 "golang.org/x/oauth2"
)

// ErrorCode identifies the kind of failure in the flow.
type ErrorCode string

// Codes returned to the redirect URI by the authorization endpoint.
//
// https://tools.ietf.org/html/rfc6749#section-4.1.2.1
const (
	ErrorCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrorCodeUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrorCodeAccessDenied            ErrorCode = "access_denied"
	ErrorCodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrorCodeInvalidScope            ErrorCode = "invalid_scope"
	ErrorCodeServerError             ErrorCode = "server_error"
	ErrorCodeTemporarilyUnavailable  ErrorCode = "temporarily_unavailable"
)

// Codes returned by the token endpoint.
//
// https://tools.ietf.org/html/rfc6749#section-5.2
const (
	ErrorCodeInvalidClient        ErrorCode = "invalid_client"
	ErrorCodeInvalidGrant         ErrorCode = "invalid_grant"
	ErrorCodeUnsupportedGrantType ErrorCode = "unsupported_grant_type"
)

// Codes raised on our side of the flow.
const (
	// ErrorCodeMismatchingState: the state returned to the callback does not
	// match the one saved when the flow started, or none was saved.
	ErrorCodeMismatchingState ErrorCode = "mismatching_state"
	// ErrorCodeProfileUnavailable: the profile endpoint could not be read
	// with the issued token.
	ErrorCodeProfileUnavailable ErrorCode = "profile_unavailable"
)

// Error is a failure of the authorization code flow. These are expected
// outcomes (the user declined, the provider is down) and should be shown to
// the user with an option to start over, not treated as faults.
type Error struct {
	Code ErrorCode `json:"error"`
	// Description is the provider supplied error_description, if any.
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	// Cause wraps any upstream error
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	str := string(e.Code)
	if e.Description != "" {
		str = str + ": " + e.Description
	}
	if e.Cause != nil {
		str = fmt.Sprintf("%s (cause: %s)", str, e.Cause.Error())
	}
	return str
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsOAuthErr returns the *Error in err's chain, if there is one.
func IsOAuthErr(err error) (*Error, bool) {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr, true
	}
	return nil, false
}

// ParseExchangeError takes an error returned from the x/oauth2 Exchange
// method, and returns an *Error. Responses carrying a RFC 6749 error body keep
// the provider's code; other HTTP failures become server_error, and transport
// failures temporarily_unavailable.
func ParseExchangeError(err error) *Error {
	var rerr *xoauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode != "" {
			return &Error{
				Code:        ErrorCode(rerr.ErrorCode),
				Description: rerr.ErrorDescription,
				URI:         rerr.ErrorURI,
			}
		}

		// older providers send an error body with a non standard content type
		var body struct {
			Code        string `json:"error"`
			Description string `json:"error_description"`
			URI         string `json:"error_uri"`
		}
		if json.Unmarshal(rerr.Body, &body) == nil && body.Code != "" {
			return &Error{Code: ErrorCode(body.Code), Description: body.Description, URI: body.URI}
		}

		status := "no response"
		if rerr.Response != nil {
			status = rerr.Response.Status
		}
		return &Error{
			Code:        ErrorCodeServerError,
			Description: fmt.Sprintf("token endpoint returned %s", status),
			Cause:       err,
		}
	}

	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{Code: ErrorCodeTemporarilyUnavailable, Description: "timed out contacting the token endpoint", Cause: err}
	}
	return &Error{Code: ErrorCodeTemporarilyUnavailable, Description: "error exchanging token", Cause: err}
}
