// Package provider drives the OAuth2 authorization code flow against the
// configured identity provider.
package provider

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/heroku/actas/oauth2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	xoauth2 "golang.org/x/oauth2"
)

// Client logs users in through a single provider. It is safe for concurrent
// use.
type Client struct {
	oauth2Config xoauth2.Config
	redirectURL  string
	profileURL   string
	httpClient   *http.Client
	timeout      time.Duration
	logger       logrus.FieldLogger
}

// BeginLogin returns the URL to send the user to, and the state value that
// must be saved and presented to CompleteLogin unchanged. callbackURL is
// ignored when the Config carries a RedirectURL.
func (c *Client) BeginLogin(callbackURL string) (authorizeURL, state string, err error) {
	state, err = randomState()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to generate state")
	}
	cfg := c.config(callbackURL)
	return cfg.AuthCodeURL(state), state, nil
}

// CompleteLogin handles the provider redirecting back to us. It checks the
// returned state against savedState, exchanges the code, and fetches the
// user's profile. Expected failures are returned as *oauth2.Error.
func (c *Client) CompleteLogin(r *http.Request, callbackURL, savedState string) (Profile, error) {
	gotState := r.FormValue("state")
	if savedState == "" || subtle.ConstantTimeCompare([]byte(gotState), []byte(savedState)) != 1 {
		return nil, &oauth2.Error{
			Code:        oauth2.ErrorCodeMismatchingState,
			Description: "CSRF Warning! State not equal in request and response.",
		}
	}

	if errCode := r.FormValue("error"); errCode != "" {
		return nil, &oauth2.Error{
			Code:        oauth2.ErrorCode(errCode),
			Description: r.FormValue("error_description"),
			URI:         r.FormValue("error_uri"),
		}
	}

	code := r.FormValue("code")
	if code == "" {
		return nil, &oauth2.Error{
			Code:        oauth2.ErrorCodeInvalidRequest,
			Description: "Missing code parameter in response.",
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, c.httpClient)

	cfg := c.config(callbackURL)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		oerr := oauth2.ParseExchangeError(err)
		c.logger.WithError(err).WithField("code", oerr.Code).Debug("Token exchange failed")
		return nil, oerr
	}

	profile, err := c.fetchProfile(ctx, cfg.Client(ctx, token))
	if err != nil {
		return nil, &oauth2.Error{
			Code:        oauth2.ErrorCodeProfileUnavailable,
			Description: "Unable to fetch the user profile.",
			Cause:       err,
		}
	}
	return profile, nil
}

func (c *Client) config(callbackURL string) *xoauth2.Config {
	cfg := c.oauth2Config
	cfg.RedirectURL = callbackURL
	if c.redirectURL != "" {
		cfg.RedirectURL = c.redirectURL
	}
	return &cfg
}

func (c *Client) fetchProfile(ctx context.Context, hc *http.Client) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build profile request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "error fetching profile")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("profile endpoint returned %s: %s", resp.Status, body)
	}

	var p Profile
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "error decoding profile")
	}
	if p == nil {
		return nil, errors.New("profile endpoint returned null")
	}
	return p, nil
}

// Profile is the JSON document returned by the profile endpoint. Treat it as
// read only.
type Profile map[string]interface{}

// String returns the value under key rendered as a string. Missing and null
// values report false.
func (p Profile) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
