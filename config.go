package actas

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/heroku/actas/impersonate"
	"github.com/heroku/actas/internal/provider"
	"github.com/heroku/actas/provision"
	"github.com/pkg/errors"
)

// Session keys the host login uses. The user id is stored as a decimal
// string.
const (
	SessionUserIDKey  = "_auth_user_id"
	SessionBackendKey = "_auth_user_backend"
)

const (
	DefaultSessionName         = "actas"
	DefaultStateKey            = "actas_state"
	DefaultNextURLKey          = "actas_next_url"
	DefaultImpersonateKey      = "actas_impersonate"
	DefaultLoginBackend        = "actas.provider"
	DefaultLoginRedirectURL    = "/"
	DefaultDefaultErrorMessage = "An error occurred during authentication - please try again."
	// two weeks
	DefaultSessionMaxAge = 14 * 24 * 60 * 60
)

// DefaultErrorMessages are shown for provider error codes. Config.ErrorMessages
// is merged over them.
var DefaultErrorMessages = map[string]string{
	"access_denied": "You did not grant the required access.",
}

type Config struct {
	// Provider is the identity provider users log in through
	Provider provider.Config `json:"provider"`

	Session SessionConfig `json:"session"`

	// Profile maps provider profiles onto local users
	Profile provision.Mapping `json:"profile"`

	// ErrorMessages override the message shown for a provider error code
	ErrorMessages map[string]string `json:"errorMessages"`
	// DefaultErrorMessage is shown when there is no message for the code and
	// the provider sent no description
	DefaultErrorMessage string `json:"defaultErrorMessage"`

	// LoginRedirectURL is where users land after logging in, when they didn't
	// ask for anywhere in particular
	LoginRedirectURL string `json:"loginRedirectURL"`

	// ImpersonateExclusions are path patterns impersonation never applies to.
	// Patterns are anchored to the start of the path.
	ImpersonateExclusions []string `json:"impersonateExclusions"`

	// LoginBackend is recorded in the session alongside the user id
	LoginBackend string `json:"loginBackend"`

	// TrustProxyHeaders honours X-Forwarded-* headers
	TrustProxyHeaders bool `json:"trustProxyHeaders"`
	// AllowedOrigins for CORS requests. Empty disables CORS.
	AllowedOrigins []string `json:"allowedOrigins"`
}

type SessionConfig struct {
	// Name of the session cookie
	Name string `json:"name"`

	StateKey       string `json:"stateKey"`
	NextURLKey     string `json:"nextURLKey"`
	ImpersonateKey string `json:"impersonateKey"`

	// AuthenticationKey is a 32 or 64 byte random key used to authenticate
	// the session, base64 encoded.
	AuthenticationKey string `json:"authenticationKey"`
	// EncryptionKey is a 16, 24 or 32 byte random key used to encrypt the
	// session, base64 encoded. If empty, the session is not encrypted.
	EncryptionKey string `json:"encryptionKey"`

	// Secure marks the cookie https only
	Secure bool `json:"secure"`
	// MaxAge of the cookie in seconds
	MaxAge int `json:"maxAge"`
}

// ConfigError is returned for invalid configuration. It is fatal at startup.
type ConfigError struct {
	Field string
	Msg   string
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", c.Field, c.Msg)
}

// LoadConfig reads a YAML (or JSON) config file. The result has not been
// validated.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config %s", path)
	}
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "error parsing config %s", path)
	}
	return c, nil
}

// withDefaults returns a copy of the Config, with the default values set if
// needed
func (c *Config) withDefaults() *Config {
	ret := *c

	if ret.Session.Name == "" {
		ret.Session.Name = DefaultSessionName
	}
	if ret.Session.StateKey == "" {
		ret.Session.StateKey = DefaultStateKey
	}
	if ret.Session.NextURLKey == "" {
		ret.Session.NextURLKey = DefaultNextURLKey
	}
	if ret.Session.ImpersonateKey == "" {
		ret.Session.ImpersonateKey = DefaultImpersonateKey
	}
	if ret.Session.MaxAge == 0 {
		ret.Session.MaxAge = DefaultSessionMaxAge
	}

	msgs := make(map[string]string, len(DefaultErrorMessages)+len(c.ErrorMessages))
	for k, v := range DefaultErrorMessages {
		msgs[k] = v
	}
	for k, v := range c.ErrorMessages {
		msgs[k] = v
	}
	ret.ErrorMessages = msgs

	if ret.DefaultErrorMessage == "" {
		ret.DefaultErrorMessage = DefaultDefaultErrorMessage
	}
	if ret.LoginRedirectURL == "" {
		ret.LoginRedirectURL = DefaultLoginRedirectURL
	}
	if ret.ImpersonateExclusions == nil {
		ret.ImpersonateExclusions = impersonate.DefaultExclusions
	}
	if ret.LoginBackend == "" {
		ret.LoginBackend = DefaultLoginBackend
	}
	if ret.Profile.UsernameKey == "" {
		ret.Profile.UsernameKey = provision.DefaultUsernameKey
	}
	if ret.Profile.Fields == nil {
		ret.Profile.Fields = provision.DefaultMapping().Fields
	}

	return &ret
}

// Validate checks the parts of the config that can be checked without
// contacting the provider.
func (c *Config) Validate() error {
	if c.Provider.ClientID == "" || c.Provider.ClientSecret == "" {
		return &ConfigError{Field: "provider", Msg: "clientID and clientSecret are required"}
	}
	if c.Provider.Issuer == "" && (c.Provider.AuthorizeURL == "" || c.Provider.TokenURL == "" || c.Provider.ProfileURL == "") {
		return &ConfigError{Field: "provider", Msg: "authorizeURL, tokenURL and profileURL are required without an issuer"}
	}

	if _, err := c.sessionKeys(); err != nil {
		return err
	}

	if err := c.Profile.Validate(); err != nil {
		return &ConfigError{Field: "profile", Msg: err.Error()}
	}
	if _, err := impersonate.CompilePatterns(c.ImpersonateExclusions); err != nil {
		return &ConfigError{Field: "impersonateExclusions", Msg: err.Error()}
	}
	return nil
}

// sessionKeys decodes the session keys, in the order sessions.NewCookieStore
// takes them.
func (c *Config) sessionKeys() ([][]byte, error) {
	auth, err := base64.StdEncoding.DecodeString(c.Session.AuthenticationKey)
	if err != nil {
		return nil, &ConfigError{Field: "session.authenticationKey", Msg: "failed to base64 decode: " + err.Error()}
	}
	if len(auth) != 32 && len(auth) != 64 {
		return nil, &ConfigError{Field: "session.authenticationKey", Msg: "must be 32 or 64 bytes of random data"}
	}
	if c.Session.EncryptionKey == "" {
		return [][]byte{auth}, nil
	}

	enc, err := base64.StdEncoding.DecodeString(c.Session.EncryptionKey)
	if err != nil {
		return nil, &ConfigError{Field: "session.encryptionKey", Msg: "failed to base64 decode: " + err.Error()}
	}
	switch len(enc) {
	case 16, 24, 32:
	default:
		return nil, &ConfigError{Field: "session.encryptionKey", Msg: "must be 16, 24 or 32 bytes of random data"}
	}
	return [][]byte{auth, enc}, nil
}
