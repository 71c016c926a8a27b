package actas

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heroku/actas/internal/provider"
	"github.com/heroku/actas/provision"
	"github.com/kylelemons/godebug/pretty"
)

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func validConfig() *Config {
	return &Config{
		Provider: provider.Config{
			AuthorizeURL: "https://idp.example.com/authorize",
			TokenURL:     "https://idp.example.com/token",
			ProfileURL:   "https://idp.example.com/profile",
			ClientID:     "id",
			ClientSecret: "secret",
		},
		Session: SessionConfig{AuthenticationKey: b64(32)},
	}
}

func TestConfigDefaults(t *testing.T) {
	c := &Config{ErrorMessages: map[string]string{"server_error": "Try later."}}
	d := c.withDefaults()

	if d.Session.Name != DefaultSessionName || d.Session.ImpersonateKey != DefaultImpersonateKey {
		t.Errorf("unexpected session defaults %+v", d.Session)
	}
	if d.Session.MaxAge != DefaultSessionMaxAge {
		t.Errorf("want max age %d, got %d", DefaultSessionMaxAge, d.Session.MaxAge)
	}
	if d.LoginRedirectURL != "/" || d.LoginBackend != DefaultLoginBackend {
		t.Errorf("unexpected defaults %+v", d)
	}
	if diff := pretty.Compare([]string{"^/admin/"}, d.ImpersonateExclusions); diff != "" {
		t.Errorf("exclusions diff: (-want +got)\n%s", diff)
	}
	if diff := pretty.Compare(provision.DefaultMapping(), d.Profile); diff != "" {
		t.Errorf("profile mapping diff: (-want +got)\n%s", diff)
	}

	want := map[string]string{
		"access_denied": "You did not grant the required access.",
		"server_error":  "Try later.",
	}
	if diff := pretty.Compare(want, d.ErrorMessages); diff != "" {
		t.Errorf("error messages diff: (-want +got)\n%s", diff)
	}

	// the input is left alone
	if c.Session.Name != "" || len(c.ErrorMessages) != 1 {
		t.Errorf("withDefaults modified its receiver: %+v", c)
	}
}

func TestConfigErrorMessageOverride(t *testing.T) {
	c := &Config{ErrorMessages: map[string]string{"access_denied": "No."}}
	if got := c.withDefaults().ErrorMessages["access_denied"]; got != "No." {
		t.Errorf("want the override, got %q", got)
	}
	if DefaultErrorMessages["access_denied"] != "You did not grant the required access." {
		t.Error("defaults were modified")
	}
}

func TestConfigExplicitEmptyExclusions(t *testing.T) {
	c := &Config{ImpersonateExclusions: []string{}}
	if got := c.withDefaults().ImpersonateExclusions; len(got) != 0 {
		t.Errorf("want no exclusions, got %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "issuer instead of urls",
			mutate: func(c *Config) { c.Provider = provider.Config{Issuer: "https://idp", ClientID: "a", ClientSecret: "b"} },
		},
		{
			name:   "with encryption key",
			mutate: func(c *Config) { c.Session.EncryptionKey = b64(16) },
		},
		{
			name:    "no client secret",
			mutate:  func(c *Config) { c.Provider.ClientSecret = "" },
			wantErr: "provider",
		},
		{
			name:    "no token url",
			mutate:  func(c *Config) { c.Provider.TokenURL = "" },
			wantErr: "provider",
		},
		{
			name:    "short authentication key",
			mutate:  func(c *Config) { c.Session.AuthenticationKey = b64(16) },
			wantErr: "session.authenticationKey",
		},
		{
			name:    "authentication key not base64",
			mutate:  func(c *Config) { c.Session.AuthenticationKey = "%%%" },
			wantErr: "session.authenticationKey",
		},
		{
			name:    "bad encryption key",
			mutate:  func(c *Config) { c.Session.EncryptionKey = b64(20) },
			wantErr: "session.encryptionKey",
		},
		{
			name: "unknown profile field",
			mutate: func(c *Config) {
				c.Profile = provision.Mapping{UsernameKey: "login", Fields: map[string]string{"mail": "is_staff"}}
			},
			wantErr: "profile",
		},
		{
			name:    "bad exclusion",
			mutate:  func(c *Config) { c.ImpersonateExclusions = []string{"("} },
			wantErr: "impersonateExclusions",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			err := c.withDefaults().Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("want no error, got %v", err)
				}
				return
			}
			cerr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("want a *ConfigError, got %T %v", err, err)
			}
			if cerr.Field != tc.wantErr {
				t.Errorf("want error on %s, got %v", tc.wantErr, cerr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actas.yaml")
	yml := `
provider:
  issuer: https://idp.example.com
  clientID: my-client
  clientSecret: my-secret
  timeout: 5s
session:
  authenticationKey: ` + b64(64) + `
  secure: true
errorMessages:
  access_denied: Please accept.
impersonateExclusions:
  - /admin/
  - /api/
profile:
  usernameKey: login
  fields:
    mail: email
`
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Provider.Issuer != "https://idp.example.com" || c.Provider.ClientID != "my-client" {
		t.Errorf("unexpected provider %+v", c.Provider)
	}
	if time.Duration(c.Provider.Timeout) != 5*time.Second {
		t.Errorf("want 5s timeout, got %v", c.Provider.Timeout)
	}
	if !c.Session.Secure {
		t.Error("want secure session")
	}
	if diff := pretty.Compare([]string{"/admin/", "/api/"}, c.ImpersonateExclusions); diff != "" {
		t.Errorf("exclusions diff: (-want +got)\n%s", diff)
	}
	if err := c.withDefaults().Validate(); err != nil {
		t.Errorf("want loaded config valid, got %v", err)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "error reading config") {
		t.Errorf("want read error, got %v", err)
	}
}
