// Package actas is a web application that logs users in through an OAuth2
// provider, and lets staff impersonate other users for the rest of their
// session.
package actas

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/heroku/actas/impersonate"
	"github.com/heroku/actas/internal/audit"
	"github.com/heroku/actas/internal/httputil"
	"github.com/heroku/actas/internal/provider"
	"github.com/heroku/actas/internal/server"
	"github.com/heroku/actas/oauth2"
	"github.com/heroku/actas/provision"
	"github.com/heroku/actas/session"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// exemptRoutes never have impersonation applied, wherever they are mounted.
var exemptRoutes = impersonate.RouteTable{
	"admin_login":     true,
	"impersonate":     true,
	"impersonate_end": true,
}

type App struct {
	cfg    *Config
	logger logrus.FieldLogger
	sstore sessions.Store
	users  storage.Users

	provider  *provider.Client
	provision provision.Func

	userPolicy    impersonate.UserPolicy
	requestPolicy impersonate.RequestPolicy
	listeners     []listener
	notifier      *impersonate.Notifier
	impersonation *impersonate.Handler
	control       *impersonate.Controller

	registry *prometheus.Registry
	server   *server.Server
}

type listener struct {
	name string
	fn   impersonate.Listener
}

// Option configures an App.
type Option func(a *App)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *App) { a.logger = logger }
}

// WithUserPolicy replaces impersonate.DefaultUserPolicy.
func WithUserPolicy(p impersonate.UserPolicy) Option {
	return func(a *App) { a.userPolicy = p }
}

// WithRequestPolicy replaces the policy built from
// Config.ImpersonateExclusions.
func WithRequestPolicy(p impersonate.RequestPolicy) Option {
	return func(a *App) { a.requestPolicy = p }
}

// WithProvisioner replaces the profile mapping provisioner.
func WithProvisioner(f provision.Func) Option {
	return func(a *App) { a.provision = f }
}

// WithListener registers an impersonation event listener, after the
// logging and metrics listeners.
func WithListener(name string, l impersonate.Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, listener{name: name, fn: l}) }
}

func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// NewApp validates cfg and sets up the application. Configuration errors are
// returned here, never per request.
func NewApp(ctx context.Context, cfg *Config, users storage.Users, opts ...Option) (*App, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     logrus.New(),
		users:      users,
		userPolicy: impersonate.DefaultUserPolicy,
		registry:   prometheus.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	keys, err := cfg.sessionKeys()
	if err != nil {
		return nil, err
	}
	cs := sessions.NewCookieStore(keys...)
	cs.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	cs.MaxAge(cfg.Session.MaxAge)
	a.sstore = cs

	a.provider, err = cfg.Provider.Open(ctx, a.logger.WithField("component", "provider"))
	if err != nil {
		return nil, err
	}

	if a.provision == nil {
		p, err := provision.New(users, cfg.Profile, a.logger.WithField("component", "provision"))
		if err != nil {
			return nil, &ConfigError{Field: "profile", Msg: err.Error()}
		}
		a.provision = p.Provision
	}

	if a.requestPolicy == nil {
		patterns, err := impersonate.CompilePatterns(cfg.ImpersonateExclusions)
		if err != nil {
			return nil, &ConfigError{Field: "impersonateExclusions", Msg: err.Error()}
		}
		a.requestPolicy = impersonate.NewRequestPolicy(patterns, exemptRoutes)
	}

	a.notifier = impersonate.NewNotifier(a.logger)
	a.notifier.Register("log", audit.LogListener(a.logger.WithField("component", "audit")))
	metrics, err := audit.MetricsListener(a.registry)
	if err != nil {
		return nil, err
	}
	a.notifier.Register("metrics", metrics)
	for _, l := range a.listeners {
		a.notifier.Register(l.name, l.fn)
	}

	a.impersonation = &impersonate.Handler{
		Users:            users,
		Session:          a.sessionStore,
		SessionKey:       cfg.Session.ImpersonateKey,
		UserPermitted:    a.userPolicy,
		RequestPermitted: a.requestPolicy,
		Logger:           a.logger.WithField("component", "impersonate"),
	}
	a.control = &impersonate.Controller{
		Users:         users,
		SessionKey:    cfg.Session.ImpersonateKey,
		UserPermitted: a.userPolicy,
		Notifier:      a.notifier,
		Logger:        a.logger.WithField("component", "impersonate"),
	}

	var health func(ctx context.Context) error
	if p, ok := users.(interface{ Ping(context.Context) error }); ok {
		health = p.Ping
	}
	a.server, err = server.New(server.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
		Health:             health,
		Logger:             a.logger,
		PrometheusRegistry: a.registry,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Error creating server")
	}

	a.server.Handle("index", "/", http.HandlerFunc(a.handleIndex)).Methods(http.MethodGet)
	a.server.Handle("login", "/login/", http.HandlerFunc(a.handleLogin)).Methods(http.MethodGet)
	a.server.Handle("callback", "/callback/", http.HandlerFunc(a.handleCallback)).Methods(http.MethodGet, http.MethodPost)
	a.server.Handle("logout", "/logout/", http.HandlerFunc(a.handleLogout)).Methods(http.MethodGet, http.MethodPost)
	a.server.Handle("admin_login", "/admin/login/", http.HandlerFunc(a.handleAdminLogin)).Methods(http.MethodGet)
	a.server.Handle("admin_index", "/admin/", http.HandlerFunc(a.handleAdminIndex)).Methods(http.MethodGet)
	a.server.Handle("impersonate", "/impersonate/{user_id}/", http.HandlerFunc(a.handleImpersonate)).Methods(http.MethodGet)
	a.server.Handle("impersonate_end", "/impersonate_end/", http.HandlerFunc(a.handleImpersonateEnd)).Methods(http.MethodGet)
	a.server.HandleWithCORS("whoami", "/whoami/", http.HandlerFunc(a.handleWhoAmI)).Methods(http.MethodGet)

	// runs after routing, so the exempt route table can see the route
	a.server.Router().Use(a.authenticate, a.impersonation.Wrap)

	return a, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.server.ServeHTTP(w, r)
}

// authenticate attaches the logged in user to the request.
func (a *App) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.loggedInUser(w, r)
		if err != nil {
			a.internalError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(impersonate.WithAuthenticatedUser(r.Context(), user)))
	})
}

func (a *App) loggedInUser(w http.ResponseWriter, r *http.Request) (*storage.User, error) {
	s, err := a.store(r)
	if err != nil {
		return nil, err
	}
	raw, ok := session.GetString(s, SessionUserIDKey)
	if !ok {
		return nil, nil
	}

	if backend, _ := session.GetString(s, SessionBackendKey); backend == a.cfg.LoginBackend {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			u, err := a.users.GetByID(r.Context(), id)
			if err == nil && u.IsActive {
				return u, nil
			}
			if err != nil && !storage.IsNotFoundErr(err) {
				return nil, errors.Wrap(err, "error loading logged in user")
			}
		}
	}

	// the user is gone, disabled, or logged in some other way
	a.logger.WithField("user_id", raw).Info("Discarding stale login")
	s.Delete(SessionUserIDKey)
	s.Delete(SessionBackendKey)
	if err := s.Save(r, w); err != nil {
		return nil, errors.Wrap(err, "error saving session")
	}
	return nil, nil
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	a.render(w, r, s, http.StatusOK, indexTmpl, "Home", nil)
}

// handleLogin kicks off a flow to the provider.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}

	s.Delete(a.cfg.Session.NextURLKey)
	if next := r.URL.Query().Get("next"); next != "" {
		if safe := httputil.SafeOr(r, next, ""); safe != "" {
			s.Set(a.cfg.Session.NextURLKey, safe)
		} else {
			a.logger.WithField("next", next).Warn("Ignoring unsafe next URL")
		}
	}

	authURL, state, err := a.provider.BeginLogin(a.callbackURL(r))
	if err != nil {
		a.internalError(w, err)
		return
	}
	s.Set(a.cfg.Session.StateKey, state)

	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback handles the provider redirecting back to us.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}

	savedState, _ := session.PopString(s, a.cfg.Session.StateKey)
	profile, err := a.provider.CompleteLogin(r, a.callbackURL(r), savedState)
	if err != nil {
		oerr, ok := oauth2.IsOAuthErr(err)
		if !ok {
			a.internalError(w, err)
			return
		}
		a.logger.WithError(err).WithField("error", oerr.Code).Warn("Login failed")
		a.render(w, r, s, http.StatusBadRequest, errorTmpl, "Authentication error", errorData{
			Error:            string(oerr.Code),
			ErrorDescription: oerr.Description,
			Message:          a.errorMessage(oerr),
		})
		return
	}

	user, err := a.provision(r.Context(), profile)
	if err != nil {
		if !provision.IsMappingErr(err) {
			a.internalError(w, err)
			return
		}
		a.logger.WithError(err).Error("Provider returned a profile that can't be mapped to a user")
		a.render(w, r, s, http.StatusInternalServerError, serverErrorTmpl, "Server error", a.cfg.DefaultErrorMessage)
		return
	}

	a.login(s, user)
	next, ok := session.PopString(s, a.cfg.Session.NextURLKey)
	if !ok {
		next = a.cfg.LoginRedirectURL
	}

	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}
	a.logger.WithField("user", user.Username).Info("User logged in")
	http.Redirect(w, r, next, http.StatusFound)
}

func (a *App) errorMessage(oerr *oauth2.Error) string {
	if msg, ok := a.cfg.ErrorMessages[string(oerr.Code)]; ok {
		return msg
	}
	if oerr.Description != "" {
		return oerr.Description
	}
	return a.cfg.DefaultErrorMessage
}

// login records user in the session. Logging in as someone else drops any
// impersonation the previous user had going.
func (a *App) login(s *session.Session, user *storage.User) {
	id := strconv.FormatInt(user.ID, 10)
	if prev, _ := session.GetString(s, SessionUserIDKey); prev != id {
		s.Delete(a.cfg.Session.ImpersonateKey)
	}
	s.Set(SessionUserIDKey, id)
	s.Set(SessionBackendKey, a.cfg.LoginBackend)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}
	for _, k := range []string{
		SessionUserIDKey,
		SessionBackendKey,
		a.cfg.Session.ImpersonateKey,
		a.cfg.Session.StateKey,
		a.cfg.Session.NextURLKey,
	} {
		s.Delete(k)
	}
	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}
	http.Redirect(w, r, a.cfg.LoginRedirectURL, http.StatusFound)
}

// handleAdminLogin sends staff on to the admin, and everyone else to log in
// through the provider.
func (a *App) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	next := a.urlFor("admin_index")
	if v := r.URL.Query().Get("next"); v != "" {
		next = httputil.SafeOr(r, v, next)
	}

	user := impersonate.AuthenticatedUser(r.Context())
	switch {
	case user.IsAuthenticated() && user.IsStaff:
		http.Redirect(w, r, next, http.StatusFound)
	case user.IsAuthenticated():
		s, err := a.store(r)
		if err != nil {
			a.internalError(w, err)
			return
		}
		a.render(w, r, s, http.StatusForbidden, permissionDeniedTmpl, "Permission denied", nil)
	default:
		http.Redirect(w, r, a.urlFor("login")+"?"+url.Values{"next": {next}}.Encode(), http.StatusFound)
	}
}

// requireStaff redirects anyone but staff to the admin login, reporting
// whether the request may go ahead.
func (a *App) requireStaff(w http.ResponseWriter, r *http.Request) bool {
	user := impersonate.AuthenticatedUser(r.Context())
	if user.IsAuthenticated() && user.IsStaff {
		return true
	}
	http.Redirect(w, r, a.urlFor("admin_login")+"?"+url.Values{"next": {r.URL.RequestURI()}}.Encode(), http.StatusFound)
	return false
}

func (a *App) handleAdminIndex(w http.ResponseWriter, r *http.Request) {
	if !a.requireStaff(w, r) {
		return
	}
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}

	users, err := a.users.List(r.Context())
	if err != nil {
		a.internalError(w, errors.Wrap(err, "error listing users"))
		return
	}
	actor := impersonate.AuthenticatedUser(r.Context())
	data := adminData{}
	for _, u := range users {
		data.Rows = append(data.Rows, adminRow{
			User:           u,
			ImpersonateURL: a.urlFor("impersonate", "user_id", strconv.FormatInt(u.ID, 10)),
			Permitted:      impersonate.Decide(actor, u, nil, a.userPolicy, nil) == impersonate.Permitted,
		})
	}
	a.render(w, r, s, http.StatusOK, adminIndexTmpl, "Users", data)
}

func (a *App) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	if !a.requireStaff(w, r) {
		return
	}
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}

	target := mux.Vars(r)["user_id"]
	outcome, err := a.control.Start(r.Context(), impersonate.AuthenticatedUser(r.Context()), s, target)
	if err != nil {
		a.internalError(w, err)
		return
	}
	a.logger.WithFields(logrus.Fields{"target": target, "outcome": outcome}).Debug("impersonate")

	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}
	http.Redirect(w, r, httputil.RefererOr(r, a.urlFor("admin_index")), http.StatusFound)
}

func (a *App) handleImpersonateEnd(w http.ResponseWriter, r *http.Request) {
	if !impersonate.AuthenticatedUser(r.Context()).IsAuthenticated() {
		http.Redirect(w, r, a.urlFor("login"), http.StatusFound)
		return
	}
	s, err := a.store(r)
	if err != nil {
		a.internalError(w, err)
		return
	}

	outcome := a.control.End(r.Context(), s)
	a.logger.WithField("outcome", outcome).Debug("impersonate_end")

	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}
	http.Redirect(w, r, httputil.RefererOr(r, a.urlFor("admin_index")), http.StatusFound)
}

type whoAmI struct {
	User         *storage.User `json:"user"`
	Impersonator *storage.User `json:"impersonator,omitempty"`
}

// handleWhoAmI reports the acting user as JSON, for scripts running on
// pages of the host.
func (a *App) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	resp := whoAmI{
		User:         impersonate.ActingUser(r.Context()),
		Impersonator: impersonate.Impersonator(r.Context()),
	}
	if !resp.User.IsAuthenticated() {
		resp.User = nil
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.WithError(err).Error("failed to encode whoami")
	}
}

// render drains the session's messages into the page, so the session is
// saved before anything is written.
func (a *App) render(w http.ResponseWriter, r *http.Request, s *session.Session, code int, t *template.Template, title string, data interface{}) {
	ctx := r.Context()
	p := page{
		Title:             title,
		Messages:          s.Messages(),
		Acting:            impersonate.ActingUser(ctx),
		Impersonator:      impersonate.Impersonator(ctx),
		LoginURL:          a.urlFor("login"),
		LogoutURL:         a.urlFor("logout"),
		ImpersonateEndURL: a.urlFor("impersonate_end"),
		Data:              data,
	}
	if !p.Acting.IsAuthenticated() {
		p.Acting = nil
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		a.logger.WithError(err).Error()
		http.Error(w, "failed to execute template", http.StatusInternalServerError)
		return
	}
	if err := s.Save(r, w); err != nil {
		a.internalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

func (a *App) internalError(w http.ResponseWriter, err error) {
	a.logger.WithError(err).Error()
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (a *App) urlFor(name string, pairs ...string) string {
	u, err := a.server.Router().Get(name).URL(pairs...)
	if err != nil {
		a.logger.WithError(err).WithField("route", name).Error("failed to reverse route")
		return "/"
	}
	return u.String()
}

// callbackURL is the absolute URL of the callback handler, as seen by the
// user's browser.
func (a *App) callbackURL(r *http.Request) string {
	scheme := "http"
	if httputil.IsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + a.urlFor("callback")
}

func (a *App) store(r *http.Request) (*session.Session, error) {
	gs, err := a.session(r)
	if err != nil {
		return nil, err
	}
	return session.New(gs), nil
}

func (a *App) sessionStore(_ http.ResponseWriter, r *http.Request) (session.Store, error) {
	s, err := a.store(r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) session(r *http.Request) (*sessions.Session, error) {
	session, err := a.sstore.Get(r, a.cfg.Session.Name)
	if err != nil {
		if session != nil && session.IsNew {
			// If the cookie was tampered with or is otherwise invalid, Get() will return
			// both a new (empty) session _and_ an error. We're OK with just using the
			// empty session in that case. This mostly happens locally when developers
			// may regenerate the cookie secret/encryption key often.
			a.logger.WithError(err).Info("Session decoding failed, a new empty session will be used")
			err = nil
		}
	}
	return session, errors.Wrap(err, "error loading session")
}
