// Package impersonate lets privileged users act as another user for the rest
// of their session.
package impersonate

import (
	"net/http"
	"strconv"

	"github.com/heroku/actas/session"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler wraps another http.Handler, substituting the acting user when the
// session has a permitted impersonation target.
type Handler struct {
	// Users resolves the session's target id
	Users storage.Users
	// Session returns the session store for the request
	Session func(w http.ResponseWriter, r *http.Request) (session.Store, error)
	// SessionKey is the session key holding the target user id
	SessionKey string
	// UserPermitted decides who may impersonate whom. If nil,
	// DefaultUserPolicy is used.
	UserPermitted UserPolicy
	// RequestPermitted decides which requests impersonation applies to. If
	// nil, every request is eligible.
	RequestPermitted RequestPolicy

	Logger logrus.FieldLogger
}

// Wrap returns an http.Handler that resolves the acting user before calling
// next. The resolution happens once per request, so wrapping twice is
// harmless.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if resolved(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}

		res, err := h.resolve(w, r)
		if err != nil {
			h.Logger.WithError(err).Error("error resolving impersonation")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(withResolution(r.Context(), res)))
	})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*resolution, error) {
	authenticated := AuthenticatedUser(r.Context())
	res := &resolution{acting: authenticated}

	if !authenticated.IsAuthenticated() {
		return res, nil
	}

	store, err := h.Session(w, r)
	if err != nil {
		return nil, errors.Wrap(err, "error loading session")
	}
	raw, ok := store.Get(h.SessionKey)
	if !ok {
		return res, nil
	}

	target, err := h.lookup(r, raw)
	if err != nil {
		if !storage.IsNotFoundErr(err) {
			return nil, err
		}
		h.Logger.WithError(err).WithField("user", authenticated.Username).Info("Clearing stale impersonation target")
		store.Delete(h.SessionKey)
		if s, ok := store.(session.Saver); ok {
			if err := s.Save(r, w); err != nil {
				return nil, errors.Wrap(err, "error saving session")
			}
		}
		return res, nil
	}

	userPolicy := h.UserPermitted
	if userPolicy == nil {
		userPolicy = DefaultUserPolicy
	}
	if !userPolicy(authenticated, target) {
		// left in place, it applies again once permission is restored
		return res, nil
	}

	res.impersonatee = target
	if h.RequestPermitted != nil && !h.RequestPermitted(r) {
		return res, nil
	}

	res.acting = target
	res.impersonator = authenticated
	return res, nil
}

// lookup resolves a stored target id. Ids that can't be parsed are reported
// as not found.
func (h *Handler) lookup(r *http.Request, raw interface{}) (*storage.User, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, storage.NotFound(err)
	}
	u, err := h.Users.GetByID(r.Context(), id)
	if err != nil {
		return nil, errors.Wrapf(err, "error looking up impersonation target %d", id)
	}
	return u, nil
}

func parseID(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid user id %q", v)
		}
		return id, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, errors.Errorf("invalid user id of type %T", raw)
}
