package impersonate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/heroku/actas/session"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Outcome of a Start or End call.
type Outcome int

const (
	// OutcomeNotFound: the target user doesn't exist
	OutcomeNotFound Outcome = iota
	// OutcomeSelf: the actor targeted themselves
	OutcomeSelf
	// OutcomeDenied: the user policy refused the target
	OutcomeDenied
	// OutcomeStarted: the session now targets a new user
	OutcomeStarted
	// OutcomeUnchanged: the session already targeted the user
	OutcomeUnchanged
	// OutcomeEnded: an impersonation in effect for the request was ended
	OutcomeEnded
	// OutcomeInactive: there was nothing to end
	OutcomeInactive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not-found"
	case OutcomeSelf:
		return "self"
	case OutcomeDenied:
		return "denied"
	case OutcomeStarted:
		return "started"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeEnded:
		return "ended"
	case OutcomeInactive:
		return "inactive"
	}
	return "unknown"
}

// Controller starts and ends impersonation. It is the only writer of the
// session target besides the middleware clearing stale targets.
type Controller struct {
	Users storage.Users
	// SessionKey must match the Handler's SessionKey
	SessionKey string
	// UserPermitted must match the Handler's policy. If nil,
	// DefaultUserPolicy is used.
	UserPermitted UserPolicy
	// Notifier may be nil
	Notifier *Notifier

	Logger logrus.FieldLogger
}

// Start makes store target the user with targetID on behalf of actor. The
// outcome is reported to the user as a message on store. Errors are only
// returned for storage failures.
func (c *Controller) Start(ctx context.Context, actor *storage.User, store session.Store, targetID string) (Outcome, error) {
	target, err := c.find(ctx, targetID)
	if err != nil {
		if !storage.IsNotFoundErr(err) {
			return 0, err
		}
		session.AddMessage(store, session.LevelWarning, fmt.Sprintf("User with ID \"%s\" doesn't exist.", targetID))
		return OutcomeNotFound, nil
	}

	switch Decide(actor, target, nil, c.policy(), nil) {
	case DeniedSelf:
		session.AddMessage(store, session.LevelWarning, "No need to impersonate yourself!")
		return OutcomeSelf, nil
	case DeniedPolicy:
		c.Logger.WithFields(logrus.Fields{
			"impersonator": actor.String(),
			"impersonatee": target.Username,
		}).Warn("Impersonation refused")
		session.AddMessage(store, session.LevelError, fmt.Sprintf("You are not allowed to impersonate user \"%s\".", target.Username))
		return OutcomeDenied, nil
	}

	id := strconv.FormatInt(target.ID, 10)
	previous, _ := session.GetString(store, c.SessionKey)
	store.Set(c.SessionKey, id)
	if previous == id {
		return OutcomeUnchanged, nil
	}

	session.AddMessage(store, session.LevelSuccess, fmt.Sprintf("Started impersonating user \"%s\".", target.Username))
	c.Logger.WithFields(logrus.Fields{
		"impersonator": actor.Username,
		"impersonatee": target.Username,
	}).Info("Impersonation started")
	c.Notifier.Notify(ctx, Event{Kind: EventStarted, Impersonator: actor, Impersonatee: target})
	return OutcomeStarted, nil
}

// End removes the session target. If the middleware resolved a permitted
// target for this request, an ended event is dispatched for it, including on
// requests exempt from impersonation.
func (c *Controller) End(ctx context.Context, store session.Store) Outcome {
	store.Delete(c.SessionKey)

	target := Impersonatee(ctx)
	if target == nil {
		return OutcomeInactive
	}
	actor := AuthenticatedUser(ctx)

	session.AddMessage(store, session.LevelSuccess, fmt.Sprintf("Stopped impersonating user \"%s\".", target.Username))
	c.Logger.WithFields(logrus.Fields{
		"impersonator": actor.String(),
		"impersonatee": target.Username,
	}).Info("Impersonation ended")
	c.Notifier.Notify(ctx, Event{Kind: EventEnded, Impersonator: actor, Impersonatee: target})
	return OutcomeEnded
}

func (c *Controller) find(ctx context.Context, targetID string) (*storage.User, error) {
	id, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return nil, storage.NotFound(errors.Wrapf(err, "invalid user id %q", targetID))
	}
	u, err := c.Users.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "error looking up user %d", id)
	}
	return u, nil
}

func (c *Controller) policy() UserPolicy {
	if c.UserPermitted != nil {
		return c.UserPermitted
	}
	return DefaultUserPolicy
}
