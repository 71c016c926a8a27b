package impersonate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/heroku/actas/storage"
	"github.com/sirupsen/logrus"
)

// EventKind names an impersonation lifecycle event.
type EventKind string

const (
	EventStarted EventKind = storage.AuditKindStarted
	EventEnded   EventKind = storage.AuditKindEnded
)

// Event is dispatched when an impersonation starts or is explicitly ended.
// Sessions expiring or logging out do not end an impersonation explicitly.
type Event struct {
	Kind         EventKind
	Impersonator *storage.User
	Impersonatee *storage.User
	At           time.Time
}

// Listener receives events. Errors are logged by the Notifier and otherwise
// ignored.
type Listener func(ctx context.Context, ev Event) error

// Notifier dispatches events to its listeners synchronously, in registration
// order. A failing or panicking listener does not affect the others, or the
// caller.
type Notifier struct {
	mu        sync.RWMutex
	listeners []namedListener

	logger logrus.FieldLogger
	now    func() time.Time
}

type namedListener struct {
	name string
	fn   Listener
}

func NewNotifier(logger logrus.FieldLogger) *Notifier {
	return &Notifier{logger: logger, now: time.Now}
}

// Register adds l under name, which is used in logs.
func (n *Notifier) Register(name string, l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, namedListener{name: name, fn: l})
}

// Notify dispatches ev. A zero At is set to the current time.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = n.now()
	}

	n.mu.RLock()
	listeners := append([]namedListener(nil), n.listeners...)
	n.mu.RUnlock()

	for _, l := range listeners {
		if err := n.dispatch(ctx, l, ev); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"listener": l.name,
				"event":    ev.Kind,
			}).Error("impersonation listener failed")
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, l namedListener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.fn(ctx, ev)
}
