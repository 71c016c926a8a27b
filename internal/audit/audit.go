// Package audit provides impersonation event listeners. The host registers
// the ones it wants on the Notifier at startup.
package audit

import (
	"context"

	"github.com/heroku/actas/impersonate"
	"github.com/heroku/actas/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// LogListener writes every event to logger.
func LogListener(logger logrus.FieldLogger) impersonate.Listener {
	return func(_ context.Context, ev impersonate.Event) error {
		logger.WithFields(logrus.Fields{
			"event":        ev.Kind,
			"impersonator": ev.Impersonator.String(),
			"impersonatee": ev.Impersonatee.String(),
			"at":           ev.At,
		}).Info("audit")
		return nil
	}
}

// MetricsListener counts events by kind.
func MetricsListener(reg prometheus.Registerer) (impersonate.Listener, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actas_impersonation_events_total",
		Help: "Count of impersonation lifecycle events.",
	}, []string{"kind"})
	if err := reg.Register(events); err != nil {
		return nil, errors.Wrap(err, "failed to register impersonation metrics")
	}
	// expose both series from the start
	events.WithLabelValues(string(impersonate.EventStarted))
	events.WithLabelValues(string(impersonate.EventEnded))

	return func(_ context.Context, ev impersonate.Event) error {
		events.WithLabelValues(string(ev.Kind)).Inc()
		return nil
	}, nil
}

// StoreListener persists every event to log.
func StoreListener(log storage.AuditLog) impersonate.Listener {
	return func(ctx context.Context, ev impersonate.Event) error {
		if ev.Impersonator == nil || ev.Impersonatee == nil {
			return errors.Errorf("%s event without both users", ev.Kind)
		}
		rec := storage.AuditRecord{
			Kind:           string(ev.Kind),
			ImpersonatorID: ev.Impersonator.ID,
			ImpersonateeID: ev.Impersonatee.ID,
			At:             ev.At,
		}
		return errors.Wrap(log.RecordImpersonation(ctx, rec), "error recording impersonation")
	}
}
