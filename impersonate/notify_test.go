package impersonate

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestNotifierIsolatesListeners(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewNotifier(logger)

	var order []string
	n.Register("first", func(context.Context, Event) error {
		order = append(order, "first")
		return errors.New("audit store down")
	})
	n.Register("panics", func(context.Context, Event) error {
		order = append(order, "panics")
		panic("boom")
	})
	n.Register("last", func(context.Context, Event) error {
		order = append(order, "last")
		return nil
	})

	n.Notify(context.Background(), Event{Kind: EventStarted})

	if len(order) != 3 || order[0] != "first" || order[1] != "panics" || order[2] != "last" {
		t.Errorf("want every listener called in order, got %v", order)
	}

	var failed []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			failed = append(failed, e.Data["listener"].(string))
		}
	}
	if len(failed) != 2 || failed[0] != "first" || failed[1] != "panics" {
		t.Errorf("want both failures logged, got %v", failed)
	}
}

func TestNotifierSetsTime(t *testing.T) {
	logger, _ := test.NewNullLogger()
	n := NewNotifier(logger)
	at := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return at }

	var got []time.Time
	n.Register("rec", func(_ context.Context, ev Event) error {
		got = append(got, ev.At)
		return nil
	})

	given := at.Add(time.Hour)
	n.Notify(context.Background(), Event{Kind: EventEnded})
	n.Notify(context.Background(), Event{Kind: EventEnded, At: given})

	if !got[0].Equal(at) || !got[1].Equal(given) {
		t.Errorf("unexpected event times %v", got)
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	// no listeners, nothing to do
	n.Notify(context.Background(), Event{Kind: EventStarted})
}
