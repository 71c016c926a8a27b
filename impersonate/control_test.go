package impersonate

import (
	"context"
	"net/http"
	"testing"

	"github.com/heroku/actas/session"
	"github.com/heroku/actas/storage"
	"github.com/sirupsen/logrus/hooks/test"
)

type recorder struct {
	events []Event
}

func (r *recorder) listen(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (f *fixture) controller(t *testing.T) (*Controller, *recorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	n := NewNotifier(logger)
	n.Register("recorder", rec.listen)
	return &Controller{
		Users:         f.users,
		SessionKey:    targetKey,
		UserPermitted: DefaultUserPolicy,
		Notifier:      n,
		Logger:        logger,
	}, rec
}

func lastMessage(t *testing.T, s *session.Memory) session.Message {
	t.Helper()
	msgs := s.Messages()
	if len(msgs) == 0 {
		t.Fatal("want a message, got none")
	}
	return msgs[len(msgs)-1]
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)

	out, err := c.Start(context.Background(), f.staff, f.store, "2")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeStarted {
		t.Fatalf("want started, got %s", out)
	}
	if v, _ := session.GetString(f.store, targetKey); v != "2" {
		t.Errorf("want session key 2, got %q", v)
	}
	if len(rec.events) != 1 {
		t.Fatalf("want 1 event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Kind != EventStarted || id(ev.Impersonator) != f.staff.ID || id(ev.Impersonatee) != f.user.ID {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.At.IsZero() {
		t.Error("want event time set")
	}
	if m := lastMessage(t, f.store); m.Level != session.LevelSuccess || m.Text != `Started impersonating user "bob".` {
		t.Errorf("unexpected message %+v", m)
	}

	// the next request acts as bob
	_, s := serve(f.handler(t).Wrap, f.staff, "/")
	if id(s.acting) != f.user.ID || id(s.impersonator) != f.staff.ID {
		t.Errorf("want acting bob as alice, got acting %d impersonator %d", id(s.acting), id(s.impersonator))
	}
}

func TestStartIdempotent(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)
	ctx := context.Background()

	for i, want := range []Outcome{OutcomeStarted, OutcomeUnchanged} {
		out, err := c.Start(ctx, f.staff, f.store, "2")
		if err != nil {
			t.Fatal(err)
		}
		if out != want {
			t.Errorf("call %d: want %s, got %s", i, want, out)
		}
	}
	if len(rec.events) != 1 {
		t.Errorf("want exactly one started event, got %d", len(rec.events))
	}
}

func TestStartSelf(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)

	// even a superuser, who the policy allows anything
	out, err := c.Start(context.Background(), f.super, f.store, "3")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeSelf {
		t.Errorf("want self, got %s", out)
	}
	if len(f.store.Values) != 0 {
		t.Errorf("want session untouched, got %v", f.store.Values)
	}
	if len(rec.events) != 0 {
		t.Errorf("want no events, got %d", len(rec.events))
	}
	if m := lastMessage(t, f.store); m.Level != session.LevelWarning || m.Text != "No need to impersonate yourself!" {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestStartRefused(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Actor   func(f *fixture) *storage.User
		Target  string
		Want    Outcome
		WantMsg string
		WantLvl session.Level
	}{
		{
			Name:    "Unknown user",
			Actor:   func(f *fixture) *storage.User { return f.staff },
			Target:  "42",
			Want:    OutcomeNotFound,
			WantMsg: `User with ID "42" doesn't exist.`,
			WantLvl: session.LevelWarning,
		},
		{
			Name:    "Unparseable id",
			Actor:   func(f *fixture) *storage.User { return f.staff },
			Target:  "bob",
			Want:    OutcomeNotFound,
			WantMsg: `User with ID "bob" doesn't exist.`,
			WantLvl: session.LevelWarning,
		},
		{
			Name:    "Staff targeting superuser",
			Actor:   func(f *fixture) *storage.User { return f.staff },
			Target:  "3",
			Want:    OutcomeDenied,
			WantMsg: `You are not allowed to impersonate user "root".`,
			WantLvl: session.LevelError,
		},
		{
			Name:    "Non staff",
			Actor:   func(f *fixture) *storage.User { return f.user },
			Target:  "1",
			Want:    OutcomeDenied,
			WantMsg: `You are not allowed to impersonate user "alice".`,
			WantLvl: session.LevelError,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			f := newFixture(t)
			c, rec := f.controller(t)
			f.store.Set(targetKey, "2")

			out, err := c.Start(context.Background(), tc.Actor(f), f.store, tc.Target)
			if err != nil {
				t.Fatal(err)
			}
			if out != tc.Want {
				t.Errorf("want %s, got %s", tc.Want, out)
			}
			if v, _ := session.GetString(f.store, targetKey); v != "2" {
				t.Errorf("want session left unchanged, got %q", v)
			}
			if len(rec.events) != 0 {
				t.Errorf("want no events, got %d", len(rec.events))
			}
			if m := lastMessage(t, f.store); m.Level != tc.WantLvl || m.Text != tc.WantMsg {
				t.Errorf("unexpected message %+v", m)
			}
		})
	}
}

// endRequest runs End behind the middleware for path, like the host does.
func endRequest(t *testing.T, f *fixture, c *Controller, actor *storage.User, path string) Outcome {
	t.Helper()
	var out Outcome
	wrap := func(next http.Handler) http.Handler {
		return f.handler(t).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out = c.End(r.Context(), f.store)
			next.ServeHTTP(w, r)
		}))
	}
	serve(wrap, actor, path)
	return out
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)

	if _, err := c.Start(context.Background(), f.staff, f.store, "2"); err != nil {
		t.Fatal(err)
	}
	f.store.Messages()

	if out := endRequest(t, f, c, f.staff, "/"); out != OutcomeEnded {
		t.Errorf("want ended, got %s", out)
	}
	if _, ok := f.store.Get(targetKey); ok {
		t.Error("want key removed")
	}
	if len(rec.events) != 2 {
		t.Fatalf("want 2 events, got %d", len(rec.events))
	}
	if rec.events[0].Kind != EventStarted || rec.events[1].Kind != EventEnded {
		t.Errorf("want started then ended, got %s then %s", rec.events[0].Kind, rec.events[1].Kind)
	}
	ended := rec.events[1]
	if id(ended.Impersonator) != f.staff.ID || id(ended.Impersonatee) != f.user.ID {
		t.Errorf("unexpected ended event %+v", ended)
	}
	if m := lastMessage(t, f.store); m.Text != `Stopped impersonating user "bob".` {
		t.Errorf("unexpected message %+v", m)
	}

	// ending again is a silent no-op
	if out := endRequest(t, f, c, f.staff, "/"); out != OutcomeInactive {
		t.Errorf("want inactive, got %s", out)
	}
	if len(rec.events) != 2 {
		t.Errorf("want no further events, got %d", len(rec.events))
	}
}

func TestEndOnExcludedPath(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)
	f.store.Set(targetKey, "2")

	if out := endRequest(t, f, c, f.staff, "/admin/impersonate_end/"); out != OutcomeEnded {
		t.Errorf("want ended for the would-be impersonatee, got %s", out)
	}
	if len(rec.events) != 1 || id(rec.events[0].Impersonatee) != f.user.ID {
		t.Errorf("unexpected events %+v", rec.events)
	}
}

func TestEndDeniedTarget(t *testing.T) {
	f := newFixture(t)
	c, rec := f.controller(t)
	// never permitted, so never in effect
	f.store.Set(targetKey, "3")

	if out := endRequest(t, f, c, f.staff, "/"); out != OutcomeInactive {
		t.Errorf("want inactive, got %s", out)
	}
	if _, ok := f.store.Get(targetKey); ok {
		t.Error("want key removed anyway")
	}
	if len(rec.events) != 0 {
		t.Errorf("want no events, got %d", len(rec.events))
	}
}
