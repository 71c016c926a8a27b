package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/sessions"
)

func TestSessionRoundTrip(t *testing.T) {
	store := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	gs, err := store.Get(req, "test")
	if err != nil {
		t.Fatal(err)
	}

	s := New(gs)
	s.Set("target", "2")
	s.Set("gone", "x")
	s.Delete("gone")
	s.AddMessage(Message{Level: LevelWarning, Text: "careful"})

	rec := httptest.NewRecorder()
	if err := s.Save(req, rec); err != nil {
		t.Fatal(err)
	}

	// replay the cookie on a fresh request
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req2.AddCookie(c)
	}
	gs2, err := store.Get(req2, "test")
	if err != nil {
		t.Fatal(err)
	}
	s2 := New(gs2)

	if v, ok := GetString(s2, "target"); !ok || v != "2" {
		t.Errorf("want target 2, got %q (%t)", v, ok)
	}
	if _, ok := s2.Get("gone"); ok {
		t.Error("want deleted key to stay deleted")
	}
	msgs := s2.Messages()
	if len(msgs) != 1 || msgs[0].Text != "careful" || msgs[0].Level != LevelWarning {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestPopString(t *testing.T) {
	m := NewMemory()
	m.Set("next", "/somewhere")
	m.Set("n", 3)

	if v, ok := PopString(m, "next"); !ok || v != "/somewhere" {
		t.Errorf("want /somewhere, got %q", v)
	}
	if _, ok := m.Get("next"); ok {
		t.Error("want popped key removed")
	}
	if _, ok := GetString(m, "n"); ok {
		t.Error("want non-string value ignored")
	}
}
