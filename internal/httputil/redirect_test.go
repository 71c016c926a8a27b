package httputil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsSafeRedirect(t *testing.T) {
	hosts := []string{"app.example.com"}

	for _, tc := range []struct {
		Target       string
		RequireHTTPS bool
		Want         bool
	}{
		{Target: "/admin/", Want: true},
		{Target: "users/?page=2", Want: true},
		{Target: "http://app.example.com/x", Want: true},
		{Target: "https://APP.example.com/x", Want: true},
		{Target: "https://app.example.com/x", RequireHTTPS: true, Want: true},
		{Target: "http://app.example.com/x", RequireHTTPS: true, Want: false},
		{Target: "https://evil.example.com/", Want: false},
		{Target: "//evil.example.com/", Want: false},
		{Target: `/\evil.example.com`, Want: false},
		{Target: `\\evil.example.com`, Want: false},
		{Target: "javascript:alert(1)", Want: false},
		{Target: "ftp://app.example.com/", Want: false},
		{Target: "http:app.example.com", Want: false},
		{Target: "https://user@app.example.com/", Want: false},
		{Target: "/x\n/y", Want: false},
		{Target: "", Want: false},
		{Target: "   ", Want: false},
	} {
		if got := IsSafeRedirect(tc.Target, hosts, tc.RequireHTTPS); got != tc.Want {
			t.Errorf("%q (https=%t): want %t, got %t", tc.Target, tc.RequireHTTPS, tc.Want, got)
		}
	}
}

func TestRefererOr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/impersonate_end/", nil)
	r.Header.Set("Referer", "http://app.example.com/things/")
	if got := RefererOr(r, "/admin/"); got != "http://app.example.com/things/" {
		t.Errorf("want referer, got %s", got)
	}

	r.Header.Set("Referer", "http://elsewhere.example.com/")
	if got := RefererOr(r, "/admin/"); got != "/admin/" {
		t.Errorf("want fallback for foreign referer, got %s", got)
	}

	r.Header.Del("Referer")
	if got := RefererOr(r, "/admin/"); got != "/admin/" {
		t.Errorf("want fallback without referer, got %s", got)
	}

	// a secure request never goes back to plain http
	r = httptest.NewRequest(http.MethodGet, "https://app.example.com/impersonate_end/", nil)
	r.TLS = &tls.ConnectionState{}
	r.Header.Set("Referer", "http://app.example.com/things/")
	if got := RefererOr(r, "/admin/"); got != "/admin/" {
		t.Errorf("want fallback for downgraded referer, got %s", got)
	}
}
