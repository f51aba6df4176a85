package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

type stubConn string

func (c stubConn) ID() string                  { return string(c) }
func (c stubConn) Send(sigproto.Message) error { return nil }

func TestHTTPCompleter_PostsEndWithBearer(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewHTTPCompleter(srv.URL+"/", "svc-token", srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPCompleter: %v", err)
	}
	if err := c.MarkConsultationComplete(context.Background(), "abc/123"); err != nil {
		t.Fatalf("MarkConsultationComplete: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("method=%s, want POST", gotMethod)
	}
	if gotPath != "/api/consultations/abc%2F123/end" {
		t.Fatalf("path=%s", gotPath)
	}
	if gotAuth != "Bearer svc-token" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotBody != "{}" {
		t.Fatalf("body=%q, want {}", gotBody)
	}
}

func TestHTTPCompleter_StatusHandling(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusNotFound, true},
		{http.StatusConflict, true},
		{http.StatusUnauthorized, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("unexpected Authorization header without token")
			}
			w.WriteHeader(tc.status)
		}))
		c, err := NewHTTPCompleter(srv.URL, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		err = c.MarkConsultationComplete(context.Background(), "c1")
		srv.Close()

		if tc.ok && err != nil {
			t.Fatalf("status %d: err=%v", tc.status, err)
		}
		if !tc.ok && !errors.Is(err, ErrHookFailed) {
			t.Fatalf("status %d: err=%v, want ErrHookFailed", tc.status, err)
		}
	}
}

func TestNewHTTPCompleter_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:3000", "ftp://example.com", "http://"} {
		if _, err := NewHTTPCompleter(raw, "", nil); err == nil {
			t.Fatalf("NewHTTPCompleter(%q) succeeded", raw)
		}
	}
}
