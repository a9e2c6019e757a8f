package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/loykin/procfleet/internal/gc"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/teardown"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "web-v3-trusty-web", "host.example.com"}
	invalid := []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "a b", "x;id", "unicode한글"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	valid := []string{"/srv/jobs/build.yaml", "/srv/jobs/"}
	invalid := []string{"", "build.yaml", "/srv/../etc/passwd", "/srv//jobs", "./x"}
	for _, p := range valid {
		if !isSafeAbsPath(p) {
			t.Fatalf("expected valid path %q", p)
		}
	}
	for _, p := range invalid {
		if isSafeAbsPath(p) {
			t.Fatalf("expected invalid path %q", p)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&gc.UsageConflictError{Build: "web-v3", Procs: []string{"web-v3-trusty-web"}}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", gc.ErrInvalidBuildName), http.StatusBadRequest},
		{teardown.ErrEmptyProcName, http.StatusBadRequest},
		{fmt.Errorf("p: %w", proc.ErrInvalidDescriptor), http.StatusBadRequest},
		{errors.New("ssh: handshake failed"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}
