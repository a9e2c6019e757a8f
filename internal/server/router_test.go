package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procfleet/internal/fleet"
	"github.com/loykin/procfleet/internal/metrics"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/remote/remotetest"
	"github.com/loykin/procfleet/internal/uptest"
)

func setupRouter(t *testing.T, base string, ch *remotetest.Fake) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	d := fleet.DialerFunc(func(_ context.Context, host string) (remote.Channel, error) {
		if host != ch.Host() {
			return nil, errors.New("no route to host")
		}
		return ch, nil
	})
	return NewRouter(fleet.New(d, fleet.Options{}, 1), base, true).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListProcs(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/procs/web-v3-trusty-web")
	ch.AddDir("/apps/procs/web-v2-trusty-web.hold")
	h := setupRouter(t, "/api", ch)

	rec := doReq(t, h, http.MethodGet, "/api/hosts/h1/procs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(names) != 1 || names[0] != "web-v3-trusty-web" {
		t.Fatalf("unexpected procs: %v", names)
	}
	if !ch.Closed() {
		t.Fatalf("session must be closed after the request")
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	ch := remotetest.New("h1")
	h := setupRouter(t, "", ch)
	for _, p := range []string{"/hosts/h*1/procs", "/hosts/h1/procs/a..b", "/hosts/h1/builds/x%3Bid"} {
		method := http.MethodGet
		if strings.Contains(p, "/procs/") || strings.Contains(p, "/builds/") {
			method = http.MethodDelete
		}
		rec := doReq(t, h, method, p, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", p, rec.Code)
		}
	}
	if len(ch.Calls()) != 0 {
		t.Fatalf("no remote command may run for rejected input: %v", ch.Calls())
	}
}

func TestDeleteBuildConflict(t *testing.T) {
	ch := remotetest.New("h1")
	ch.AddDir("/apps/procs/web-v3-trusty-web")
	ch.AddDir("/apps/builds/web-v3")
	h := setupRouter(t, "/api", ch)

	rec := doReq(t, h, http.MethodDelete, "/api/hosts/h1/builds/web-v3", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "web-v3-trusty-web") {
		t.Fatalf("conflict must name the procs: %s", rec.Body.String())
	}

	rec = doReq(t, h, http.MethodDelete, "/api/hosts/h1/builds/web-v3?cascade=maybe", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cascade, got %d", rec.Code)
	}

	ch.Accept("supervisorctl ", "ps -C sudo,su")
	rec = doReq(t, h, http.MethodDelete, "/api/hosts/h1/builds/web-v3?cascade=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ch.HasPath("/apps/builds/web-v3") {
		t.Fatalf("build must be removed with cascade")
	}
}

func TestDeleteMissingProcSucceeds(t *testing.T) {
	ch := remotetest.New("h1")
	ch.Fail("supervisorctl ", 1, "web-v3-trusty-web: ERROR (no such process)")
	ch.Respond("ps -C sudo,su", "  PID  PPID COMMAND")
	h := setupRouter(t, "/api", ch)
	rec := doReq(t, h, http.MethodDelete, "/api/hosts/h1/procs/web-v3-trusty-web", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeployValidation(t *testing.T) {
	ch := remotetest.New("h1")
	h := setupRouter(t, "/api", ch)

	rec := doReq(t, h, http.MethodPost, "/api/hosts/h1/deploy", map[string]string{"descriptor_path": "proc.yaml"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("relative path: expected 400, got %d", rec.Code)
	}

	bad := filepath.Join(t.TempDir(), "proc.yaml")
	if err := os.WriteFile(bad, []byte("app_name: web\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = doReq(t, h, http.MethodPost, "/api/hosts/h1/deploy", map[string]string{"descriptor_path": bad})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid descriptor: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/api/hosts/h1/deploy", map[string]string{"descriptor_path": "/nonexistent/proc.yaml"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing descriptor: expected 500, got %d", rec.Code)
	}
}

func TestCommandFailureBodyCarriesOutput(t *testing.T) {
	ch := remotetest.New("h1")
	ch.Fail("vrun_precise setup ", 1, "image download failed: 404")
	h := setupRouter(t, "/api", ch)

	p := filepath.Join(t.TempDir(), "proc.yaml")
	body := "app_name: web\nversion: v3\nimage_name: trusty\nproc_name: web-v3-trusty-web\nport: 5000\nuser: nobody\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := doReq(t, h, http.MethodPost, "/api/hosts/h1/deploy", map[string]string{"descriptor_path": p})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, want := range []string{"vrun_precise setup /apps/procs/web-v3-trusty-web/proc.yaml", "image download failed: 404"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("body should contain %q: %s", want, rec.Body.String())
		}
	}
}

func TestUnknownHost(t *testing.T) {
	h := setupRouter(t, "/api", remotetest.New("h1"))
	rec := doReq(t, h, http.MethodPost, "/api/hosts/h2/clean-builds", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no route to host") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestUptests(t *testing.T) {
	ch := remotetest.New("h1")
	ch.Fail("supervisorctl status", 4, "web-v3-trusty-web: ERROR (no such process)")
	h := setupRouter(t, "/api", ch)

	rec := doReq(t, h, http.MethodPost, "/api/hosts/h1/uptests", uptestReq{ProcName: "web-v3-trusty-web", IgnoreMissingProcs: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var results []uptest.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("missing proc with ignore flag must yield no results: %v", results)
	}

	rec = doReq(t, h, http.MethodPost, "/api/hosts/h1/uptests", uptestReq{ProcName: "../x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCleanImagesAndOrphans(t *testing.T) {
	ch := remotetest.New("h1")
	ch.Respond("ps -C sudo,su", "  PID  PPID COMMAND")
	h := setupRouter(t, "", ch)

	rec := doReq(t, h, http.MethodPost, "/hosts/h1/clean-images", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":[]`) {
		t.Fatalf("unexpected clean-images response %d: %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPost, "/hosts/h1/kill-orphans", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected kill-orphans response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildAppRequiresAbsoluteJob(t *testing.T) {
	h := setupRouter(t, "/api", remotetest.New("h1"))
	rec := doReq(t, h, http.MethodPost, "/api/hosts/h1/build-app", map[string]string{"job_path": "../job.yaml"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/api/hosts/h1/build-image", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without body, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := setupRouter(t, "/api", remotetest.New("h1"))
	_ = doReq(t, h, http.MethodPost, "/api/hosts/h1/clean-images", nil)
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "procfleet_") {
		t.Fatalf("procfleet metrics missing from exposition")
	}
}
