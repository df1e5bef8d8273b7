package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/quadshaker/generichttp"
)

func TestArchiveServesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "2026-10-17"), 0o755); err != nil {
		t.Fatal(err)
	}
	fn := filepath.Join(root, "2026-10-17", "quadshaker000000.txt")
	if err := os.WriteFile(fn, []byte("-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	Archive{Root: func() string { return root }}.RT().Bind(r)

	cases := map[string]int{
		"/archive/2026-10-17/quadshaker000000.txt": http.StatusOK,
		"/archive/2026-10-17/missing.txt":          http.StatusNotFound,
		"/archive/2026-10-17":                      http.StatusNotFound,
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s returned %d, want %d", path, w.Code, want)
		}
		if want == http.StatusOK && w.Body.String() != "-1\n" {
			t.Errorf("GET %s body %q", path, w.Body.String())
		}
	}
}

func TestReplyWithFileStaysInFolder(t *testing.T) {
	root := t.TempDir()
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "../../etc/passwd", root)
	if w.Code != http.StatusNotFound {
		t.Errorf("escaping name returned %d, want 404", w.Code)
	}
}

func TestEndpoints(t *testing.T) {
	mounts := map[string]generichttp.HTTPer{
		"/files": Archive{Root: func() string { return "." }},
	}
	w := httptest.NewRecorder()
	Endpoints(mounts)(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var got map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{"/files": {"GET /archive/*"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
}
