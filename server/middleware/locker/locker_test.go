package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/quadshaker/generichttp"
	"github.com/nasa-jpl/quadshaker/server/middleware/locker"
)

type routes generichttp.RouteTable

func (r routes) RT() generichttp.RouteTable { return generichttp.RouteTable(r) }

func router(l *locker.Locker) http.Handler {
	rt := routes{
		{Method: http.MethodGet, Path: "/state"}:  func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodPost, Path: "/start"}: func(w http.ResponseWriter, r *http.Request) {},
	}
	locker.Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)
	return r
}

func do(h http.Handler, method, path, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w.Code
}

func TestLockBlocksWrites(t *testing.T) {
	l := locker.New()
	h := router(l)
	if code := do(h, http.MethodPost, "/start", ""); code != http.StatusOK {
		t.Fatalf("unlocked POST returned %d", code)
	}
	if code := do(h, http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("POST /lock returned %d", code)
	}
	if !l.Locked() {
		t.Fatal("locker not locked")
	}
	if code := do(h, http.MethodPost, "/start", ""); code != http.StatusLocked {
		t.Errorf("locked POST returned %d, want 423", code)
	}
	if code := do(h, http.MethodGet, "/state", ""); code != http.StatusOK {
		t.Errorf("locked GET returned %d, want 200", code)
	}
	if code := do(h, http.MethodPost, "/lock", `{"bool":false}`); code != http.StatusOK {
		t.Errorf("unlock returned %d", code)
	}
	if code := do(h, http.MethodPost, "/start", ""); code != http.StatusOK {
		t.Errorf("POST after unlock returned %d", code)
	}
}

func TestHTTPGet(t *testing.T) {
	l := locker.New()
	l.Lock()
	w := httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"bool":true}` {
		t.Errorf("HTTPGet returned %s", got)
	}
}
