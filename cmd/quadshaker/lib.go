package main

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/nasa-jpl/quadshaker/generichttp"
	"github.com/nasa-jpl/quadshaker/generichttp/bba"
	"github.com/nasa-jpl/quadshaker/generichttp/scan"
	"github.com/nasa-jpl/quadshaker/server"
	"github.com/nasa-jpl/quadshaker/server/middleware/locker"
	"github.com/nasa-jpl/quadshaker/session"
)

// BuildMux mounts the scan, analysis, and archive route tables of s on a
// chi router.  Changes to the scan and the analysis are refused while the
// locker is locked, except stopping a scan.  The mux serves a special
// route, /endpoints, which returns every route as JSON.
func BuildMux(s *session.Session, l *locker.Locker) chi.Router {
	l.DoNotProtect = append(l.DoNotProtect, "/stop")
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	mounts := map[string]generichttp.HTTPer{
		"/scan":  scan.NewHTTPScanner(s.Runner, s.Shaker),
		"/bba":   bba.NewHTTPBBA(s),
		"/files": server.Archive{Root: s.Recorder.Root},
	}
	for stem, httper := range mounts {
		r := chi.NewRouter()
		if stem != "/files" {
			r.Use(l.Check)
		}
		httper.RT().Bind(r)
		root.Mount(generichttp.SubMuxSanitize(stem), r)
	}
	root.Get("/lock", l.HTTPGet)
	root.Post("/lock", l.HTTPSet)
	root.Get("/endpoints", server.Endpoints(mounts))
	root.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route "+r.URL.Path, http.StatusNotFound)
	})
	return root
}
