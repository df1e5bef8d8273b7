// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/quadshaker/generichttp"
)

// ReplyWithFile replies to the client request by serving the given file name
// from fldr.  Names that escape fldr are a 404.
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	root, err := filepath.Abs(fldr)
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of folder %s %s", fldr, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	filePath := filepath.Join(root, filepath.FromSlash(fn))
	if filePath != root && !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		http.Error(w, "file outside of folder "+fn, http.StatusNotFound)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", fn)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.Error(w, "not a file "+fn, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

// Archive serves the files written by a recorder rooted at a folder which
// may change while the server runs
type Archive struct {
	Root func() string
}

// RT satisfies generichttp.HTTPer
func (a Archive) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/archive/*"}: a.ServeFile,
	}
}

// ServeFile serves the file named by the wildcard of the route
func (a Archive) ServeFile(w http.ResponseWriter, r *http.Request) {
	ReplyWithFile(w, r, chi.URLParam(r, "*"), a.Root())
}

// Endpoints serves a sorted list of every route of the HTTPers mounted at
// their prefixes, as JSON
func Endpoints(mounts map[string]generichttp.HTTPer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string][]string{}
		for stem, h := range mounts {
			out[stem] = h.RT().Endpoints()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(out)
		if err != nil {
			fstr := fmt.Sprintf("error encoding list of routes data to json %q", err)
			log.Println(fstr)
		}
	}
}
