package generichttp

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps methods and paths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns "METHOD /path" for every route, sorted by path
func (rt RouteTable) Endpoints() []string {
	mps := make([]MethodPath, 0, len(rt))
	for mp := range rt {
		mps = append(mps, mp)
	}
	sort.Slice(mps, func(i, j int) bool {
		if mps[i].Path == mps[j].Path {
			return mps[i].Method < mps[j].Method
		}
		return mps[i].Path < mps[j].Path
	})
	out := make([]string, len(mps))
	for i, mp := range mps {
		out[i] = mp.Method + " " + mp.Path
	}
	return out
}

// Bind adds every route to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fn := range rt {
		r.Method(mp.Method, mp.Path, fn)
	}
}

// HTTPer is anything with a RouteTable
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize makes a mount point look like "/a/b", with a leading slash
// and no trailing slash or wildcard
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.Trim(str, "/")
	return "/" + str
}
