package ui

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:static
var staticFS embed.FS

// StaticFS returns the embedded static/ filesystem with the prefix stripped.
func StaticFS() (fs.FS, error) {
	return fs.Sub(staticFS, "static")
}

// Handler returns an http.Handler that serves the embedded UI with SPA
// fallback. Static files are served directly. Paths without a file
// extension are treated as client-side routes and served index.html.
// Missing assets return 404.
func Handler() (http.Handler, error) {
	sub, err := StaticFS()
	if err != nil {
		return nil, err
	}

	fileServer := http.FileServerFS(sub)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean(r.URL.Path)
		if p == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		p = strings.TrimPrefix(p, "/")

		if _, err := fs.Stat(sub, p); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}

		if strings.Contains(p, ".") {
			// Has extension (e.g. .js, .css) so a genuine missing asset.
			http.NotFound(w, r)
			return
		}

		// No extension, treat as a client-side route.
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	}), nil
}
