package http

import (
	"io/fs"
	"net/http"
	"strings"
)

func NewFileServerHandler(assets fs.FS) http.HandlerFunc {
	fileServer := http.FileServer(http.FS(assets))

	return func(w http.ResponseWriter, r *http.Request) {
		// Prevent serving the static.go file
		if strings.HasSuffix(r.URL.Path, "/static.go") {
			http.NotFound(w, r)
			return
		}

		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
	}
}
