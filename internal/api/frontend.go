package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const frontendIndex = "index.html"

// FrontendHandler serves the built single-page app from dir. Paths that do
// not name a file fall back to index.html so client-side routes resolve.
func FrontendHandler(dir string) http.Handler {
	root := filepath.Clean(dir)
	index := filepath.Join(root, frontendIndex)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			requireMethod(w, r, http.MethodGet)
			return
		}

		name := path.Clean("/" + r.URL.Path)
		if name != "/" {
			candidate := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(name, "/")))
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				http.ServeFile(w, r, candidate)
				return
			}
		}

		if _, err := os.Stat(index); err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, index)
	})
}
