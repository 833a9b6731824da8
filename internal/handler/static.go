package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolveWebDir picks the built frontend, falling back to the source dir
// during development.
func ResolveWebDir(webDir string) string {
	if webDir != "" {
		return webDir
	}
	if _, err := os.Stat("./web/dist"); err == nil {
		return "./web/dist"
	}
	return "./web"
}

// spaHandler serves files from webDir and index.html for client routes.
func spaHandler(webDir string) http.HandlerFunc {
	fs := http.FileServer(http.Dir(webDir))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		clean := path.Clean("/" + r.URL.Path)
		info, err := os.Stat(filepath.Join(webDir, filepath.FromSlash(clean)))
		if err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	}
}
