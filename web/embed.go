// Package web embeds the chat page (dist/) and serves it as a single-page
// application. The page renders snapshots pushed over /ws/chat.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// SPAHandler returns an http.Handler that serves the embedded chat page.
// Unknown paths fall back to index.html so campaign links with arbitrary
// paths still land on the chat. The page itself is never cached; other
// embedded files are.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return &spa{site: site}
}

type spa struct {
	site fs.FS
}

func (h *spa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" || name == indexFile || !h.isFile(name) {
		h.serveIndex(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFileFS(w, r, h.site, name)
}

func (h *spa) isFile(name string) bool {
	info, err := fs.Stat(h.site, name)
	return err == nil && !info.IsDir()
}

func (h *spa) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.site, indexFile)
	if err != nil {
		http.Error(w, "chat page missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
