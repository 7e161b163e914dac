package proxy

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roxyhq/roxy/internal/router"
)

// mimeByExt is the built-in extension to content-type map. Unknown
// extensions fall back to application/octet-stream.
var mimeByExt = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".txt":   "text/plain; charset=utf-8",
	".pdf":   "application/pdf",
}

const defaultContentType = "application/octet-stream"

// serveStatic maps the residual path into the route's base directory and
// serves a file, an index.html, or an autoindex listing.
func (e *Engine) serveStatic(w http.ResponseWriter, r *http.Request, res router.Resolution) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	baseDir := res.Route.Target.Dir
	fsPath, ok := resolveWithin(baseDir, res.ResidualPath)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		staticError(w, err)
		return
	}

	// Symlinks may not lead outside the base directory.
	if escaped, err := escapesBase(baseDir, fsPath); err != nil {
		staticError(w, err)
		return
	} else if escaped {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if info.IsDir() {
		// Directory URLs get a canonical trailing slash so relative links
		// in listings and index pages resolve.
		if !strings.HasSuffix(r.URL.Path, "/") {
			loc := r.URL.Path + "/"
			if r.URL.RawQuery != "" {
				loc += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, loc, http.StatusMovedPermanently)
			return
		}
		index := filepath.Join(fsPath, "index.html")
		if fi, err := os.Stat(index); err == nil && !fi.IsDir() {
			e.serveFile(w, r, index, fi)
			return
		}
		e.serveAutoindex(w, r, fsPath)
		return
	}
	e.serveFile(w, r, fsPath, info)
}

// resolveWithin joins the residual request path onto base using purely
// lexical resolution, rejecting any traversal that would escape base.
func resolveWithin(base, residual string) (string, bool) {
	for _, seg := range strings.Split(residual, "/") {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := path.Clean("/" + residual)
	return filepath.Join(base, filepath.FromSlash(cleaned)), true
}

// escapesBase reports whether the symlink-resolved target lies outside the
// symlink-resolved base directory.
func escapesBase(base, fsPath string) (bool, error) {
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return false, err
	}
	resolved, err := filepath.EvalSymlinks(fsPath)
	if err != nil {
		return false, err
	}
	if resolved == resolvedBase {
		return false, nil
	}
	return !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)), nil
}

func (e *Engine) serveFile(w http.ResponseWriter, r *http.Request, fsPath string, info os.FileInfo) {
	f, err := os.Open(fsPath)
	if err != nil {
		staticError(w, err)
		return
	}
	defer f.Close()

	ct, ok := mimeByExt[strings.ToLower(filepath.Ext(fsPath))]
	if !ok {
		ct = defaultContentType
	}
	w.Header().Set("Content-Type", ct)
	// ServeContent handles Content-Length, Last-Modified, If-Modified-Since
	// (304), and byte ranges.
	http.ServeContent(w, r, "", info.ModTime(), f)
}

type indexEntry struct {
	name  string
	isDir bool
	size  int64
	mtime string
}

func (e *Engine) serveAutoindex(w http.ResponseWriter, r *http.Request, dir string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		staticError(w, err)
		return
	}

	entries := make([]indexEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, indexEntry{
			name:  de.Name(),
			isDir: de.IsDir(),
			size:  info.Size(),
			mtime: info.ModTime().UTC().Format("2006-01-02 15:04:05"),
		})
	}
	// Directories first, then files, each group alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].isDir != entries[j].isDir {
			return entries[i].isDir
		}
		return entries[i].name < entries[j].name
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	displayPath := html.EscapeString(r.URL.Path)
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><title>Index of %s</title></head>\n<body>\n", displayPath)
	fmt.Fprintf(w, "<h1>Index of %s</h1>\n<table>\n", displayPath)
	fmt.Fprintf(w, "<tr><th>Name</th><th>Size</th><th>Modified</th></tr>\n")
	if r.URL.Path != "/" {
		fmt.Fprintf(w, "<tr><td><a href=\"../\">../</a></td><td>-</td><td>-</td></tr>\n")
	}
	for _, en := range entries {
		name := en.name
		size := fmt.Sprintf("%d", en.size)
		if en.isDir {
			name += "/"
			size = "-"
		}
		fmt.Fprintf(w, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n",
			url.PathEscape(en.name)+dirSuffix(en.isDir), html.EscapeString(name), size, en.mtime)
	}
	fmt.Fprintf(w, "</table>\n</body>\n</html>\n")
}

func dirSuffix(isDir bool) string {
	if isDir {
		return "/"
	}
	return ""
}

func staticError(w http.ResponseWriter, err error) {
	switch {
	case os.IsNotExist(err):
		http.Error(w, "Not Found", http.StatusNotFound)
	case os.IsPermission(err):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
