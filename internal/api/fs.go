package api

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	defaultMaxFileSize = 1 << 20
	reindexTimeout     = 15 * time.Second
)

// sensitivePatterns are matched against a file's base name.
var sensitivePatterns = []string{
	".env*",
	"*.env",
	"*.pem",
	"*.key",
	"*.cert",
	"*.crt",
	"id_rsa",
	"id_dsa",
	"secrets.json",
	"dsa_key",
	"rsa_key",
}

type projectRoot struct {
	mu   sync.RWMutex
	path string
}

func newProjectRoot(path string) *projectRoot {
	if path == "" {
		path, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &projectRoot{path: filepath.Clean(path)}
}

func (p *projectRoot) Get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.path
}

func (p *projectRoot) Set(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = path
}

type treeNode struct {
	Path  string   `json:"path"`
	Dirs  []string `json:"dirs"`
	Files []string `json:"files"`
}

type treeResponse struct {
	Root  string     `json:"root"`
	Tree  []treeNode `json:"tree"`
	Error string     `json:"error,omitempty"`
}

type fsEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Path  string `json:"path"`
}

type lsResponse struct {
	Path    string    `json:"path"`
	Parent  string    `json:"parent,omitempty"`
	Entries []fsEntry `json:"entries"`
	Error   string    `json:"error,omitempty"`
}

type pathRequest struct {
	Path string `json:"path"`
}

// fileTree walks the project root, skipping hidden entries.
func (h *handler) fileTree(w http.ResponseWriter, r *http.Request) {
	root := h.root.Get()
	resp := treeResponse{Root: root, Tree: []treeNode{}}

	if _, err := os.Stat(root); err != nil {
		resp.Error = "Path does not exist"
		jsonResponse(w, http.StatusOK, resp)
		return
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(d.Name()) {
			return fs.SkipDir
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		node := treeNode{Dirs: []string{}, Files: []string{}}
		if rel, err := filepath.Rel(root, path); err == nil && rel != "." {
			node.Path = rel
		}
		for _, e := range entries {
			if isHidden(e.Name()) {
				continue
			}
			if e.IsDir() {
				node.Dirs = append(node.Dirs, e.Name())
			} else {
				node.Files = append(node.Files, e.Name())
			}
		}
		resp.Tree = append(resp.Tree, node)
		return nil
	})
	if err != nil {
		h.logger.Warn("walk project root", zap.String("root", root), zap.Error(err))
	}
	jsonResponse(w, http.StatusOK, resp)
}

// listDirectory lists one directory anywhere on disk so a client can pick
// a new project root. Directories sort first.
func (h *handler) listDirectory(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := normalizeBrowsePath(req.Path)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid path")
		return
	}

	resp := lsResponse{Path: target, Entries: []fsEntry{}}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		resp.Error = "Not a directory"
		jsonResponse(w, http.StatusOK, resp)
		return
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		resp.Error = "Permission denied"
		jsonResponse(w, http.StatusOK, resp)
		return
	}

	for _, e := range entries {
		if isHidden(e.Name()) {
			continue
		}
		resp.Entries = append(resp.Entries, fsEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Path:  filepath.Join(target, e.Name()),
		})
	}
	sort.Slice(resp.Entries, func(i, j int) bool {
		a, b := resp.Entries[i], resp.Entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})

	if parent := filepath.Dir(target); parent != target {
		resp.Parent = parent
	}
	jsonResponse(w, http.StatusOK, resp)
}

// fileContent returns a text file under the project root.
func (h *handler) fileContent(w http.ResponseWriter, r *http.Request) {
	root := canonicalPath(h.root.Get())
	raw := r.URL.Query().Get("path")
	if strings.TrimSpace(raw) == "" {
		jsonError(w, http.StatusBadRequest, "path is required")
		return
	}

	target := raw
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	if !pathWithinBase(root, target) {
		jsonError(w, http.StatusForbidden, "Access denied: Path outside project root")
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		jsonError(w, http.StatusNotFound, "File not found")
		return
	}
	// Symlinks may point outside the root.
	if !pathWithinBase(root, canonicalPath(target)) {
		jsonError(w, http.StatusForbidden, "Access denied: Path outside project root")
		return
	}
	if info.IsDir() {
		jsonError(w, http.StatusBadRequest, "Path is a directory")
		return
	}

	name := filepath.Base(target)
	if isSensitive(name) {
		h.logger.Warn("blocked sensitive file", zap.String("file", name))
		jsonError(w, http.StatusForbidden, "Access denied: Sensitive file")
		return
	}
	if info.Size() > h.maxFileSize {
		h.logger.Warn("blocked large file", zap.String("file", name), zap.Int64("size", info.Size()))
		jsonError(w, http.StatusBadRequest, "File too large")
		return
	}

	mt, err := mimetype.DetectFile(target)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !isText(mt) {
		jsonError(w, http.StatusBadRequest, "Binary file: "+mt.String())
		return
	}

	data, err := os.ReadFile(target)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !utf8.Valid(data) {
		jsonError(w, http.StatusBadRequest, "File is not valid UTF-8")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"content": string(data)})
}

// setRoot switches the project root and asks the analysis service to
// re-index it. Indexing failures are logged only.
func (h *handler) setRoot(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	path, err := normalizeBrowsePath(req.Path)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		jsonError(w, http.StatusBadRequest, "Path is not a directory")
		return
	}

	h.root.Set(path)
	h.logger.Info("project root changed", zap.String("root", path))

	if h.analyzer != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reindexTimeout)
		defer cancel()
		if _, err := h.analyzer.Index(ctx, path); err != nil {
			h.logger.Error("re-index on root change", zap.Error(err))
		}
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isSensitive(name string) bool {
	for _, pattern := range sensitivePatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func normalizeBrowsePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Clean(home), nil
	}

	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if trimmed == "~" {
			trimmed = home
		} else {
			trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~/"))
		}
	}

	if !filepath.IsAbs(trimmed) {
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return "", err
		}
		trimmed = abs
	}

	return filepath.Clean(trimmed), nil
}

func canonicalPath(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return path
}

func pathWithinBase(base string, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	rel = filepath.Clean(rel)
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
