package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/user/gdbrelay/internal/analysis"
	"github.com/user/gdbrelay/internal/db"
	"github.com/user/gdbrelay/internal/metrics"
	"github.com/user/gdbrelay/internal/session"
)

type sessionRegistry interface {
	GetOrCreate(id string) *session.Session
	Get(id string) (*session.Session, error)
	List() []*session.Session
	Destroy(id string) error
}

type journal interface {
	ListLogs(ctx context.Context, sessionID string, limit int) ([]*db.SessionLog, error)
}

type analyzer interface {
	AnalyzeCrash(ctx context.Context, req analysis.CrashRequest) (analysis.CrashReport, error)
	Index(ctx context.Context, path string) (analysis.IndexResult, error)
}

type Options struct {
	Sessions sessionRegistry
	// Journal is optional; without it session logs come from memory.
	Journal     journal
	Analyzer    analyzer
	Token       string
	FilesRoot   string
	MaxFileSize int64
	Logger      *zap.Logger
}

type handler struct {
	sessions    sessionRegistry
	journal     journal
	analyzer    analyzer
	root        *projectRoot
	maxFileSize int64
	logger      *zap.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	h := &handler{
		sessions:    opts.Sessions,
		journal:     opts.Journal,
		analyzer:    opts.Analyzer,
		root:        newProjectRoot(opts.FilesRoot),
		maxFileSize: opts.MaxFileSize,
		logger:      opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/commands", h.submitCommand)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/logs", h.sessionLogs)

	mux.HandleFunc("GET /api/files/tree", h.fileTree)
	mux.HandleFunc("POST /api/files/ls", h.listDirectory)
	mux.HandleFunc("GET /api/files/content", h.fileContent)
	mux.HandleFunc("POST /api/files/root", h.setRoot)

	mux.HandleFunc("POST /api/analyze", h.analyze)
	mux.HandleFunc("POST /api/index", h.index)

	return metricsMiddleware(authMiddleware(opts.Token)(jsonMiddleware(corsMiddleware(mux))))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
