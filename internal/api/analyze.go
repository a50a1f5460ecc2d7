package api

import (
	"net/http"
	"strings"

	"github.com/user/gdbrelay/internal/analysis"
)

type analyzeRequest struct {
	StackTrace   []any  `json:"stack_trace"`
	ExceptionMsg string `json:"exception_msg"`
	RecentLogs   string `json:"recent_logs"`
	CurrentFile  string `json:"current_file,omitempty"`
}

// analyze forwards a crash to the analysis service with the current
// project root. Failures still answer 200 with the fallback report.
func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.analyzer == nil {
		jsonResponse(w, http.StatusOK, analysis.Unavailable())
		return
	}

	report, _ := h.analyzer.AnalyzeCrash(r.Context(), analysis.CrashRequest{
		StackTrace:   req.StackTrace,
		ExceptionMsg: req.ExceptionMsg,
		RecentLogs:   req.RecentLogs,
		ProjectRoot:  h.root.Get(),
		CurrentFile:  req.CurrentFile,
	})
	jsonResponse(w, http.StatusOK, report)
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = h.root.Get()
	}
	if h.analyzer == nil {
		jsonError(w, http.StatusServiceUnavailable, "analysis service not configured")
		return
	}

	result, err := h.analyzer.Index(r.Context(), path)
	if err != nil {
		jsonResponse(w, http.StatusBadGateway, result)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}
