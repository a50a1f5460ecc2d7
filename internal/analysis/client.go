// Package analysis talks to the external crash-analysis service, which
// retrieves code context for a crash and asks a language model about it.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 120 * time.Second
	indexTimeout   = 10 * time.Second

	unavailableExplanation = "Analysis unavailable"
)

type CrashRequest struct {
	StackTrace   []any  `json:"stack_trace"`
	ExceptionMsg string `json:"exception_msg"`
	RecentLogs   string `json:"recent_logs"`
	ProjectRoot  string `json:"project_root,omitempty"`
	CurrentFile  string `json:"current_file,omitempty"`
}

type CrashReport struct {
	Explanation  string `json:"explanation"`
	SuggestedFix string `json:"suggested_fix"`
	RelatedCode  any    `json:"related_code,omitempty"`
}

type IndexResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Unavailable is returned in place of a report when the service fails.
func Unavailable() CrashReport {
	return CrashReport{Explanation: unavailableExplanation}
}

type Client struct {
	resty  *resty.Client
	logger *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{resty: r, logger: logger}
}

// AnalyzeCrash asks the service to explain a crash. Any failure yields
// Unavailable() together with the error.
func (c *Client) AnalyzeCrash(ctx context.Context, req CrashRequest) (CrashReport, error) {
	var report CrashReport
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&report).
		Post("/analyze_crash")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("analysis service returned %s", resp.Status())
	}
	if err != nil {
		c.logger.Error("crash analysis failed", zap.Error(err))
		return Unavailable(), err
	}
	return report, nil
}

// Index asks the service to (re)index the codebase under path.
func (c *Client) Index(ctx context.Context, path string) (IndexResult, error) {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	var result IndexResult
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(map[string]string{"path": path}).
		SetResult(&result).
		Post("/index_codebase")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("analysis service returned %s", resp.Status())
	}
	if err != nil {
		c.logger.Error("codebase indexing failed", zap.String("path", path), zap.Error(err))
		return IndexResult{Status: "error", Message: err.Error()}, err
	}
	return result, nil
}
