package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wehubfusion/Banda/pkg/config"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}

// CheckResult is what a Check reports.
type CheckResult struct {
	Status      Status
	Description string
	Err         error
}

// Check is one named health check.
type Check struct {
	Name string
	Run  func(ctx context.Context) CheckResult
}

// TemplatesCheck is healthy when dir holds at least one .mrt template.
func TemplatesCheck(dir string) Check {
	return folderCheck("templates", dir, "templates", func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ".mrt")
	})
}

// ConfigsCheck is healthy when dir holds at least one report configuration.
func ConfigsCheck(dir string) Check {
	return folderCheck("configs", dir, "report configurations", config.HasConfigExtension)
}

func folderCheck(name, dir, what string, match func(string) bool) Check {
	return Check{Name: name, Run: func(context.Context) CheckResult {
		if dir == "" {
			return CheckResult{Status: StatusUnhealthy, Description: fmt.Sprintf("%s folder is not configured", name)}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Description: fmt.Sprintf("%s folder %s is not readable", name, dir), Err: err}
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() && match(e.Name()) {
				n++
			}
		}
		if n == 0 {
			return CheckResult{Status: StatusDegraded, Description: fmt.Sprintf("%s folder exists but holds no %s", name, what)}
		}
		return CheckResult{Status: StatusHealthy, Description: fmt.Sprintf("%d %s found", n, what)}
	}}
}

type checkReport struct {
	Name        string  `json:"name"`
	Status      Status  `json:"status"`
	DurationMs  float64 `json:"durationMs"`
	Description string  `json:"description"`
	Error       string  `json:"error,omitempty"`
}

type templateInfo struct {
	Template     string    `json:"template"`
	LastModified time.Time `json:"lastModified"`
}

type healthReport struct {
	Status     Status         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	DurationMs float64        `json:"durationMs"`
	Checks     []checkReport  `json:"checks"`
	Templates  []templateInfo `json:"templates"`
}

func (s *Server) runChecks(ctx context.Context) healthReport {
	start := time.Now()
	out := healthReport{Status: StatusHealthy, Timestamp: start.UTC(), Version: s.version}
	for _, c := range s.checks {
		checkStart := time.Now()
		res := c.Run(ctx)
		cr := checkReport{
			Name:        c.Name,
			Status:      res.Status,
			DurationMs:  millis(time.Since(checkStart)),
			Description: res.Description,
		}
		if res.Err != nil {
			cr.Error = res.Err.Error()
		}
		if res.Status.rank() > out.Status.rank() {
			out.Status = res.Status
		}
		out.Checks = append(out.Checks, cr)
	}
	out.DurationMs = millis(time.Since(start))
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.runChecks(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode(health.Status))
	_, _ = w.Write([]byte(health.Status))
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	health := s.runChecks(r.Context())
	health.Templates = listTemplates(s.templatesDir)
	respondJSON(w, statusCode(health.Status), health)
}

func listTemplates(dir string) []templateInfo {
	out := []templateInfo{}
	if dir == "" {
		return out
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.mrt"))
	if err != nil {
		return out
	}
	sort.Strings(matches)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		out = append(out, templateInfo{Template: filepath.Base(m), LastModified: info.ModTime().UTC()})
	}
	return out
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
