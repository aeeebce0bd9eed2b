package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/report"
)

// Response headers set on generated reports.
const (
	HeaderRequestID  = "X-Request-Id"
	HeaderWarnings   = "X-Report-Warnings"
	HeaderArchiveURL = "X-Archive-Url"
)

// errBadRequest marks a request the handlers could not read.
var errBadRequest = errors.New("bad request")

// handleGenerateFromData renders a report from the document in the request.
//
//	{"reportName": "nomina", "data": {...}}
func (s *Server) handleGenerateFromData(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	name := field(body, "reportName", "ReportName")
	data := field(body, "data", "Data")
	if strings.TrimSpace(name.String()) == "" || !data.Exists() {
		s.respondError(w, r, fmt.Errorf("%w: reportName and data are required", errBadRequest))
		return
	}

	result, err := s.generator.GenerateFromData(r.Context(), name.String(), []byte(data.Raw))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondReport(w, result)
}

// handleGenerateFromFilters renders a report from its SQL queries.
//
//	{"reportName": "empresas", "filters": {"idEmpresa": "*"}}
func (s *Server) handleGenerateFromFilters(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	name := field(body, "reportName", "ReportName")
	if strings.TrimSpace(name.String()) == "" {
		s.respondError(w, r, fmt.Errorf("%w: reportName is required", errBadRequest))
		return
	}

	var filters map[string]any
	if raw := field(body, "filters", "Filters", "sqlParams", "SqlParams"); raw.Exists() && raw.Type != gjson.Null {
		if !raw.IsObject() {
			s.respondError(w, r, fmt.Errorf("%w: filters must be an object", errBadRequest))
			return
		}
		filters, _ = raw.Value().(map[string]any)
	}

	result, err := s.generator.GenerateFromFilters(r.Context(), name.String(), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondReport(w, result)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	names := s.generator.ReportNames()
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": names})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	index, err := s.archiver.History(r.Context(), chi.URLParam(r, "report"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, index)
}

func (s *Server) handleArchived(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	ext := path.Ext(file)
	requestID := strings.TrimSuffix(file, ext)
	if requestID == "" || ext == "" {
		s.respondError(w, r, fmt.Errorf("%w: archive file must be <requestId>.<extension>", errBadRequest))
		return
	}

	data, err := s.archiver.Fetch(r.Context(), chi.URLParam(r, "report"), requestID, strings.TrimPrefix(ext, "."))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errBadRequest)
	}
	return body, nil
}

// field returns the first of keys present in body.
func field(body []byte, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := gjson.GetBytes(body, k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func (s *Server) respondReport(w http.ResponseWriter, result *report.Result) {
	out := result.Output
	h := w.Header()
	h.Set("Content-Type", out.ContentType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.ReportName+"."+out.Extension))
	h.Set(HeaderRequestID, result.RequestID)
	h.Set(HeaderWarnings, strconv.Itoa(len(result.Dataset.Warnings)))
	if result.ArchiveURL != "" {
		h.Set(HeaderArchiveURL, result.ArchiveURL)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		s.logger.Debug("Client went away while writing report",
			zap.String("request_id", result.RequestID),
			zap.Error(err))
	}
}

func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}
