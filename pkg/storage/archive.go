// Package storage archives rendered reports in blob storage and keeps a per-report
// index of archived documents.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Document is one rendered report to archive.
type Document struct {
	ReportName  string
	RequestID   string
	Data        []byte
	ContentType string
	Extension   string
	Tables      int
	Rows        int
}

// IndexEntry describes one archived document.
type IndexEntry struct {
	RequestID   string    `json:"request_id"`
	BlobPath    string    `json:"blob_path"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	SizeBytes   int       `json:"size_bytes"`
	Tables      int       `json:"tables"`
	Rows        int       `json:"rows"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Index lists the archived documents of one report, oldest first.
type Index struct {
	ReportName string       `json:"report_name"`
	Entries    []IndexEntry `json:"entries"`
}

// Archiver uploads rendered reports.
type Archiver struct {
	blob   BlobClient
	logger *zap.Logger
	now    func() time.Time

	// mu serializes index read-modify-write cycles within this process.
	mu sync.Mutex
	// MaxIndexEntries bounds the index; older entries are dropped. Zero keeps all.
	MaxIndexEntries int
}

// NewArchiver creates an Archiver.
func NewArchiver(blob BlobClient, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blob: blob, logger: logger, now: time.Now, MaxIndexEntries: 500}
}

// DocumentPath returns the blob path of an archived document.
func DocumentPath(reportName, requestID, extension string) string {
	ext := strings.TrimPrefix(extension, ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("reports/%s/%s.%s", blobSegment(reportName), blobSegment(requestID), ext)
}

// IndexPath returns the blob path of a report's index.
func IndexPath(reportName string) string {
	return fmt.Sprintf("reports/%s/index.json", blobSegment(reportName))
}

func blobSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "?", "_", "#", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

// Archive uploads the document and records it in the report index. The document URL is
// returned even when only the index update fails.
func (a *Archiver) Archive(ctx context.Context, doc Document) (string, error) {
	if a.blob == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if doc.ReportName == "" || doc.RequestID == "" {
		return "", fmt.Errorf("report name and request id are required")
	}

	blobPath := DocumentPath(doc.ReportName, doc.RequestID, doc.Extension)
	url, err := a.blob.Upload(ctx, blobPath, doc.Data, doc.ContentType, map[string]string{
		"report_name": doc.ReportName,
		"request_id":  doc.RequestID,
		"tables":      strconv.Itoa(doc.Tables),
		"rows":        strconv.Itoa(doc.Rows),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive report: %w", err)
	}

	entry := IndexEntry{
		RequestID:   doc.RequestID,
		BlobPath:    blobPath,
		URL:         url,
		ContentType: doc.ContentType,
		SizeBytes:   len(doc.Data),
		Tables:      doc.Tables,
		Rows:        doc.Rows,
		ArchivedAt:  a.now().UTC(),
	}
	if err := a.appendIndex(ctx, doc.ReportName, entry); err != nil {
		return url, err
	}

	a.logger.Info("Archived report",
		zap.String("report", doc.ReportName),
		zap.String("request_id", doc.RequestID),
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(doc.Data)))
	return url, nil
}

func (a *Archiver) appendIndex(ctx context.Context, reportName string, entry IndexEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	index, err := a.loadIndex(ctx, reportName)
	if err != nil {
		a.logger.Warn("Failed to read report index, starting fresh",
			zap.String("report", reportName),
			zap.Error(err))
		index = &Index{ReportName: reportName}
	}

	index.Entries = append(index.Entries, entry)
	if a.MaxIndexEntries > 0 && len(index.Entries) > a.MaxIndexEntries {
		index.Entries = index.Entries[len(index.Entries)-a.MaxIndexEntries:]
	}

	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal report index: %w", err)
	}
	if _, err := a.blob.Upload(ctx, IndexPath(reportName), data, "application/json", map[string]string{
		"report_name": reportName,
		"entries":     strconv.Itoa(len(index.Entries)),
	}); err != nil {
		return fmt.Errorf("failed to upload report index: %w", err)
	}
	return nil
}

func (a *Archiver) loadIndex(ctx context.Context, reportName string) (*Index, error) {
	data, err := a.blob.Download(ctx, IndexPath(reportName))
	if errors.Is(err, ErrBlobNotFound) {
		return &Index{ReportName: reportName}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse report index: %w", err)
	}
	if index.ReportName == "" {
		index.ReportName = reportName
	}
	return &index, nil
}

// History returns the archived documents of a report, oldest first.
func (a *Archiver) History(ctx context.Context, reportName string) (*Index, error) {
	if a.blob == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}
	return a.loadIndex(ctx, reportName)
}

// Fetch downloads an archived document.
func (a *Archiver) Fetch(ctx context.Context, reportName, requestID, extension string) ([]byte, error) {
	if a.blob == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}
	return a.blob.Download(ctx, DocumentPath(reportName, requestID, extension))
}
