package httpapi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/internal/logging"
)

// errNotFound marks a missing log folder or file.
var errNotFound = errors.New("not found")

type envInfo struct {
	Version       string            `json:"version"`
	Environment   string            `json:"environment,omitempty"`
	Hostname      string            `json:"hostname"`
	StartedAt     time.Time         `json:"startedAt"`
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Runtime       runtimeInfo       `json:"runtime"`
	Memory        memoryInfo        `json:"memory"`
	Settings      map[string]string `json:"settings"`
	Network       networkInfo       `json:"network"`
}

type runtimeInfo struct {
	GoVersion  string `json:"goVersion"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"numCpu"`
	GOMAXPROCS int    `json:"gomaxprocs"`
	Goroutines int    `json:"goroutines"`
}

type memoryInfo struct {
	AllocBytes     uint64 `json:"allocBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGc"`
}

type networkInfo struct {
	ListenAddr  string   `json:"listenAddr"`
	IPAddresses []string `json:"ipAddresses"`
}

// handleEnvInfo describes the running process: version, Go runtime, memory, the
// effective settings with secrets masked and the addresses it can be reached on.
func (s *Server) handleEnvInfo(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hostname, _ := os.Hostname()
	settings := s.settings
	if settings == nil {
		settings = map[string]string{}
	}

	respondJSON(w, http.StatusOK, envInfo{
		Version:       s.version,
		Environment:   s.environment,
		Hostname:      hostname,
		StartedAt:     s.startedAt.UTC(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Runtime: runtimeInfo{
			GoVersion:  runtime.Version(),
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			NumCPU:     runtime.NumCPU(),
			GOMAXPROCS: runtime.GOMAXPROCS(0),
			Goroutines: runtime.NumGoroutine(),
		},
		Memory: memoryInfo{
			AllocBytes:     mem.Alloc,
			HeapInuseBytes: mem.HeapInuse,
			SysBytes:       mem.Sys,
			NumGC:          mem.NumGC,
		},
		Settings: settings,
		Network: networkInfo{
			ListenAddr:  s.listenAddr(),
			IPAddresses: ipv4Addresses(s.logger),
		},
	})
}

func (s *Server) listenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

func ipv4Addresses(logger *zap.Logger) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logger.Debug("Failed to list interface addresses", zap.Error(err))
		return []string{}
	}
	out := []string{}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}

// handleListLogs lists the daily log files, newest first.
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	files, err := logging.ListFiles(s.logsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: no logs available", errNotFound)
		}
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleDownloadLog streams one log file as an attachment.
func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	if !logging.IsLogFile(name) {
		s.respondError(w, r, fmt.Errorf("%w: invalid log file name %q", errBadRequest, name))
		return
	}

	f, err := os.Open(filepath.Join(s.logsDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: log file %s", errNotFound, name)
		}
		s.respondError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("Failed to stream log file", zap.String("file", name), zap.Error(err))
	}
}
