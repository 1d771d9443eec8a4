package storehttp

import (
	"net/http"
	"os"
)

// DiskUsage reports capacity of the filesystem holding the base directory.
type DiskUsage struct {
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	usage, err := diskUsage(s.base)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		DiskUsage
	}{OK: true, DiskUsage: usage})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := checkWritable(s.base); err != nil {
		s.logger.Printf("WARN base directory not writable: %v", err)
		http.Error(w, "base directory not writable", http.StatusServiceUnavailable)
		return
	}
	if s.opts.Ready != nil && !s.opts.Ready() {
		http.Error(w, "components not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".readyz-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
