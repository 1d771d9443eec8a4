package storehttp

import (
	"net/http"
	"os"
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	segs, err := segments(r, "type", "second", "third")
	if err != nil || len(segs) < 2 {
		s.opts.Metrics.download(resultNotFound)
		http.NotFound(w, r)
		return
	}

	path, err := within(s.base, segs...)
	if err != nil {
		s.opts.Metrics.download(resultNotFound)
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("WARN open %s: %v", path, err)
		}
		s.opts.Metrics.download(resultNotFound)
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.opts.Metrics.download(resultNotFound)
		http.NotFound(w, r)
		return
	}

	s.opts.Metrics.download(resultServed)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
