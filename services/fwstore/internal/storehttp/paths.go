package storehttp

import (
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

var errBadSegment = errors.New("invalid path segment")

// segments returns the non-empty route parameters in order. chi matches on
// RawPath when it is set, so only those params still need unescaping.
func segments(r *http.Request, names ...string) ([]string, error) {
	escaped := r.URL.RawPath != ""
	out := make([]string, 0, len(names))
	for _, name := range names {
		seg := chi.URLParam(r, name)
		if seg == "" {
			continue
		}
		if escaped {
			var err error
			if seg, err = url.PathUnescape(seg); err != nil {
				return nil, errBadSegment
			}
		}
		if err := checkSegment(seg); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// checkSegment rejects values that would leave the directory they are joined to.
func checkSegment(seg string) error {
	switch {
	case seg == "", seg == ".", seg == "..":
		return errBadSegment
	case strings.ContainsAny(seg, "/\\\x00"):
		return errBadSegment
	}
	return nil
}

// within joins segs onto base and verifies the result stays inside base.
func within(base string, segs ...string) (string, error) {
	path := filepath.Join(append([]string{base}, segs...)...)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errBadSegment
	}
	return path, nil
}
