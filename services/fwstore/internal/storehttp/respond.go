package storehttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// FlashCookie carries the one-shot message set when an upload is redirected.
const FlashCookie = "fwstore_flash"

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// redirectWithFlash sends the client back to the URL it posted to with msg in FlashCookie.
func redirectWithFlash(w http.ResponseWriter, r *http.Request, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookie,
		Value:    url.QueryEscape(msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, r.URL.RequestURI(), http.StatusFound)
}

// ReadFlash returns the decoded flash message among cookies, if any.
func ReadFlash(cookies []*http.Cookie) string {
	for _, c := range cookies {
		if c.Name != FlashCookie {
			continue
		}
		msg, err := url.QueryUnescape(c.Value)
		if err != nil {
			return c.Value
		}
		return msg
	}
	return ""
}
