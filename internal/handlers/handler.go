// Package handlers implements the inbound HTTP API.
package handlers

import (
	"net/http"
	"strings"

	"gemigate/internal/dispatch"
	"gemigate/internal/keypool"
	"gemigate/internal/transcode"
)

// Handler serves the inbound endpoints against one upstream base URL.
type Handler struct {
	pool       *keypool.Pool
	dispatcher *dispatch.Dispatcher
	transcoder *transcode.Transcoder
	baseURL    string
}

func New(pool *keypool.Pool, dispatcher *dispatch.Dispatcher, transcoder *transcode.Transcoder, baseURL string) *Handler {
	return &Handler{
		pool:       pool,
		dispatcher: dispatcher,
		transcoder: transcoder,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// extractKeys pulls client credentials from the request. Both the bearer
// token and the native header may carry several comma-separated keys.
func extractKeys(r *http.Request) []string {
	raw := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			raw = token
		}
	}
	if raw == "" {
		raw = r.Header.Get("x-goog-api-key")
	}
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (h *Handler) modelURL(model, action, query string) string {
	u := h.baseURL + "/v1beta/models/" + model + ":" + action
	if query != "" {
		u += "?" + query
	}
	return u
}
