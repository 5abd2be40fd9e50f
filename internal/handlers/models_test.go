package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListModels(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-pro"},{"name":"models/gemini-2.5-flash"}]}`))
	})
	h, _ := newTestHandler(t, upstream, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer k1,k2")
	rr := httptest.NewRecorder()
	h.ListModels(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out modelList
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("unexpected list: %+v", out)
	}
	if out.Data[0].ID != "gemini-2.5-pro" || out.Data[0].OwnedBy != "google" {
		t.Fatalf("unexpected model entry: %+v", out.Data[0])
	}

	path, _ := upstream.lastPath.Load().(string)
	if !strings.Contains(path, "/v1beta/models") {
		t.Fatalf("unexpected upstream path %q", path)
	}
}

func TestEmbeddings(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2]},{"values":[0.3,0.4]}]}`))
	})
	h, _ := newTestHandler(t, upstream, nil, nil)

	payload := []byte(`{"model":"text-embedding-3-small","input":["one","two"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer k1,k2")
	rr := httptest.NewRecorder()
	h.Embeddings(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out embeddingList
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Data) != 2 || out.Data[1].Index != 1 || out.Data[1].Embedding[0] != 0.3 {
		t.Fatalf("unexpected embeddings: %+v", out)
	}
	if out.Model != DefaultEmbeddingModel {
		t.Fatalf("unmapped model must fall back to the default, got %q", out.Model)
	}

	path, _ := upstream.lastPath.Load().(string)
	if !strings.Contains(path, ":batchEmbedContents") {
		t.Fatalf("unexpected upstream path %q", path)
	}
	body, _ := upstream.lastBody.Load().([]byte)
	if !bytes.Contains(body, []byte(`"text":"one"`)) {
		t.Fatalf("inputs not mapped to requests: %s", body)
	}
}

func TestEmbeddingsMissingInput(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h, _ := newTestHandler(t, upstream, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Authorization", "Bearer k1,k2")
	rr := httptest.NewRecorder()
	h.Embeddings(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if upstream.calls.Load() != 0 {
		t.Fatalf("invalid request must not reach the upstream")
	}
}

func TestSpeechNotSupported(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h, _ := newTestHandler(t, upstream, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.Speech(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "unsupported_endpoint") || !strings.Contains(body, "not_supported_error") {
		t.Fatalf("expected structured not-supported error: %s", body)
	}
}
