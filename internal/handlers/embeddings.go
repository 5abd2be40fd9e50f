package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"gemigate/internal/apierror"
	"gemigate/internal/transcode"
	"gemigate/pkg/logging"
)

// DefaultEmbeddingModel is used when the requested model has no native
// equivalent.
const DefaultEmbeddingModel = "text-embedding-004"

type embeddingsRequest struct {
	Model      string               `json:"model"`
	Input      transcode.StringList `json:"input"`
	Dimensions *int                 `json:"dimensions,omitempty"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embedContentRequest struct {
	Model                string           `json:"model"`
	Content              embedContent     `json:"content"`
	OutputDimensionality *int             `json:"outputDimensionality,omitempty"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type batchEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

type embeddingList struct {
	Object string      `json:"object"`
	Data   []embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  *usageZero  `json:"usage"`
}

type embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// The upstream batch endpoint reports no token counts.
type usageZero struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func resolveEmbeddingModel(name string) string {
	name = strings.TrimPrefix(name, "models/")
	if strings.HasPrefix(name, "gemini-") || strings.HasPrefix(name, "text-embedding-0") || strings.HasPrefix(name, "embedding-") {
		return name
	}
	return DefaultEmbeddingModel
}

// Embeddings handles POST /v1/embeddings via the upstream batch endpoint.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.Write(w, apierror.Transcode("failed to read request body"))
		return
	}
	var req embeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.Transcode("request body is not valid JSON"))
		return
	}
	if len(req.Input) == 0 {
		apierror.Write(w, apierror.Transcode("input is required").WithParam("input"))
		return
	}

	keys, err := h.pool.Effective(extractKeys(r))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	live := h.pool.Live(ctx, keys)
	if len(live) == 0 {
		apierror.Write(w, apierror.CredentialExhausted("all credentials are currently blacklisted"))
		return
	}

	model := resolveEmbeddingModel(req.Model)
	batch := batchEmbedRequest{Requests: make([]embedContentRequest, 0, len(req.Input))}
	for _, text := range req.Input {
		batch.Requests = append(batch.Requests, embedContentRequest{
			Model:                "models/" + model,
			Content:              embedContent{Parts: []embedPart{{Text: text}}},
			OutputDimensionality: req.Dimensions,
		})
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	url := h.modelURL(model, "batchEmbedContents", "")
	resp, err := h.dispatcher.Do(ctx, http.MethodPost, url, payload, live)
	if err != nil {
		h.writeDispatchError(w, logger, err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("failed to read upstream embeddings", zap.Error(err))
		apierror.Write(w, err)
		return
	}
	var upstream batchEmbedResponse
	if err := json.Unmarshal(raw, &upstream); err != nil {
		logger.Warn("upstream embeddings in unexpected shape, passing through")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	out := embeddingList{
		Object: "list",
		Data:   make([]embedding, 0, len(upstream.Embeddings)),
		Model:  model,
		Usage:  &usageZero{},
	}
	for i, e := range upstream.Embeddings {
		out.Data = append(out.Data, embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: e.Values,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
