package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gemigate/internal/apierror"
	"gemigate/pkg/logging"
)

type upstreamModelList struct {
	Models []upstreamModel `json:"models"`
}

type upstreamModel struct {
	Name string `json:"name"`
}

type modelList struct {
	Object string  `json:"object"`
	Data   []model `json:"data"`
}

type model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models by relisting the upstream catalogue in
// the inbound shape.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

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

	url := h.baseURL + "/v1beta/models?pageSize=1000"
	resp, err := h.dispatcher.Do(ctx, http.MethodGet, url, nil, live)
	if err != nil {
		h.writeDispatchError(w, logger, err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("failed to read upstream model list", zap.Error(err))
		apierror.Write(w, err)
		return
	}
	var upstream upstreamModelList
	if err := json.Unmarshal(raw, &upstream); err != nil {
		logger.Warn("upstream model list in unexpected shape, passing through")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	now := time.Now().Unix()
	out := modelList{Object: "list", Data: make([]model, 0, len(upstream.Models))}
	for _, m := range upstream.Models {
		out.Data = append(out.Data, model{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			Object:  "model",
			Created: now,
			OwnedBy: "google",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
