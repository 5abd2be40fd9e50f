package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"gemigate/internal/apierror"
	"gemigate/internal/dispatch"
	"gemigate/internal/transcode"
	"gemigate/pkg/logging"
)

// ChatCompletions handles POST /v1/chat/completions for both complete and
// streamed responses.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.Write(w, apierror.Transcode("failed to read request body"))
		return
	}
	var req transcode.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.Transcode("request body is not valid JSON"))
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

	greq, model, err := h.transcoder.ToGemini(ctx, &req)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	payload, err := json.Marshal(greq)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	action, query := "generateContent", ""
	if req.Stream {
		action, query = "streamGenerateContent", "alt=sse"
	}
	url := h.modelURL(model, action, query)

	resp, err := h.dispatcher.Do(ctx, http.MethodPost, url, payload, live)
	if err != nil {
		h.writeDispatchError(w, logger, err)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		h.streamResponse(w, r, resp.Body, model, &req)
		return
	}
	h.completeResponse(w, logger, resp.Body, model)
}

// completeResponse converts one full upstream body. An upstream body that
// does not parse as the expected shape passes through untouched.
func (h *Handler) completeResponse(w http.ResponseWriter, logger *zap.Logger, body io.Reader, model string) {
	raw, err := io.ReadAll(body)
	if err != nil {
		logger.Error("failed to read upstream response", zap.Error(err))
		apierror.Write(w, err)
		return
	}

	var gresp transcode.GeminiResponse
	w.Header().Set("Content-Type", "application/json")
	if err := json.Unmarshal(raw, &gresp); err != nil || len(gresp.Candidates) == 0 && gresp.PromptFeedback == nil {
		logger.Warn("upstream response in unexpected shape, passing through")
		_, _ = w.Write(raw)
		return
	}

	out := transcode.FromGemini(&gresp, model, transcode.NewCompletionID())
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, body io.Reader, model string, req *transcode.ChatRequest) {
	ctx := r.Context()
	logger := logging.L(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.Write(w, errors.New("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	conv := transcode.NewChunkConverter(transcode.NewCompletionID(), model, includeUsage)

	sink := func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := transcode.Pipeline(ctx, body, conv, sink); err != nil {
		// Headers are long gone; all we can do is stop and log.
		logger.Warn("stream aborted", zap.Error(err))
	}
}

// writeDispatchError surfaces the last upstream failure when there was one,
// otherwise reports the pool as exhausted.
func (h *Handler) writeDispatchError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var exhausted *dispatch.ExhaustedError
	if errors.As(err, &exhausted) {
		logger.Error("upstream dispatch exhausted",
			zap.Int("attempts", exhausted.Attempts),
			zap.Int("last_status", exhausted.LastStatus))
		if exhausted.LastStatus > 0 && len(exhausted.LastBody) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(exhausted.LastStatus)
			_, _ = w.Write(exhausted.LastBody)
			return
		}
		apierror.Write(w, apierror.CredentialExhausted(exhausted.Error()))
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Client went away; nothing useful to write.
		return
	}
	logger.Error("upstream dispatch failed", zap.Error(err))
	apierror.Write(w, err)
}
