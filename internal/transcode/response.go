package transcode

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// partSeparator joins multiple text parts of one candidate into one message.
const partSeparator = "\n\n|>"

// finishReasons maps upstream finish reasons onto the inbound enum. Unknown
// values pass through verbatim.
var finishReasons = map[string]string{
	"STOP":       FinishStop,
	"MAX_TOKENS": FinishLength,
	"SAFETY":     FinishContentFilter,
	"RECITATION": FinishContentFilter,
}

// NewCompletionID generates a chat-completion id in the inbound convention.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FromGemini converts one complete upstream response into the inbound
// response shape.
func FromGemini(resp *GeminiResponse, model, id string) *ChatCompletion {
	out := &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: make([]Choice, 0, len(resp.Candidates)),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	for _, cand := range resp.Candidates {
		out.Choices = append(out.Choices, candidateToChoice(cand))
	}
	if len(out.Choices) == 0 && promptBlocked(resp.PromptFeedback) {
		// The prompt itself was blocked: synthesize one choice so callers
		// always see at least one.
		out.Choices = append(out.Choices, Choice{
			Index:        0,
			Message:      nil,
			FinishReason: FinishContentFilter,
		})
	}
	if resp.UsageMetadata != nil {
		out.Usage = usageFromMetadata(resp.UsageMetadata)
	}
	return out
}

func promptBlocked(fb *PromptFeedback) bool {
	return fb != nil && fb.BlockReason != ""
}

func usageFromMetadata(md *UsageMetadata) *Usage {
	return &Usage{
		PromptTokens:     md.PromptTokenCount,
		CompletionTokens: md.CandidatesTokenCount,
		TotalTokens:      md.TotalTokenCount,
	}
}

func candidateToChoice(cand GeminiCandidate) Choice {
	msg := candidateToMessage(cand)
	return Choice{
		Index:        cand.Index,
		Message:      msg,
		FinishReason: mapFinishReason(cand.FinishReason, len(msg.ToolCalls) > 0),
		Logprobs:     nil,
	}
}

// candidateToMessage joins the candidate's text parts into one assistant
// message and lifts function-call parts into tool calls.
func candidateToMessage(cand GeminiCandidate) *ResponseMessage {
	msg := &ResponseMessage{Role: RoleAssistant}
	var texts []string
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				fc := part.FunctionCall
				id := fc.ID
				if id == "" {
					id = newCallID()
				}
				args := "{}"
				if fc.Args != nil {
					if raw, err := marshalArgs(fc.Args); err == nil {
						args = raw
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   id,
					Type: "function",
					Function: FunctionCall{
						Name:      fc.Name,
						Arguments: args,
					},
				})
			case part.Text != nil:
				texts = append(texts, *part.Text)
			}
		}
	}
	if joined := strings.Join(texts, partSeparator); joined != "" {
		msg.Content = &joined
	}
	return msg
}

func marshalArgs(args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func mapFinishReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return FinishToolCalls
	}
	if mapped, ok := finishReasons[upstream]; ok {
		return mapped
	}
	return upstream
}
