package transcode

import (
	"strings"
	"testing"
)

func TestFromGeminiBasic(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Role: "model", Parts: []GeminiPart{textPart("hello")}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 5, TotalTokenCount: 8},
		ModelVersion:  "gemini-2.5-flash-001",
	}
	out := FromGemini(resp, "gemini-2.5-flash", "chatcmpl-test")

	if out.Object != "chat.completion" || out.ID != "chatcmpl-test" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	if out.Model != "gemini-2.5-flash-001" {
		t.Fatalf("modelVersion must win, got %q", out.Model)
	}
	choice := out.Choices[0]
	if choice.FinishReason != FinishStop {
		t.Fatalf("expected stop, got %q", choice.FinishReason)
	}
	if choice.Message == nil || choice.Message.Content == nil || *choice.Message.Content != "hello" {
		t.Fatalf("unexpected message: %+v", choice.Message)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 8 || out.Usage.PromptTokens != 3 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestFinishReasonMapping(t *testing.T) {
	cases := []struct {
		upstream string
		want     string
	}{
		{"STOP", FinishStop},
		{"MAX_TOKENS", FinishLength},
		{"SAFETY", FinishContentFilter},
		{"RECITATION", FinishContentFilter},
		{"MALFORMED_FUNCTION_CALL", "MALFORMED_FUNCTION_CALL"}, // unknown passes through
	}
	for _, tc := range cases {
		if got := mapFinishReason(tc.upstream, false); got != tc.want {
			t.Fatalf("mapFinishReason(%q) = %q, expected %q", tc.upstream, got, tc.want)
		}
	}
}

func TestToolCallsForceFinishReason(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: &GeminiContent{Role: "model", Parts: []GeminiPart{
				{FunctionCall: &GeminiFunctionCall{Name: "weather", Args: map[string]any{"city": "Oslo"}}},
			}},
			FinishReason: "STOP",
		}},
	}
	out := FromGemini(resp, "m", "id")

	choice := out.Choices[0]
	if choice.FinishReason != FinishToolCalls {
		t.Fatalf("tool calls must force finish_reason, got %q", choice.FinishReason)
	}
	calls := choice.Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "weather" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Fatalf("generated ids must carry the call_ prefix: %q", calls[0].ID)
	}
	if !strings.Contains(calls[0].Function.Arguments, `"city":"Oslo"`) {
		t.Fatalf("arguments must be a JSON string: %q", calls[0].Function.Arguments)
	}
	if choice.Message.Content != nil {
		t.Fatalf("content must be null without text, got %v", *choice.Message.Content)
	}
}

func TestMultipleTextPartsJoined(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: &GeminiContent{Role: "model", Parts: []GeminiPart{
				textPart("one"), textPart("two"),
			}},
			FinishReason: "STOP",
		}},
	}
	out := FromGemini(resp, "m", "id")

	got := *out.Choices[0].Message.Content
	if got != "one\n\n|>two" {
		t.Fatalf("parts must be joined with the separator, got %q", got)
	}
}

func TestPromptBlockedSynthesizesChoice(t *testing.T) {
	resp := &GeminiResponse{
		PromptFeedback: &PromptFeedback{BlockReason: "SAFETY"},
	}
	out := FromGemini(resp, "m", "id")

	if len(out.Choices) != 1 {
		t.Fatalf("expected one synthesized choice, got %+v", out.Choices)
	}
	choice := out.Choices[0]
	if choice.Message != nil || choice.FinishReason != FinishContentFilter {
		t.Fatalf("unexpected synthesized choice: %+v", choice)
	}
}

func TestNoUsageWhenMetadataAbsent(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Parts: []GeminiPart{textPart("x")}},
			FinishReason: "STOP",
		}},
	}
	if out := FromGemini(resp, "m", "id"); out.Usage != nil {
		t.Fatalf("usage must be omitted without metadata, got %+v", out.Usage)
	}
}

func TestUpstreamCallIDPreserved(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: &GeminiContent{Parts: []GeminiPart{
				{FunctionCall: &GeminiFunctionCall{ID: "fc-123", Name: "f"}},
			}},
		}},
	}
	out := FromGemini(resp, "m", "id")

	if got := out.Choices[0].Message.ToolCalls[0].ID; got != "fc-123" {
		t.Fatalf("upstream id must be preserved, got %q", got)
	}
}

func TestNewCompletionID(t *testing.T) {
	a, b := NewCompletionID(), NewCompletionID()
	if !strings.HasPrefix(a, "chatcmpl-") {
		t.Fatalf("unexpected id %q", a)
	}
	if strings.Contains(strings.TrimPrefix(a, "chatcmpl-"), "-") {
		t.Fatalf("id suffix must carry no dashes: %q", a)
	}
	if a == b {
		t.Fatalf("ids must be unique")
	}
}
