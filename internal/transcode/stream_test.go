package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func feedAll(t *testing.T, p *FrameParser, input string, chunkSize int) []Frame {
	t.Helper()
	var frames []Frame
	for i := 0; i < len(input); i += chunkSize {
		end := i + chunkSize
		if end > len(input) {
			end = len(input)
		}
		frames = append(frames, p.Feed([]byte(input[i:end]))...)
	}
	if leftover := p.Flush(); leftover != nil {
		frames = append(frames, *leftover)
	}
	return frames
}

func TestFrameParserSplitInvariance(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\r\n\r\ndata: {\"c\":3}\r\rdata: {\"d\":4}\n\n"
	want := []string{`data: {"a":1}`, `data: {"b":2}`, `data: {"c":3}`, `data: {"d":4}`}

	// Byte-at-a-time, mid-terminator splits, and one big chunk must all
	// produce identical frames.
	for _, chunkSize := range []int{1, 2, 3, 7, len(input)} {
		frames := feedAll(t, &FrameParser{}, input, chunkSize)
		if len(frames) != len(want) {
			t.Fatalf("chunk size %d: expected %d frames, got %d", chunkSize, len(want), len(frames))
		}
		for i, f := range frames {
			if string(f.Data) != want[i] {
				t.Fatalf("chunk size %d, frame %d: expected %q, got %q", chunkSize, i, want[i], f.Data)
			}
			if f.Malformed {
				t.Fatalf("chunk size %d, frame %d unexpectedly malformed", chunkSize, i)
			}
		}
	}
}

func TestFrameParserNoEmissionBeforeTerminator(t *testing.T) {
	p := &FrameParser{}
	if frames := p.Feed([]byte("data: {\"a\":1}")); len(frames) != 0 {
		t.Fatalf("no frame may be emitted before its terminator, got %v", frames)
	}
	if frames := p.Feed([]byte("\n")); len(frames) != 0 {
		t.Fatalf("half a terminator is not a terminator, got %v", frames)
	}
	frames := p.Feed([]byte("\n"))
	if len(frames) != 1 || string(frames[0].Data) != `data: {"a":1}` {
		t.Fatalf("expected the completed frame, got %v", frames)
	}
}

func TestFrameParserFlushMarksLeftover(t *testing.T) {
	p := &FrameParser{}
	p.Feed([]byte("data: {\"trunc"))
	leftover := p.Flush()
	if leftover == nil || !leftover.Malformed {
		t.Fatalf("expected malformed leftover, got %v", leftover)
	}
	if p.Flush() != nil {
		t.Fatalf("second flush must be empty")
	}
}

func candidateFrame(text, finish string) Frame {
	resp := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Role: "model", Parts: []GeminiPart{textPart(text)}},
			FinishReason: finish,
		}},
	}
	raw, _ := json.Marshal(resp)
	return Frame{Data: append([]byte("data: "), raw...)}
}

func decodeChunks(t *testing.T, outputs [][]byte) []ChatCompletionChunk {
	t.Helper()
	var chunks []ChatCompletionChunk
	for _, out := range outputs {
		payload := bytes.TrimSuffix(bytes.TrimPrefix(out, []byte("data: ")), []byte("\n\n"))
		if string(payload) == "[DONE]" {
			continue
		}
		var chunk ChatCompletionChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", out, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestConverterRoleDeltaOnce(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)

	var outputs [][]byte
	outputs = append(outputs, conv.Convert(candidateFrame("hel", ""))...)
	outputs = append(outputs, conv.Convert(candidateFrame("lo", "STOP"))...)
	outputs = append(outputs, conv.Flush()...)

	chunks := decodeChunks(t, outputs)
	roleCount := 0
	for _, c := range chunks {
		for _, ch := range c.Choices {
			if ch.Delta != nil && ch.Delta.Role != "" {
				roleCount++
			}
		}
	}
	if roleCount != 1 {
		t.Fatalf("role must be announced exactly once, got %d times", roleCount)
	}

	last := string(outputs[len(outputs)-1])
	if last != "data: [DONE]\n\n" {
		t.Fatalf("stream must end with the DONE sentinel, got %q", last)
	}
}

func TestConverterFinalFrameCarriesFinishReason(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)
	conv.Convert(candidateFrame("x", "MAX_TOKENS"))
	outputs := conv.Flush()

	chunks := decodeChunks(t, outputs)
	final := chunks[len(chunks)-1]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != FinishLength {
		t.Fatalf("expected length finish, got %+v", final.Choices[0])
	}
	if conv.Flush() != nil {
		t.Fatalf("flush must be idempotent")
	}
}

func TestConverterSuppressesEmptyDeltas(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)

	outputs := conv.Convert(candidateFrame("", ""))
	chunks := decodeChunks(t, outputs)
	// Only the role announcement may appear; no empty content delta.
	for _, c := range chunks {
		for _, ch := range c.Choices {
			if ch.Delta != nil && ch.Delta.Role == "" && ch.Delta.Content != nil {
				t.Fatalf("empty content delta must be suppressed: %+v", ch)
			}
		}
	}
}

func TestConverterHeartbeatSuppressed(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)
	frame := Frame{Data: []byte(`data: {"candidates":[]}`)}
	if outputs := conv.Convert(frame); len(outputs) != 0 {
		t.Fatalf("candidate-free heartbeat must produce nothing, got %v", outputs)
	}
}

func TestConverterPromptBlockFrame(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)
	frame := Frame{Data: []byte(`data: {"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)}
	outputs := conv.Convert(frame)

	chunks := decodeChunks(t, outputs)
	if len(chunks) != 1 {
		t.Fatalf("expected one block frame, got %v", outputs)
	}
	choice := chunks[0].Choices[0]
	if choice.Delta != nil || choice.FinishReason == nil || *choice.FinishReason != FinishContentFilter {
		t.Fatalf("unexpected block frame: %+v", choice)
	}
}

func TestConverterPromptBlockSingleFinish(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)
	frame := Frame{Data: []byte(`data: {"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)}

	var outputs [][]byte
	outputs = append(outputs, conv.Convert(frame)...)
	outputs = append(outputs, conv.Flush()...)

	var finishes []string
	for _, c := range decodeChunks(t, outputs) {
		for _, ch := range c.Choices {
			if ch.FinishReason != nil {
				finishes = append(finishes, *ch.FinishReason)
			}
		}
	}
	if len(finishes) != 1 || finishes[0] != FinishContentFilter {
		t.Fatalf("blocked stream must carry exactly one content_filter finish, got %v", finishes)
	}
	if last := string(outputs[len(outputs)-1]); last != "data: [DONE]\n\n" {
		t.Fatalf("stream must still end with DONE, got %q", last)
	}
}

func TestConverterPromptBlockWithUsage(t *testing.T) {
	conv := NewChunkConverter("id", "m", true)
	conv.Convert(Frame{Data: []byte(`data: {"candidates":[],"promptFeedback":{"blockReason":"SAFETY"},"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":0,"totalTokenCount":4}}`)})
	outputs := conv.Flush()

	chunks := decodeChunks(t, outputs)
	terminal := chunks[len(chunks)-1]
	if len(terminal.Choices) != 0 {
		t.Fatalf("usage-only terminal frame must carry no choices, got %+v", terminal.Choices)
	}
	var usage Usage
	if err := json.Unmarshal(terminal.Usage, &usage); err != nil || usage.PromptTokens != 4 {
		t.Fatalf("expected usage on terminal frame, got %s", terminal.Usage)
	}
}

func TestConverterPassthroughOnUnparseable(t *testing.T) {
	conv := NewChunkConverter("id", "m", false)

	outputs := conv.Convert(Frame{Data: []byte("data: {not json")})
	if len(outputs) != 1 || string(outputs[0]) != "data: {not json\n\n" {
		t.Fatalf("unparseable frames must pass through, got %q", outputs)
	}

	outputs = conv.Convert(Frame{Data: []byte(": comment"), Malformed: false})
	if len(outputs) != 1 || string(outputs[0]) != ": comment\n\n" {
		t.Fatalf("non-data frames must pass through, got %q", outputs)
	}
}

func TestConverterUsageOnlyOnTerminalFrame(t *testing.T) {
	conv := NewChunkConverter("id", "m", true)

	resp := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Parts: []GeminiPart{textPart("x")}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 1, CandidatesTokenCount: 2, TotalTokenCount: 3},
	}
	raw, _ := json.Marshal(resp)

	var outputs [][]byte
	outputs = append(outputs, conv.Convert(Frame{Data: append([]byte("data: "), raw...)})...)
	interior := decodeChunks(t, outputs)
	for _, c := range interior {
		if string(c.Usage) != "null" {
			t.Fatalf("interior frames must carry usage:null, got %s", c.Usage)
		}
	}

	finals := conv.Flush()
	chunks := decodeChunks(t, finals)
	terminal := chunks[len(chunks)-1]
	var usage Usage
	if err := json.Unmarshal(terminal.Usage, &usage); err != nil || usage.TotalTokens != 3 {
		t.Fatalf("terminal frame must carry real usage, got %s", terminal.Usage)
	}
}

func TestConverterModelVersionOverride(t *testing.T) {
	conv := NewChunkConverter("id", "gemini-2.5-flash", false)
	frame := Frame{Data: []byte(`data: {"candidates":[{"content":{"parts":[{"text":"x"}]}}],"modelVersion":"gemini-2.5-flash-002"}`)}
	outputs := conv.Convert(frame)

	chunks := decodeChunks(t, outputs)
	for _, c := range chunks {
		if c.Model != "gemini-2.5-flash-002" {
			t.Fatalf("modelVersion must win, got %q", c.Model)
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]}`,
		"",
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":4,"totalTokenCount":6}}`,
		"",
		"",
	}, "\n")

	conv := NewChunkConverter("id", "m", false)
	var got []string
	err := Pipeline(context.Background(), strings.NewReader(upstream), conv, func(frame []byte) error {
		got = append(got, string(frame))
		return nil
	})
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}

	joined := strings.Join(got, "")
	if !strings.Contains(joined, `"content":"hel"`) || !strings.Contains(joined, `"content":"lo"`) {
		t.Fatalf("missing content deltas: %s", joined)
	}
	if !strings.HasSuffix(joined, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with DONE: %s", joined)
	}
}

func TestPipelineStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conv := NewChunkConverter("id", "m", false)
	err := Pipeline(ctx, strings.NewReader("data: x\n\n"), conv, func([]byte) error { return nil })
	if err == nil {
		t.Fatalf("cancelled pipeline must return an error")
	}
}
