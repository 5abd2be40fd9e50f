package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"
)

// Frame is one upstream event, delimited by a blank line. Malformed marks a
// trailing fragment flushed at end-of-stream without its terminator.
type Frame struct {
	Data      []byte
	Malformed bool
}

// FrameParser re-assembles SSE frames from arbitrarily split byte chunks.
// It holds at most one partial frame; a frame is never emitted before its
// terminator has been observed.
type FrameParser struct {
	buf []byte
}

// frame terminators, checked in the order they can appear
var terminators = [][]byte{
	[]byte("\r\n\r\n"),
	[]byte("\n\n"),
	[]byte("\r\r"),
}

func findTerminator(buf []byte) (idx, length int) {
	idx = -1
	for _, t := range terminators {
		if i := bytes.Index(buf, t); i >= 0 && (idx < 0 || i < idx) {
			idx, length = i, len(t)
		}
	}
	return idx, length
}

// Feed appends a chunk and returns every frame completed by it.
func (p *FrameParser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)
	var frames []Frame
	for {
		idx, tlen := findTerminator(p.buf)
		if idx < 0 {
			return frames
		}
		data := make([]byte, idx)
		copy(data, p.buf[:idx])
		frames = append(frames, Frame{Data: data})
		p.buf = p.buf[idx+tlen:]
	}
}

// Flush returns the leftover partial frame at end-of-stream, if any. It is
// flagged so consumers do not expect a terminator ever arriving.
func (p *FrameParser) Flush() *Frame {
	if len(p.buf) == 0 {
		return nil
	}
	f := &Frame{Data: p.buf, Malformed: true}
	p.buf = nil
	return f
}

var (
	dataPrefix = []byte("data: ")
	frameEnd   = []byte("\n\n")
	doneFrame  = []byte("data: [DONE]\n\n")
	nullJSON   = json.RawMessage("null")
)

// ChunkConverter turns parsed upstream frames into inbound-protocol SSE
// frames. It tracks, per candidate index, whether the opening role delta has
// been emitted and the most recent object so a final frame can be flushed at
// end-of-stream.
type ChunkConverter struct {
	id           string
	model        string
	includeUsage bool
	now          func() time.Time

	roleSent     map[int]bool
	lastFinish   map[int]string
	finishSent   map[int]bool
	lastModel    string
	seenIndexes  []int
	usage        *Usage
	doneEmitted  bool
	sawCandidate bool
}

func NewChunkConverter(id, model string, includeUsage bool) *ChunkConverter {
	return &ChunkConverter{
		id:           id,
		model:        model,
		includeUsage: includeUsage,
		now:          time.Now,
		roleSent:     make(map[int]bool),
		lastFinish:   make(map[int]string),
		finishSent:   make(map[int]bool),
	}
}

func (c *ChunkConverter) sseLine(chunk *ChatCompletionChunk) []byte {
	chunk.Created = c.now().Unix()
	raw, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	out := make([]byte, 0, len(dataPrefix)+len(raw)+len(frameEnd))
	out = append(out, dataPrefix...)
	out = append(out, raw...)
	out = append(out, frameEnd...)
	return out
}

func (c *ChunkConverter) newChunk() *ChatCompletionChunk {
	model := c.model
	if c.lastModel != "" {
		model = c.lastModel
	}
	chunk := &ChatCompletionChunk{
		ID:     c.id,
		Object: "chat.completion.chunk",
		Model:  model,
	}
	if c.includeUsage {
		chunk.Usage = nullJSON
	}
	return chunk
}

// Convert maps one upstream frame to zero or more output frames. Frames
// whose payload is not valid upstream JSON pass through unchanged rather
// than being dropped.
func (c *ChunkConverter) Convert(frame Frame) [][]byte {
	payload, ok := bytes.CutPrefix(frame.Data, dataPrefix)
	if !ok {
		return c.passthrough(frame)
	}

	var resp GeminiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return c.passthrough(frame)
	}
	if resp.ModelVersion != "" {
		c.lastModel = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		c.usage = usageFromMetadata(resp.UsageMetadata)
	}

	if len(resp.Candidates) == 0 {
		if !promptBlocked(resp.PromptFeedback) {
			// Heartbeat with nothing to say; do not flood the client.
			return nil
		}
		chunk := c.newChunk()
		reason := FinishContentFilter
		chunk.Choices = []ChunkChoice{{Index: 0, Delta: nil, FinishReason: &reason}}
		c.sawCandidate = true
		if !c.sawIndex(0) {
			c.seenIndexes = append(c.seenIndexes, 0)
		}
		// The finish reason is already on the wire; Flush must not emit a
		// second, contradictory one for this choice.
		c.lastFinish[0] = FinishContentFilter
		c.finishSent[0] = true
		return [][]byte{c.sseLine(chunk)}
	}

	// The upstream streams one candidate per frame.
	cand := resp.Candidates[0]
	idx := cand.Index
	msg := candidateToMessage(cand)
	if cand.FinishReason != "" || len(msg.ToolCalls) > 0 {
		c.lastFinish[idx] = mapFinishReason(cand.FinishReason, len(msg.ToolCalls) > 0)
	}
	if !c.sawIndex(idx) {
		c.seenIndexes = append(c.seenIndexes, idx)
	}
	c.sawCandidate = true

	var out [][]byte
	if !c.roleSent[idx] {
		c.roleSent[idx] = true
		chunk := c.newChunk()
		empty := ""
		chunk.Choices = []ChunkChoice{{
			Index: idx,
			Delta: &Delta{Role: RoleAssistant, Content: &empty},
		}}
		out = append(out, c.sseLine(chunk))
	}

	delta := &Delta{ToolCalls: msg.ToolCalls}
	hasContent := msg.Content != nil && *msg.Content != ""
	if hasContent {
		delta.Content = msg.Content
	}
	if hasContent || len(msg.ToolCalls) > 0 {
		chunk := c.newChunk()
		chunk.Choices = []ChunkChoice{{Index: idx, Delta: delta}}
		out = append(out, c.sseLine(chunk))
	}
	return out
}

func (c *ChunkConverter) sawIndex(idx int) bool {
	for _, i := range c.seenIndexes {
		if i == idx {
			return true
		}
	}
	return false
}

func (c *ChunkConverter) passthrough(frame Frame) [][]byte {
	if frame.Malformed {
		return [][]byte{frame.Data}
	}
	out := make([]byte, 0, len(frame.Data)+len(frameEnd))
	out = append(out, frame.Data...)
	out = append(out, frameEnd...)
	return [][]byte{out}
}

// Flush emits the terminal frames: one finish frame per candidate (usage
// attached to the last when requested), then the [DONE] sentinel.
func (c *ChunkConverter) Flush() [][]byte {
	if c.doneEmitted || !c.sawCandidate {
		return nil
	}
	c.doneEmitted = true

	indexes := c.seenIndexes
	if len(indexes) == 0 {
		indexes = []int{0}
	}
	pending := make([]int, 0, len(indexes))
	for _, idx := range indexes {
		if !c.finishSent[idx] {
			pending = append(pending, idx)
		}
	}

	var usageRaw json.RawMessage
	if c.includeUsage && c.usage != nil {
		if raw, err := json.Marshal(c.usage); err == nil {
			usageRaw = raw
		}
	}

	var out [][]byte
	for n, idx := range pending {
		chunk := c.newChunk()
		reason := c.lastFinish[idx]
		if reason == "" {
			reason = FinishStop
		}
		chunk.Choices = []ChunkChoice{{Index: idx, Delta: &Delta{}, FinishReason: &reason}}
		if n == len(pending)-1 && usageRaw != nil {
			chunk.Usage = usageRaw
		}
		out = append(out, c.sseLine(chunk))
	}
	if len(pending) == 0 && usageRaw != nil {
		// Every finish is already out; usage still needs a terminal frame.
		chunk := c.newChunk()
		chunk.Choices = []ChunkChoice{}
		chunk.Usage = usageRaw
		out = append(out, c.sseLine(chunk))
	}
	return append(out, doneFrame)
}

// Pipeline pumps the upstream body through the parser and converter into
// sink. The next upstream read only happens after sink has accepted every
// frame produced by the previous chunk, so a slow client backpressures the
// upstream naturally. Cancelling ctx stops consumption.
func Pipeline(ctx context.Context, body io.Reader, conv *ChunkConverter, sink func([]byte) error) error {
	parser := &FrameParser{}
	buf := make([]byte, 4096)
	emit := func(frames []Frame) error {
		for _, frame := range frames {
			for _, out := range conv.Convert(frame) {
				if err := sink(out); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if err := emit(parser.Feed(buf[:n])); err != nil {
				return err
			}
		}
		if err == io.EOF {
			if leftover := parser.Flush(); leftover != nil {
				if err := emit([]Frame{*leftover}); err != nil {
					return err
				}
			}
			for _, out := range conv.Flush() {
				if err := sink(out); err != nil {
					return err
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
