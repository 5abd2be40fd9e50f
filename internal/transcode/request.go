package transcode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"gemigate/internal/apierror"
)

// DefaultModel is used when the inbound name resolves to nothing.
const DefaultModel = "gemini-2.5-flash"

// DefaultAliases maps well-known inbound model names to upstream ones.
var DefaultAliases = map[string]string{
	"gpt-4":         "gemini-2.5-pro",
	"gpt-4-turbo":   "gemini-2.5-pro",
	"gpt-3.5-turbo": "gemini-2.5-flash",
}

// searchToolName is the function name clients use to request native search.
const searchToolName = "googleSearch"

// Prefixes the upstream accepts as-is.
var nativePrefixes = []string{"gemini-", "gemma-", "learnlm-"}

// Model families that reject frequency/presence penalties; the fields are
// suppressed for them rather than forwarded.
var noPenaltyPrefixes = []string{"gemma-"}

var harmCategories = []string{
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// Transcoder converts inbound requests to the upstream shape. The HTTP
// client is only used to resolve image URLs to inline bytes.
type Transcoder struct {
	defaultModel string
	aliases      map[string]string
	httpClient   *http.Client
}

type Config struct {
	DefaultModel string
	Aliases      map[string]string
	HTTPClient   *http.Client
}

func New(cfg Config) *Transcoder {
	t := &Transcoder{
		defaultModel: cfg.DefaultModel,
		aliases:      cfg.Aliases,
		httpClient:   cfg.HTTPClient,
	}
	if t.defaultModel == "" {
		t.defaultModel = DefaultModel
	}
	if t.aliases == nil {
		t.aliases = DefaultAliases
	}
	if t.httpClient == nil {
		t.httpClient = http.DefaultClient
	}
	return t
}

// ResolveModel maps the inbound model name to an upstream model, reporting
// whether the name itself demands the native search tool.
func (t *Transcoder) ResolveModel(name string) (model string, search bool) {
	model = t.defaultModel
	switch {
	case name == "":
	case strings.HasPrefix(name, "models/"):
		model = strings.TrimPrefix(name, "models/")
	case hasAnyPrefix(name, nativePrefixes):
		model = name
	default:
		if mapped, ok := t.aliases[name]; ok {
			model = mapped
		}
	}
	if strings.HasSuffix(model, ":search") {
		model = strings.TrimSuffix(model, ":search")
		search = true
	}
	if strings.HasSuffix(name, "-search-preview") {
		search = true
	}
	return model, search
}

// ToGemini converts the inbound request into the upstream body and the
// resolved upstream model name.
func (t *Transcoder) ToGemini(ctx context.Context, req *ChatRequest) (*GeminiRequest, string, error) {
	model, search := t.ResolveModel(req.Model)

	system, contents, err := t.transformMessages(ctx, req.Messages)
	if err != nil {
		return nil, "", err
	}

	cfg, err := transformConfig(req, model)
	if err != nil {
		return nil, "", err
	}

	tools, toolConfig, err := transformTools(req)
	if err != nil {
		return nil, "", err
	}
	if !search && requestsSearchTool(req.Tools) {
		search = true
	}
	if search {
		tools = append(tools, GeminiTool{GoogleSearch: &struct{}{}})
	}

	out := &GeminiRequest{
		SystemInstruction: system,
		Contents:          contents,
		SafetySettings:    permissiveSafetySettings(),
		GenerationConfig:  cfg,
		Tools:             tools,
		ToolConfig:        toolConfig,
	}
	applyGoogleExtra(out, req.ExtraBody)
	return out, model, nil
}

// applyGoogleExtra lays the caller's provider-specific overrides onto the
// transcoded body, last-write-wins.
func applyGoogleExtra(out *GeminiRequest, eb *ExtraBody) {
	if eb == nil || eb.Google == nil {
		return
	}
	extra := eb.Google
	if len(extra.SafetySettings) > 0 {
		out.SafetySettings = extra.SafetySettings
	}
	if extra.CachedContent != "" {
		out.CachedContent = extra.CachedContent
	}
	if extra.ThinkingConfig != nil {
		out.GenerationConfig.ThinkingConfig = extra.ThinkingConfig
	}
}

func permissiveSafetySettings() []SafetySetting {
	settings := make([]SafetySetting, 0, len(harmCategories))
	for _, cat := range harmCategories {
		settings = append(settings, SafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return settings
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// transformConfig renames sampling fields 1:1, only when present.
func transformConfig(req *ChatRequest, model string) (GenerationConfig, error) {
	cfg := GenerationConfig{
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		TopK:           req.TopK,
		CandidateCount: req.N,
		StopSequences:  req.Stop,
		Seed:           req.Seed,
	}
	switch {
	case req.MaxCompletionTokens != nil:
		cfg.MaxOutputTokens = req.MaxCompletionTokens
	case req.MaxTokens != nil:
		cfg.MaxOutputTokens = req.MaxTokens
	}
	if !hasAnyPrefix(model, noPenaltyPrefixes) {
		cfg.FrequencyPenalty = req.FrequencyPenalty
		cfg.PresencePenalty = req.PresencePenalty
	}
	if req.ReasoningEffort != "" {
		if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
			cfg.ThinkingConfig = &ThinkingConfig{ThinkingBudget: budget}
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			if rf.JSONSchema != nil && rf.JSONSchema.Schema != nil {
				schema := adjustSchema(rf.JSONSchema.Schema)
				cfg.ResponseSchema = schema
				if _, ok := schema["enum"]; ok {
					cfg.ResponseMimeType = "text/x.enum"
					break
				}
			}
			cfg.ResponseMimeType = "application/json"
		case "json_object":
			cfg.ResponseMimeType = "application/json"
		case "text":
			cfg.ResponseMimeType = "text/plain"
		default:
			return cfg, apierror.Transcodef("unsupported response_format.type: %q", rf.Type)
		}
	}
	return cfg, nil
}

// adjustSchema deep-copies a JSON schema, dropping the "strict" keyword and
// any additionalProperties:false markers the upstream rejects.
func adjustSchema(schema map[string]any) map[string]any {
	out, _ := adjustSchemaValue(schema).(map[string]any)
	return out
}

func adjustSchemaValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			if k == "strict" {
				continue
			}
			if k == "additionalProperties" {
				if b, ok := val.(bool); ok && !b {
					if _, hasProps := node["properties"]; hasProps && node["type"] == "object" {
						continue
					}
				}
			}
			out[k] = adjustSchemaValue(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = adjustSchemaValue(item)
		}
		return out
	default:
		return v
	}
}

func requestsSearchTool(tools []Tool) bool {
	for _, tool := range tools {
		if tool.Type == "function" && tool.Function != nil && tool.Function.Name == searchToolName {
			return true
		}
	}
	return false
}

func transformTools(req *ChatRequest) ([]GeminiTool, *GeminiToolConfig, error) {
	var tools []GeminiTool
	var decls []GeminiFunctionDecl
	for _, tool := range req.Tools {
		if tool.Type != "function" || tool.Function == nil {
			continue
		}
		if tool.Function.Name == searchToolName {
			continue
		}
		decls = append(decls, GeminiFunctionDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  adjustSchema(tool.Function.Parameters),
		})
	}
	if len(decls) > 0 {
		tools = append(tools, GeminiTool{FunctionDeclarations: decls})
	}

	var toolConfig *GeminiToolConfig
	if tc := req.ToolChoice; tc != nil {
		switch {
		case tc.FunctionName != "":
			toolConfig = &GeminiToolConfig{
				FunctionCallingConfig: FunctionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{tc.FunctionName},
				},
			}
		case tc.Mode != "":
			toolConfig = &GeminiToolConfig{
				FunctionCallingConfig: FunctionCallingConfig{
					Mode: strings.ToUpper(tc.Mode),
				},
			}
		}
	}
	return tools, toolConfig, nil
}

// callRef remembers where a tool_call landed so the matching tool response
// can be slotted back into the same position of the function turn.
type callRef struct {
	index int
	name  string
}

func (t *Transcoder) transformMessages(ctx context.Context, messages []Message) (*GeminiContent, []GeminiContent, error) {
	var system *GeminiContent
	var contents []GeminiContent

	// Pairing state for the most recent assistant tool_calls turn.
	var pendingCalls map[string]callRef
	var fnParts []GeminiPart
	var fnFilled map[int]bool

	flushFnTurn := func() {
		if fnParts == nil {
			return
		}
		parts := make([]GeminiPart, 0, len(fnParts))
		for _, p := range fnParts {
			if p.FunctionResponse != nil {
				parts = append(parts, p)
			}
		}
		contents = append(contents, GeminiContent{Role: "function", Parts: parts})
		fnParts = nil
		fnFilled = nil
	}

	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			parts, err := t.transformContent(ctx, msg.Content)
			if err != nil {
				return nil, nil, err
			}
			system = &GeminiContent{Parts: parts}
			continue

		case RoleTool:
			if pendingCalls == nil {
				return nil, nil, apierror.Transcode("no function calls found in the previous message").
					WithParam(msg.ToolCallID)
			}
			if msg.ToolCallID == "" {
				return nil, nil, apierror.Transcode("tool_call_id not specified")
			}
			ref, ok := pendingCalls[msg.ToolCallID]
			if !ok {
				return nil, nil, apierror.Transcodef("unknown tool_call_id: %s", msg.ToolCallID).
					WithParam(msg.ToolCallID)
			}
			if fnFilled[ref.index] {
				return nil, nil, apierror.Transcodef("duplicated tool_call_id: %s", msg.ToolCallID).
					WithParam(msg.ToolCallID)
			}
			part, err := transformToolResponse(msg, ref)
			if err != nil {
				return nil, nil, err
			}
			if fnParts == nil {
				fnParts = make([]GeminiPart, len(pendingCalls))
				fnFilled = make(map[int]bool, len(pendingCalls))
			}
			if ref.index < len(fnParts) {
				fnParts[ref.index] = part
			}
			fnFilled[ref.index] = true
			continue

		case RoleAssistant:
			flushFnTurn()
			var parts []GeminiPart
			var err error
			if len(msg.ToolCalls) > 0 {
				parts, pendingCalls, err = transformToolCalls(msg.ToolCalls)
			} else {
				pendingCalls = nil
				parts, err = t.transformContent(ctx, msg.Content)
			}
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, GeminiContent{Role: "model", Parts: parts})

		case RoleUser:
			flushFnTurn()
			pendingCalls = nil
			parts, err := t.transformContent(ctx, msg.Content)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, GeminiContent{Role: "user", Parts: parts})

		default:
			return nil, nil, apierror.Transcodef("unknown message role in messages[%d]: %q", i, msg.Role)
		}
	}
	flushFnTurn()

	// The upstream rejects a request whose first turn carries no text at all
	// when a system instruction is present.
	if system != nil && !firstContentHasText(contents) {
		contents = append([]GeminiContent{{Role: "user", Parts: []GeminiPart{textPart(" ")}}}, contents...)
	}
	return system, contents, nil
}

func firstContentHasText(contents []GeminiContent) bool {
	if len(contents) == 0 {
		return false
	}
	for _, p := range contents[0].Parts {
		if p.Text != nil && *p.Text != "" {
			return true
		}
	}
	return false
}

func transformToolCalls(calls []ToolCall) ([]GeminiPart, map[string]callRef, error) {
	parts := make([]GeminiPart, 0, len(calls))
	refs := make(map[string]callRef, len(calls))
	for i, call := range calls {
		if call.Type != "function" {
			return nil, nil, apierror.Transcodef("unsupported tool_call type: %q", call.Type)
		}
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, nil, apierror.Transcodef("invalid function arguments: %s", call.Function.Arguments).
					WithParam(call.ID)
			}
		}
		fc := &GeminiFunctionCall{Name: call.Function.Name, Args: args}
		// Synthetic "call_" ids are ours, not the upstream's; strip them.
		if !strings.HasPrefix(call.ID, "call_") {
			fc.ID = call.ID
		}
		refs[call.ID] = callRef{index: i, name: call.Function.Name}
		parts = append(parts, GeminiPart{FunctionCall: fc})
	}
	return parts, refs, nil
}

func transformToolResponse(msg Message, ref callRef) (GeminiPart, error) {
	if msg.Content.IsParts {
		return GeminiPart{}, apierror.Transcode("tool message content must be a string").
			WithParam(msg.ToolCallID)
	}
	var response any
	if err := json.Unmarshal([]byte(msg.Content.Text), &response); err != nil {
		return GeminiPart{}, apierror.Transcodef("invalid function response: %s", msg.Content.Text).
			WithParam(msg.ToolCallID)
	}
	obj, ok := response.(map[string]any)
	if !ok {
		obj = map[string]any{"result": response}
	}
	fr := &GeminiFunctionResponse{Name: ref.name, Response: obj}
	if !strings.HasPrefix(msg.ToolCallID, "call_") {
		fr.ID = msg.ToolCallID
	}
	return GeminiPart{FunctionResponse: fr}, nil
}

func (t *Transcoder) transformContent(ctx context.Context, content MessageContent) ([]GeminiPart, error) {
	if !content.IsParts {
		return []GeminiPart{textPart(content.Text)}, nil
	}

	parts := make([]GeminiPart, 0, len(content.Parts))
	allImages := len(content.Parts) > 0
	for _, item := range content.Parts {
		switch item.Type {
		case "text":
			parts = append(parts, textPart(item.Text))
			allImages = false
		case "image_url":
			if item.ImageURL == nil {
				return nil, apierror.Transcode("image_url part missing image_url object")
			}
			blob, err := t.resolveImage(ctx, item.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, GeminiPart{InlineData: blob})
		case "input_audio":
			if item.InputAudio == nil {
				return nil, apierror.Transcode("input_audio part missing input_audio object")
			}
			parts = append(parts, GeminiPart{InlineData: &GeminiBlob{
				MimeType: "audio/" + item.InputAudio.Format,
				Data:     item.InputAudio.Data,
			}})
			allImages = false
		default:
			return nil, apierror.Transcodef("unknown content item type: %q", item.Type)
		}
	}
	// An image-only turn still needs a text parameter upstream.
	if allImages {
		parts = append(parts, textPart(""))
	}
	return parts, nil
}

var dataURIRE = regexp.MustCompile(`^data:(.*?)(;base64)?,(.*)$`)

// resolveImage turns an image reference into inline bytes: data URIs are
// decoded in place, http(s) URLs are fetched synchronously.
func (t *Transcoder) resolveImage(ctx context.Context, url string) (*GeminiBlob, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, apierror.Transcodef("invalid image URL: %s", url)
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, apierror.Transcodef("error fetching image: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, apierror.Transcodef("error fetching image: %d %s (%s)",
				resp.StatusCode, http.StatusText(resp.StatusCode), url)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apierror.Transcodef("error reading image: %v", err)
		}
		return &GeminiBlob{
			MimeType: resp.Header.Get("Content-Type"),
			Data:     base64.StdEncoding.EncodeToString(raw),
		}, nil
	}

	m := dataURIRE.FindStringSubmatch(url)
	if m == nil {
		return nil, apierror.Transcode("invalid image data: " + truncate(url, 64))
	}
	mimeType, isBase64, data := m[1], m[2] != "", m[3]
	if !isBase64 {
		// Upstream wants base64; re-encode percent-decoded payloads.
		data = base64.StdEncoding.EncodeToString([]byte(data))
	}
	return &GeminiBlob{MimeType: mimeType, Data: data}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
